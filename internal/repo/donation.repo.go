package repo

import (
	"context"
	"database/sql"

	"donation-gateway/internal/domain"
)

type DonationRepo interface {
	// Create is an insert-if-absent: a repeated call with the same id
	// leaves the existing row untouched.
	Create(ctx context.Context, tx *sql.Tx, donation *domain.Donation) error
	FindByID(ctx context.Context, id string) (*domain.Donation, error)
	// FindByIDForUpdate locks the row inside tx until commit.
	FindByIDForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.Donation, error)
	UpdateState(ctx context.Context, tx *sql.Tx, id string, state domain.DonationState) error
}

type donationRepo struct {
	db *sql.DB
}

func NewDonationRepo(db *sql.DB) DonationRepo {
	return &donationRepo{db: db}
}

func (r *donationRepo) Create(ctx context.Context, tx *sql.Tx, donation *domain.Donation) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO donations (id, amount, state, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING",
		donation.ID, donation.Amount, donation.State, donation.CreatedAt,
	)
	return err
}

func (r *donationRepo) FindByID(ctx context.Context, id string) (*domain.Donation, error) {
	return scanDonation(r.db.QueryRowContext(ctx,
		"SELECT id, amount, state, created_at FROM donations WHERE id = $1", id))
}

func (r *donationRepo) FindByIDForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.Donation, error) {
	return scanDonation(tx.QueryRowContext(ctx,
		"SELECT id, amount, state, created_at FROM donations WHERE id = $1 FOR UPDATE", id))
}

func (r *donationRepo) UpdateState(ctx context.Context, tx *sql.Tx, id string, state domain.DonationState) error {
	_, err := tx.ExecContext(ctx, "UPDATE donations SET state = $1 WHERE id = $2", state, id)
	return err
}

func scanDonation(row *sql.Row) (*domain.Donation, error) {
	var d domain.Donation
	err := row.Scan(&d.ID, &d.Amount, &d.State, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err // system error
	}
	return &d, nil
}
