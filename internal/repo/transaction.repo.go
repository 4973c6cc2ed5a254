package repo

import (
	"context"
	"database/sql"
	"time"

	"donation-gateway/internal/domain"
)

type TransactionRepo interface {
	FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	// FindByExternalIDForUpdate locks the row inside tx so that
	// concurrent calls on the same external id serialize.
	FindByExternalIDForUpdate(ctx context.Context, tx *sql.Tx, externalID string) (*domain.Transaction, error)
	// Create inserts unless the external id already exists; the bool
	// reports whether a row was actually written.
	Create(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) (bool, error)
	// Update overwrites the mutable columns only. Amount, donation id
	// and create time are write-once.
	Update(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error
	ListByCreateTime(ctx context.Context, from, to time.Time) ([]domain.Transaction, error)
}

type transactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) TransactionRepo {
	return &transactionRepo{db: db}
}

const transactionColumns = "external_id, donation_id, amount, state, create_time, perform_time, cancel_time, reason"

func (r *transactionRepo) FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE external_id = $1", externalID))
}

func (r *transactionRepo) FindByExternalIDForUpdate(ctx context.Context, tx *sql.Tx, externalID string) (*domain.Transaction, error) {
	return scanTransaction(tx.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE external_id = $1 FOR UPDATE", externalID))
}

func (r *transactionRepo) Create(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO transactions ("+transactionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (external_id) DO NOTHING",
		txn.ExternalID, txn.DonationID, txn.Amount, txn.State,
		txn.CreateTime, nullTime(txn.PerformTime), nullTime(txn.CancelTime), txn.Reason,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *transactionRepo) Update(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE transactions SET state = $1, perform_time = $2, cancel_time = $3, reason = $4 WHERE external_id = $5",
		txn.State, nullTime(txn.PerformTime), nullTime(txn.CancelTime), txn.Reason, txn.ExternalID,
	)
	return err
}

func (r *transactionRepo) ListByCreateTime(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE create_time >= $1 AND create_time <= $2 ORDER BY create_time ASC",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var performTime, cancelTime sql.NullTime
		if err := rows.Scan(
			&t.ExternalID, &t.DonationID, &t.Amount, &t.State,
			&t.CreateTime, &performTime, &cancelTime, &t.Reason,
		); err != nil {
			return nil, err
		}
		t.PerformTime = performTime.Time
		t.CancelTime = cancelTime.Time
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func scanTransaction(row *sql.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var performTime, cancelTime sql.NullTime
	err := row.Scan(
		&t.ExternalID, &t.DonationID, &t.Amount, &t.State,
		&t.CreateTime, &performTime, &cancelTime, &t.Reason,
	)
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err // system error
	}
	t.PerformTime = performTime.Time
	t.CancelTime = cancelTime.Time
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
