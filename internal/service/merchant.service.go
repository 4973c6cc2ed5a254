package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"donation-gateway/internal/domain"
	"donation-gateway/internal/repo"
)

// MerchantService decides the outcome of every gateway call. All
// decisions are made from a freshly read row under a per-external-id
// row lock; nothing is cached between calls.
type MerchantService interface {
	CheckPerformTransaction(ctx context.Context, donationID string, amount int64) error
	CreateTransaction(ctx context.Context, externalID, donationID string, amount int64) (*domain.Transaction, error)
	PerformTransaction(ctx context.Context, externalID string) (*domain.Transaction, error)
	CancelTransaction(ctx context.Context, externalID string, reason int) (*domain.Transaction, error)
	CheckTransaction(ctx context.Context, externalID string) (*domain.Transaction, error)
	GetStatement(ctx context.Context, from, to time.Time) ([]domain.Transaction, error)

	// CreateDonation backs the checkout side-channel: the donation must
	// exist before the gateway's first callback for it can succeed.
	CreateDonation(ctx context.Context, id string, amount int64) (*domain.Donation, error)
}

type merchantService struct {
	db           *sql.DB
	donationRepo repo.DonationRepo
	txRepo       repo.TransactionRepo
	ttl          time.Duration
}

func NewMerchantService(
	db *sql.DB,
	donationRepo repo.DonationRepo,
	txRepo repo.TransactionRepo,
	ttl time.Duration,
) MerchantService {
	return &merchantService{
		db:           db,
		donationRepo: donationRepo,
		txRepo:       txRepo,
		ttl:          ttl,
	}
}

func (s *merchantService) CheckPerformTransaction(ctx context.Context, donationID string, amount int64) error {
	donation, err := s.donationRepo.FindByID(ctx, donationID)
	if err != nil {
		return fmt.Errorf("load donation: %w", err)
	}
	if donation == nil {
		return domain.ErrInvalidAccount()
	}
	if donation.Amount != amount {
		return domain.ErrInvalidAmount()
	}
	return nil
}

func (s *merchantService) CreateTransaction(ctx context.Context, externalID, donationID string, amount int64) (*domain.Transaction, error) {
	// Account validation comes before any look at the transaction row.
	donation, err := s.donationRepo.FindByID(ctx, donationID)
	if err != nil {
		return nil, fmt.Errorf("load donation: %w", err)
	}
	if donation == nil {
		return nil, domain.ErrInvalidAccount()
	}
	if donation.Amount != amount {
		return nil, domain.ErrInvalidAmount()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := s.txRepo.FindByExternalIDForUpdate(ctx, tx, externalID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if existing != nil {
		return s.repeatCreate(ctx, tx, existing, donationID, amount)
	}

	if donation.State == domain.DonationPaid {
		return nil, domain.ErrCannotPerform()
	}

	txn := &domain.Transaction{
		ExternalID: externalID,
		DonationID: donationID,
		Amount:     amount,
		State:      domain.StateCreated,
		CreateTime: now(),
	}
	inserted, err := s.txRepo.Create(ctx, tx, txn)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	if !inserted {
		// Lost a race with a duplicate delivery. Re-read under the lock
		// and treat it as a repeat.
		existing, err = s.txRepo.FindByExternalIDForUpdate(ctx, tx, externalID)
		if err != nil {
			return nil, fmt.Errorf("load transaction: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("transaction %s vanished after conflicting insert", externalID)
		}
		return s.repeatCreate(ctx, tx, existing, donationID, amount)
	}

	if err := s.donationRepo.UpdateState(ctx, tx, donationID, domain.DonationCreated); err != nil {
		return nil, fmt.Errorf("update donation state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// repeatCreate handles a CreateTransaction for an external id that is
// already persisted: identical parameters get the stored snapshot back,
// anything else is a conflict. The snapshot is returned even when the
// TTL check cancels it first; the gateway sees the cancelled state in
// the payload.
func (s *merchantService) repeatCreate(ctx context.Context, tx *sql.Tx, existing *domain.Transaction, donationID string, amount int64) (*domain.Transaction, error) {
	if existing.DonationID != donationID || existing.Amount != amount {
		return nil, domain.ErrCannotPerform()
	}
	if _, err := s.expireIfNeeded(ctx, tx, existing); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *merchantService) PerformTransaction(ctx context.Context, externalID string) (*domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := s.txRepo.FindByExternalIDForUpdate(ctx, tx, externalID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if txn == nil {
		return nil, domain.ErrTxNotFound()
	}

	expired, err := s.expireIfNeeded(ctx, tx, txn)
	if err != nil {
		return nil, err
	}
	if expired {
		// The expiry transition must survive even though the perform
		// itself is refused.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, domain.ErrCannotPerform()
	}
	if txn.Cancelled() {
		return nil, domain.ErrCannotPerform()
	}
	if txn.State == domain.StatePerformed {
		return txn, nil // gateway retry, no mutation
	}

	txn.Perform(now())
	if err := s.txRepo.Update(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	if err := s.donationRepo.UpdateState(ctx, tx, txn.DonationID, domain.DonationPaid); err != nil {
		return nil, fmt.Errorf("update donation state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *merchantService) CancelTransaction(ctx context.Context, externalID string, reason int) (*domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := s.txRepo.FindByExternalIDForUpdate(ctx, tx, externalID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if txn == nil {
		return nil, domain.ErrTxNotFound()
	}
	if txn.Cancelled() {
		return txn, nil // gateway retry, no mutation
	}

	if txn.Expired(now(), s.ttl) {
		// The expiry reason wins over the caller's.
		txn.Cancel(now(), domain.ReasonExpired)
	} else {
		txn.Cancel(now(), reason)
	}
	if err := s.txRepo.Update(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}
	if err := s.donationRepo.UpdateState(ctx, tx, txn.DonationID, txn.DonationState()); err != nil {
		return nil, fmt.Errorf("update donation state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *merchantService) CheckTransaction(ctx context.Context, externalID string) (*domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := s.txRepo.FindByExternalIDForUpdate(ctx, tx, externalID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if txn == nil {
		return nil, domain.ErrTxNotFound()
	}
	if _, err := s.expireIfNeeded(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *merchantService) GetStatement(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	txns, err := s.txRepo.ListByCreateTime(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

func (s *merchantService) CreateDonation(ctx context.Context, id string, amount int64) (*domain.Donation, error) {
	if id == "" {
		id = uuid.New().String()
	}
	donation := &domain.Donation{
		ID:        id,
		Amount:    amount,
		State:     domain.DonationNew,
		CreatedAt: now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.donationRepo.Create(ctx, tx, donation); err != nil {
		return nil, fmt.Errorf("create donation: %w", err)
	}
	// Re-read so a repeated call gets the original row back.
	stored, err := s.donationRepo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("load donation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

// now is the single clock for state transitions, truncated to the
// millisecond precision the wire format carries so a snapshot read
// back from storage compares equal to the one returned at write time.
func now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

// expireIfNeeded lazily applies the TTL: a Created transaction past its
// window is cancelled and persisted before the calling method's own
// logic runs. There is no background sweep.
func (s *merchantService) expireIfNeeded(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) (bool, error) {
	if !txn.Expired(now(), s.ttl) {
		return false, nil
	}
	txn.Cancel(now(), domain.ReasonExpired)
	if err := s.txRepo.Update(ctx, tx, txn); err != nil {
		return false, fmt.Errorf("expire transaction: %w", err)
	}
	if err := s.donationRepo.UpdateState(ctx, tx, txn.DonationID, txn.DonationState()); err != nil {
		return false, fmt.Errorf("update donation state: %w", err)
	}
	return true, nil
}
