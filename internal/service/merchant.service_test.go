package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"donation-gateway/internal/database"
	"donation-gateway/internal/domain"
	"donation-gateway/internal/repo"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("gateway"),
		tcpostgres.WithUsername("gateway"),
		tcpostgres.WithPassword("gateway"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("connection string: %v", err)
	}

	db, err := database.Open(connStr)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	if err := database.Migrate(ctx, db.DB()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	testDB = db.DB()

	code := m.Run()

	db.Close()
	_ = ctr.Terminate(ctx)
	os.Exit(code)
}

func newMerchant(ttl time.Duration) MerchantService {
	return NewMerchantService(testDB, repo.NewDonationRepo(testDB), repo.NewTransactionRepo(testDB), ttl)
}

// seedDonation inserts a donation directly and returns its id.
func seedDonation(t *testing.T, svc MerchantService, amount int64) string {
	t.Helper()
	d, err := svc.CreateDonation(context.Background(), "", amount)
	require.NoError(t, err)
	return d.ID
}

func protocolCode(t *testing.T, err error) int {
	t.Helper()
	pe, ok := domain.AsError(err)
	require.True(t, ok, "expected protocol error, got %v", err)
	return pe.Code
}

func TestCheckPerformTransaction(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 1000000)

	require.NoError(t, svc.CheckPerformTransaction(ctx, donationID, 1000000))

	err := svc.CheckPerformTransaction(ctx, "no-such-donation", 1000000)
	assert.Equal(t, domain.CodeInvalidAccount, protocolCode(t, err))

	err = svc.CheckPerformTransaction(ctx, donationID, 999999)
	assert.Equal(t, domain.CodeInvalidAmount, protocolCode(t, err))
}

func TestCreateTransactionIdempotent(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 500000)
	externalID := uuid.NewString()

	first, err := svc.CreateTransaction(ctx, externalID, donationID, 500000)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, first.State)

	second, err := svc.CreateTransaction(ctx, externalID, donationID, 500000)
	require.NoError(t, err)
	assert.Equal(t, first.CreateTime.UnixMilli(), second.CreateTime.UnixMilli())
	assert.Equal(t, first.State, second.State)

	var count int
	require.NoError(t, testDB.QueryRow(
		"SELECT count(*) FROM transactions WHERE external_id = $1", externalID).Scan(&count))
	assert.Equal(t, 1, count)

	d, err := repo.NewDonationRepo(testDB).FindByID(ctx, donationID)
	require.NoError(t, err)
	assert.Equal(t, domain.DonationCreated, d.State)
}

func TestCreateTransactionConflict(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 500000)
	otherID := seedDonation(t, svc, 500000)
	externalID := uuid.NewString()

	original, err := svc.CreateTransaction(ctx, externalID, donationID, 500000)
	require.NoError(t, err)

	// Same external id, different account.
	_, err = svc.CreateTransaction(ctx, externalID, otherID, 500000)
	assert.Equal(t, domain.CodeCannotPerform, protocolCode(t, err))

	// Same external id, different amount: rejected before any write.
	_, err = svc.CreateTransaction(ctx, externalID, donationID, 250000)
	assert.Equal(t, domain.CodeInvalidAmount, protocolCode(t, err))

	stored, err := repo.NewTransactionRepo(testDB).FindByExternalID(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, original.DonationID, stored.DonationID)
	assert.Equal(t, original.Amount, stored.Amount)
	assert.Equal(t, domain.StateCreated, stored.State)
}

func TestCreateTransactionValidation(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 500000)

	_, err := svc.CreateTransaction(ctx, uuid.NewString(), "no-such-donation", 500000)
	assert.Equal(t, domain.CodeInvalidAccount, protocolCode(t, err))

	_, err = svc.CreateTransaction(ctx, uuid.NewString(), donationID, 1)
	assert.Equal(t, domain.CodeInvalidAmount, protocolCode(t, err))
}

func TestCreateTransactionOnPaidDonation(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 500000)

	externalID := uuid.NewString()
	_, err := svc.CreateTransaction(ctx, externalID, donationID, 500000)
	require.NoError(t, err)
	_, err = svc.PerformTransaction(ctx, externalID)
	require.NoError(t, err)

	_, err = svc.CreateTransaction(ctx, uuid.NewString(), donationID, 500000)
	assert.Equal(t, domain.CodeCannotPerform, protocolCode(t, err))
}

func TestPerformTransactionIdempotent(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 750000)
	externalID := uuid.NewString()

	_, err := svc.CreateTransaction(ctx, externalID, donationID, 750000)
	require.NoError(t, err)

	first, err := svc.PerformTransaction(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePerformed, first.State)
	assert.False(t, first.PerformTime.IsZero())

	second, err := svc.PerformTransaction(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, first.PerformTime.UnixMilli(), second.PerformTime.UnixMilli())

	d, err := repo.NewDonationRepo(testDB).FindByID(ctx, donationID)
	require.NoError(t, err)
	assert.Equal(t, domain.DonationPaid, d.State)
}

func TestPerformTransactionNotFound(t *testing.T) {
	svc := newMerchant(time.Hour)
	_, err := svc.PerformTransaction(context.Background(), uuid.NewString())
	assert.Equal(t, domain.CodeTxNotFound, protocolCode(t, err))
}

func TestCancelTransactionBranches(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()

	// Cancel before perform.
	donationID := seedDonation(t, svc, 300000)
	externalID := uuid.NewString()
	_, err := svc.CreateTransaction(ctx, externalID, donationID, 300000)
	require.NoError(t, err)

	cancelled, err := svc.CancelTransaction(ctx, externalID, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelledBeforePerform, cancelled.State)
	assert.Equal(t, 3, *cancelled.Reason)

	// Cancelling again returns the identical snapshot, reason included.
	again, err := svc.CancelTransaction(ctx, externalID, 9)
	require.NoError(t, err)
	assert.Equal(t, cancelled.State, again.State)
	assert.Equal(t, 3, *again.Reason)
	assert.Equal(t, cancelled.CancelTime.UnixMilli(), again.CancelTime.UnixMilli())

	// Perform on a cancelled transaction is refused.
	_, err = svc.PerformTransaction(ctx, externalID)
	assert.Equal(t, domain.CodeCannotPerform, protocolCode(t, err))

	// Cancel after perform.
	donationID = seedDonation(t, svc, 300000)
	externalID = uuid.NewString()
	_, err = svc.CreateTransaction(ctx, externalID, donationID, 300000)
	require.NoError(t, err)
	performed, err := svc.PerformTransaction(ctx, externalID)
	require.NoError(t, err)

	cancelled, err = svc.CancelTransaction(ctx, externalID, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelledAfterPerform, cancelled.State)
	assert.Equal(t, 5, *cancelled.Reason)
	assert.Equal(t, performed.PerformTime.UnixMilli(), cancelled.PerformTime.UnixMilli())

	d, err := repo.NewDonationRepo(testDB).FindByID(ctx, donationID)
	require.NoError(t, err)
	assert.Equal(t, domain.DonationCancelledAfterPerform, d.State)
}

func TestCheckTransaction(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 100000)
	externalID := uuid.NewString()

	_, err := svc.CheckTransaction(ctx, externalID)
	assert.Equal(t, domain.CodeTxNotFound, protocolCode(t, err))

	created, err := svc.CreateTransaction(ctx, externalID, donationID, 100000)
	require.NoError(t, err)

	checked, err := svc.CheckTransaction(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, created.CreateTime.UnixMilli(), checked.CreateTime.UnixMilli())
	assert.Equal(t, domain.StateCreated, checked.State)
}

func TestTTLExpiry(t *testing.T) {
	svc := newMerchant(50 * time.Millisecond)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 200000)
	externalID := uuid.NewString()

	_, err := svc.CreateTransaction(ctx, externalID, donationID, 200000)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	// Perform past the window: the expiry transition is persisted
	// first, then the perform itself is refused.
	_, err = svc.PerformTransaction(ctx, externalID)
	assert.Equal(t, domain.CodeCannotPerform, protocolCode(t, err))

	checked, err := svc.CheckTransaction(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelledBeforePerform, checked.State)
	assert.Equal(t, domain.ReasonExpired, *checked.Reason)
	assert.False(t, checked.CancelTime.IsZero())

	d, err := repo.NewDonationRepo(testDB).FindByID(ctx, donationID)
	require.NoError(t, err)
	assert.Equal(t, domain.DonationCancelledBeforePerform, d.State)
}

func TestTTLExpiryViaCheck(t *testing.T) {
	svc := newMerchant(50 * time.Millisecond)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 200000)
	externalID := uuid.NewString()

	_, err := svc.CreateTransaction(ctx, externalID, donationID, 200000)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	checked, err := svc.CheckTransaction(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelledBeforePerform, checked.State)
	assert.Equal(t, domain.ReasonExpired, *checked.Reason)
}

func TestCreateRepeatAfterExpiry(t *testing.T) {
	svc := newMerchant(50 * time.Millisecond)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 200000)
	externalID := uuid.NewString()

	_, err := svc.CreateTransaction(ctx, externalID, donationID, 200000)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	// The repeat is answered with the snapshot, no error; the gateway
	// sees the cancelled state in the payload.
	snap, err := svc.CreateTransaction(ctx, externalID, donationID, 200000)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelledBeforePerform, snap.State)
	assert.Equal(t, domain.ReasonExpired, *snap.Reason)
}

func TestCancelExpiredUsesExpiryReason(t *testing.T) {
	svc := newMerchant(50 * time.Millisecond)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 200000)
	externalID := uuid.NewString()

	_, err := svc.CreateTransaction(ctx, externalID, donationID, 200000)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	cancelled, err := svc.CancelTransaction(ctx, externalID, 9)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelledBeforePerform, cancelled.State)
	assert.Equal(t, domain.ReasonExpired, *cancelled.Reason)
}

func TestConcurrentPerform(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 900000)
	externalID := uuid.NewString()

	_, err := svc.CreateTransaction(ctx, externalID, donationID, 900000)
	require.NoError(t, err)

	const callers = 2
	results := make([]*domain.Transaction, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.PerformTransaction(ctx, externalID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.StatePerformed, results[i].State)
	}
	// Exactly one transition: both callers see the same perform time.
	assert.Equal(t, results[0].PerformTime.UnixMilli(), results[1].PerformTime.UnixMilli())

	stored, err := repo.NewTransactionRepo(testDB).FindByExternalID(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePerformed, stored.State)
	assert.Equal(t, results[0].PerformTime.UnixMilli(), stored.PerformTime.UnixMilli())
}

func TestConcurrentCreate(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 400000)
	externalID := uuid.NewString()

	const callers = 4
	results := make([]*domain.Transaction, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CreateTransaction(ctx, externalID, donationID, 400000)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].CreateTime.UnixMilli(), results[i].CreateTime.UnixMilli())
	}

	var count int
	require.NoError(t, testDB.QueryRow(
		"SELECT count(*) FROM transactions WHERE external_id = $1", externalID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestGetStatement(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()

	from := time.Now().Add(-time.Second)
	var ids []string
	for i := 0; i < 3; i++ {
		donationID := seedDonation(t, svc, 150000)
		externalID := uuid.NewString()
		_, err := svc.CreateTransaction(ctx, externalID, donationID, 150000)
		require.NoError(t, err)
		ids = append(ids, externalID)
		time.Sleep(5 * time.Millisecond)
	}
	to := time.Now().Add(time.Second)

	txns, err := svc.GetStatement(ctx, from, to)
	require.NoError(t, err)

	// Ascending by create time, and our three present in insertion order.
	var seen []string
	for i := 1; i < len(txns); i++ {
		assert.False(t, txns[i].CreateTime.Before(txns[i-1].CreateTime))
	}
	for _, txn := range txns {
		for _, id := range ids {
			if txn.ExternalID == id {
				seen = append(seen, id)
			}
		}
	}
	assert.Equal(t, ids, seen)

	empty, err := svc.GetStatement(ctx, to.Add(time.Hour), to.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAmountImmutable(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	donationID := seedDonation(t, svc, 600000)
	externalID := uuid.NewString()

	created, err := svc.CreateTransaction(ctx, externalID, donationID, 600000)
	require.NoError(t, err)
	_, err = svc.PerformTransaction(ctx, externalID)
	require.NoError(t, err)
	_, err = svc.CancelTransaction(ctx, externalID, 5)
	require.NoError(t, err)

	stored, err := repo.NewTransactionRepo(testDB).FindByExternalID(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, int64(600000), stored.Amount)
	assert.Equal(t, donationID, stored.DonationID)
	assert.Equal(t, created.CreateTime.UnixMilli(), stored.CreateTime.UnixMilli())
}

func TestCreateDonationIdempotent(t *testing.T) {
	svc := newMerchant(time.Hour)
	ctx := context.Background()
	id := fmt.Sprintf("donation-%s", uuid.NewString())

	first, err := svc.CreateDonation(ctx, id, 800000)
	require.NoError(t, err)
	assert.Equal(t, id, first.ID)
	assert.Equal(t, domain.DonationNew, first.State)

	// A repeat keeps the original row, even with a different amount.
	second, err := svc.CreateDonation(ctx, id, 123456)
	require.NoError(t, err)
	assert.Equal(t, int64(800000), second.Amount)
}
