package domain

import "time"

type TransactionState int

const (
	StateCreated                TransactionState = 1
	StatePerformed              TransactionState = 2
	StateCancelledBeforePerform TransactionState = -1
	StateCancelledAfterPerform  TransactionState = -2
)

// ReasonExpired is the gateway's cancellation code for a transaction
// that sat unconfirmed past its TTL.
const ReasonExpired = 4

// Transaction is one gateway-side payment attempt against a donation,
// keyed by the external id the gateway assigned. CreateTime, PerformTime
// and CancelTime carry millisecond precision; the latter two stay zero
// until the corresponding transition happens.
type Transaction struct {
	ExternalID  string
	DonationID  string
	Amount      int64
	State       TransactionState
	CreateTime  time.Time
	PerformTime time.Time
	CancelTime  time.Time
	Reason      *int
}

func (t *Transaction) Cancelled() bool {
	return t.State == StateCancelledBeforePerform || t.State == StateCancelledAfterPerform
}

// Expired reports whether a still-Created transaction has outlived the
// accepting window as of now. Only Created transactions expire; every
// other state is already terminal.
func (t *Transaction) Expired(now time.Time, ttl time.Duration) bool {
	return t.State == StateCreated && now.Sub(t.CreateTime) > ttl
}

// Cancel moves the transaction to the cancelled variant matching its
// history: after-perform keeps the original perform time so settlement
// reports can still see when the money moved.
func (t *Transaction) Cancel(now time.Time, reason int) {
	if t.State == StatePerformed {
		t.State = StateCancelledAfterPerform
	} else {
		t.State = StateCancelledBeforePerform
	}
	t.CancelTime = now
	r := reason
	t.Reason = &r
}

// Perform marks the transaction paid.
func (t *Transaction) Perform(now time.Time) {
	t.State = StatePerformed
	t.PerformTime = now
}

// DonationState projects the transaction state onto its donation.
func (t *Transaction) DonationState() DonationState {
	switch t.State {
	case StatePerformed:
		return DonationPaid
	case StateCancelledBeforePerform:
		return DonationCancelledBeforePerform
	case StateCancelledAfterPerform:
		return DonationCancelledAfterPerform
	default:
		return DonationCreated
	}
}
