package domain

import "time"

type DonationState string

const (
	DonationNew                    DonationState = "NEW"
	DonationCreated                DonationState = "CREATED"
	DonationPaid                   DonationState = "PAID"
	DonationCancelledBeforePerform DonationState = "CANCELLED_BEFORE_PERFORM"
	DonationCancelledAfterPerform  DonationState = "CANCELLED_AFTER_PERFORM"
)

// Donation is the payable account the gateway settles against.
// The id is opaque: callers may assign their own, the side-channel
// endpoint generates a uuid otherwise. Amount is in minor currency
// units and never changes after creation.
type Donation struct {
	ID        string
	Amount    int64
	State     DonationState
	CreatedAt time.Time
}
