package saga

import (
	"context"
	"time"

	"github.com/rzbill/steward/internal/reservation"
)

// Scope selects which reservations exclude each other.
type Scope int

const (
	// ScopeSubject allows one active reservation per subject.
	ScopeSubject Scope = iota
	// ScopeClaimant allows one active reservation per (subject, claimant).
	ScopeClaimant
)

// Token identifies a reservation.
type Token string

// Terms are computed by a Policy when a claim is accepted.
type Terms struct {
	Amount uint64
	// Payee receives the transfer. Defaults to the claimant.
	Payee string
	Meta  map[string]string
}

// Notification is a one-way call emitted after a successful commit.
type Notification struct {
	Destination string
	Method      string
	Payload     []byte
}

// Policy holds the business rules of one kind of claim. All methods run
// inside the actor's turns and must not make remote calls.
type Policy interface {
	// Scope reports the exclusivity scope of reservations.
	Scope() Scope
	// Evaluate validates a claim and computes its terms. Rejections return
	// ErrNotFound, ErrEnded, ErrAlreadyClaimed or ErrNotEligible.
	Evaluate(subject, claimant string, now time.Time) (Terms, error)
	// Hold provisionally applies a new reservation, e.g. decrementing a pool.
	Hold(r reservation.Reservation)
	// Release undoes Hold after a rollback.
	Release(r reservation.Reservation)
	// Settle applies a committed reservation and returns the notifications
	// to deliver.
	Settle(r reservation.Reservation) []Notification
}

// TransferRequest asks a Transferer to move value.
type TransferRequest struct {
	Token    string            `cbor:"1,keyasint" json:"token"`
	Subject  string            `cbor:"2,keyasint" json:"subject"`
	Claimant string            `cbor:"3,keyasint" json:"claimant"`
	Payee    string            `cbor:"4,keyasint" json:"payee"`
	Amount   uint64            `cbor:"5,keyasint" json:"amount"`
	Meta     map[string]string `cbor:"6,keyasint,omitempty" json:"meta,omitempty"`
}

// Receipt confirms a completed transfer.
type Receipt struct {
	ID string    `cbor:"1,keyasint" json:"id"`
	At time.Time `cbor:"2,keyasint" json:"at"`
}

// Transferer moves value on a remote actor. A definitive business refusal is
// returned as *TransferDeclined; any other error is a call failure.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
}

// Notifier accepts fire-and-forget notifications. The retry outbox
// implements it.
type Notifier interface {
	Send(ctx context.Context, destination, method string, payload []byte) error
}

// Claim is one request run end to end by Executor.Run.
type Claim struct {
	Subject  string
	Claimant string
}

// Outcome is the result of a committed saga.
type Outcome struct {
	Reservation reservation.Reservation
	Receipt     Receipt
}
