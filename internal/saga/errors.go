package saga

import (
	"errors"
	"fmt"
)

// Rejection reasons. They are reported wrapped in a *RejectedError.
var (
	ErrAlreadyClaimed = errors.New("already claimed")
	ErrNotFound       = errors.New("subject not found")
	ErrEnded          = errors.New("subject ended")
	ErrNotEligible    = errors.New("claimant not eligible")
)

func isRejection(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEnded) || errors.Is(err, ErrNotEligible)
}

var (
	// ErrAlreadyFinalized is returned by Commit and Rollback for a token that
	// already left the Reserved state.
	ErrAlreadyFinalized = errors.New("saga: reservation already finalized")
	// ErrUnknownToken is returned for tokens that were never issued.
	ErrUnknownToken = errors.New("saga: unknown reservation token")
)

// RejectedError is returned by Reserve when a claim violates a business
// rule. Nothing was mutated; the caller may retry at once.
type RejectedError struct {
	Subject  string
	Claimant string
	Reason   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("saga: claim on %q by %q rejected: %v", e.Subject, e.Claimant, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// TransferDeclined is returned by a Transferer when the remote side gave a
// definitive business refusal, such as insufficient funds.
type TransferDeclined struct {
	Code    string
	Message string
}

func (e *TransferDeclined) Error() string {
	if e.Message == "" {
		return "transfer declined: " + e.Code
	}
	return fmt.Sprintf("transfer declined: %s: %s", e.Code, e.Message)
}

// TransferFailedError reports a declined transfer. The reservation was
// rolled back unless RollbackErr is set.
type TransferFailedError struct {
	Token       string
	Cause       *TransferDeclined
	RollbackErr error
}

func (e *TransferFailedError) Error() string {
	msg := fmt.Sprintf("saga %s: %v", e.Token, e.Cause)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return msg
}

func (e *TransferFailedError) Unwrap() error { return e.Cause }

// RemoteCallError reports a transfer call that failed without a definitive
// answer. It is treated as a failure and rolled back.
type RemoteCallError struct {
	Token       string
	Cause       error
	RollbackErr error
}

func (e *RemoteCallError) Error() string {
	msg := fmt.Sprintf("saga %s: transfer call failed: %v", e.Token, e.Cause)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return msg
}

func (e *RemoteCallError) Unwrap() error { return e.Cause }

// FinalizeFailedError reports a transfer that completed remotely while the
// local commit could not be recorded. It is never rolled back and must be
// reconciled by an operator.
type FinalizeFailedError struct {
	Token   string
	Receipt Receipt
	Cause   error
}

func (e *FinalizeFailedError) Error() string {
	return fmt.Sprintf("saga %s: transfer %s completed but finalize failed: %v", e.Token, e.Receipt.ID, e.Cause)
}

func (e *FinalizeFailedError) Unwrap() error { return e.Cause }

// Retryable reports whether replaying the same claim is safe: no value moved
// and no local state was left behind.
func Retryable(err error) bool {
	var (
		rej *RejectedError
		tf  *TransferFailedError
		rc  *RemoteCallError
	)
	switch {
	case errors.As(err, &rej):
		return true
	case errors.As(err, &tf):
		return tf.RollbackErr == nil
	case errors.As(err, &rc):
		return rc.RollbackErr == nil
	default:
		return false
	}
}
