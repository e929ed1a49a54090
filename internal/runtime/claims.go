package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/steward/internal/actor"
	"github.com/rzbill/steward/internal/claims"
	"github.com/rzbill/steward/internal/journal"
	"github.com/rzbill/steward/internal/reservation"
	"github.com/rzbill/steward/internal/saga"
)

// Claim kinds accepted by the reservation operations.
const (
	KindPrize = "prize"
	KindSwap  = "swap"
)

// ErrUnknownKind is returned for claim kinds other than KindPrize and KindSwap.
var ErrUnknownKind = errors.New("runtime: unknown claim kind")

func (r *Runtime) executor(kind string) (*saga.Executor, error) {
	switch kind {
	case KindPrize:
		return r.prize, nil
	case KindSwap:
		return r.swap, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

// AddPrize opens a prize pool.
func (r *Runtime) AddPrize(ctx context.Context, id string, amounts []uint64, endsAt time.Time) error {
	return r.mailbox.Turn(ctx, func() { r.prizes.Add(id, amounts, endsAt) })
}

// Prize returns a prize pool.
func (r *Runtime) Prize(ctx context.Context, id string) (claims.Prize, bool, error) {
	return actor.Do2(ctx, r.mailbox, func() (claims.Prize, bool, error) {
		p, ok := r.prizes.Prize(id)
		return p, ok, nil
	})
}

// ClaimPrize runs a prize saga for user.
func (r *Runtime) ClaimPrize(ctx context.Context, prizeID, user string) (saga.Outcome, error) {
	return r.prize.Run(ctx, saga.Claim{Subject: prizeID, Claimant: user})
}

// OfferSwap opens a swap.
func (r *Runtime) OfferSwap(ctx context.Context, id, offerer string, amount uint64, expiresAt time.Time) error {
	return r.mailbox.Turn(ctx, func() { r.swaps.Offer(id, offerer, amount, expiresAt) })
}

// CancelSwap withdraws an open swap.
func (r *Runtime) CancelSwap(ctx context.Context, id string) (bool, error) {
	return actor.Do(ctx, r.mailbox, func() (bool, error) { return r.swaps.Cancel(id), nil })
}

// Swap returns a swap.
func (r *Runtime) Swap(ctx context.Context, id string) (claims.Swap, bool, error) {
	return actor.Do2(ctx, r.mailbox, func() (claims.Swap, bool, error) {
		s, ok := r.swaps.Swap(id)
		return s, ok, nil
	})
}

// AcceptSwap runs a swap saga for user.
func (r *Runtime) AcceptSwap(ctx context.Context, swapID, user string) (saga.Outcome, error) {
	return r.swap.Run(ctx, saga.Claim{Subject: swapID, Claimant: user})
}

// Reservation returns the live reservation of claimant on subject.
func (r *Runtime) Reservation(kind, subject, claimant string) (reservation.Reservation, error) {
	e, err := r.executor(kind)
	if err != nil {
		return reservation.Reservation{}, err
	}
	return e.Get(subject, claimant)
}

// StaleReservations lists reservations of kind left Reserved for over age.
func (r *Runtime) StaleReservations(kind string, age time.Duration) ([]reservation.Reservation, error) {
	e, err := r.executor(kind)
	if err != nil {
		return nil, err
	}
	return e.Stale(age)
}

// RollbackReservation releases a stuck reservation.
func (r *Runtime) RollbackReservation(ctx context.Context, kind, token, reason string) (reservation.Reservation, error) {
	e, err := r.executor(kind)
	if err != nil {
		return reservation.Reservation{}, err
	}
	return e.Rollback(ctx, saga.Token(token), reason)
}

// Journal reads saga events starting at seq.
func (r *Runtime) Journal(start uint64, limit int) ([]journal.Event, uint64, error) {
	return r.state.Journal.Read(journal.ReadOptions{Start: start, Limit: limit})
}
