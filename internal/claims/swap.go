package claims

import (
	"time"

	"github.com/rzbill/steward/internal/codec"
	"github.com/rzbill/steward/internal/reservation"
	"github.com/rzbill/steward/internal/saga"
)

// MethodSwapAccepted is the notification sent to the offerer.
const MethodSwapAccepted = "swap_accepted"

// SwapStatus is the lifecycle of a swap offer.
type SwapStatus string

const (
	SwapOpen      SwapStatus = "open"
	SwapReserved  SwapStatus = "reserved"
	SwapAccepted  SwapStatus = "accepted"
	SwapCancelled SwapStatus = "cancelled"
)

// Swap is an offer by Offerer to exchange assets with whoever accepts.
type Swap struct {
	ID         string     `json:"id"`
	Offerer    string     `json:"offerer"`
	Amount     uint64     `json:"amount"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Status     SwapStatus `json:"status"`
	ReservedBy string     `json:"reserved_by,omitempty"`
	AcceptedBy string     `json:"accepted_by,omitempty"`
}

// SwapNotice is the payload of MethodSwapAccepted.
type SwapNotice struct {
	Swap     string `cbor:"1,keyasint"`
	Accepter string `cbor:"2,keyasint"`
	Amount   uint64 `cbor:"3,keyasint"`
}

// SwapPolicy implements saga.Policy for swap acceptance. The accepter pays
// Amount to the offerer.
type SwapPolicy struct {
	swaps map[string]*Swap
}

// NewSwapPolicy returns an empty SwapPolicy.
func NewSwapPolicy() *SwapPolicy {
	return &SwapPolicy{swaps: make(map[string]*Swap)}
}

// Offer registers an open swap.
func (p *SwapPolicy) Offer(id, offerer string, amount uint64, expiresAt time.Time) {
	p.swaps[id] = &Swap{ID: id, Offerer: offerer, Amount: amount, ExpiresAt: expiresAt, Status: SwapOpen}
}

// Cancel withdraws an open swap.
func (p *SwapPolicy) Cancel(id string) bool {
	s, ok := p.swaps[id]
	if !ok || s.Status != SwapOpen {
		return false
	}
	s.Status = SwapCancelled
	return true
}

// Swap returns a copy of a swap.
func (p *SwapPolicy) Swap(id string) (Swap, bool) {
	s, ok := p.swaps[id]
	if !ok {
		return Swap{}, false
	}
	return *s, true
}

func (p *SwapPolicy) Scope() saga.Scope { return saga.ScopeSubject }

func (p *SwapPolicy) Evaluate(subject, claimant string, now time.Time) (saga.Terms, error) {
	s, ok := p.swaps[subject]
	if !ok {
		return saga.Terms{}, saga.ErrNotFound
	}
	switch s.Status {
	case SwapCancelled:
		return saga.Terms{}, saga.ErrEnded
	case SwapReserved, SwapAccepted:
		return saga.Terms{}, saga.ErrAlreadyClaimed
	}
	if !now.Before(s.ExpiresAt) {
		return saga.Terms{}, saga.ErrEnded
	}
	if claimant == s.Offerer {
		return saga.Terms{}, saga.ErrNotEligible
	}
	return saga.Terms{Amount: s.Amount, Payee: s.Offerer, Meta: map[string]string{"kind": "swap"}}, nil
}

func (p *SwapPolicy) Hold(r reservation.Reservation) {
	if s, ok := p.swaps[r.SubjectID]; ok {
		s.Status = SwapReserved
		s.ReservedBy = r.ClaimantID
	}
}

func (p *SwapPolicy) Release(r reservation.Reservation) {
	if s, ok := p.swaps[r.SubjectID]; ok && s.Status == SwapReserved {
		s.Status = SwapOpen
		s.ReservedBy = ""
	}
}

func (p *SwapPolicy) Settle(r reservation.Reservation) []saga.Notification {
	s, ok := p.swaps[r.SubjectID]
	if !ok {
		return nil
	}
	s.Status = SwapAccepted
	s.ReservedBy = ""
	s.AcceptedBy = r.ClaimantID

	payload, err := codec.Marshal(SwapNotice{Swap: s.ID, Accepter: r.ClaimantID, Amount: s.Amount})
	if err != nil {
		return nil
	}
	return []saga.Notification{{Destination: UserDestination(s.Offerer), Method: MethodSwapAccepted, Payload: payload}}
}
