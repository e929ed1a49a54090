package claims

import (
	"time"

	"github.com/rzbill/steward/internal/codec"
	"github.com/rzbill/steward/internal/reservation"
	"github.com/rzbill/steward/internal/saga"
)

// MethodPrizeClaimed is the notification sent to a winner.
const MethodPrizeClaimed = "prize_claimed"

// Prize is a pool of prizes attached to a message. Each claimant may win once.
type Prize struct {
	ID string `json:"id"`
	// Remaining holds unclaimed prize amounts; claims take from the end.
	Remaining []uint64          `json:"remaining"`
	EndsAt    time.Time         `json:"ends_at"`
	Reserved  map[string]uint64 `json:"reserved"`
	Winners   map[string]uint64 `json:"winners"`
}

// PrizeNotice is the payload of MethodPrizeClaimed.
type PrizeNotice struct {
	Prize  string `cbor:"1,keyasint"`
	Winner string `cbor:"2,keyasint"`
	Amount uint64 `cbor:"3,keyasint"`
}

// PrizePolicy implements saga.Policy for prize claims.
type PrizePolicy struct {
	prizes map[string]*Prize
}

// NewPrizePolicy returns an empty PrizePolicy.
func NewPrizePolicy() *PrizePolicy {
	return &PrizePolicy{prizes: make(map[string]*Prize)}
}

// Add registers a prize pool.
func (p *PrizePolicy) Add(id string, amounts []uint64, endsAt time.Time) {
	p.prizes[id] = &Prize{
		ID:        id,
		Remaining: append([]uint64(nil), amounts...),
		EndsAt:    endsAt,
		Reserved:  make(map[string]uint64),
		Winners:   make(map[string]uint64),
	}
}

// Prize returns a copy of a prize pool.
func (p *PrizePolicy) Prize(id string) (Prize, bool) {
	pr, ok := p.prizes[id]
	if !ok {
		return Prize{}, false
	}
	out := *pr
	out.Remaining = append([]uint64(nil), pr.Remaining...)
	out.Reserved = copyAmounts(pr.Reserved)
	out.Winners = copyAmounts(pr.Winners)
	return out, true
}

func (p *PrizePolicy) Scope() saga.Scope { return saga.ScopeClaimant }

func (p *PrizePolicy) Evaluate(subject, claimant string, now time.Time) (saga.Terms, error) {
	pr, ok := p.prizes[subject]
	if !ok {
		return saga.Terms{}, saga.ErrNotFound
	}
	if !now.Before(pr.EndsAt) {
		return saga.Terms{}, saga.ErrEnded
	}
	if _, won := pr.Winners[claimant]; won {
		return saga.Terms{}, saga.ErrAlreadyClaimed
	}
	if _, held := pr.Reserved[claimant]; held {
		return saga.Terms{}, saga.ErrAlreadyClaimed
	}
	if len(pr.Remaining) == 0 {
		return saga.Terms{}, saga.ErrAlreadyClaimed
	}
	return saga.Terms{
		Amount: pr.Remaining[len(pr.Remaining)-1],
		Meta:   map[string]string{"kind": "prize"},
	}, nil
}

func (p *PrizePolicy) Hold(r reservation.Reservation) {
	pr, ok := p.prizes[r.SubjectID]
	if !ok || len(pr.Remaining) == 0 {
		return
	}
	pr.Remaining = pr.Remaining[:len(pr.Remaining)-1]
	pr.Reserved[r.ClaimantID] = r.Amount
}

func (p *PrizePolicy) Release(r reservation.Reservation) {
	pr, ok := p.prizes[r.SubjectID]
	if !ok {
		return
	}
	if amt, held := pr.Reserved[r.ClaimantID]; held {
		pr.Remaining = append(pr.Remaining, amt)
		delete(pr.Reserved, r.ClaimantID)
	}
}

func (p *PrizePolicy) Settle(r reservation.Reservation) []saga.Notification {
	pr, ok := p.prizes[r.SubjectID]
	if !ok {
		return nil
	}
	delete(pr.Reserved, r.ClaimantID)
	pr.Winners[r.ClaimantID] = r.Amount

	payload, err := codec.Marshal(PrizeNotice{Prize: r.SubjectID, Winner: r.ClaimantID, Amount: r.Amount})
	if err != nil {
		return nil
	}
	return []saga.Notification{{Destination: UserDestination(r.ClaimantID), Method: MethodPrizeClaimed, Payload: payload}}
}

// UserDestination is the outbox destination of a user actor.
func UserDestination(userID string) string { return "user/" + userID }

func copyAmounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
