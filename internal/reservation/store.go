package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/steward/internal/codec"
	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
)

// State is the lifecycle state of a reservation.
type State string

const (
	StateReserved   State = "reserved"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

var (
	// ErrNotFound is returned when no reservation matches.
	ErrNotFound = errors.New("reservation: not found")
	// ErrLockHeld is returned by Insert when another reservation holds the lock key.
	ErrLockHeld = errors.New("reservation: lock held")
	// ErrNotReserved is returned when finalizing a reservation that already
	// left the Reserved state.
	ErrNotReserved = errors.New("reservation: not in reserved state")
)

// Reservation is a provisional, exclusive claim on a subject.
type Reservation struct {
	Token      string            `cbor:"1,keyasint" json:"token"`
	SubjectID  string            `cbor:"2,keyasint" json:"subject_id"`
	ClaimantID string            `cbor:"3,keyasint" json:"claimant_id"`
	LockKey    string            `cbor:"4,keyasint" json:"-"`
	Amount     uint64            `cbor:"5,keyasint" json:"amount"`
	Terms      map[string]string `cbor:"6,keyasint,omitempty" json:"terms,omitempty"`
	State      State             `cbor:"7,keyasint" json:"state"`
	CreatedAt  time.Time         `cbor:"8,keyasint" json:"created_at"`
	UpdatedAt  time.Time         `cbor:"9,keyasint" json:"updated_at"`
	Receipt    string            `cbor:"10,keyasint,omitempty" json:"receipt,omitempty"`
	Reason     string            `cbor:"11,keyasint,omitempty" json:"reason,omitempty"`
}

// Staged lets callers add writes to the batch that finalizes a reservation.
type Staged func(b *pebble.Batch, r Reservation) error

// Store holds the reservations of one actor.
type Store struct {
	db   *pebblestore.DB
	keys keyspace
}

// Open returns the reservation store of actor.
func Open(db *pebblestore.DB, actor string) *Store {
	return &Store{db: db, keys: newKeyspace(actor)}
}

// Insert writes r in the Reserved state. It fails with ErrLockHeld if an
// active reservation already holds r.LockKey.
func (s *Store) Insert(ctx context.Context, r Reservation, extra Staged) (Reservation, error) {
	if r.Token == "" || r.SubjectID == "" || r.LockKey == "" {
		return Reservation{}, errors.New("reservation: token, subject and lock key are required")
	}
	held, err := s.db.Has(s.keys.lock(r.LockKey))
	if err != nil {
		return Reservation{}, err
	}
	if held {
		return Reservation{}, ErrLockHeld
	}
	r.State = StateReserved
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetRecord(b, s.keys.token(r.Token), r); err != nil {
		return Reservation{}, err
	}
	if err := b.Set(s.keys.claim(r.SubjectID, r.ClaimantID), []byte(r.Token), nil); err != nil {
		return Reservation{}, err
	}
	if err := b.Set(s.keys.lock(r.LockKey), []byte(r.Token), nil); err != nil {
		return Reservation{}, err
	}
	if extra != nil {
		if err := extra(b, r); err != nil {
			return Reservation{}, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	return r, nil
}

// ByToken loads a reservation by token, including rolled-back tombstones.
func (s *Store) ByToken(token string) (Reservation, error) {
	var r Reservation
	if err := s.db.GetRecord(s.keys.token(token), &r); err != nil {
		if pebblestore.IsNotFound(err) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	return r, nil
}

// Get loads the live reservation of claimant on subject. Rolled-back
// reservations are not visible.
func (s *Store) Get(subject, claimant string) (Reservation, error) {
	tok, err := s.db.Get(s.keys.claim(subject, claimant))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	return s.ByToken(string(tok))
}

// Holder returns the active reservation holding lock, if any.
func (s *Store) Holder(lock string) (Reservation, bool, error) {
	tok, err := s.db.Get(s.keys.lock(lock))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return Reservation{}, false, nil
		}
		return Reservation{}, false, err
	}
	r, err := s.ByToken(string(tok))
	if err != nil {
		return Reservation{}, false, err
	}
	return r, true, nil
}

// List returns the live reservations on subject ordered by claimant.
func (s *Store) List(subject string) ([]Reservation, error) {
	var toks []string
	err := s.db.ScanPrefix(s.keys.subjectPrefix(subject), func(_, v []byte) (bool, error) {
		toks = append(toks, string(v))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Reservation, 0, len(toks))
	for _, tok := range toks {
		r, err := s.ByToken(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Stale returns reservations still Reserved that were created before cutoff.
func (s *Store) Stale(cutoff time.Time) ([]Reservation, error) {
	var out []Reservation
	err := s.db.ScanPrefix(s.keys.tokenPrefix(), func(_, v []byte) (bool, error) {
		var r Reservation
		if err := codec.Unmarshal(v, &r); err != nil {
			return false, err
		}
		if r.State == StateReserved && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
		return true, nil
	})
	return out, err
}

// Commit moves a Reserved reservation to Committed and records receipt.
// extra runs against the same batch.
func (s *Store) Commit(ctx context.Context, token, receipt string, now time.Time, extra Staged) (Reservation, error) {
	r, err := s.reserved(token)
	if err != nil {
		return Reservation{}, err
	}
	r.State = StateCommitted
	r.Receipt = receipt
	r.UpdatedAt = now

	b := s.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetRecord(b, s.keys.token(token), r); err != nil {
		return Reservation{}, err
	}
	if extra != nil {
		if err := extra(b, r); err != nil {
			return Reservation{}, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Reservation{}, fmt.Errorf("commit reservation: %w", err)
	}
	return r, nil
}

// Rollback moves a Reserved reservation to RolledBack, releases its lock and
// removes it from subject lookups. The token record remains as a tombstone
// so a later finalize of the same token is rejected.
func (s *Store) Rollback(ctx context.Context, token, reason string, now time.Time, extra Staged) (Reservation, error) {
	r, err := s.reserved(token)
	if err != nil {
		return Reservation{}, err
	}
	r.State = StateRolledBack
	r.Reason = reason
	r.UpdatedAt = now

	b := s.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetRecord(b, s.keys.token(token), r); err != nil {
		return Reservation{}, err
	}
	if err := b.Delete(s.keys.claim(r.SubjectID, r.ClaimantID), nil); err != nil {
		return Reservation{}, err
	}
	if err := b.Delete(s.keys.lock(r.LockKey), nil); err != nil {
		return Reservation{}, err
	}
	if extra != nil {
		if err := extra(b, r); err != nil {
			return Reservation{}, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Reservation{}, fmt.Errorf("rollback reservation: %w", err)
	}
	return r, nil
}

func (s *Store) reserved(token string) (Reservation, error) {
	r, err := s.ByToken(token)
	if err != nil {
		return Reservation{}, err
	}
	if r.State != StateReserved {
		return r, ErrNotReserved
	}
	return r, nil
}
