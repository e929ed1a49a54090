package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/steward/internal/codec"
	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
)

// ErrWorkerNotFound is returned for workers that are not in the registry.
var ErrWorkerNotFound = errors.New("fleet: worker not found")

// Failure records one failed upgrade.
type Failure struct {
	From   Version   `cbor:"1,keyasint" json:"from"`
	To     Version   `cbor:"2,keyasint" json:"to"`
	At     time.Time `cbor:"3,keyasint" json:"at"`
	Reason string    `cbor:"4,keyasint,omitempty" json:"reason,omitempty"`
}

// TopUp is a resource top-up applied alongside an install.
type TopUp struct {
	Amount uint64    `cbor:"1,keyasint" json:"amount"`
	At     time.Time `cbor:"2,keyasint" json:"at"`
}

// WorkerRecord is the upgrade state of one worker.
type WorkerRecord struct {
	ID                string    `cbor:"1,keyasint" json:"id"`
	Kind              string    `cbor:"2,keyasint" json:"kind"`
	CurrentVersion    Version   `cbor:"3,keyasint" json:"current_version"`
	TargetVersion     Version   `cbor:"4,keyasint" json:"target_version"`
	UpgradeInProgress bool      `cbor:"5,keyasint" json:"upgrade_in_progress"`
	RecentFailures    []Failure `cbor:"6,keyasint,omitempty" json:"recent_failures,omitempty"`
	LastTopUp         *TopUp    `cbor:"7,keyasint,omitempty" json:"last_top_up,omitempty"`
	JoinedAt          time.Time `cbor:"8,keyasint" json:"joined_at"`
	UpdatedAt         time.Time `cbor:"9,keyasint" json:"updated_at"`
}

// UpToDate reports whether the worker already runs its target version.
func (r WorkerRecord) UpToDate() bool { return r.CurrentVersion == r.TargetVersion }

// recordFailure appends f, keeping at most limit entries.
func (r *WorkerRecord) recordFailure(f Failure, limit int) {
	r.RecentFailures = append(r.RecentFailures, f)
	if limit > 0 && len(r.RecentFailures) > limit {
		r.RecentFailures = append([]Failure(nil), r.RecentFailures[len(r.RecentFailures)-limit:]...)
	}
}

// Registry stores the worker records of one fleet.
type Registry struct {
	db     *pebblestore.DB
	kind   string
	prefix []byte
}

// OpenRegistry returns the registry of fleet kind on actor.
func OpenRegistry(db *pebblestore.DB, actor, kind string) *Registry {
	p := make([]byte, 0, len(actor)+len(kind)+16)
	p = append(p, "act/"...)
	p = append(p, actor...)
	p = append(p, "/fleet/"...)
	p = append(p, kind...)
	p = append(p, '/')
	return &Registry{db: db, kind: kind, prefix: p}
}

// Kind returns the fleet kind.
func (r *Registry) Kind() string { return r.kind }

func (r *Registry) workerKey(id string) []byte {
	k := append(append([]byte(nil), r.prefix...), "w/"...)
	return append(k, id...)
}

func (r *Registry) targetKey() []byte {
	return append(append([]byte(nil), r.prefix...), "target"...)
}

// Target returns the fleet target version, zero if unset.
func (r *Registry) Target() (Version, error) {
	var v Version
	if err := r.db.GetRecord(r.targetKey(), &v); err != nil && !pebblestore.IsNotFound(err) {
		return Version{}, err
	}
	return v, nil
}

// Join adds a worker running current. Its target is the fleet target.
// Joining an existing worker returns its record unchanged.
func (r *Registry) Join(ctx context.Context, id string, current Version, now time.Time) (WorkerRecord, error) {
	if existing, err := r.Get(id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrWorkerNotFound) {
		return WorkerRecord{}, err
	}
	target, err := r.Target()
	if err != nil {
		return WorkerRecord{}, err
	}
	if target.IsZero() {
		target = current
	}
	rec := WorkerRecord{
		ID:             id,
		Kind:           r.kind,
		CurrentVersion: current,
		TargetVersion:  target,
		JoinedAt:       now,
		UpdatedAt:      now,
	}
	return rec, r.Put(ctx, rec)
}

// Leave removes a worker.
func (r *Registry) Leave(_ context.Context, id string) error {
	return r.db.Delete(r.workerKey(id))
}

// Get loads a worker record.
func (r *Registry) Get(id string) (WorkerRecord, error) {
	var rec WorkerRecord
	if err := r.db.GetRecord(r.workerKey(id), &rec); err != nil {
		if pebblestore.IsNotFound(err) {
			return WorkerRecord{}, ErrWorkerNotFound
		}
		return WorkerRecord{}, err
	}
	return rec, nil
}

// Has reports whether a worker is registered.
func (r *Registry) Has(id string) (bool, error) {
	return r.db.Has(r.workerKey(id))
}

// Put writes a worker record.
func (r *Registry) Put(ctx context.Context, rec WorkerRecord) error {
	b := r.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetRecord(b, r.workerKey(rec.ID), rec); err != nil {
		return err
	}
	return r.db.CommitBatch(ctx, b)
}

// List returns all workers ordered by id.
func (r *Registry) List() ([]WorkerRecord, error) {
	var out []WorkerRecord
	prefix := append(append([]byte(nil), r.prefix...), "w/"...)
	err := r.db.ScanPrefix(prefix, func(_, v []byte) (bool, error) {
		var rec WorkerRecord
		if err := codec.Unmarshal(v, &rec); err != nil {
			return false, fmt.Errorf("decode worker: %w", err)
		}
		out = append(out, rec)
		return true, nil
	})
	return out, err
}

// SetTarget sets the fleet target and retargets every worker. It returns the
// workers that are now out of date.
func (r *Registry) SetTarget(ctx context.Context, v Version, now time.Time) ([]string, error) {
	recs, err := r.List()
	if err != nil {
		return nil, err
	}
	b := r.db.NewBatch()
	defer b.Close()
	if err := pebblestore.SetRecord(b, r.targetKey(), v); err != nil {
		return nil, err
	}
	var stale []string
	for _, rec := range recs {
		if rec.TargetVersion != v {
			rec.TargetVersion = v
			rec.UpdatedAt = now
			if err := pebblestore.SetRecord(b, r.workerKey(rec.ID), rec); err != nil {
				return nil, err
			}
		}
		if !rec.UpToDate() {
			stale = append(stale, rec.ID)
		}
	}
	if err := r.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return stale, nil
}
