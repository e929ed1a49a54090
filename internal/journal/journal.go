package journal

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
)

// Journal provides append-only operations for one actor topic.
type Journal struct {
	db    *pebblestore.DB
	actor string
	topic string

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// Open initializes a Journal and loads the last sequence from metadata.
func Open(db *pebblestore.DB, actor, topic string) (*Journal, error) {
	j := &Journal{db: db, actor: actor, topic: topic, notifyCh: make(chan struct{})}
	meta, err := db.Get(KeyMeta(actor, topic))
	switch {
	case err == nil && len(meta) >= 8:
		j.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !pebblestore.IsNotFound(err):
		return nil, err
	}
	return j, nil
}

// LastSeq returns the sequence of the most recent committed event.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Txn stages events into a caller-owned batch. The journal is locked from
// Begin until Done.
type Txn struct {
	j    *Journal
	next uint64
	done bool
}

// Begin starts staging events.
func (j *Journal) Begin() *Txn {
	j.mu.Lock()
	return &Txn{j: j, next: j.lastSeq}
}

// Add writes ev and the updated metadata into b and returns its sequence.
func (t *Txn) Add(b *pebble.Batch, ev Event) (uint64, error) {
	seq := t.next + 1
	val, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}
	if err := b.Set(KeyEntry(t.j.actor, t.j.topic, seq), val, nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(KeyMeta(t.j.actor, t.j.topic), meta[:], nil); err != nil {
		return 0, err
	}
	t.next = seq
	return seq, nil
}

// Done releases the journal. committed reports whether the batch holding
// the staged events was committed.
func (t *Txn) Done(committed bool) {
	if t.done {
		return
	}
	t.done = true
	j := t.j
	if committed && t.next > j.lastSeq {
		j.lastSeq = t.next
		close(j.notifyCh)
		j.notifyCh = make(chan struct{})
	}
	j.mu.Unlock()
}

// Append appends the provided events as a single atomic batch. Returns
// assigned sequence numbers.
func (j *Journal) Append(ctx context.Context, events ...Event) ([]uint64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	b := j.db.NewBatch()
	defer b.Close()

	txn := j.Begin()
	seqs := make([]uint64, len(events))
	for i, ev := range events {
		seq, err := txn.Add(b, ev)
		if err != nil {
			txn.Done(false)
			return nil, err
		}
		seqs[i] = seq
	}
	err := j.db.CommitBatch(ctx, b)
	txn.Done(err == nil)
	if err != nil {
		return nil, err
	}
	return seqs, nil
}

// Wait blocks until a new append occurs or ctx is done.
func (j *Journal) Wait(ctx context.Context) error {
	j.mu.Lock()
	ch := j.notifyCh
	j.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
