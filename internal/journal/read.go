package journal

import (
	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
)

// ReadOptions controls Read.
type ReadOptions struct {
	Start   uint64 // if zero, begin from the first (or last, when Reverse) entry
	Limit   int
	Reverse bool
}

// Read returns up to Limit events starting at Start (inclusive). Reverse
// scans descending. next is the sequence to resume from, or zero when the
// journal is exhausted. Corrupt entries are skipped.
func (j *Journal) Read(opts ReadOptions) (events []Event, next uint64, err error) {
	prefix := KeyEntryPrefix(j.actor, j.topic)
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, 0, err
	}
	defer iter.Close()

	var ok bool
	step := iter.Next
	switch {
	case opts.Reverse && opts.Start == 0:
		ok = iter.Last()
		step = iter.Prev
	case opts.Reverse:
		ok = iter.SeekLT(KeyEntry(j.actor, j.topic, opts.Start+1))
		step = iter.Prev
	case opts.Start == 0:
		ok = iter.First()
	default:
		ok = iter.SeekGE(KeyEntry(j.actor, j.topic, opts.Start))
	}

	for ; ok && (opts.Limit <= 0 || len(events) < opts.Limit); ok = step() {
		ev, derr := decodeEvent(seqFromKey(iter.Key()), iter.Value())
		if derr != nil {
			continue
		}
		events = append(events, ev)
	}
	if ok {
		next = seqFromKey(iter.Key())
	}
	return events, next, iter.Error()
}
