package journal

import (
	"context"
	"time"
)

// TrimOlderThan deletes entries whose timestamp is before cutoff, oldest
// first, committing in batches of up to batchLimit deletes. It stops at the
// first entry at or after cutoff and returns the number of deleted entries.
func (j *Journal) TrimOlderThan(ctx context.Context, cutoff time.Time, batchLimit int) (int, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	cutoffMs := cutoff.UnixMilli()
	prefix := KeyEntryPrefix(j.actor, j.topic)

	deleted := 0
	for {
		var keys [][]byte
		err := j.db.ScanPrefix(prefix, func(k, v []byte) (bool, error) {
			ms, ok := recordTimeMs(v)
			if ok && ms >= cutoffMs {
				return false, nil
			}
			keys = append(keys, append([]byte(nil), k...))
			return len(keys) < batchLimit, nil
		})
		if err != nil {
			return deleted, err
		}
		if len(keys) == 0 {
			return deleted, nil
		}
		b := j.db.NewBatch()
		for _, k := range keys {
			if err := b.Delete(k, nil); err != nil {
				b.Close()
				return deleted, err
			}
		}
		err = j.db.CommitBatch(ctx, b)
		b.Close()
		if err != nil {
			return deleted, err
		}
		deleted += len(keys)
		if len(keys) < batchLimit {
			return deleted, nil
		}
	}
}
