package runtime

import (
	"sync/atomic"
	"time"
)

// StorageStats are cumulative pebble counters since Open.
type StorageStats struct {
	Writes       uint64 `json:"writes"`
	WriteBytes   uint64 `json:"write_bytes"`
	Reads        uint64 `json:"reads"`
	ReadBytes    uint64 `json:"read_bytes"`
	Commits      uint64 `json:"commits"`
	CommitOps    uint64 `json:"commit_ops"`
	CommitBytes  uint64 `json:"commit_bytes"`
	CommitMaxDur string `json:"commit_max"`
}

// storageCounters implements pebblestore.MetricsHook.
type storageCounters struct {
	writes, writeBytes     atomic.Uint64
	reads, readBytes       atomic.Uint64
	commits, commitOps     atomic.Uint64
	commitBytes, commitMax atomic.Uint64
}

func (c *storageCounters) ObserveWrite(_ time.Duration, bytes int) {
	c.writes.Add(1)
	c.writeBytes.Add(uint64(bytes))
}

func (c *storageCounters) ObserveRead(_ time.Duration, bytes int) {
	c.reads.Add(1)
	c.readBytes.Add(uint64(bytes))
}

func (c *storageCounters) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	c.commits.Add(1)
	c.commitOps.Add(uint64(numOps))
	c.commitBytes.Add(uint64(bytes))
	for {
		cur := c.commitMax.Load()
		if uint64(elapsed) <= cur || c.commitMax.CompareAndSwap(cur, uint64(elapsed)) {
			return
		}
	}
}

func (c *storageCounters) snapshot() StorageStats {
	return StorageStats{
		Writes:       c.writes.Load(),
		WriteBytes:   c.writeBytes.Load(),
		Reads:        c.reads.Load(),
		ReadBytes:    c.readBytes.Load(),
		Commits:      c.commits.Load(),
		CommitOps:    c.commitOps.Load(),
		CommitBytes:  c.commitBytes.Load(),
		CommitMaxDur: time.Duration(c.commitMax.Load()).String(),
	}
}

// StorageStats reports storage activity since Open.
func (r *Runtime) StorageStats() StorageStats { return r.storage.snapshot() }
