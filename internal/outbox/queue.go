package outbox

import (
	"container/heap"
	"time"

	"github.com/rzbill/steward/pkg/id"
)

// Entry is one queued one-way call.
type Entry struct {
	ID          id.ID     `cbor:"1,keyasint" json:"id"`
	Destination string    `cbor:"2,keyasint" json:"destination"`
	Method      string    `cbor:"3,keyasint" json:"method"`
	Payload     []byte    `cbor:"4,keyasint" json:"-"`
	Attempts    int       `cbor:"5,keyasint" json:"attempts"`
	DueAt       time.Time `cbor:"6,keyasint" json:"due_at"`
	CreatedAt   time.Time `cbor:"7,keyasint" json:"created_at"`
	LastError   string    `cbor:"8,keyasint,omitempty" json:"last_error,omitempty"`
}

// destination is the FIFO of one destination. entries[0] is the head.
type destination struct {
	name     string
	entries  []*Entry
	inFlight bool
	// inline is set while the head is on its first, inline attempt.
	inline bool
	index  int // position in readyHeap, -1 when absent
}

func (d *destination) head() *Entry { return d.entries[0] }

func (d *destination) popHead() *Entry {
	e := d.entries[0]
	d.entries[0] = nil
	d.entries = d.entries[1:]
	return e
}

// readyHeap orders idle destinations by their head's (DueAt, ID).
type readyHeap []*destination

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	return a.ID.Compare(b.ID) < 0
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	d := x.(*destination)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[:n-1]
	return d
}

// schedule puts d in the heap if it is idle and has work.
func (h *readyHeap) schedule(d *destination) {
	if d.inFlight || len(d.entries) == 0 {
		return
	}
	if d.index >= 0 {
		heap.Fix(h, d.index)
		return
	}
	heap.Push(h, d)
}

// peek returns the destination with the earliest head, or nil.
func (h readyHeap) peek() *destination {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
