package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][8 bytes sequence].
type ID [16]byte

// Zero is the zero ID. It sorts before every generated ID.
var Zero ID

// ErrInvalid is returned when parsing malformed IDs.
var ErrInvalid = errors.New("id: invalid")

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns a hex string.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Time returns the millisecond timestamp embedded in the ID.
func (i ID) Time() time.Time { return time.UnixMilli(int64(binary.BigEndian.Uint64(i[0:8]))) }

// IsZero reports whether i is the zero ID.
func (i ID) IsZero() bool { return i == Zero }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != 32 {
		return out, ErrInvalid
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, ErrInvalid
	}
	return out, nil
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	var out ID
	if len(b) != 16 {
		return out, ErrInvalid
	}
	copy(out[:], b)
	return out, nil
}

// Generator produces monotonically increasing IDs.
type Generator struct {
	mu       sync.Mutex
	nowMs    func() int64
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a Generator on the wall clock.
func NewGenerator() *Generator {
	return NewGeneratorWithClock(func() time.Time { return time.Now() })
}

// NewGeneratorWithClock creates a Generator reading time from now.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{nowMs: func() int64 { return now().UnixMilli() }}
}

// Observe advances the generator past last so IDs generated after a restart
// sort after persisted ones even if the clock regressed.
func (g *Generator) Observe(last ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := int64(binary.BigEndian.Uint64(last[0:8]))
	seq := binary.BigEndian.Uint64(last[8:16])
	if ms > g.lastMs || (ms == g.lastMs && seq > g.sequence) {
		g.lastMs = ms
		g.sequence = seq
	}
}

// Next returns a new ID. If the clock goes backwards, it uses lastMs and
// increments the sequence. If the sequence overflows within the same
// millisecond, it waits for the next ms.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.nowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = g.nowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeID(ms, g.sequence)
}

func makeID(ms int64, seq uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], seq)
	return id
}
