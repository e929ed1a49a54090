package journal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/rzbill/steward/internal/codec"
)

// Kind names a saga transition.
type Kind string

const (
	KindReserved       Kind = "reserved"
	KindCommitted      Kind = "committed"
	KindRolledBack     Kind = "rolled_back"
	KindFinalizeFailed Kind = "finalize_failed"
	KindNotifyFailed   Kind = "notify_failed"
	// KindReceived records a one-way call delivered to this actor.
	KindReceived Kind = "received"
)

// Event is one journal entry.
type Event struct {
	Seq      uint64    `cbor:"-" json:"seq"`
	Kind     Kind      `cbor:"1,keyasint" json:"kind"`
	Subject  string    `cbor:"2,keyasint" json:"subject"`
	Claimant string    `cbor:"3,keyasint" json:"claimant"`
	Token    string    `cbor:"4,keyasint,omitempty" json:"token,omitempty"`
	Amount   uint64    `cbor:"5,keyasint,omitempty" json:"amount,omitempty"`
	Receipt  string    `cbor:"6,keyasint,omitempty" json:"receipt,omitempty"`
	Detail   string    `cbor:"7,keyasint,omitempty" json:"detail,omitempty"`
	At       time.Time `cbor:"8,keyasint" json:"at"`
	Payload  []byte    `cbor:"9,keyasint,omitempty" json:"payload,omitempty"`
}

var errCorrupt = errors.New("journal: corrupt record")

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)
// header = at_ms_be8 | kind

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeEvent(ev Event) ([]byte, error) {
	payload, err := codec.Marshal(ev)
	if err != nil {
		return nil, err
	}
	header := appendBE8(make([]byte, 0, 8+len(ev.Kind)), uint64(ev.At.UnixMilli()))
	header = append(header, ev.Kind...)
	return encodeRecord(header, payload), nil
}

func decodeEvent(seq uint64, b []byte) (Event, error) {
	_, payload, ok := decodeRecord(b)
	if !ok {
		return Event{}, errCorrupt
	}
	var ev Event
	if err := codec.Unmarshal(payload, &ev); err != nil {
		return Event{}, err
	}
	ev.Seq = seq
	return ev, nil
}

// recordTimeMs returns the event timestamp from the header without decoding
// the payload.
func recordTimeMs(b []byte) (int64, bool) {
	header, _, ok := decodeRecord(b)
	if !ok || len(header) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(header[:8])), true
}

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

func decodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	if n+int(hlen)+4 > len(b) {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return nil, nil, false
	}
	return header, payload, true
}
