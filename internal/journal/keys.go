package journal

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - act/{actor}/jrn/{topic}/m
// - act/{actor}/jrn/{topic}/e/{seq_be8}

var (
	actPrefix  = []byte("act/")
	jrnSeg     = []byte("/jrn/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyBase(actor, topic string, extra int) []byte {
	k := make([]byte, 0, len(actor)+len(topic)+16+extra)
	k = append(k, actPrefix...)
	k = append(k, actor...)
	k = append(k, jrnSeg...)
	k = append(k, topic...)
	return k
}

// KeyMeta builds the journal metadata key.
func KeyMeta(actor, topic string) []byte {
	return append(keyBase(actor, topic, len(metaSuffix)), metaSuffix...)
}

// KeyEntryPrefix returns the prefix shared by all entries of a journal.
func KeyEntryPrefix(actor, topic string) []byte {
	return append(keyBase(actor, topic, len(entrySeg)+8), entrySeg...)
}

// KeyEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyEntry(actor, topic string, seq uint64) []byte {
	return appendBE8(KeyEntryPrefix(actor, topic), seq)
}

func seqFromKey(k []byte) uint64 {
	if len(k) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
