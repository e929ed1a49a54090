package fleet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
)

// ErrBinaryNotFound is returned when no binary is stored for a version.
var ErrBinaryNotFound = errors.New("fleet: binary not found")

// ErrDigestMismatch is returned when a stored binary fails verification.
var ErrDigestMismatch = errors.New("fleet: binary digest mismatch")

// Digest is the BLAKE3-256 digest of an uncompressed binary.
type Digest [32]byte

// String returns the hex digest.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// DigestOf hashes data.
func DigestOf(data []byte) Digest { return Digest(blake3.Sum256(data)) }

type storedBinary struct {
	Kind        string      `cbor:"1,keyasint"`
	Version     Version     `cbor:"2,keyasint"`
	Digest      Digest      `cbor:"3,keyasint"`
	Size        int         `cbor:"4,keyasint"`
	Compression Compression `cbor:"5,keyasint"`
	Data        []byte      `cbor:"6,keyasint"`
	StoredAt    time.Time   `cbor:"7,keyasint"`
}

// BinaryInfo describes a stored binary without its contents.
type BinaryInfo struct {
	Kind        string    `json:"kind"`
	Version     Version   `json:"version"`
	Digest      string    `json:"digest"`
	Size        int       `json:"size"`
	StoredSize  int       `json:"stored_size"`
	Compression string    `json:"compression"`
	StoredAt    time.Time `json:"stored_at"`
}

// BinaryStore keeps worker binaries by kind and version.
type BinaryStore struct {
	db          *pebblestore.DB
	prefix      []byte
	compression Compression
}

// OpenBinaryStore returns the binary store of actor.
func OpenBinaryStore(db *pebblestore.DB, actor string, c Compression) *BinaryStore {
	p := make([]byte, 0, len(actor)+12)
	p = append(p, "act/"...)
	p = append(p, actor...)
	p = append(p, "/bin/"...)
	return &BinaryStore{db: db, prefix: p, compression: c}
}

func (s *BinaryStore) key(kind string, v Version) []byte {
	k := append(append([]byte(nil), s.prefix...), kind...)
	k = append(k, '/')
	return append(k, v.String()...)
}

// Put stores data for kind at version v and returns its digest.
func (s *BinaryStore) Put(ctx context.Context, kind string, v Version, data []byte, now time.Time) (Digest, error) {
	digest := DigestOf(data)
	packed, used, err := compress(data, s.compression)
	if err != nil {
		return Digest{}, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	rec := storedBinary{Kind: kind, Version: v, Digest: digest, Size: len(data), Compression: used, Data: packed, StoredAt: now}
	if err := pebblestore.SetRecord(b, s.key(kind, v), rec); err != nil {
		return Digest{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Digest{}, fmt.Errorf("store binary: %w", err)
	}
	return digest, nil
}

func (s *BinaryStore) load(kind string, v Version) (storedBinary, error) {
	var rec storedBinary
	if err := s.db.GetRecord(s.key(kind, v), &rec); err != nil {
		if pebblestore.IsNotFound(err) {
			return storedBinary{}, ErrBinaryNotFound
		}
		return storedBinary{}, err
	}
	return rec, nil
}

// Get returns the verified binary for kind at v.
func (s *BinaryStore) Get(kind string, v Version) ([]byte, Digest, error) {
	rec, err := s.load(kind, v)
	if err != nil {
		return nil, Digest{}, err
	}
	data, err := decompress(rec.Data, rec.Compression, rec.Size)
	if err != nil {
		return nil, Digest{}, err
	}
	if DigestOf(data) != rec.Digest {
		return nil, Digest{}, fmt.Errorf("%w: %s %s", ErrDigestMismatch, kind, v)
	}
	return data, rec.Digest, nil
}

// Info describes the binary for kind at v.
func (s *BinaryStore) Info(kind string, v Version) (BinaryInfo, error) {
	rec, err := s.load(kind, v)
	if err != nil {
		return BinaryInfo{}, err
	}
	return BinaryInfo{
		Kind:        rec.Kind,
		Version:     rec.Version,
		Digest:      rec.Digest.String(),
		Size:        rec.Size,
		StoredSize:  len(rec.Data),
		Compression: rec.Compression.String(),
		StoredAt:    rec.StoredAt,
	}, nil
}
