package pebblestore

import (
	"context"
	"testing"
	"time"
)

type testMetrics struct {
	wrote        int
	read         int
	batchCommits int
	batchBytes   int
}

func (m *testMetrics) ObserveWrite(d time.Duration, bytes int) { m.wrote += bytes }
func (m *testMetrics) ObserveRead(d time.Duration, bytes int)  { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(d time.Duration, numOps int, bytes int) {
	m.batchCommits++
	m.batchBytes += bytes
}

func newTestDB(t *testing.T) (*DB, *testMetrics) {
	t.Helper()
	dir := t.TempDir()
	metrics := &testMetrics{}
	db, err := Open(Options{
		DataDir:       dir,
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, metrics
}

func TestCRUD(t *testing.T) {
	db, metrics := newTestDB(t)

	key := []byte("k1")
	val := []byte("v1")
	if err := db.Set(key, val); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(val) {
		t.Fatalf("got %q want %q", got, val)
	}

	if metrics.read == 0 {
		t.Fatalf("expected read metrics to record bytes")
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(key); err == nil {
		t.Fatalf("expected not found after delete")
	}
}

func TestBatchCommitMetrics(t *testing.T) {
	db, metrics := newTestDB(t)

	b := db.NewBatch()
	if err := b.Set([]byte("a"), []byte("1"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()

	if metrics.batchCommits != 1 {
		t.Fatalf("want 1 batch commit, got %d", metrics.batchCommits)
	}
	if metrics.batchBytes <= 0 {
		t.Fatalf("expected positive batch bytes")
	}
}

func TestScanPrefixOrderAndBounds(t *testing.T) {
	db, _ := newTestDB(t)

	for _, k := range []string{"a/2", "a/1", "a/3", "b/1", "a"} {
		if err := db.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	var got []string
	err := db.ScanPrefix([]byte("a/"), func(k, v []byte) (bool, error) {
		got = append(got, string(k))
		return true, nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"a/1", "a/2", "a/3"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestScanPrefixStopsEarly(t *testing.T) {
	db, _ := newTestDB(t)
	for _, k := range []string{"p/1", "p/2", "p/3"} {
		if err := db.Set([]byte(k), nil); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	n := 0
	_ = db.ScanPrefix([]byte("p/"), func(k, v []byte) (bool, error) {
		n++
		return n < 2, nil
	})
	if n != 2 {
		t.Fatalf("visited %d keys, want 2", n)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	db, _ := newTestDB(t)
	type rec struct {
		Name string `cbor:"name"`
		N    int    `cbor:"n"`
	}
	b := db.NewBatch()
	if err := SetRecord(b, []byte("r/1"), rec{Name: "w", N: 7}); err != nil {
		t.Fatalf("set record: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()

	var got rec
	if err := db.GetRecord([]byte("r/1"), &got); err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Name != "w" || got.N != 7 {
		t.Fatalf("got %+v", got)
	}
	if err := db.GetRecord([]byte("r/2"), &got); !IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestHas(t *testing.T) {
	db, _ := newTestDB(t)
	if ok, err := db.Has([]byte("x")); err != nil || ok {
		t.Fatalf("has before set = %v, %v", ok, err)
	}
	_ = db.Set([]byte("x"), []byte("1"))
	if ok, err := db.Has([]byte("x")); err != nil || !ok {
		t.Fatalf("has after set = %v, %v", ok, err)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	if got := string(PrefixUpperBound([]byte("ab"))); got != "ac" {
		t.Fatalf("got %q", got)
	}
	if got := PrefixUpperBound([]byte{0xFF, 0xFF}); got != nil {
		t.Fatalf("want nil for all-0xFF prefix, got %v", got)
	}
	if got := PrefixUpperBound([]byte{'a', 0xFF}); string(got) != "b" {
		t.Fatalf("got %q", got)
	}
}
