package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
)

func openDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	return db
}

func newTestJournal(t *testing.T) (*Journal, *pebblestore.DB) {
	t.Helper()
	db := openDB(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	j, err := Open(db, "actor-1", "saga")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return j, db
}

func ev(kind Kind, subject string, at time.Time) Event {
	return Event{Kind: kind, Subject: subject, Claimant: "u1", At: at}
}

func TestAppendAssignsSequential(t *testing.T) {
	j, _ := newTestJournal(t)
	now := time.Unix(1700000000, 0).UTC()
	seqs, err := j.Append(context.Background(), ev(KindReserved, "m1", now), ev(KindCommitted, "m1", now))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("unexpected seqs: %v", seqs)
	}
	if j.LastSeq() != 2 {
		t.Fatalf("last seq = %d", j.LastSeq())
	}
}

func TestAppendDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir)
	j, err := Open(db, "a", "saga")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	ctx := context.Background()
	if _, err := j.Append(ctx, ev(KindReserved, "m1", time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := openDB(t, dir)
	t.Cleanup(func() { _ = db2.Close() })
	j2, err := Open(db2, "a", "saga")
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	seqs, err := j2.Append(ctx, ev(KindCommitted, "m1", time.Now()))
	if err != nil {
		t.Fatalf("append2: %v", err)
	}
	if seqs[0] != 2 {
		t.Fatalf("expected seq 2 after reopen, got %d", seqs[0])
	}
}

func TestReadForwardReverse(t *testing.T) {
	j, _ := newTestJournal(t)
	now := time.Unix(1700000000, 0).UTC()
	for _, s := range []string{"a", "b", "c", "d"} {
		if _, err := j.Append(context.Background(), ev(KindCommitted, s, now)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, next, err := j.Read(ReadOptions{Limit: 2})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Subject != "a" || got[1].Subject != "b" || next != 3 {
		t.Fatalf("forward page: %+v next=%d", got, next)
	}
	got, next, _ = j.Read(ReadOptions{Start: next, Limit: 10})
	if len(got) != 2 || got[0].Seq != 3 || next != 0 {
		t.Fatalf("second page: %+v next=%d", got, next)
	}

	got, next, _ = j.Read(ReadOptions{Reverse: true, Limit: 3})
	if len(got) != 3 || got[0].Subject != "d" || got[2].Subject != "b" || next != 1 {
		t.Fatalf("reverse page: %+v next=%d", got, next)
	}
	got, _, _ = j.Read(ReadOptions{Reverse: true, Start: 2})
	if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 1 {
		t.Fatalf("reverse from 2: %+v", got)
	}
	if !got[0].At.Equal(now) {
		t.Fatalf("timestamp not preserved: %v", got[0].At)
	}
}

func TestTxnCommitsWithCallerBatch(t *testing.T) {
	j, db := newTestJournal(t)
	ctx := context.Background()

	b := db.NewBatch()
	txn := j.Begin()
	if _, err := txn.Add(b, ev(KindCommitted, "m1", time.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Set([]byte("other"), []byte("x"), nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	err := db.CommitBatch(ctx, b)
	txn.Done(err == nil)
	b.Close()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if j.LastSeq() != 1 {
		t.Fatalf("last seq = %d", j.LastSeq())
	}

	// An abandoned transaction leaves no trace.
	b2 := db.NewBatch()
	txn2 := j.Begin()
	if _, err := txn2.Add(b2, ev(KindCommitted, "m2", time.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	txn2.Done(false)
	b2.Close()
	if j.LastSeq() != 1 {
		t.Fatalf("abandoned txn advanced seq to %d", j.LastSeq())
	}
	seqs, err := j.Append(ctx, ev(KindCommitted, "m3", time.Now()))
	if err != nil || seqs[0] != 2 {
		t.Fatalf("append after abandon: %v %v", seqs, err)
	}
}

func TestWaitWakesOnAppend(t *testing.T) {
	j, _ := newTestJournal(t)
	done := make(chan error, 1)
	go func() { done <- j.Wait(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	if _, err := j.Append(context.Background(), ev(KindReserved, "m", time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not wake")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := j.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestTrimOlderThan(t *testing.T) {
	j, _ := newTestJournal(t)
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 5; i++ {
		if _, err := j.Append(context.Background(), ev(KindCommitted, "s", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	n, err := j.TrimOlderThan(context.Background(), base.Add(3*time.Minute), 2)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if n != 3 {
		t.Fatalf("deleted %d, want 3", n)
	}
	got, _, _ := j.Read(ReadOptions{})
	if len(got) != 2 || got[0].Seq != 4 {
		t.Fatalf("remaining: %+v", got)
	}
}

func TestRecordCorruptionDetected(t *testing.T) {
	val, err := encodeEvent(ev(KindCommitted, "m", time.Now()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	val[len(val)-5] ^= 0xFF
	if _, err := decodeEvent(1, val); !errors.Is(err, errCorrupt) {
		t.Fatalf("want corrupt, got %v", err)
	}
}
