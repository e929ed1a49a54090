package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func implementations(t *testing.T) map[string]Turns {
	t.Helper()
	mb := NewMailbox("test", 8, nil)
	t.Cleanup(func() { _ = mb.Close() })
	return map[string]Turns{
		"mailbox":   mb,
		"exclusive": NewExclusive(),
	}
}

func TestTurnsNeverOverlap(t *testing.T) {
	for name, turns := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			var (
				inside  int
				maxSeen int
				total   int
				wg      sync.WaitGroup
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := turns.Turn(context.Background(), func() {
						inside++
						if inside > maxSeen {
							maxSeen = inside
						}
						time.Sleep(100 * time.Microsecond)
						total++
						inside--
					})
					if err != nil {
						t.Errorf("turn: %v", err)
					}
				}()
			}
			wg.Wait()
			if maxSeen != 1 {
				t.Fatalf("turns overlapped: max concurrent = %d", maxSeen)
			}
			if total != 50 {
				t.Fatalf("ran %d turns, want 50", total)
			}
		})
	}
}

func TestFirstSynchronousWriterWins(t *testing.T) {
	for name, turns := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			claimed := map[string]string{}
			var (
				mu   sync.Mutex
				wins []string
				wg   sync.WaitGroup
			)
			for _, who := range []string{"a", "b", "c", "d"} {
				wg.Add(1)
				go func(who string) {
					defer wg.Done()
					ok, _ := Do(context.Background(), turns, func() (bool, error) {
						if _, taken := claimed["subject"]; taken {
							return false, nil
						}
						claimed["subject"] = who
						return true, nil
					})
					if ok {
						mu.Lock()
						wins = append(wins, who)
						mu.Unlock()
					}
				}(who)
			}
			wg.Wait()
			if len(wins) != 1 {
				t.Fatalf("want exactly one winner, got %v", wins)
			}
		})
	}
}

func TestDoPropagatesError(t *testing.T) {
	sentinel := errors.New("boom")
	for name, turns := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			n, err := Do(context.Background(), turns, func() (int, error) { return 7, sentinel })
			if !errors.Is(err, sentinel) || n != 7 {
				t.Fatalf("got %d, %v", n, err)
			}
		})
	}
}

func TestPanicDoesNotKillActor(t *testing.T) {
	for name, turns := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			err := turns.Turn(context.Background(), func() { panic("bad turn") })
			var pe *PanicError
			if !errors.As(err, &pe) {
				t.Fatalf("want PanicError, got %v", err)
			}
			ran := false
			if err := turns.Turn(context.Background(), func() { ran = true }); err != nil || !ran {
				t.Fatalf("actor unusable after panic: ran=%v err=%v", ran, err)
			}
		})
	}
}

func TestCanceledContextSkipsTurn(t *testing.T) {
	for name, turns := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			ran := false
			if err := turns.Turn(ctx, func() { ran = true }); !errors.Is(err, context.Canceled) {
				t.Fatalf("want canceled, got %v", err)
			}
			if ran {
				t.Fatalf("turn ran with canceled context")
			}
		})
	}
}

func TestMailboxStopped(t *testing.T) {
	mb := NewMailbox("stop", 1, nil)
	if err := mb.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mb.Turn(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("want ErrStopped, got %v", err)
	}
	// Close is idempotent.
	_ = mb.Close()
}
