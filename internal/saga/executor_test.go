package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/steward/internal/actor"
	"github.com/rzbill/steward/internal/clock"
	"github.com/rzbill/steward/internal/journal"
	"github.com/rzbill/steward/internal/reservation"
	pebblestore "github.com/rzbill/steward/internal/storage/pebble"
)

// poolPolicy is a single shared counter claimed once per subject.
type poolPolicy struct {
	scope    Scope
	pool     map[string]uint64
	ends     time.Time
	held     map[string]uint64
	settled  []string
	released int
}

func newPoolPolicy() *poolPolicy {
	return &poolPolicy{
		pool: map[string]uint64{"m1": 100, "m2": 50},
		ends: time.Unix(1700003600, 0).UTC(),
		held: map[string]uint64{},
	}
}

func (p *poolPolicy) Scope() Scope { return p.scope }

func (p *poolPolicy) Evaluate(subject, claimant string, now time.Time) (Terms, error) {
	amt, ok := p.pool[subject]
	if !ok {
		return Terms{}, ErrNotFound
	}
	if !now.Before(p.ends) {
		return Terms{}, ErrEnded
	}
	if amt == 0 {
		return Terms{}, ErrAlreadyClaimed
	}
	return Terms{Amount: amt, Meta: map[string]string{"memo": "prize"}}, nil
}

func (p *poolPolicy) Hold(r reservation.Reservation) {
	p.pool[r.SubjectID] -= r.Amount
	p.held[r.Token] = r.Amount
}

func (p *poolPolicy) Release(r reservation.Reservation) {
	p.pool[r.SubjectID] += p.held[r.Token]
	delete(p.held, r.Token)
	p.released++
}

func (p *poolPolicy) Settle(r reservation.Reservation) []Notification {
	delete(p.held, r.Token)
	p.settled = append(p.settled, r.Token)
	return []Notification{{Destination: "user:" + r.ClaimantID, Method: "claimed", Payload: []byte(r.SubjectID)}}
}

type transferFunc func(ctx context.Context, req TransferRequest) (Receipt, error)

func (f transferFunc) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	return f(ctx, req)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, dest, method string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, Notification{Destination: dest, Method: method, Payload: payload})
	return nil
}

type harness struct {
	exec     *Executor
	policy   *poolPolicy
	store    *reservation.Store
	journal  *journal.Journal
	notifier *recordingNotifier
	clock    *clock.FakeClock
	db       *pebblestore.DB
}

var t0 = time.Unix(1700000000, 0).UTC()

func newHarness(t *testing.T, tr Transferer) *harness {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	j, err := journal.Open(db, "a1", "saga")
	require.NoError(t, err)
	h := &harness{
		policy:   newPoolPolicy(),
		store:    reservation.Open(db, "a1"),
		journal:  j,
		notifier: &recordingNotifier{},
		clock:    clock.Fake(t0),
		db:       db,
	}
	h.exec, err = New(Options{
		Name:       "test",
		Turns:      actor.NewExclusive(),
		Store:      h.store,
		Policy:     h.policy,
		Transferer: tr,
		Journal:    j,
		Notifier:   h.notifier,
		Clock:      h.clock,
	})
	require.NoError(t, err)
	return h
}

func okTransfer() Transferer {
	return transferFunc(func(_ context.Context, req TransferRequest) (Receipt, error) {
		return Receipt{ID: "tx-" + req.Token[:8]}, nil
	})
}

func TestReserveRejections(t *testing.T) {
	h := newHarness(t, okTransfer())
	ctx := context.Background()

	_, err := h.exec.Reserve(ctx, "missing", "u1", t0)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, Retryable(err))

	_, err = h.exec.Reserve(ctx, "m1", "u1", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrEnded)

	_, err = h.exec.Reserve(ctx, "m1", "u1", t0)
	require.NoError(t, err)
	_, err = h.exec.Reserve(ctx, "m1", "u2", t0)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	// Rejections mutate nothing.
	assert.Equal(t, uint64(50), h.policy.pool["m2"])
	_, err = h.store.Get("m1", "u2")
	assert.ErrorIs(t, err, reservation.ErrNotFound)
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	h := newHarness(t, okTransfer())
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		rejs int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.exec.Reserve(ctx, "m1", fmt.Sprintf("u%d", i), t0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrAlreadyClaimed) {
				rejs++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 19, rejs)
}

func TestRunCommitsAndNotifies(t *testing.T) {
	var seen TransferRequest
	h := newHarness(t, transferFunc(func(_ context.Context, req TransferRequest) (Receipt, error) {
		seen = req
		return Receipt{ID: "tx-1"}, nil
	}))
	ctx := context.Background()

	out, err := h.exec.Run(ctx, Claim{Subject: "m1", Claimant: "u1"})
	require.NoError(t, err)
	assert.Equal(t, reservation.StateCommitted, out.Reservation.State)
	assert.Equal(t, "tx-1", out.Reservation.Receipt)
	assert.Equal(t, t0, out.Receipt.At)

	assert.Equal(t, uint64(100), seen.Amount)
	assert.Equal(t, "u1", seen.Payee)
	assert.Equal(t, map[string]string{"memo": "prize"}, seen.Meta)

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "user:u1", h.notifier.sent[0].Destination)
	assert.Equal(t, []string{out.Reservation.Token}, h.policy.settled)

	events, _, err := h.journal.Read(journal.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, journal.KindReserved, events[0].Kind)
	assert.Equal(t, journal.KindCommitted, events[1].Kind)
	assert.Equal(t, "tx-1", events[1].Receipt)
}

func TestDoubleFinalizeRejected(t *testing.T) {
	h := newHarness(t, okTransfer())
	ctx := context.Background()

	tok, err := h.exec.Reserve(ctx, "m1", "u1", t0)
	require.NoError(t, err)
	req, err := h.exec.Request(ctx, tok)
	require.NoError(t, err)
	receipt, err := h.exec.Execute(ctx, tok, req)
	require.NoError(t, err)
	_, err = h.exec.Commit(ctx, tok, receipt)
	require.NoError(t, err)

	_, err = h.exec.Commit(ctx, tok, receipt)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	_, err = h.exec.Rollback(ctx, tok, "late")
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	_, err = h.exec.Request(ctx, tok)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	_, err = h.exec.Commit(ctx, "nope", receipt)
	assert.ErrorIs(t, err, ErrUnknownToken)

	// Rolled back tokens cannot be finalized again either.
	tok2, err := h.exec.Reserve(ctx, "m2", "u1", t0)
	require.NoError(t, err)
	_, err = h.exec.Rollback(ctx, tok2, "abandoned")
	require.NoError(t, err)
	_, err = h.exec.Rollback(ctx, tok2, "again")
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	_, err = h.exec.Commit(ctx, tok2, receipt)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestRollbackRestoresObservableState(t *testing.T) {
	h := newHarness(t, transferFunc(func(context.Context, TransferRequest) (Receipt, error) {
		return Receipt{}, &TransferDeclined{Code: "InsufficientFunds"}
	}))
	ctx := context.Background()

	beforePool := h.policy.pool["m1"]
	_, err := h.exec.Run(ctx, Claim{Subject: "m1", Claimant: "u1"})
	var tf *TransferFailedError
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, "InsufficientFunds", tf.Cause.Code)
	assert.True(t, Retryable(err))

	assert.Equal(t, beforePool, h.policy.pool["m1"])
	assert.Empty(t, h.policy.held)
	assert.Equal(t, 1, h.policy.released)
	_, err = h.store.Get("m1", "u1")
	assert.ErrorIs(t, err, reservation.ErrNotFound)
	_, held, err := h.store.Holder(reservation.SubjectLock("m1"))
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, h.notifier.sent)

	// Audit entries survive rollback.
	events, _, _ := h.journal.Read(journal.ReadOptions{})
	require.Len(t, events, 2)
	assert.Equal(t, journal.KindRolledBack, events[1].Kind)

	// Another claimant can now reserve.
	_, err = h.exec.Reserve(ctx, "m1", "u2", t0)
	assert.NoError(t, err)
}

func TestRemoteCallErrorRollsBack(t *testing.T) {
	callErr := errors.New("connection reset")
	h := newHarness(t, transferFunc(func(context.Context, TransferRequest) (Receipt, error) {
		return Receipt{}, callErr
	}))
	_, err := h.exec.Run(context.Background(), Claim{Subject: "m1", Claimant: "u1"})
	var rc *RemoteCallError
	require.ErrorAs(t, err, &rc)
	assert.ErrorIs(t, err, callErr)
	assert.Nil(t, rc.RollbackErr)
	assert.Equal(t, uint64(100), h.policy.pool["m1"])
}

func TestRollbackSurvivesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, transferFunc(func(context.Context, TransferRequest) (Receipt, error) {
		cancel()
		return Receipt{}, context.Canceled
	}))
	_, err := h.exec.Run(ctx, Claim{Subject: "m1", Claimant: "u1"})
	var rc *RemoteCallError
	require.ErrorAs(t, err, &rc)
	assert.Nil(t, rc.RollbackErr)
	_, held, _ := h.store.Holder(reservation.SubjectLock("m1"))
	assert.False(t, held)
}

func TestNotifyFailureKeepsCommit(t *testing.T) {
	h := newHarness(t, okTransfer())
	h.notifier.err = errors.New("outbox unavailable")

	out, err := h.exec.Run(context.Background(), Claim{Subject: "m1", Claimant: "u1"})
	require.NoError(t, err, "the commit was recorded; a lost notification is not a finalize failure")
	assert.NotEmpty(t, out.Receipt.ID)
	assert.Equal(t, reservation.StateCommitted, out.Reservation.State)
	assert.Equal(t, 0, h.policy.released)
	assert.Equal(t, uint64(0), h.policy.pool["m1"])

	events, _, _ := h.journal.Read(journal.ReadOptions{Reverse: true, Limit: 2})
	require.Len(t, events, 2)
	assert.Equal(t, journal.KindNotifyFailed, events[0].Kind)
	assert.Equal(t, out.Receipt.ID, events[0].Receipt)
	assert.Equal(t, journal.KindCommitted, events[1].Kind)
}

func TestFinalizeFailedWhenTokenAlreadyRolledBack(t *testing.T) {
	var exec *Executor
	h := newHarness(t, transferFunc(func(ctx context.Context, req TransferRequest) (Receipt, error) {
		// An operator rolls back the stuck reservation while the transfer is in flight.
		_, err := exec.Rollback(ctx, Token(req.Token), "operator")
		return Receipt{ID: "tx-late"}, err
	}))
	exec = h.exec

	_, err := h.exec.Run(context.Background(), Claim{Subject: "m1", Claimant: "u1"})
	var ff *FinalizeFailedError
	require.ErrorAs(t, err, &ff)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, "tx-late", ff.Receipt.ID)
}

func TestClaimantScope(t *testing.T) {
	h := newHarness(t, okTransfer())
	h.policy.scope = ScopeClaimant
	h.policy.pool["m1"] = 300
	ctx := context.Background()

	_, err := h.exec.Reserve(ctx, "m1", "u1", t0)
	require.NoError(t, err)
	_, err = h.exec.Reserve(ctx, "m1", "u2", t0)
	require.NoError(t, err)
	_, err = h.exec.Reserve(ctx, "m1", "u1", t0)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestStale(t *testing.T) {
	h := newHarness(t, okTransfer())
	ctx := context.Background()
	_, err := h.exec.Reserve(ctx, "m1", "u1", t0)
	require.NoError(t, err)

	stale, err := h.exec.Stale(time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)

	h.clock.Advance(2 * time.Minute)
	stale, err = h.exec.Stale(time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "m1", stale[0].SubjectID)
}
