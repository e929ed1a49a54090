package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rzbill/steward/internal/actor"
	"github.com/rzbill/steward/internal/clock"
	"github.com/rzbill/steward/internal/journal"
	"github.com/rzbill/steward/internal/reservation"
	"github.com/rzbill/steward/pkg/log"
)

const tracerName = "github.com/rzbill/steward/internal/saga"

// Options configures an Executor.
type Options struct {
	// Name labels logs and spans, e.g. "prize".
	Name       string
	Turns      actor.Turns
	Store      *reservation.Store
	Policy     Policy
	Transferer Transferer
	// Journal records transitions. Optional.
	Journal *journal.Journal
	// Notifier delivers commit notifications. Optional.
	Notifier Notifier
	Clock    clock.Clock
	Logger   log.Logger
	// NewToken overrides token generation. Defaults to UUIDv7.
	NewToken func() (string, error)
}

// Executor runs sagas for one Policy on one actor.
type Executor struct {
	name     string
	turns    actor.Turns
	store    *reservation.Store
	policy   Policy
	transfer Transferer
	journal  *journal.Journal
	notifier Notifier
	clock    clock.Clock
	logger   log.Logger
	tracer   trace.Tracer
	newToken func() (string, error)
}

// New validates opts and returns an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Turns == nil || opts.Store == nil || opts.Policy == nil || opts.Transferer == nil {
		return nil, errors.New("saga: turns, store, policy and transferer are required")
	}
	if opts.Name == "" {
		opts.Name = "saga"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.NewToken == nil {
		opts.NewToken = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return &Executor{
		name:     opts.Name,
		turns:    opts.Turns,
		store:    opts.Store,
		policy:   opts.Policy,
		transfer: opts.Transferer,
		journal:  opts.Journal,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		logger:   opts.Logger.WithComponent("saga").With(log.Str("saga", opts.Name)),
		tracer:   otel.Tracer(tracerName),
		newToken: opts.NewToken,
	}, nil
}

func (e *Executor) lockKey(subject, claimant string) string {
	if e.policy.Scope() == ScopeClaimant {
		return reservation.ClaimantLock(subject, claimant)
	}
	return reservation.SubjectLock(subject)
}

// stage appends a journal event to the batch that finalizes a reservation.
// The returned func must be called with the commit outcome.
func (e *Executor) stage(kind journal.Kind, detail string, now time.Time) (reservation.Staged, func(bool)) {
	if e.journal == nil {
		return nil, func(bool) {}
	}
	var txn *journal.Txn
	staged := func(b *pebble.Batch, r reservation.Reservation) error {
		txn = e.journal.Begin()
		_, err := txn.Add(b, journal.Event{
			Kind:     kind,
			Subject:  r.SubjectID,
			Claimant: r.ClaimantID,
			Token:    r.Token,
			Amount:   r.Amount,
			Receipt:  r.Receipt,
			Detail:   detail,
			At:       now,
		})
		return err
	}
	return staged, func(ok bool) {
		if txn != nil {
			txn.Done(ok)
		}
	}
}

// Reserve validates a claim and inserts a Reserved record in one turn.
// Rejections are returned as *RejectedError with nothing mutated.
func (e *Executor) Reserve(ctx context.Context, subject, claimant string, now time.Time) (Token, error) {
	return actor.Do(ctx, e.turns, func() (Token, error) {
		lock := e.lockKey(subject, claimant)
		if _, held, err := e.store.Holder(lock); err != nil {
			return "", err
		} else if held {
			return "", &RejectedError{Subject: subject, Claimant: claimant, Reason: ErrAlreadyClaimed}
		}

		terms, err := e.policy.Evaluate(subject, claimant, now)
		if err != nil {
			if isRejection(err) {
				return "", &RejectedError{Subject: subject, Claimant: claimant, Reason: err}
			}
			return "", fmt.Errorf("evaluate claim: %w", err)
		}

		tok, err := e.newToken()
		if err != nil {
			return "", fmt.Errorf("new token: %w", err)
		}
		payee := terms.Payee
		if payee == "" {
			payee = claimant
		}
		meta := make(map[string]string, len(terms.Meta)+1)
		for k, v := range terms.Meta {
			meta[k] = v
		}
		meta["payee"] = payee

		staged, done := e.stage(journal.KindReserved, "", now)
		r, err := e.store.Insert(ctx, reservation.Reservation{
			Token:      tok,
			SubjectID:  subject,
			ClaimantID: claimant,
			LockKey:    lock,
			Amount:     terms.Amount,
			Terms:      meta,
			CreatedAt:  now,
		}, staged)
		done(err == nil)
		if err != nil {
			if errors.Is(err, reservation.ErrLockHeld) {
				return "", &RejectedError{Subject: subject, Claimant: claimant, Reason: ErrAlreadyClaimed}
			}
			return "", err
		}
		e.policy.Hold(r)
		e.logger.Debug("reserved", log.Str("subject", subject), log.Str("claimant", claimant), log.Str("token", tok), log.Uint64("amount", r.Amount))
		return Token(tok), nil
	})
}

// Request builds the transfer request for a reserved token.
func (e *Executor) Request(ctx context.Context, token Token) (TransferRequest, error) {
	r, err := actor.Do(ctx, e.turns, func() (reservation.Reservation, error) { return e.lookup(string(token)) })
	if err != nil {
		return TransferRequest{}, err
	}
	if r.State != reservation.StateReserved {
		return TransferRequest{}, ErrAlreadyFinalized
	}
	meta := make(map[string]string, len(r.Terms))
	for k, v := range r.Terms {
		if k != "payee" {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		meta = nil
	}
	return TransferRequest{
		Token:    r.Token,
		Subject:  r.SubjectID,
		Claimant: r.ClaimantID,
		Payee:    r.Terms["payee"],
		Amount:   r.Amount,
		Meta:     meta,
	}, nil
}

// Execute performs the remote transfer. It is the only step that waits on
// another actor and runs outside any turn.
func (e *Executor) Execute(ctx context.Context, token Token, req TransferRequest) (Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("saga.name", e.name),
		attribute.String("saga.token", string(token)),
		attribute.Int64("saga.amount", int64(req.Amount)),
	))
	defer span.End()

	req.Token = string(token)
	receipt, err := e.transfer.Transfer(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
		return Receipt{}, err
	}
	if receipt.At.IsZero() {
		receipt.At = e.clock.Now()
	}
	return receipt, nil
}

// Commit moves a Reserved token to Committed, settles it with the policy and
// queues its notifications. A failure to record the commit is a
// *FinalizeFailedError. A notification that cannot be queued does not fail
// the commit; it is logged and journaled as notify_failed.
func (e *Executor) Commit(ctx context.Context, token Token, receipt Receipt) (reservation.Reservation, error) {
	now := e.clock.Now()
	type committed struct {
		r      reservation.Reservation
		notify []Notification
	}
	res, err := actor.Do(ctx, e.turns, func() (committed, error) {
		staged, done := e.stage(journal.KindCommitted, "", now)
		r, err := e.store.Commit(ctx, string(token), receipt.ID, now, staged)
		done(err == nil)
		if err != nil {
			return committed{}, e.finalizeErr(string(token), err)
		}
		return committed{r: r, notify: e.policy.Settle(r)}, nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyFinalized) || errors.Is(err, ErrUnknownToken) {
			return reservation.Reservation{}, err
		}
		e.recordFinalizeFailure(ctx, string(token), receipt, err)
		return reservation.Reservation{}, &FinalizeFailedError{Token: string(token), Receipt: receipt, Cause: err}
	}

	var notifyErr error
	if e.notifier != nil {
		for _, n := range res.notify {
			if err := e.notifier.Send(ctx, n.Destination, n.Method, n.Payload); err != nil {
				notifyErr = errors.Join(notifyErr, fmt.Errorf("notify %s: %w", n.Destination, err))
			}
		}
	}
	if notifyErr != nil {
		e.recordNotifyFailure(ctx, string(token), receipt, notifyErr)
	}
	e.logger.Info("committed", log.Str("subject", res.r.SubjectID), log.Str("claimant", res.r.ClaimantID), log.Str("token", string(token)), log.Str("receipt", receipt.ID))
	return res.r, nil
}

// Rollback moves a Reserved token to RolledBack and restores anything the
// policy held for it.
func (e *Executor) Rollback(ctx context.Context, token Token, reason string) (reservation.Reservation, error) {
	now := e.clock.Now()
	return actor.Do(ctx, e.turns, func() (reservation.Reservation, error) {
		staged, done := e.stage(journal.KindRolledBack, reason, now)
		r, err := e.store.Rollback(ctx, string(token), reason, now, staged)
		done(err == nil)
		if err != nil {
			return reservation.Reservation{}, e.finalizeErr(string(token), err)
		}
		e.policy.Release(r)
		e.logger.Info("rolled back", log.Str("subject", r.SubjectID), log.Str("claimant", r.ClaimantID), log.Str("token", r.Token), log.Str("reason", reason))
		return r, nil
	})
}

// Run reserves, transfers, and commits or rolls back a claim.
func (e *Executor) Run(ctx context.Context, c Claim) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "saga.run", trace.WithAttributes(
		attribute.String("saga.name", e.name),
		attribute.String("saga.subject", c.Subject),
		attribute.String("saga.claimant", c.Claimant),
	))
	defer span.End()

	out, err := e.run(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (e *Executor) run(ctx context.Context, c Claim) (Outcome, error) {
	tok, err := e.Reserve(ctx, c.Subject, c.Claimant, e.clock.Now())
	if err != nil {
		return Outcome{}, err
	}
	req, err := e.Request(ctx, tok)
	if err != nil {
		_, rbErr := e.Rollback(ctx, tok, "request: "+err.Error())
		return Outcome{}, errors.Join(err, rbErr)
	}

	receipt, err := e.Execute(ctx, tok, req)
	if err != nil {
		// The transfer may still be rolled back after ctx is canceled.
		rbCtx := context.WithoutCancel(ctx)
		_, rbErr := e.Rollback(rbCtx, tok, err.Error())
		if rbErr != nil {
			e.logger.Error("rollback failed", log.Str("token", string(tok)), log.Err(rbErr))
		}
		var declined *TransferDeclined
		if errors.As(err, &declined) {
			return Outcome{}, &TransferFailedError{Token: string(tok), Cause: declined, RollbackErr: rbErr}
		}
		return Outcome{}, &RemoteCallError{Token: string(tok), Cause: err, RollbackErr: rbErr}
	}

	r, err := e.Commit(context.WithoutCancel(ctx), tok, receipt)
	if err != nil {
		var ff *FinalizeFailedError
		if !errors.As(err, &ff) {
			err = &FinalizeFailedError{Token: string(tok), Receipt: receipt, Cause: err}
		}
		return Outcome{Reservation: r, Receipt: receipt}, err
	}
	return Outcome{Reservation: r, Receipt: receipt}, nil
}

// Get returns the live reservation of claimant on subject.
func (e *Executor) Get(subject, claimant string) (reservation.Reservation, error) {
	return e.store.Get(subject, claimant)
}

// Stale lists reservations left Reserved for longer than age.
func (e *Executor) Stale(age time.Duration) ([]reservation.Reservation, error) {
	return e.store.Stale(e.clock.Now().Add(-age))
}

func (e *Executor) lookup(token string) (reservation.Reservation, error) {
	r, err := e.store.ByToken(token)
	if errors.Is(err, reservation.ErrNotFound) {
		return reservation.Reservation{}, ErrUnknownToken
	}
	return r, err
}

func (e *Executor) finalizeErr(token string, err error) error {
	switch {
	case errors.Is(err, reservation.ErrNotReserved):
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, token)
	case errors.Is(err, reservation.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	default:
		return err
	}
}

// recordFinalizeFailure writes a best-effort journal entry for operators.
func (e *Executor) recordNotifyFailure(ctx context.Context, token string, receipt Receipt, cause error) {
	e.logger.Error("notification not queued", log.Str("token", token), log.Str("receipt", receipt.ID), log.Err(cause))
	if e.journal == nil {
		return
	}
	_, err := e.journal.Append(ctx, journal.Event{
		Kind:    journal.KindNotifyFailed,
		Token:   token,
		Receipt: receipt.ID,
		Detail:  cause.Error(),
		At:      e.clock.Now(),
	})
	if err != nil {
		e.logger.Warn("journal notify failure", log.Str("token", token), log.Err(err))
	}
}

func (e *Executor) recordFinalizeFailure(ctx context.Context, token string, receipt Receipt, cause error) {
	e.logger.Error("finalize failed; manual reconciliation required", log.Str("token", token), log.Str("receipt", receipt.ID), log.Err(cause))
	if e.journal == nil {
		return
	}
	_, err := e.journal.Append(ctx, journal.Event{
		Kind:    journal.KindFinalizeFailed,
		Token:   token,
		Receipt: receipt.ID,
		Detail:  cause.Error(),
		At:      e.clock.Now(),
	})
	if err != nil {
		e.logger.Warn("journal finalize failure", log.Str("token", token), log.Err(err))
	}
}
