package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/wamp"
)

// Record is what a Recorder receives for every resolved request.
type Record struct {
	Plugin  string
	Session wamp.ID
	Outcome Outcome
	At      time.Time
}

// Recorder persists registration outcomes, for example to a ledger.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Observer receives lifecycle measurements.
type Observer interface {
	ObserveOutcome(plugin string, outcome Outcome)
	ObserveBatch(plugin string, kind Kind, ready bool, elapsed time.Duration)
	ObserveState(plugin string, state State)
}

// Executor submits registration batches with all-or-nothing semantics.
type Executor struct {
	logger   *slog.Logger
	recorder Recorder
	observer Observer
	now      func() time.Time
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger overrides the diagnostic logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder persists every outcome.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithExecutorObserver reports outcomes and batch durations.
func WithExecutorObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// NewExecutor builds an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{logger: logger.Named("registration"), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type batch struct {
	mu       sync.Mutex
	outcomes []Outcome
	resolved []bool
	pending  int
	err      error
	done     chan struct{}
}

func newBatch(reqs []Request) *batch {
	b := &batch{
		outcomes: make([]Outcome, len(reqs)),
		resolved: make([]bool, len(reqs)),
		pending:  len(reqs),
		done:     make(chan struct{}),
	}
	for i, req := range reqs {
		b.outcomes[i].Request = req
	}
	return b
}

// settle stores the outcome of request i unless it was already resolved. The
// first failure marks every unresolved sibling cancelled and records batchErr
// as the batch error. It reports whether the outcome was stored.
func (b *batch) settle(i int, o Outcome, batchErr error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved[i] {
		return false
	}
	b.outcomes[i] = o
	b.resolved[i] = true
	b.pending--
	if o.Status == StatusFailed {
		b.err = batchErr
		for j := range b.outcomes {
			if b.resolved[j] {
				continue
			}
			req := b.outcomes[j].Request
			b.outcomes[j] = Outcome{
				Request: req,
				Status:  StatusCancelled,
				Err:     xerrors.New(xerrors.CodeCancelled, fmt.Sprintf("%s %s cancelled after %s failed", req.Kind, req.URI, o.Request.URI)),
			}
			b.resolved[j] = true
		}
		b.pending = 0
	}
	if b.pending == 0 {
		close(b.done)
	}
	return true
}

func (b *batch) result() BatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BatchResult{Outcomes: append([]Outcome(nil), b.outcomes...), Err: b.err}
}

// Submit issues every request concurrently against session and resolves as
// soon as all of them succeeded or the first one failed. On failure the
// requests still pending are cancelled; registrations that already
// succeeded are kept.
func (e *Executor) Submit(ctx context.Context, pluginName string, session wamp.Session, reqs []Request) BatchResult {
	if len(reqs) == 0 {
		return BatchResult{}
	}
	b := newBatch(reqs)
	kind := reqs[0].Kind
	started := e.now()

	if session == nil {
		b.settle(0, Outcome{Request: reqs[0], Status: StatusFailed, Err: ErrNotJoined}, ErrNotJoined)
	} else if e.validate(b, pluginName) {
		e.issue(ctx, b, pluginName, session, reqs)
	}

	result := b.result()
	e.report(ctx, pluginName, session, kind, result, e.now().Sub(started))
	return result
}

func (e *Executor) validate(b *batch, pluginName string) bool {
	for i, o := range b.outcomes {
		if err := o.Request.Validate(); err != nil {
			b.settle(i, Outcome{Request: o.Request, Status: StatusFailed, Err: err}, e.failure(pluginName, o.Request, err))
			return false
		}
	}
	return true
}

func (e *Executor) issue(ctx context.Context, b *batch, pluginName string, session wamp.Session, reqs []Request) {
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			id, err := register(gctx, session, req)
			if err != nil {
				wrapped := e.failure(pluginName, req, err)
				if b.settle(i, Outcome{Request: req, Status: StatusFailed, Err: err}, wrapped) {
					// Returning the error cancels gctx for the siblings.
					return wrapped
				}
				return nil
			}
			if !b.settle(i, Outcome{Request: req, Status: StatusSucceeded, ID: id}, nil) {
				e.logger.Warn("registration completed after batch was cancelled",
					slog.String("plugin", pluginName),
					slog.String("kind", string(req.Kind)),
					slog.String("uri", req.URI),
					slog.Uint64("id", uint64(id)))
				return nil
			}
			e.logger.Info(fmt.Sprintf("%s: registered %s %s", pluginName, req.Kind, req.URI),
				slog.Uint64("id", uint64(id)))
			return nil
		})
	}

	<-b.done
	if b.result().Err != nil {
		// Cancelled siblings unwind in the background.
		go func() { _ = g.Wait() }()
		return
	}
	_ = g.Wait()
}

func (e *Executor) failure(pluginName string, req Request, cause error) error {
	return xerrors.Wrap(xerrors.CodeRegistrationFailure, cause,
		fmt.Sprintf("%s: %s %s", pluginName, req.Kind, req.URI),
		xerrors.WithMetadata("plugin", pluginName),
		xerrors.WithMetadata("kind", string(req.Kind)),
		xerrors.WithMetadata("uri", req.URI))
}

func register(ctx context.Context, session wamp.Session, req Request) (wamp.ID, error) {
	switch req.Kind {
	case KindRPC:
		reg, err := session.Register(ctx, req.URI, req.Invoke, wamp.RegisterOptions{Match: req.Match.OrExact()})
		if err != nil {
			return 0, err
		}
		if reg == nil {
			return 0, fmt.Errorf("router returned no registration for %s", req.URI)
		}
		return reg.ID, nil
	case KindSubscription:
		sub, err := session.Subscribe(ctx, req.URI, req.OnEvent, wamp.SubscribeOptions{Match: req.Match.OrExact()})
		if err != nil {
			return 0, err
		}
		if sub == nil {
			return 0, fmt.Errorf("router returned no subscription for %s", req.URI)
		}
		return sub.ID, nil
	default:
		return 0, fmt.Errorf("unknown registration kind %q", req.Kind)
	}
}

func (e *Executor) report(ctx context.Context, pluginName string, session wamp.Session, kind Kind, result BatchResult, elapsed time.Duration) {
	var sessionID wamp.ID
	if session != nil {
		sessionID = session.ID()
	}
	if result.Err != nil {
		logger.Audit().Warn("router registrations failed",
			slog.String("plugin", pluginName),
			slog.String("kind", string(kind)),
			slog.Uint64("session", uint64(sessionID)),
			slog.String("error", result.Err.Error()))
	} else {
		logger.Audit().Info("router registrations completed",
			slog.String("plugin", pluginName),
			slog.String("kind", string(kind)),
			slog.Uint64("session", uint64(sessionID)),
			slog.Int("count", len(result.Outcomes)))
	}
	if e.observer != nil {
		for _, o := range result.Outcomes {
			e.observer.ObserveOutcome(pluginName, o)
		}
		e.observer.ObserveBatch(pluginName, kind, result.Ready(), elapsed)
	}
	if e.recorder == nil {
		return
	}
	at := e.now()
	// Ledger failures never change the batch result.
	recordCtx := context.WithoutCancel(ctx)
	for _, o := range result.Outcomes {
		if err := e.recorder.Record(recordCtx, Record{Plugin: pluginName, Session: sessionID, Outcome: o, At: at}); err != nil {
			e.logger.Error("record registration outcome failed",
				slog.Any("error", err),
				slog.String("plugin", pluginName),
				slog.String("uri", o.Request.URI))
		}
	}
}
