package plugin

import (
	"context"
	"log/slog"
	"sync"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/wamp"
)

// FailureHandler is told about every join sequence that ended in failed.
type FailureHandler func(ctx context.Context, plugin string, session wamp.ID, err error)

// Controller drives one plugin through the join sequence
//
//	detached -> joining -> rpc_phase -> subscription_phase -> ready
//
// or into failed, and back to left when the session goes away. A controller
// can join again after it left.
type Controller struct {
	plugin    Plugin
	executor  *Executor
	observer  Observer
	onFailure FailureHandler
	hooks     *hookRunner
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	cancel  context.CancelFunc
	session wamp.Session
}

// ControllerOption customises a Controller.
type ControllerOption func(*Controller)

// WithExecutor shares an executor between controllers.
func WithExecutor(e *Executor) ControllerOption {
	return func(c *Controller) {
		if e != nil {
			c.executor = e
		}
	}
}

// WithStateObserver reports every state transition.
func WithStateObserver(o Observer) ControllerOption {
	return func(c *Controller) { c.observer = o }
}

// WithFailureHandler is invoked, on the hook goroutine, for every failed
// join sequence.
func WithFailureHandler(h FailureHandler) ControllerOption {
	return func(c *Controller) { c.onFailure = h }
}

func withHookRunner(r *hookRunner) ControllerOption {
	return func(c *Controller) { c.hooks = r }
}

// NewController binds a controller to p.
func NewController(p Plugin, opts ...ControllerOption) *Controller {
	c := &Controller{
		plugin: p,
		state:  StateDetached,
		logger: logger.Named("plugin").With(slog.String("plugin", p.Name())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.executor == nil {
		c.executor = NewExecutor()
	}
	if c.hooks == nil {
		c.hooks = &hookRunner{logger: c.logger}
	}
	return c
}

// Plugin returns the managed plugin.
func (c *Controller) Plugin() Plugin { return c.plugin }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join runs the join sequence against session. It returns nil once the
// plugin is ready and the failure otherwise; OnReady/OnNotReady are
// scheduled in both cases. Joining a plugin that has not left its previous
// session returns ErrAlreadyJoined and registers nothing.
func (c *Controller) Join(ctx context.Context, session wamp.Session, details wamp.Details) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session cannot be nil")
	}

	c.mu.Lock()
	if c.state.Joined() {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("join ignored, plugin still bound", slog.String("state", string(state)))
		return ErrAlreadyJoined
	}
	c.gen++
	gen := c.gen
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.session = session
	c.plugin.setSession(session)
	c.setStateLocked(StateJoining)
	c.mu.Unlock()
	defer cancel()

	err := c.run(runCtx, gen, session, details)
	return c.finish(ctx, gen, session, err)
}

func (c *Controller) run(ctx context.Context, gen uint64, session wamp.Session, details wamp.Details) error {
	if err := c.callOnJoin(ctx, details); err != nil {
		return err
	}

	if !c.advance(gen, StateRPCPhase) {
		return errLeftDuringJoin
	}
	if reqs := rpcRequests(c.plugin.RPCs()); len(reqs) > 0 {
		if res := c.executor.Submit(ctx, c.plugin.Name(), session, reqs); res.Err != nil {
			return res.Err
		}
	}

	if !c.advance(gen, StateSubscriptionPhase) {
		return errLeftDuringJoin
	}
	if reqs := subscriptionRequests(c.plugin.Subscriptions()); len(reqs) > 0 {
		if res := c.executor.Submit(ctx, c.plugin.Name(), session, reqs); res.Err != nil {
			return res.Err
		}
	}
	return nil
}

var errLeftDuringJoin = xerrors.New(xerrors.CodeCancelled, "session left during join")

func (c *Controller) callOnJoin(ctx context.Context, details wamp.Details) error {
	var hookErr error
	if err := guard(func() { hookErr = c.plugin.OnJoin(ctx, details) }); err != nil {
		hookErr = err
	}
	if hookErr != nil {
		return xerrors.Wrap(xerrors.CodeHookFailure, hookErr, c.plugin.Name()+": on_join")
	}
	return nil
}

// advance moves the sequence forward unless a leave or a newer join took
// over in the meantime.
func (c *Controller) advance(gen uint64, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.state.inSequence() {
		return false
	}
	c.setStateLocked(next)
	return true
}

func (c *Controller) finish(ctx context.Context, gen uint64, session wamp.Session, err error) error {
	c.mu.Lock()
	if c.gen != gen || !c.state.inSequence() {
		c.mu.Unlock()
		if err == nil {
			err = errLeftDuringJoin
		}
		c.logger.Info("join sequence abandoned", slog.Any("error", err))
		return err
	}
	c.cancel = nil
	name := c.plugin.Name()
	if err == nil {
		c.setStateLocked(StateReady)
		c.mu.Unlock()
		c.logger.Info("plugin ready")
		c.hooks.Go(name, "on_ready", c.plugin.OnReady)
		return nil
	}
	c.setStateLocked(StateFailed)
	c.mu.Unlock()

	c.logger.Warn("router registrations failed", slog.Any("error", err))
	sessionID := session.ID()
	notifyCtx := context.WithoutCancel(ctx)
	c.hooks.Go(name, "on_not_ready", func() {
		c.plugin.OnNotReady(err)
		if c.onFailure != nil {
			c.onFailure(notifyCtx, name, sessionID, err)
		}
	})
	return err
}

// Leave handles the loss of the session: the plugin is unbound first, then
// OnLeave runs. A join sequence still in flight is cancelled and fires
// neither OnReady nor OnNotReady. Leave returns false when the plugin was
// not joined.
func (c *Controller) Leave() bool {
	c.mu.Lock()
	if !c.state.Joined() {
		c.mu.Unlock()
		return false
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.session = nil
	c.plugin.setSession(nil)
	c.setStateLocked(StateLeft)
	c.mu.Unlock()

	if err := guard(c.plugin.OnLeave); err != nil {
		c.logger.Error("on_leave panicked", slog.Any("error", err))
	}
	return true
}

// Wait blocks until scheduled hooks have returned.
func (c *Controller) Wait(ctx context.Context) error {
	return c.hooks.Wait(ctx)
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	if c.observer != nil {
		c.observer.ObserveState(c.plugin.Name(), s)
	}
}

func rpcRequests(decls []RPC) []Request {
	if len(decls) == 0 {
		return nil
	}
	reqs := make([]Request, 0, len(decls))
	for _, d := range decls {
		reqs = append(reqs, d.Request())
	}
	return reqs
}

func subscriptionRequests(decls []Subscription) []Request {
	if len(decls) == 0 {
		return nil
	}
	reqs := make([]Request, 0, len(decls))
	for _, d := range decls {
		reqs = append(reqs, d.Request())
	}
	return reqs
}
