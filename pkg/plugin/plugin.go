package plugin

import (
	"context"
	"sync"

	"WAMP-Orchestrator/pkg/wamp"
)

// Plugin is an independently authored unit of RPC handlers, subscription
// handlers and lifecycle hooks composed into a session by a Controller.
//
// Implementations embed Base, which provides the defaults documented on
// each hook and the session back-reference.
type Plugin interface {
	// Name identifies the plugin in logs, metrics and the manager registry.
	Name() string
	// OnJoin runs once per session before any registration. Returning an
	// error marks the plugin failed and skips all registrations.
	OnJoin(ctx context.Context, details wamp.Details) error
	// OnLeave runs once per session loss, after the session was unbound.
	OnLeave()
	// RPCs lists the procedures to register, in order. May be empty.
	RPCs() []RPC
	// Subscriptions lists the topics to subscribe to, in order. May be empty.
	Subscriptions() []Subscription
	// OnReady runs once all registrations succeeded.
	OnReady()
	// OnNotReady runs once with the first failure of the join sequence.
	OnNotReady(err error)
	// Session returns the bound session, or nil outside a join.
	Session() wamp.Session

	setSession(s wamp.Session)
}

// Configurable is implemented by plugins that accept a configuration block
// from the manager before registration.
type Configurable interface {
	Configure(cfg map[string]any) error
}

// Base supplies no-op hooks, empty declarations and session guarded
// helpers. Embed it by value and use the enclosing type by pointer.
type Base struct {
	mu      sync.RWMutex
	session wamp.Session
}

// OnJoin does nothing.
func (*Base) OnJoin(context.Context, wamp.Details) error { return nil }

// OnLeave does nothing.
func (*Base) OnLeave() {}

// RPCs declares nothing.
func (*Base) RPCs() []RPC { return nil }

// Subscriptions declares nothing.
func (*Base) Subscriptions() []Subscription { return nil }

// OnReady does nothing.
func (*Base) OnReady() {}

// OnNotReady does nothing.
func (*Base) OnNotReady(error) {}

// Session returns the bound session or nil.
func (b *Base) Session() wamp.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

func (b *Base) setSession(s wamp.Session) {
	b.mu.Lock()
	b.session = s
	b.mu.Unlock()
}

func (b *Base) bound() (wamp.Session, error) {
	s := b.Session()
	if s == nil {
		return nil, ErrNotJoined
	}
	return s, nil
}

// Publish publishes on the bound session.
func (b *Base) Publish(ctx context.Context, topic string, args []any, kwargs map[string]any) error {
	s, err := b.bound()
	if err != nil {
		return err
	}
	return s.Publish(ctx, topic, args, kwargs)
}

// Call calls a procedure on the bound session.
func (b *Base) Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) (*wamp.Result, error) {
	s, err := b.bound()
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, procedure, args, kwargs)
}

// Register registers an additional procedure outside the join sequence.
func (b *Base) Register(ctx context.Context, rpc RPC) (*wamp.Registration, error) {
	s, err := b.bound()
	if err != nil {
		return nil, err
	}
	req := rpc.Request()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.Register(ctx, req.URI, req.Invoke, wamp.RegisterOptions{Match: req.Match})
}

// Subscribe subscribes to an additional topic outside the join sequence.
func (b *Base) Subscribe(ctx context.Context, sub Subscription) (*wamp.Subscription, error) {
	s, err := b.bound()
	if err != nil {
		return nil, err
	}
	req := sub.Request()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, req.URI, req.OnEvent, wamp.SubscribeOptions{Match: req.Match})
}

// Leave asks the router to close the bound session. The session-left
// transition follows once the session reports Done.
func (b *Base) Leave(ctx context.Context, reason string) error {
	s, err := b.bound()
	if err != nil {
		return err
	}
	return s.Leave(ctx, reason)
}
