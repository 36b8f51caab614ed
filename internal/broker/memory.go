package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/wamp"
)

// Router 是进程内的 broker 与 dealer，主要用于 demo 与测试。
type Router struct {
	mu            sync.RWMutex
	sessions      map[wamp.ID]*MemorySession
	registrations []*memoryRegistration
	subscriptions []*memorySubscription
	closed        bool

	ids    atomic.Uint64
	logger *slog.Logger
}

type memoryRegistration struct {
	id        wamp.ID
	session   *MemorySession
	procedure string
	match     wamp.Match
	handler   wamp.InvocationHandler
}

type memorySubscription struct {
	id      wamp.ID
	session *MemorySession
	topic   string
	match   wamp.Match
	handler wamp.EventHandler
}

// NewRouter 创建进程内路由。
func NewRouter() *Router {
	return &Router{
		sessions: make(map[wamp.ID]*MemorySession),
		logger:   logger.Named("broker.memory"),
	}
}

func (r *Router) nextID() wamp.ID {
	return wamp.ID(r.ids.Add(1))
}

// Open 在路由上创建一个新会话。
func (r *Router) Open(ctx context.Context, opts SessionOptions) (wamp.Session, error) {
	return r.Session(ctx, opts)
}

// Session 与 Open 相同，但返回具体类型，便于测试访问。
func (r *Router) Session(ctx context.Context, opts SessionOptions) (*MemorySession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errBackendClosed
	}
	s := &MemorySession{id: r.nextID(), router: r, opts: opts, life: newLifecycle()}
	r.sessions[s.id] = s
	r.logger.Info("会话已建立", slog.Uint64("session", uint64(s.id)), slog.String("realm", opts.Realm))
	return s, nil
}

// Close 关闭路由上的全部会话。
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*MemorySession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Leave(context.Background(), wamp.URISystemShutdown)
	}
	return nil
}

func (r *Router) register(s *MemorySession, procedure string, match wamp.Match, handler wamp.InvocationHandler) (*wamp.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.life.check(); err != nil {
		return nil, err
	}
	for _, reg := range r.registrations {
		if reg.procedure == procedure && reg.match == match {
			return nil, fmt.Errorf("%w: %s", wamp.ErrProcedureAlreadyExists, procedure)
		}
	}
	reg := &memoryRegistration{id: r.nextID(), session: s, procedure: procedure, match: match, handler: handler}
	r.registrations = append(r.registrations, reg)
	return &wamp.Registration{ID: reg.id, Procedure: procedure, Match: match}, nil
}

func (r *Router) subscribe(s *MemorySession, topic string, match wamp.Match, handler wamp.EventHandler) (*wamp.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.life.check(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{id: r.nextID(), session: s, topic: topic, match: match, handler: handler}
	r.subscriptions = append(r.subscriptions, sub)
	return &wamp.Subscription{ID: sub.id, Topic: topic, Match: match}, nil
}

func (r *Router) publish(publisher *MemorySession, topic string, args []any, kwargs map[string]any) {
	r.mu.RLock()
	var targets []*memorySubscription
	for _, sub := range r.subscriptions {
		// 发布者默认不会收到自己的事件。
		if sub.session == publisher {
			continue
		}
		if wamp.MatchURI(sub.topic, sub.match, topic) {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	publication := r.nextID()
	for _, sub := range targets {
		if sub.session.life.closed() {
			continue
		}
		event := &wamp.Event{
			Subscription: sub.id,
			Publication:  publication,
			Topic:        topic,
			Publisher:    publisher.id,
			Args:         args,
			Kwargs:       kwargs,
		}
		sub.session.life.goSafe(func() { sub.handler(sub.session.life.ctx, event) })
	}
}

func (r *Router) resolve(procedure string) *memoryRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	patterns := make([]wamp.Pattern, len(r.registrations))
	for i, reg := range r.registrations {
		patterns[i] = wamp.Pattern{URI: reg.procedure, Match: reg.match}
	}
	idx := wamp.BestMatch(patterns, procedure)
	if idx < 0 {
		return nil
	}
	return r.registrations[idx]
}

// detach 删除会话持有的全部注册与订阅。
func (r *Router) detach(s *MemorySession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.id)
	regs := r.registrations[:0]
	for _, reg := range r.registrations {
		if reg.session != s {
			regs = append(regs, reg)
		}
	}
	clear(r.registrations[len(regs):])
	r.registrations = regs
	subs := r.subscriptions[:0]
	for _, sub := range r.subscriptions {
		if sub.session != s {
			subs = append(subs, sub)
		}
	}
	clear(r.subscriptions[len(subs):])
	r.subscriptions = subs
}

// MemorySession 是 Router 上的一个会话。
type MemorySession struct {
	id     wamp.ID
	router *Router
	opts   SessionOptions
	life   *lifecycle
}

// ID 返回会话 ID。
func (s *MemorySession) ID() wamp.ID { return s.id }

// Details 返回会话详情。
func (s *MemorySession) Details() wamp.Details { return DetailsOf(s, s.opts) }

// Subscribe 订阅主题。
func (s *MemorySession) Subscribe(ctx context.Context, topic string, handler wamp.EventHandler, opts wamp.SubscribeOptions) (*wamp.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	match := opts.Match.OrExact()
	if err := wamp.ValidateURI(topic, match); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil event handler", wamp.ErrInvalidURI)
	}
	return s.router.subscribe(s, topic, match, handler)
}

// Register 注册过程。同一 URI 与匹配策略只允许一个被调用方。
func (s *MemorySession) Register(ctx context.Context, procedure string, handler wamp.InvocationHandler, opts wamp.RegisterOptions) (*wamp.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	match := opts.Match.OrExact()
	if err := wamp.ValidateURI(procedure, match); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil invocation handler", wamp.ErrInvalidURI)
	}
	return s.router.register(s, procedure, match, handler)
}

// Publish 发布事件，投递在订阅方的协程中异步进行。
func (s *MemorySession) Publish(ctx context.Context, topic string, args []any, kwargs map[string]any) error {
	if err := s.life.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := wamp.ValidateURI(topic, wamp.MatchExact); err != nil {
		return err
	}
	s.router.publish(s, topic, args, kwargs)
	return nil
}

// Call 调用过程，按 exact、最长 prefix、wildcard 的优先级选择被调用方。
func (s *MemorySession) Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) (*wamp.Result, error) {
	if err := s.life.check(); err != nil {
		return nil, err
	}
	if err := wamp.ValidateURI(procedure, wamp.MatchExact); err != nil {
		return nil, err
	}
	reg := s.router.resolve(procedure)
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", wamp.ErrNoSuchProcedure, procedure)
	}
	inv := &wamp.Invocation{
		Registration: reg.id,
		Procedure:    procedure,
		Caller:       s.id,
		Args:         args,
		Kwargs:       kwargs,
	}
	// 被调用方离开时取消调用。
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(reg.session.life.ctx, cancel)
	defer stop()
	return invoke(callCtx, reg.handler, inv)
}

// Leave 离开路由：删除注册与订阅并关闭 Done。重复调用无副作用。
func (s *MemorySession) Leave(_ context.Context, reason string) error {
	if !s.life.close() {
		return nil
	}
	s.router.detach(s)
	s.router.logger.Info("会话已离开", slog.Uint64("session", uint64(s.id)), slog.String("reason", reason))
	return nil
}

// Done 在会话结束后关闭。
func (s *MemorySession) Done() <-chan struct{} { return s.life.done }

// Wait 等待已投递事件的处理协程结束。
func (s *MemorySession) Wait() { s.life.wg.Wait() }
