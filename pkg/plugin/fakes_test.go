package plugin

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"WAMP-Orchestrator/pkg/wamp"
)

// fakeSession records registrations. onRegister, when set, decides the
// outcome of every Register and Subscribe call.
type fakeSession struct {
	id         wamp.ID
	onRegister func(ctx context.Context, kind Kind, uri string) (wamp.ID, error)

	mu     sync.Mutex
	nextID wamp.ID
	issued []string
	calls  atomic.Int32

	doneOnce sync.Once
	done     chan struct{}
}

func newFakeSession(id wamp.ID) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{})}
}

func (s *fakeSession) ID() wamp.ID { return s.id }

func (s *fakeSession) issue(ctx context.Context, kind Kind, uri string) (wamp.ID, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.issued = append(s.issued, uri)
	s.mu.Unlock()
	if s.onRegister != nil {
		return s.onRegister(ctx, kind, uri)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *fakeSession) Subscribe(ctx context.Context, topic string, _ wamp.EventHandler, opts wamp.SubscribeOptions) (*wamp.Subscription, error) {
	id, err := s.issue(ctx, KindSubscription, topic)
	if err != nil {
		return nil, err
	}
	return &wamp.Subscription{ID: id, Topic: topic, Match: opts.Match}, nil
}

func (s *fakeSession) Register(ctx context.Context, procedure string, _ wamp.InvocationHandler, opts wamp.RegisterOptions) (*wamp.Registration, error) {
	id, err := s.issue(ctx, KindRPC, procedure)
	if err != nil {
		return nil, err
	}
	return &wamp.Registration{ID: id, Procedure: procedure, Match: opts.Match}, nil
}

func (s *fakeSession) Publish(context.Context, string, []any, map[string]any) error { return nil }

func (s *fakeSession) Call(context.Context, string, []any, map[string]any) (*wamp.Result, error) {
	return &wamp.Result{}, nil
}

func (s *fakeSession) Leave(context.Context, string) error {
	s.close()
	return nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) close() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *fakeSession) issuedURIs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.issued...)
}

// testPlugin counts its hook invocations.
type testPlugin struct {
	Base
	name      string
	rpcs      []RPC
	subs      []Subscription
	joinErr   error
	joinPanic bool

	joins    atomic.Int32
	ready    atomic.Int32
	notReady atomic.Int32
	leaves   atomic.Int32

	mu      sync.Mutex
	lastErr error
	config  map[string]any
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) OnJoin(context.Context, wamp.Details) error {
	p.joins.Add(1)
	if p.joinPanic {
		panic("boom")
	}
	return p.joinErr
}

func (p *testPlugin) RPCs() []RPC                   { return p.rpcs }
func (p *testPlugin) Subscriptions() []Subscription { return p.subs }
func (p *testPlugin) OnReady()                      { p.ready.Add(1) }
func (p *testPlugin) OnLeave()                      { p.leaves.Add(1) }

func (p *testPlugin) OnNotReady(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.notReady.Add(1)
}

func (p *testPlugin) Configure(cfg map[string]any) error {
	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()
	return nil
}

func (p *testPlugin) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func noopInvoke(context.Context, *wamp.Invocation) (*wamp.Result, error) { return &wamp.Result{}, nil }

func noopEvent(context.Context, *wamp.Event) {}

func rpc(uri string) RPC { return RPC{URI: uri, Handler: noopInvoke} }

func sub(uri string) Subscription { return Subscription{URI: uri, Handler: noopEvent} }

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
	batches  int
	states   []State
}

func (o *recordingObserver) ObserveOutcome(_ string, outcome Outcome) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveBatch(string, Kind, bool, time.Duration) {
	o.mu.Lock()
	o.batches++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveState(_ string, s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *recordingObserver) batchCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.batches
}

func waitHooks(t *testing.T, waiter interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := waiter.Wait(ctx); err != nil {
		t.Fatalf("wait hooks: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
