package plugin

import (
	"context"
	"errors"
	"strings"
	"testing"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/wamp"
)

func TestControllerReadyFiresOnce(t *testing.T) {
	session := newFakeSession(1)
	session.onRegister = func(_ context.Context, _ Kind, uri string) (wamp.ID, error) {
		if uri != "ns.time" {
			t.Errorf("unexpected registration %s", uri)
		}
		return 7, nil
	}
	p := &testPlugin{name: "clock", rpcs: []RPC{rpc("ns.time")}}
	ctrl := NewController(p)

	if err := ctrl.Join(context.Background(), session, wamp.Details{Session: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitHooks(t, ctrl)

	if ctrl.State() != StateReady {
		t.Fatalf("state = %s, want ready", ctrl.State())
	}
	if p.ready.Load() != 1 || p.notReady.Load() != 0 {
		t.Fatalf("ready=%d notReady=%d", p.ready.Load(), p.notReady.Load())
	}
	if p.Session() != session {
		t.Fatal("session must stay bound while ready")
	}
}

func TestControllerFailureCancelsPendingSubscription(t *testing.T) {
	session := newFakeSession(1)
	started := make(chan struct{})
	session.onRegister = func(ctx context.Context, _ Kind, uri string) (wamp.ID, error) {
		if uri == "t.second" {
			<-started
			return 0, errors.New("duplicate procedure")
		}
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}
	recorder := &memoryRecorder{}
	p := &testPlugin{name: "listener", subs: []Subscription{sub("t.first"), sub("t.second")}}
	ctrl := NewController(p, WithExecutor(NewExecutor(WithRecorder(recorder))))

	err := ctrl.Join(context.Background(), session, wamp.Details{})
	if err == nil {
		t.Fatal("expected join failure")
	}
	waitHooks(t, ctrl)

	if ctrl.State() != StateFailed {
		t.Fatalf("state = %s, want failed", ctrl.State())
	}
	if p.notReady.Load() != 1 || p.ready.Load() != 0 {
		t.Fatalf("ready=%d notReady=%d", p.ready.Load(), p.notReady.Load())
	}
	if !strings.Contains(p.failure().Error(), "duplicate procedure") {
		t.Fatalf("on_not_ready got %v", p.failure())
	}
	statuses := map[string]Status{}
	for _, rec := range recorder.records {
		statuses[rec.Outcome.Request.URI] = rec.Outcome.Status
	}
	if statuses["t.first"] != StatusCancelled || statuses["t.second"] != StatusFailed {
		t.Fatalf("unexpected outcomes %v", statuses)
	}
}

func TestControllerRPCFailureSkipsSubscriptions(t *testing.T) {
	session := newFakeSession(1)
	session.onRegister = func(_ context.Context, _ Kind, uri string) (wamp.ID, error) {
		return 0, wamp.ErrProcedureAlreadyExists
	}
	p := &testPlugin{name: "p", rpcs: []RPC{rpc("a.rpc")}, subs: []Subscription{sub("a.topic")}}
	ctrl := NewController(p)

	if err := ctrl.Join(context.Background(), session, wamp.Details{}); !errors.Is(err, wamp.ErrProcedureAlreadyExists) {
		t.Fatalf("expected procedure_already_exists, got %v", err)
	}
	if uris := session.issuedURIs(); len(uris) != 1 || uris[0] != "a.rpc" {
		t.Fatalf("subscriptions must not be issued after a failed rpc phase: %v", uris)
	}
}

func TestControllerRejectsSecondJoin(t *testing.T) {
	session := newFakeSession(1)
	p := &testPlugin{name: "p", rpcs: []RPC{rpc("a.b")}}
	ctrl := NewController(p)

	if err := ctrl.Join(context.Background(), session, wamp.Details{}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	err := ctrl.Join(context.Background(), newFakeSession(2), wamp.Details{})
	if !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	waitHooks(t, ctrl)
	if session.calls.Load() != 1 || p.joins.Load() != 1 || p.ready.Load() != 1 {
		t.Fatalf("calls=%d joins=%d ready=%d", session.calls.Load(), p.joins.Load(), p.ready.Load())
	}
	if p.Session() != session {
		t.Fatal("second join must not rebind the session")
	}
}

func TestControllerEmptyDeclarationsSkipExecutor(t *testing.T) {
	session := newFakeSession(1)
	observer := &recordingObserver{}
	p := &testPlugin{name: "idle"}
	ctrl := NewController(p, WithExecutor(NewExecutor(WithExecutorObserver(observer))), WithStateObserver(observer))

	if err := ctrl.Join(context.Background(), session, wamp.Details{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitHooks(t, ctrl)
	if p.ready.Load() != 1 {
		t.Fatal("plugin without declarations should become ready")
	}
	if observer.batchCount() != 0 || session.calls.Load() != 0 {
		t.Fatalf("executor invoked: batches=%d calls=%d", observer.batchCount(), session.calls.Load())
	}
	want := []State{StateJoining, StateRPCPhase, StateSubscriptionPhase, StateReady}
	if len(observer.states) != len(want) {
		t.Fatalf("states = %v, want %v", observer.states, want)
	}
	for i := range want {
		if observer.states[i] != want[i] {
			t.Fatalf("states = %v, want %v", observer.states, want)
		}
	}
}

func TestControllerOnJoinFailure(t *testing.T) {
	cases := []struct {
		name   string
		plugin *testPlugin
	}{
		{name: "error", plugin: &testPlugin{name: "p", joinErr: errors.New("no config"), rpcs: []RPC{rpc("a.b")}}},
		{name: "panic", plugin: &testPlugin{name: "p", joinPanic: true, rpcs: []RPC{rpc("a.b")}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session := newFakeSession(1)
			ctrl := NewController(tc.plugin)
			err := ctrl.Join(context.Background(), session, wamp.Details{})
			if xerrors.CodeOf(err) != xerrors.CodeHookFailure {
				t.Fatalf("expected HOOK_FAILURE, got %v", err)
			}
			waitHooks(t, ctrl)
			if session.calls.Load() != 0 {
				t.Fatal("registrations issued after on_join failed")
			}
			if tc.plugin.notReady.Load() != 1 || ctrl.State() != StateFailed {
				t.Fatalf("notReady=%d state=%s", tc.plugin.notReady.Load(), ctrl.State())
			}
		})
	}
}

func TestControllerLeaveClearsSession(t *testing.T) {
	session := newFakeSession(1)
	p := &testPlugin{name: "p", rpcs: []RPC{rpc("a.b")}}
	ctrl := NewController(p)
	if err := ctrl.Join(context.Background(), session, wamp.Details{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitHooks(t, ctrl)

	if !ctrl.Leave() {
		t.Fatal("leave on a ready plugin should report true")
	}
	if ctrl.Leave() {
		t.Fatal("second leave should be a no-op")
	}
	if p.Session() != nil {
		t.Fatal("session must be cleared on leave")
	}
	if p.leaves.Load() != 1 || ctrl.State() != StateLeft {
		t.Fatalf("leaves=%d state=%s", p.leaves.Load(), ctrl.State())
	}
	_, err := p.Register(context.Background(), rpc("a.later"))
	if !errors.Is(err, ErrNotJoined) || xerrors.CodeOf(err) != xerrors.CodePreconditionFailed {
		t.Fatalf("expected precondition failure, got %v", err)
	}

	// A left plugin can join the next session.
	next := newFakeSession(2)
	if err := ctrl.Join(context.Background(), next, wamp.Details{}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	waitHooks(t, ctrl)
	if p.ready.Load() != 2 || p.Session() != next {
		t.Fatalf("ready=%d after rejoin", p.ready.Load())
	}
}

func TestControllerLeaveDuringJoinFiresNoHooks(t *testing.T) {
	session := newFakeSession(1)
	inflight := make(chan struct{})
	session.onRegister = func(ctx context.Context, _ Kind, _ string) (wamp.ID, error) {
		close(inflight)
		<-ctx.Done()
		return 0, ctx.Err()
	}
	p := &testPlugin{name: "p", rpcs: []RPC{rpc("a.slow")}, subs: []Subscription{sub("a.topic")}}
	ctrl := NewController(p)

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Join(context.Background(), session, wamp.Details{}) }()
	<-inflight
	if !ctrl.Leave() {
		t.Fatal("leave during join should report true")
	}
	if err := <-errc; err == nil {
		t.Fatal("aborted join must return an error")
	}
	waitHooks(t, ctrl)

	if p.ready.Load() != 0 || p.notReady.Load() != 0 {
		t.Fatalf("aborted join fired hooks: ready=%d notReady=%d", p.ready.Load(), p.notReady.Load())
	}
	if p.leaves.Load() != 1 || ctrl.State() != StateLeft {
		t.Fatalf("leaves=%d state=%s", p.leaves.Load(), ctrl.State())
	}
	if uris := session.issuedURIs(); len(uris) != 1 {
		t.Fatalf("subscription phase must not start after leave: %v", uris)
	}
}

func TestControllerRejectsNilSession(t *testing.T) {
	ctrl := NewController(&testPlugin{name: "p"})
	if err := ctrl.Join(context.Background(), nil, wamp.Details{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if ctrl.State() != StateDetached {
		t.Fatalf("state = %s", ctrl.State())
	}
}
