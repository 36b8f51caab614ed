package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/wamp"
)

func TestExecutorAllSucceed(t *testing.T) {
	session := newFakeSession(1)
	ids := map[string]wamp.ID{"a.one": 11, "a.two": 12, "a.three": 13}
	session.onRegister = func(_ context.Context, _ Kind, uri string) (wamp.ID, error) {
		return ids[uri], nil
	}

	reqs := rpcRequests([]RPC{rpc("a.one"), rpc("a.two"), rpc("a.three")})
	res := NewExecutor().Submit(context.Background(), "p", session, reqs)
	if !res.Ready() {
		t.Fatalf("expected ready batch, got %v", res.Err)
	}
	got := res.IDs()
	want := []wamp.ID{11, 12, 13}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
	for _, o := range res.Outcomes {
		if o.Status != StatusSucceeded {
			t.Fatalf("outcome %s = %s", o.Request.URI, o.Status)
		}
	}
}

func TestExecutorFailFastCancelsPending(t *testing.T) {
	session := newFakeSession(1)
	firstDone := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	session.onRegister = func(ctx context.Context, _ Kind, uri string) (wamp.ID, error) {
		switch uri {
		case "a.first":
			defer close(firstDone)
			return 1, nil
		case "a.broken":
			<-firstDone
			time.Sleep(50 * time.Millisecond)
			return 0, wamp.ErrProcedureAlreadyExists
		default:
			// Ignores cancellation so Submit must resolve without it.
			<-release
			return 3, nil
		}
	}

	reqs := rpcRequests([]RPC{rpc("a.first"), rpc("a.broken"), rpc("a.slow")})
	done := make(chan BatchResult, 1)
	go func() { done <- NewExecutor().Submit(context.Background(), "p", session, reqs) }()

	var res BatchResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not resolve on first failure")
	}

	if res.Ready() {
		t.Fatal("expected failed batch")
	}
	if !errors.Is(res.Err, wamp.ErrProcedureAlreadyExists) {
		t.Fatalf("batch error should unwrap to the router error, got %v", res.Err)
	}
	if xerrors.CodeOf(res.Err) != xerrors.CodeRegistrationFailure {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(res.Err))
	}
	want := []Status{StatusSucceeded, StatusFailed, StatusCancelled}
	for i, o := range res.Outcomes {
		if o.Status != want[i] {
			t.Fatalf("outcome %s = %s, want %s", o.Request.URI, o.Status, want[i])
		}
	}
	if res.IDs() != nil {
		t.Fatal("failed batch must not expose ids")
	}
}

func TestExecutorCancelsSiblingContext(t *testing.T) {
	session := newFakeSession(1)
	sawCancel := make(chan struct{})
	started := make(chan struct{})
	session.onRegister = func(ctx context.Context, _ Kind, uri string) (wamp.ID, error) {
		if uri == "a.bad" {
			<-started
			return 0, errors.New("duplicate procedure")
		}
		close(started)
		<-ctx.Done()
		close(sawCancel)
		return 0, ctx.Err()
	}

	reqs := subscriptionRequests([]Subscription{sub("a.wait"), sub("a.bad")})
	res := NewExecutor().Submit(context.Background(), "p", session, reqs)
	if res.Outcomes[0].Status != StatusCancelled {
		t.Fatalf("pending sibling should be cancelled, got %s", res.Outcomes[0].Status)
	}
	select {
	case <-sawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("pending request context was not cancelled")
	}
}

func TestExecutorEmptyBatch(t *testing.T) {
	session := newFakeSession(1)
	res := NewExecutor().Submit(context.Background(), "p", session, nil)
	if !res.Ready() || len(res.Outcomes) != 0 {
		t.Fatalf("empty batch should be ready and empty: %+v", res)
	}
	if session.calls.Load() != 0 {
		t.Fatal("empty batch touched the session")
	}
}

func TestExecutorWithoutSession(t *testing.T) {
	res := NewExecutor().Submit(context.Background(), "p", nil, rpcRequests([]RPC{rpc("a.b")}))
	if !errors.Is(res.Err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", res.Err)
	}
	if xerrors.CodeOf(res.Err) != xerrors.CodePreconditionFailed {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(res.Err))
	}
}

func TestExecutorRejectsInvalidRequest(t *testing.T) {
	session := newFakeSession(1)
	reqs := rpcRequests([]RPC{rpc("a.ok"), {URI: "a..bad", Handler: noopInvoke}})
	res := NewExecutor().Submit(context.Background(), "p", session, reqs)
	if res.Ready() {
		t.Fatal("invalid uri must fail the batch")
	}
	if session.calls.Load() != 0 {
		t.Fatal("invalid batch must not reach the router")
	}
	if res.Outcomes[0].Status != StatusCancelled || res.Outcomes[1].Status != StatusFailed {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (r *memoryRecorder) Record(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func TestExecutorReportsOutcomes(t *testing.T) {
	session := newFakeSession(42)
	recorder := &memoryRecorder{err: errors.New("ledger down")}
	observer := &recordingObserver{}
	exec := NewExecutor(WithRecorder(recorder), WithExecutorObserver(observer))

	res := exec.Submit(context.Background(), "p", session, rpcRequests([]RPC{rpc("a.one"), rpc("a.two")}))
	if !res.Ready() {
		t.Fatalf("recorder errors must not fail the batch: %v", res.Err)
	}
	if len(recorder.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recorder.records))
	}
	if recorder.records[0].Session != 42 || recorder.records[0].Plugin != "p" {
		t.Fatalf("unexpected record %+v", recorder.records[0])
	}
	if observer.batchCount() != 1 || len(observer.outcomes) != 2 {
		t.Fatalf("observer saw %d batches and %d outcomes", observer.batches, len(observer.outcomes))
	}
}
