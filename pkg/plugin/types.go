package plugin

import (
	"fmt"

	xerrors "WAMP-Orchestrator/internal/errors"
	"WAMP-Orchestrator/pkg/wamp"
)

// Kind distinguishes procedure registrations from topic subscriptions.
type Kind string

const (
	KindRPC          Kind = "rpc"
	KindSubscription Kind = "subscription"
)

// State represents the lifecycle position of a plugin against a session.
type State string

const (
	StateDetached          State = "detached"
	StateJoining           State = "joining"
	StateRPCPhase          State = "rpc_phase"
	StateSubscriptionPhase State = "subscription_phase"
	StateReady             State = "ready"
	StateFailed            State = "failed"
	StateLeft              State = "left"
)

// Joined reports whether the state holds a session reference.
func (s State) Joined() bool {
	switch s {
	case StateJoining, StateRPCPhase, StateSubscriptionPhase, StateReady, StateFailed:
		return true
	default:
		return false
	}
}

func (s State) inSequence() bool {
	return s == StateJoining || s == StateRPCPhase || s == StateSubscriptionPhase
}

// RPC declares a procedure a plugin wants registered.
type RPC struct {
	URI     string
	Handler wamp.InvocationHandler
	Match   wamp.Match
}

// Request converts the declaration into a registration request.
func (r RPC) Request() Request {
	return Request{Kind: KindRPC, URI: r.URI, Match: r.Match.OrExact(), Invoke: r.Handler}
}

// Subscription declares a topic a plugin wants delivered.
type Subscription struct {
	URI     string
	Handler wamp.EventHandler
	Match   wamp.Match
}

// Request converts the declaration into a registration request.
func (s Subscription) Request() Request {
	return Request{Kind: KindSubscription, URI: s.URI, Match: s.Match.OrExact(), OnEvent: s.Handler}
}

// Request is a single registration sent to the router. Exactly one of
// Invoke or OnEvent is set, depending on Kind.
type Request struct {
	Kind    Kind
	URI     string
	Match   wamp.Match
	Invoke  wamp.InvocationHandler
	OnEvent wamp.EventHandler
}

// Validate checks the request before it is issued.
func (r Request) Validate() error {
	if err := wamp.ValidateURI(r.URI, r.Match); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid %s uri", r.Kind))
	}
	switch r.Kind {
	case KindRPC:
		if r.Invoke == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("rpc %s has no handler", r.URI))
		}
	case KindSubscription:
		if r.OnEvent == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("subscription %s has no handler", r.URI))
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown registration kind %q", r.Kind))
	}
	return nil
}

// Status is the terminal state of one request.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the terminal result of a request. ID is set on success, Err
// otherwise.
type Outcome struct {
	Request Request
	Status  Status
	ID      wamp.ID
	Err     error
}

// BatchResult aggregates the outcomes of one batch in request order.
type BatchResult struct {
	Outcomes []Outcome
	// Err is the first failure observed, nil when every request succeeded.
	Err error
}

// Ready reports whether every request succeeded.
func (r BatchResult) Ready() bool { return r.Err == nil }

// IDs returns the registration ids of a ready batch in request order.
func (r BatchResult) IDs() []wamp.ID {
	if !r.Ready() {
		return nil
	}
	ids := make([]wamp.ID, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		ids = append(ids, o.ID)
	}
	return ids
}

var (
	// ErrNotJoined is returned when a plugin touches the router without a
	// bound session.
	ErrNotJoined = xerrors.New(xerrors.CodePreconditionFailed, "plugin has no session bound")
	// ErrAlreadyJoined is returned by Join on a plugin that has not left its
	// current session.
	ErrAlreadyJoined = xerrors.New(xerrors.CodeConflict, "plugin already joined a session")
)
