package wamp

import "context"

// ID identifies sessions, registrations, subscriptions and publications.
// Values stay within the 2^53 range so they survive JSON round trips.
type ID uint64

// Match is the URI matching policy of a registration or subscription.
type Match string

const (
	MatchExact    Match = "exact"
	MatchPrefix   Match = "prefix"
	MatchWildcard Match = "wildcard"
)

// Valid reports whether m is one of the known policies. The empty value is
// treated as exact.
func (m Match) Valid() bool {
	switch m {
	case "", MatchExact, MatchPrefix, MatchWildcard:
		return true
	default:
		return false
	}
}

// OrExact returns m, or MatchExact when m is empty.
func (m Match) OrExact() Match {
	if m == "" {
		return MatchExact
	}
	return m
}

// Details describes the session a client has just joined.
type Details struct {
	Session  ID
	Realm    string
	AuthID   string
	AuthRole string
}

// Event is delivered to subscribers of a matching topic.
type Event struct {
	Subscription ID
	Publication  ID
	Topic        string
	Publisher    ID
	Args         []any
	Kwargs       map[string]any
}

// Invocation is delivered to the callee of a matching procedure.
type Invocation struct {
	Registration ID
	Procedure    string
	Caller       ID
	Args         []any
	Kwargs       map[string]any
}

// Result is the outcome of a successful call.
type Result struct {
	Args   []any
	Kwargs map[string]any
}

// EventHandler consumes events for a subscription.
type EventHandler func(ctx context.Context, event *Event)

// InvocationHandler answers calls for a registration. Returning an error
// makes the call fail; return an *RPCError to control the error URI.
type InvocationHandler func(ctx context.Context, inv *Invocation) (*Result, error)

// SubscribeOptions holds the options of a subscribe request.
type SubscribeOptions struct {
	Match Match
}

// RegisterOptions holds the options of a register request.
type RegisterOptions struct {
	Match Match
}

// Subscription is an acknowledged subscribe request.
type Subscription struct {
	ID    ID
	Topic string
	Match Match
}

// Registration is an acknowledged register request.
type Registration struct {
	ID        ID
	Procedure string
	Match     Match
}
