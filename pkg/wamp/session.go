package wamp

import "context"

// Session is an established session with a router. Every method that talks
// to the router blocks until the router answers or ctx is done; cancelling
// ctx abandons the request.
type Session interface {
	// ID returns the router assigned session id.
	ID() ID
	// Subscribe asks the broker to deliver events published to topic.
	Subscribe(ctx context.Context, topic string, handler EventHandler, opts SubscribeOptions) (*Subscription, error)
	// Register claims procedure so that calls are routed to handler.
	Register(ctx context.Context, procedure string, handler InvocationHandler, opts RegisterOptions) (*Registration, error)
	// Publish sends an event to topic.
	Publish(ctx context.Context, topic string, args []any, kwargs map[string]any) error
	// Call invokes procedure and waits for its result.
	Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) (*Result, error)
	// Leave closes the session. Registrations and subscriptions are dropped.
	Leave(ctx context.Context, reason string) error
	// Done is closed once the session has ended, whichever side ended it.
	Done() <-chan struct{}
}
