package wamp

import (
	"errors"
	"fmt"
)

// Error URIs used by the backends in this module.
const (
	URIProcedureAlreadyExists = "wamp.error.procedure_already_exists"
	URINoSuchProcedure        = "wamp.error.no_such_procedure"
	URIInvalidURI             = "wamp.error.invalid_uri"
	URIInvalidArgument        = "wamp.error.invalid_argument"
	URIRuntimeError           = "wamp.error.runtime_error"
	URIOptionNotSupported     = "wamp.error.option_not_allowed"
	URICanceled               = "wamp.error.canceled"
	URISystemShutdown         = "wamp.close.system_shutdown"
	URICloseNormal            = "wamp.close.normal"
)

var (
	ErrProcedureAlreadyExists = errors.New(URIProcedureAlreadyExists)
	ErrNoSuchProcedure        = errors.New(URINoSuchProcedure)
	ErrInvalidURI             = errors.New(URIInvalidURI)
	ErrOptionNotSupported     = errors.New(URIOptionNotSupported)
	ErrSessionClosed          = errors.New("wamp: session closed")
)

// RPCError is an application error raised by a callee.
type RPCError struct {
	URI    string
	Args   []any
	Kwargs map[string]any
}

func (e *RPCError) Error() string {
	if len(e.Args) > 0 {
		return fmt.Sprintf("%s: %v", e.URI, e.Args[0])
	}
	return e.URI
}

// AsRPCError converts any handler error into an RPCError suitable for the
// wire. Errors that already are RPCErrors are returned untouched.
func AsRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{URI: URIRuntimeError, Args: []any{err.Error()}}
}

// ErrorFromURI maps a wire error URI back onto the sentinel errors so that
// errors.Is keeps working across process boundaries.
func ErrorFromURI(uri string, args []any, kwargs map[string]any) error {
	switch uri {
	case URIProcedureAlreadyExists:
		return ErrProcedureAlreadyExists
	case URINoSuchProcedure:
		return ErrNoSuchProcedure
	case URIInvalidURI:
		return ErrInvalidURI
	case URIOptionNotSupported:
		return ErrOptionNotSupported
	}
	return &RPCError{URI: uri, Args: args, Kwargs: kwargs}
}
