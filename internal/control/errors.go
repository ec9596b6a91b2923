package control

import (
	"errors"
	"fmt"
)

// ConnectionError reports that the control socket could not be opened or broke.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("control connection %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports that Tor rejected our credentials.
type AuthenticationError struct {
	Method string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("control authentication (%s) failed: %v", e.Method, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ProtocolError reports a reply that does not follow the control grammar.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return "control protocol error: " + e.Reason
	}
	return fmt.Sprintf("control protocol error: %s: %q", e.Reason, e.Line)
}

// TimeoutError reports that no terminal reply line arrived in time.
type TimeoutError struct {
	Command string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("control command %q timed out: %v", e.Command, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Sentinels for the status codes defined by the control protocol.
var (
	ErrOperationUnnecessary       = errors.New("operation was unnecessary")
	ErrResourceExhausted          = errors.New("resource exhausted")
	ErrSyntax                     = errors.New("syntax error: protocol")
	ErrUnrecognizedCommand        = errors.New("unrecognized command")
	ErrUnimplementedCommand       = errors.New("unimplemented command")
	ErrSyntaxArgument             = errors.New("syntax error in command argument")
	ErrUnrecognizedArgument       = errors.New("unrecognized command argument")
	ErrAuthRequired               = errors.New("authentication required")
	ErrBadAuthentication          = errors.New("bad authentication")
	ErrUnspecified                = errors.New("unspecified tor error")
	ErrInternal                   = errors.New("internal error")
	ErrUnrecognizedEntity         = errors.New("unrecognized entity")
	ErrInvalidConfigurationValue  = errors.New("invalid configuration value")
	ErrInvalidDescriptor          = errors.New("invalid descriptor")
	ErrUnmanagedEntity            = errors.New("unmanaged entity")
	ErrUnknownStatus              = errors.New("unknown status")
	errConflictingAuthentications = errors.New("password and cookie are mutually exclusive")
)

var statusErrors = map[int]error{
	251: ErrOperationUnnecessary,
	451: ErrResourceExhausted,
	500: ErrSyntax,
	510: ErrUnrecognizedCommand,
	511: ErrUnimplementedCommand,
	512: ErrSyntaxArgument,
	513: ErrUnrecognizedArgument,
	514: ErrAuthRequired,
	515: ErrBadAuthentication,
	550: ErrUnspecified,
	551: ErrInternal,
	552: ErrUnrecognizedEntity,
	553: ErrInvalidConfigurationValue,
	554: ErrInvalidDescriptor,
	555: ErrUnmanagedEntity,
}

// ReplyError is a well-formed reply carrying a failure status.
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("tor replied %d %s", e.Code, e.Message)
}

// Unwrap maps the status code to its sentinel so callers can use errors.Is.
func (e *ReplyError) Unwrap() error {
	if err, ok := statusErrors[e.Code]; ok {
		return err
	}
	return ErrUnknownStatus
}

func replyError(r *Reply) error {
	if r.OK() {
		return nil
	}
	return &ReplyError{Code: r.Code, Message: r.Status()}
}
