package connector

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies connection-layer failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCancelled is a user- or policy-initiated abort. Never logged as a fault.
	KindCancelled
	KindAuthenticationFailed
	// KindConnectFailed covers network and host-level failures, including
	// unknown hosts (see ErrUnknownHost) and offline hosts (ErrOffline).
	KindConnectFailed
	// KindOperationFailed wraps a failure from a protocol hook.
	KindOperationFailed
	// KindAlreadyDeleted means the target host no longer exists.
	KindAlreadyDeleted
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindConnectFailed:
		return "connect failed"
	case KindOperationFailed:
		return "operation failed"
	case KindAlreadyDeleted:
		return "already deleted"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownHost     = errors.New("unknown host")
	ErrOffline         = errors.New("host is offline")
	ErrPromptCancelled = errors.New("password prompt cancelled")
	ErrSuppressed      = errors.New("sign-on prompting is suppressed")
	ErrNoCredentials   = errors.New("no credentials available")
	ErrHostDeleted     = errors.New("host no longer exists")
)

// Error is a classified connection-layer failure.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "connect" or "resolve".
	Op   string
	Host string
	Err  error
}

// NewError builds an *Error.
func NewError(kind Kind, op, host string, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Host != "" {
		msg += " " + e.Host
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. Errors that already carry a Kind pass through;
// context cancellation becomes KindCancelled; anything else gets kind.
func Wrap(kind Kind, op, host string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if isContextErr(err) || errors.Is(err, ErrPromptCancelled) {
		return NewError(KindCancelled, op, host, err)
	}
	return NewError(kind, op, host, err)
}

// KindOf returns the kind of err, KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if isContextErr(err) {
		return KindCancelled
	}
	return KindUnknown
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// IsUnknownHost reports whether err is a connect failure on an unresolvable host.
func IsUnknownHost(err error) bool {
	return KindOf(err) == KindConnectFailed && errors.Is(err, ErrUnknownHost)
}

// Summary returns the single user-facing message for a connect or
// disconnect failure.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	host, cause := "", err
	var ce *Error
	if errors.As(err, &ce) {
		host, cause = ce.Host, ce.Err
	}
	switch {
	case IsCancelled(err):
		return fmt.Sprintf("Operation on %s was cancelled", host)
	case IsUnknownHost(err):
		return fmt.Sprintf("Unknown host %s", host)
	case errors.Is(err, ErrOffline):
		return fmt.Sprintf("Host %s is offline and cannot be connected", host)
	case KindOf(err) == KindAlreadyDeleted:
		return fmt.Sprintf("Connection %s no longer exists", host)
	case KindOf(err) == KindAuthenticationFailed:
		return fmt.Sprintf("Authentication to %s failed", host)
	case KindOf(err) == KindConnectFailed:
		return fmt.Sprintf("Connect to %s failed: %v", host, cause)
	default:
		return err.Error()
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
