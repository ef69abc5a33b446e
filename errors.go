package torgate

import (
	"errors"
	"fmt"
)

// ErrorKind names the failure class of a TorgateError. It is the value callers
// switch on; messages and wrapped causes are for humans.
type ErrorKind string

// Failure classes. Lifecycle and orchestrator failures surface through state
// and BootstrapResult, so most of these reach callers from Network and the
// bridge.
const (
	// ErrInvalidConfig rejects an option value or a config file field.
	ErrInvalidConfig ErrorKind = "invalid_config"
	// ErrDaemonBinaryNotFound means the exec engine found no tor on PATH or at the configured path.
	ErrDaemonBinaryNotFound ErrorKind = "daemon_binary_not_found"
	// ErrDaemonLaunchFailed covers a daemon that failed to start or exited on its own.
	ErrDaemonLaunchFailed ErrorKind = "daemon_launch_failed"
	// ErrControlAuthFailed means tor refused the credentials offered on a control connection.
	ErrControlAuthFailed ErrorKind = "control_auth_failed"
	// ErrControlRequestFail is a control command that got a 5xx reply or lost its connection.
	ErrControlRequestFail ErrorKind = "control_request_failed"
	// ErrProtocol is a reply line that does not follow the nnn<sep>text framing.
	ErrProtocol ErrorKind = "protocol"
	// ErrTimeout is a deadline or cancellation reached before an answer.
	ErrTimeout ErrorKind = "timeout"
	// ErrIO wraps local I/O failures such as data directory setup or config file writes.
	ErrIO ErrorKind = "io_error"
	// ErrBridgeClosed is returned by bridge calls after Stop.
	ErrBridgeClosed ErrorKind = "bridge_closed"
	// ErrNotReady rejects daemon operations that need a running or ready daemon.
	ErrNotReady ErrorKind = "not_ready"
	// ErrRateLimited is a new identity requested before tor would honour another.
	ErrRateLimited ErrorKind = "rate_limited"
	// ErrUnknown is the fallback for an unset kind.
	ErrUnknown ErrorKind = "unknown"
)

// TorgateError is the single error type of this package. Compare kinds with
// errors.Is(err, &TorgateError{Kind: ErrNotReady}).
//
//revive:disable-next-line:exported
type TorgateError struct {
	// Kind is the failure class.
	Kind ErrorKind
	// Op is the component that failed, such as "ExecDaemon" or "Bridge".
	Op string
	// Msg adds detail, often a tor reply line.
	Msg string
	// Err is the cause, if any.
	Err error
}

// Error renders "op: kind: msg: cause", omitting empty parts.
func (e *TorgateError) Error() string {
	if e == nil {
		return ""
	}

	message := string(e.Kind)
	if e.Op != "" {
		message = fmt.Sprintf("%s: %s", e.Op, message)
	}
	if e.Msg != "" {
		message = fmt.Sprintf("%s: %s", message, e.Msg)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %s", message, e.Err)
	}
	return message
}

// Unwrap returns the cause.
func (e *TorgateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *TorgateError target of the same kind.
func (e *TorgateError) Is(target error) bool {
	te, ok := target.(*TorgateError)
	if !ok {
		return false
	}
	if e == nil {
		return false
	}
	return e.Kind != "" && e.Kind == te.Kind
}

// newError builds a TorgateError; an empty kind becomes ErrUnknown.
func newError(kind ErrorKind, op, msg string, err error) *TorgateError {
	if kind == "" {
		kind = ErrUnknown
	}
	return &TorgateError{
		Kind: kind,
		Op:   op,
		Msg:  msg,
		Err:  err,
	}
}

// isKind reports whether err is a TorgateError of the given kind.
func isKind(err error, kind ErrorKind) bool {
	var te *TorgateError
	return errors.As(err, &te) && te.Kind == kind
}
