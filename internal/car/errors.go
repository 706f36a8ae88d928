package car

import "errors"

// Sentinel errors for well-known conditions, following the teacher's
// package-level var-block convention (internal/ai/service.go).
var (
	ErrNotConfigured    = errors.New("car: backend not configured")
	ErrDisconnected     = errors.New("car: client disconnected")
	ErrCircuitOpen      = errors.New("car: circuit breaker open")
	ErrClientClosed     = errors.New("car: client closed")
	ErrTurnNotFound     = errors.New("car: turn not found")
	ErrThreadNotFound   = errors.New("car: thread not found")
	ErrWaitTimeout      = errors.New("car: wait timed out")
	ErrUnsupportedFlavor = errors.New("car: unsupported backend flavor")
	ErrInvalidResponse  = errors.New("car: invalid response from agent")
	ErrApprovalFailed   = errors.New("car: approval handler failed")
)

// Kind classifies an error for retry/propagation policy (§7).
type Kind int

const (
	// KindTransient errors may be retried with backoff: disconnects, spawn
	// failures mid-backoff, 5xx from opencode-flavored backends, single-RPC
	// timeouts while the process is still alive.
	KindTransient Kind = iota
	// KindPermanent errors are protocol violations or configuration errors;
	// they are surfaced to the caller without retry.
	KindPermanent
	// KindUserInitiated errors come from an explicit interrupt/cancel.
	KindUserInitiated
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindUserInitiated:
		return "user_initiated"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its retry classification.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindPermanent, Err: err}
}

func UserInitiated(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindUserInitiated, Err: err}
}

// ClassifyOf returns the Kind of err if it (or something it wraps) is a
// ClassifiedError, and KindPermanent otherwise — unclassified errors default
// to "do not retry" rather than silently looping.
func ClassifyOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindPermanent
}

// CircuitOpenError is returned by the Supervisor when the circuit breaker
// for a workspace is open (§4.5).
type CircuitOpenError struct {
	WorkspaceRoot string
}

func (e *CircuitOpenError) Error() string {
	return "car: circuit open for workspace " + e.WorkspaceRoot
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// TimeoutError is returned by TurnHandle.Wait on overall timeout (§4.4).
type TimeoutError struct {
	TurnID string
}

func (e *TimeoutError) Error() string {
	return "car: wait timed out for turn " + e.TurnID
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}
