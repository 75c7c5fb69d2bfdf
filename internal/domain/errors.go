package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("version conflict")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")

	ErrFeedDisconnected  = errors.New("chain feed disconnected")
	ErrMalformedEvent    = errors.New("malformed chain event")
	ErrOracleUnreliable  = errors.New("oracle pair unreliable")
	ErrOracleMissing     = errors.New("oracle pair missing")
	ErrBelowThreshold    = errors.New("below threshold")
	ErrLimitExceeded     = errors.New("risk limit exceeded")
	ErrTradingHalted     = errors.New("trading halted")
	ErrCapacityExhausted = errors.New("execution capacity exhausted")
	ErrStateKeyBusy      = errors.New("state key has a non-terminal intent")
	ErrGasCeiling        = errors.New("bundle gas above ceiling")
	ErrSignerUnavailable = errors.New("signer unavailable")
	ErrSignerRejected    = errors.New("signer rejected intent")
	ErrNotIncluded       = errors.New("bundle not included")
	ErrPreempted         = errors.New("preempted by competitor")
	ErrSimulationFailed  = errors.New("simulation failed")
	ErrPersistence       = errors.New("persistence failure")
	ErrExpired           = errors.New("opportunity expired")
)

// ErrorKind classifies failures for propagation. Each kind has a fixed
// handling policy in the pipeline.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransientIO is retried locally with backoff.
	KindTransientIO
	// KindDataIntegrity means the input is discarded and logged, never guessed at.
	KindDataIntegrity
	// KindCapacityExceeded is a graceful rejection, not a fault.
	KindCapacityExceeded
	// KindFatal halts trading until an operator resumes it.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindDataIntegrity:
		return "data_integrity"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind and the operation that failed alongside the cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind and op. A nil err returns nil.
func E(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err. Known sentinels map to their natural kind
// when no explicit Error wrapper is present.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrFeedDisconnected), errors.Is(err, ErrRateLimited):
		return KindTransientIO
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrOracleUnreliable),
		errors.Is(err, ErrOracleMissing), errors.Is(err, ErrSimulationFailed):
		return KindDataIntegrity
	case errors.Is(err, ErrLimitExceeded), errors.Is(err, ErrTradingHalted),
		errors.Is(err, ErrCapacityExhausted), errors.Is(err, ErrStateKeyBusy),
		errors.Is(err, ErrBelowThreshold), errors.Is(err, ErrGasCeiling):
		return KindCapacityExceeded
	case errors.Is(err, ErrPersistence):
		return KindFatal
	}
	return KindUnknown
}

// ReasonError attaches a lifecycle reason to a pipeline error so it can be
// recorded on the opportunity.
type ReasonError struct {
	Reason string
	Err    error
}

func (e *ReasonError) Error() string { return e.Reason + ": " + e.Err.Error() }

func (e *ReasonError) Unwrap() error { return e.Err }

// WithReason wraps err with reason. A nil err returns nil.
func WithReason(reason string, err error) error {
	if err == nil {
		return nil
	}
	return &ReasonError{Reason: reason, Err: err}
}

// ReasonOf returns the attached reason, or "" when there is none.
func ReasonOf(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
