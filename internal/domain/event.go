package domain

import "time"

// LifecycleType names a lifecycle transition on the event stream.
type LifecycleType string

const (
	EventDetected   LifecycleType = "detected"
	EventSuperseded LifecycleType = "superseded"
	EventDiscarded  LifecycleType = "discarded"
	EventApproved   LifecycleType = "approved"
	EventCapped     LifecycleType = "capped"
	EventRejected   LifecycleType = "rejected"
	EventExecuting  LifecycleType = "executing"
	EventExecuted   LifecycleType = "executed"
	EventReverted   LifecycleType = "reverted"
	EventExpired    LifecycleType = "expired"
	EventPreempted  LifecycleType = "preempted"
	EventHalted     LifecycleType = "halted"
	EventResumed    LifecycleType = "resumed"
	EventLimits     LifecycleType = "limits_updated"
)

// LifecycleEvent is one append-only record on the lifecycle stream.
type LifecycleEvent struct {
	Seq           uint64         `json:"seq"`
	Type          LifecycleType  `json:"type"`
	OpportunityID string         `json:"opportunity_id,omitempty"`
	IntentID      string         `json:"intent_id,omitempty"`
	ChainID       uint64         `json:"chain_id,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	At            time.Time      `json:"at"`
}

// EventSink receives lifecycle events. Implementations must not block the
// caller for long.
type EventSink interface {
	Emit(ev LifecycleEvent)
}
