// Package audit is the append-only event stream of the execution pipeline.
//
// Every meaningful state transition in every component emits exactly one
// Event. Emission must never block the emitter: recorders either record
// in-memory, hand off to a bounded channel (dropping on overflow, counted),
// or forward asynchronously. Delivery to durable external sinks is a
// collaborator concern — this package only defines the non-blocking edge.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind names an audit event type. Hierarchical kinds use dotted suffixes
// (e.g. CONFIRMATION.SOFT.TIMEOUT).
type Kind string

// Engine and executor lifecycle kinds.
const (
	KindIntentCreated   Kind = "INTENT_CREATED"
	KindIntentRejected  Kind = "INTENT_REJECTED"
	KindIntentCompleted Kind = "INTENT_COMPLETED"
	KindIntentFailed    Kind = "INTENT_FAILED"
	KindPlanCreated     Kind = "PLAN_CREATED"
	KindPlanPaused      Kind = "PLAN_PAUSED"
	KindPlanResumed     Kind = "PLAN_RESUMED"
	KindPlanCancelled   Kind = "PLAN_CANCELLED"
	KindSliceSent       Kind = "SLICE_SENT"
	KindSliceAck        Kind = "SLICE_ACK"
	KindSliceFilled     Kind = "SLICE_FILLED"
	KindSliceRejected   Kind = "SLICE_REJECTED"
	KindSliceCancelled  Kind = "SLICE_CANCELLED"
)

// Confirmation flow kinds.
const (
	KindConfirmStarted      Kind = "CONFIRMATION.STARTED"
	KindConfirmLevel        Kind = "CONFIRMATION.LEVEL_DETERMINED"
	KindConfirmSoftStarted  Kind = "CONFIRMATION.SOFT.STARTED"
	KindConfirmSoftCheck    Kind = "CONFIRMATION.SOFT.CHECK"
	KindConfirmSoftTimeout  Kind = "CONFIRMATION.SOFT.TIMEOUT"
	KindConfirmHardStarted  Kind = "CONFIRMATION.HARD.STARTED"
	KindConfirmHardAlert    Kind = "CONFIRMATION.HARD.ALERT_SENT"
	KindConfirmHardTimeout  Kind = "CONFIRMATION.HARD.TIMEOUT"
	KindConfirmHardDegraded Kind = "CONFIRMATION.HARD.DEGRADED"
	KindConfirmCompleted    Kind = "CONFIRMATION.COMPLETED"
)

// Circuit breaker, fallback, VaR and margin kinds.
const (
	KindBreakerCheck   Kind = "CIRCUIT_BREAKER.CHECK"
	KindBreakerBlocked Kind = "CIRCUIT_BREAKER.BLOCKED"
	KindBreakerTrigger Kind = "CIRCUIT_BREAKER.TRIGGER"

	KindFallbackExecute  Kind = "FALLBACK.EXECUTE"
	KindFallbackQueued   Kind = "FALLBACK.EXECUTE.QUEUED"
	KindFallbackRejected Kind = "FALLBACK.EXECUTE.REJECTED"

	KindVarRecalc    Kind = "VAR.RECALC"
	KindVarTrigger   Kind = "VAR.TRIGGER"
	KindVarThrottled Kind = "VAR.THROTTLED"
	KindVarRegime    Kind = "VAR.REGIME_CHANGE"

	KindMarginSnapshot Kind = "MARGIN.SNAPSHOT"
	KindMarginAlert    Kind = "MARGIN.ALERT"
)

// Event is one immutable audit record. Correlation IDs are set where they
// apply and left empty otherwise.
type Event struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Ts             int64          `json:"ts"` // milliseconds since epoch
	IntentID       string         `json:"intent_id,omitempty"`
	PlanID         string         `json:"plan_id,omitempty"`
	ClientOrderID  string         `json:"client_order_id,omitempty"`
	SliceIndex     int            `json:"slice_index,omitempty"`
	ConfirmationID string         `json:"confirmation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps a fresh record with an ID and the current time.
func NewEvent(kind Kind) Event {
	return Event{
		ID:   uuid.NewString(),
		Kind: kind,
		Ts:   time.Now().UnixMilli(),
	}
}

// Recorder receives audit events. Record must not block.
type Recorder interface {
	Record(Event)
}

// NopRecorder discards every event. The explicit default when auditing is
// disabled, so callers never nil-check.
type NopRecorder struct{}

func (NopRecorder) Record(Event) {}

// MemoryRecorder retains events in emission order. Used by tests and by
// callers that snapshot the stream for inspection.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of all recorded events in emission order.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByKind returns recorded events of one kind, in emission order.
func (m *MemoryRecorder) ByKind(kind Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events of the kind were recorded.
func (m *MemoryRecorder) Count(kind Kind) int {
	return len(m.ByKind(kind))
}

// ChannelRecorder hands events to a bounded channel for an external consumer.
// When the consumer falls behind, events are dropped and counted rather than
// blocking the emitter.
type ChannelRecorder struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelRecorder creates a recorder with the given buffer size.
func NewChannelRecorder(size int) *ChannelRecorder {
	if size <= 0 {
		size = 1024
	}
	return &ChannelRecorder{ch: make(chan Event, size)}
}

func (c *ChannelRecorder) Record(ev Event) {
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the consumer side of the channel.
func (c *ChannelRecorder) Events() <-chan Event { return c.ch }

// Dropped returns how many events were discarded due to a full buffer.
func (c *ChannelRecorder) Dropped() int64 { return c.dropped.Load() }

// CallbackRecorder adapts a plain function to the Recorder interface.
// The callback must be non-blocking; wrap slow sinks in a ChannelRecorder.
type CallbackRecorder func(Event)

func (f CallbackRecorder) Record(ev Event) { f(ev) }

// MultiRecorder fans one event out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ev Event) {
	for _, r := range m {
		r.Record(ev)
	}
}
