package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"futures-exec/pkg/types"
)

// Behavior decides what a simulated exchange does with one placement. It
// returns the events to emit, in order. ClientOrderID, ExchangeOrderID and
// Ts are filled in by the sim if left zero, so behaviors only state the
// interesting fields.
type Behavior func(req OrderRequest) []types.OrderEvent

// Sim is a deterministic in-process broker for tests and dry runs. Every
// placement is answered synchronously by the configured behavior, so a test
// that drains Events observes a fully reproducible sequence. Per-order
// scripts override the default behavior by client order ID.
type Sim struct {
	logger *slog.Logger
	events chan types.OrderEvent

	mu        sync.Mutex
	seq       int64
	behavior  Behavior
	scripts   map[string]Behavior
	placed    []OrderRequest
	cancelled []string
	rejectCxl bool
}

// NewSim creates a sim broker whose default behavior is FillOnPlace. The
// events channel is buffered; callers must drain it before the buffer fills.
func NewSim(logger *slog.Logger) *Sim {
	return &Sim{
		logger:   logger.With("component", "sim-broker"),
		events:   make(chan types.OrderEvent, 1024),
		behavior: FillOnPlace(),
		scripts:  make(map[string]Behavior),
	}
}

// SetBehavior replaces the default behavior for subsequent placements.
func (s *Sim) SetBehavior(b Behavior) {
	s.mu.Lock()
	s.behavior = b
	s.mu.Unlock()
}

// Script pins a behavior to one client order ID, overriding the default.
func (s *Sim) Script(clientOrderID string, b Behavior) {
	s.mu.Lock()
	s.scripts[clientOrderID] = b
	s.mu.Unlock()
}

// RejectCancels makes subsequent CancelOrder calls answer CANCEL_REJECT.
func (s *Sim) RejectCancels(v bool) {
	s.mu.Lock()
	s.rejectCxl = v
	s.mu.Unlock()
}

// PlaceOrder records the request, assigns an exchange order ID and emits the
// behavior's events in order.
func (s *Sim) PlaceOrder(req OrderRequest) (OrderAck, error) {
	s.mu.Lock()
	s.seq++
	exchID := fmt.Sprintf("SIM-%06d", s.seq)
	s.placed = append(s.placed, req)
	b, ok := s.scripts[req.ClientOrderID]
	if !ok {
		b = s.behavior
	}
	s.mu.Unlock()

	for _, ev := range b(req) {
		if ev.ClientOrderID == "" {
			ev.ClientOrderID = req.ClientOrderID
		}
		if ev.ExchangeOrderID == "" {
			ev.ExchangeOrderID = exchID
		}
		if ev.Ts.IsZero() {
			ev.Ts = time.Now()
		}
		s.events <- ev
	}
	return OrderAck{ExchangeOrderID: exchID}, nil
}

// CancelOrder records the request and answers CANCEL_ACK (or CANCEL_REJECT
// when RejectCancels is set).
func (s *Sim) CancelOrder(clientOrderID, reason string) error {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, clientOrderID)
	reject := s.rejectCxl
	s.mu.Unlock()

	typ := types.EventCancelAck
	if reject {
		typ = types.EventCancelReject
	}
	s.events <- types.OrderEvent{
		ClientOrderID: clientOrderID,
		Type:          typ,
		ErrorMsg:      reason,
		Ts:            time.Now(),
	}
	return nil
}

// Events returns the broker callback stream.
func (s *Sim) Events() <-chan types.OrderEvent { return s.events }

// Placed returns a copy of every order request seen, in placement order.
func (s *Sim) Placed() []OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderRequest, len(s.placed))
	copy(out, s.placed)
	return out
}

// Cancelled returns the client order IDs of every cancel request seen.
func (s *Sim) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cancelled))
	copy(out, s.cancelled)
	return out
}

// FillOnPlace acks and fully fills every order at its own price.
func FillOnPlace() Behavior {
	return func(req OrderRequest) []types.OrderEvent {
		return []types.OrderEvent{
			{Type: types.EventAck},
			{Type: types.EventFill, FilledQty: req.Qty, FilledPrice: req.Price},
		}
	}
}

// PartialThenFill acks, fills first lots, then fills the remainder.
// Orders smaller than first fill in one shot.
func PartialThenFill(first int64) Behavior {
	return func(req OrderRequest) []types.OrderEvent {
		if req.Qty <= first {
			return FillOnPlace()(req)
		}
		return []types.OrderEvent{
			{Type: types.EventAck},
			{Type: types.EventPartialFill, FilledQty: first, FilledPrice: req.Price,
				RemainingQty: req.Qty - first},
			{Type: types.EventFill, FilledQty: req.Qty - first, FilledPrice: req.Price},
		}
	}
}

// AckOnly acks the order and leaves it resting. Used to exercise order
// timeouts and cancellation paths.
func AckOnly() Behavior {
	return func(OrderRequest) []types.OrderEvent {
		return []types.OrderEvent{{Type: types.EventAck}}
	}
}

// RejectWith refuses every order with the given code and message.
func RejectWith(code, msg string) Behavior {
	return func(OrderRequest) []types.OrderEvent {
		return []types.OrderEvent{
			{Type: types.EventReject, ErrorCode: code, ErrorMsg: msg},
		}
	}
}

// RejectCloseToday refuses CLOSETODAY orders with the distinguished
// CLOSETODAY code and fills everything else. This is the SHFE shape where
// the overnight position cannot satisfy a close-today instruction.
func RejectCloseToday() Behavior {
	fill := FillOnPlace()
	return func(req OrderRequest) []types.OrderEvent {
		if req.Offset == types.CLOSETODAY {
			return []types.OrderEvent{{
				Type:      types.EventReject,
				ErrorCode: types.ErrCodeCloseToday,
				ErrorMsg:  "no today position to close",
			}}
		}
		return fill(req)
	}
}
