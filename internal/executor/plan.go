// Package executor implements the five execution algorithms over a shared
// plan state machine.
//
// A plan is created once per intent (idempotently), carries a slice schedule
// computed up front, and is driven by two entry points: NextAction, a pure
// inspection of state plus the clock that tells the driver what to do next,
// and OnEvent, which folds broker callbacks into the plan. Each plan is
// single-writer: a per-plan mutex serializes every mutation, and terminal
// states (COMPLETED, CANCELLED, FAILED) absorb all further events.
package executor

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// ErrUnknownPlan is returned for operations on plan IDs this executor does
// not own.
var ErrUnknownPlan = errors.New("executor: unknown plan")

// pollInterval is how long the driver waits before re-inspecting a plan that
// is blocked on outstanding orders rather than on its schedule.
const pollInterval = 500 * time.Millisecond

// Slice is one scheduled child order of a plan.
type Slice struct {
	Index       int
	Qty         int64
	TargetPrice decimal.Decimal // zero = use the intent's limit price (or market)
	HasPrice    bool
	Weight      float64 // normalized profile weight (VWAP/behavioral), 0 otherwise
	ScheduledTs time.Time
	Executed    bool  // an order for this slice is (or was) in flight
	Skipped     bool  // retry budget exhausted; never retried again
	Retries     int   // how many placements this slice has consumed
	Filled      int64 // quantity already filled against this slice's orders
}

// PendingOrder tracks one in-flight child order.
type PendingOrder struct {
	ClientOrderID   string
	SliceIndex      int
	Qty             int64
	Price           decimal.Decimal
	SubmitTs        time.Time
	Retry           int
	CancelRequested bool
}

// FilledOrder is one fill (full or partial) applied to the plan.
type FilledOrder struct {
	ClientOrderID string
	FilledQty     int64
	AvgPrice      decimal.Decimal
	Ts            time.Time
}

// PlanContext is the executor-owned state machine for one intent.
// All mutation happens under mu (single writer); the lowercase methods
// assume the lock is held by the caller.
type PlanContext struct {
	mu sync.Mutex

	Intent    *intent.Intent
	CreatedAt time.Time

	status    types.PlanStatus
	slices    []*Slice
	pending   map[string]*PendingOrder
	filled    []FilledOrder
	cancelled []string
	errMsg    string
	startTs   time.Time
	endTs     time.Time
	lastFill  time.Time
	meta      map[string]string

	retryCount int
	timeout    time.Duration
	gate       gateFunc
}

// gateFunc lets a variant inject an extra wait condition evaluated before
// slice pacing (the iceberg tip discipline). Returning ok=true yields the
// wait action instead of placing the next slice.
type gateFunc func(p *PlanContext, now time.Time) (types.Action, bool)

func newPlanContext(it *intent.Intent, slices []*Slice, meta map[string]string,
	retryCount int, timeout time.Duration, gate gateFunc) *PlanContext {

	if meta == nil {
		meta = make(map[string]string)
	}
	return &PlanContext{
		Intent:     it,
		CreatedAt:  time.Now(),
		status:     types.PlanPending,
		slices:     slices,
		pending:    make(map[string]*PendingOrder),
		meta:       meta,
		retryCount: retryCount,
		timeout:    timeout,
		gate:       gate,
	}
}

// filledQtyLocked sums all fills. Callers hold the plan lock.
func (p *PlanContext) filledQtyLocked() int64 {
	var total int64
	for _, f := range p.filled {
		total += f.FilledQty
	}
	return total
}

// avgPriceLocked is the quantity-weighted average fill price, computed with
// decimal arithmetic so money never accumulates float error.
func (p *PlanContext) avgPriceLocked() decimal.Decimal {
	var qty int64
	cost := decimal.Zero
	for _, f := range p.filled {
		qty += f.FilledQty
		cost = cost.Add(f.AvgPrice.Mul(decimal.NewFromInt(f.FilledQty)))
	}
	if qty == 0 {
		return decimal.Zero
	}
	return cost.Div(decimal.NewFromInt(qty))
}

// allSlicesDoneLocked reports whether every slice has been executed or skipped.
func (p *PlanContext) allSlicesDoneLocked() bool {
	for _, s := range p.slices {
		if !s.Executed && !s.Skipped {
			return false
		}
	}
	return true
}

func (p *PlanContext) nextDueSliceLocked() *Slice {
	for _, s := range p.slices {
		if !s.Executed && !s.Skipped {
			return s
		}
	}
	return nil
}

// nextAction is the shared scheduling decision. It is a pure function of
// (state, now): identical inputs yield identical actions.
func (p *PlanContext) nextAction(now time.Time) types.Action {
	switch p.status {
	case types.PlanCompleted:
		return types.Action{Type: types.ActionComplete}
	case types.PlanCancelled, types.PlanFailed:
		return types.Action{Type: types.ActionAbort, Reason: p.errMsg}
	case types.PlanPaused:
		return types.Action{Type: types.ActionWait, Reason: "paused"}
	}

	if p.filledQtyLocked() >= p.Intent.TargetQty {
		p.completeLocked(now)
		return types.Action{Type: types.ActionComplete}
	}

	// Cancel timed-out pending orders before placing anything new.
	if p.timeout > 0 {
		for _, po := range p.pending {
			if !po.CancelRequested && now.Sub(po.SubmitTs) > p.timeout {
				po.CancelRequested = true
				return types.Action{
					Type:          types.ActionCancelOrder,
					ClientOrderID: po.ClientOrderID,
					Reason:        "order timeout",
				}
			}
		}
	}

	next := p.nextDueSliceLocked()
	for next != nil && next.Qty <= next.Filled {
		// Earlier partial fills already cover this slice; nothing to place.
		next.Executed = true
		next = p.nextDueSliceLocked()
	}
	if next == nil {
		if len(p.pending) > 0 {
			return types.Action{
				Type:   types.ActionWait,
				Until:  now.Add(pollInterval),
				Reason: "awaiting outstanding orders",
			}
		}
		// Every slice consumed, nothing in flight, still under-filled.
		p.failLocked(now, "retry limit exceeded")
		return types.Action{Type: types.ActionAbort, Reason: p.errMsg}
	}

	if p.gate != nil {
		if act, blocked := p.gate(p, now); blocked {
			return act
		}
	}

	if now.Before(next.ScheduledTs) {
		return types.Action{
			Type:   types.ActionWait,
			Until:  next.ScheduledTs,
			Reason: "slice not due",
		}
	}

	return p.placeSliceLocked(next, now)
}

func (p *PlanContext) placeSliceLocked(s *Slice, now time.Time) types.Action {
	coid := intent.ClientOrderID(p.Intent.ID, s.Index, s.Retries)

	price := decimal.Zero
	switch {
	case s.HasPrice:
		price = s.TargetPrice
	case p.Intent.HasLimit:
		price = p.Intent.LimitPrice
	}

	// A retried slice places only its unfilled remainder, capped by what the
	// plan still needs overall, so partial fills never lead to an overfill.
	qty := s.Qty - s.Filled
	if remaining := p.Intent.TargetQty - p.filledQtyLocked(); qty > remaining {
		qty = remaining
	}

	s.Executed = true
	p.pending[coid] = &PendingOrder{
		ClientOrderID: coid,
		SliceIndex:    s.Index,
		Qty:           qty,
		Price:         price,
		SubmitTs:      now,
		Retry:         s.Retries,
	}

	if p.status == types.PlanPending {
		p.status = types.PlanRunning
		p.startTs = now
	}

	return types.Action{
		Type:          types.ActionPlaceOrder,
		ClientOrderID: coid,
		Instrument:    p.Intent.Instrument,
		Side:          p.Intent.Side,
		Offset:        p.Intent.Offset,
		Price:         price,
		Qty:           qty,
		SliceIndex:    s.Index,
	}
}

// applyEvent folds one broker callback into the plan. Terminal plans absorb
// everything without changing state.
func (p *PlanContext) applyEvent(ev types.OrderEvent) {
	if p.status.IsTerminal() {
		return
	}

	switch ev.Type {
	case types.EventAck:
		// The pending order was registered at placement; nothing to do.

	case types.EventPartialFill:
		p.recordFillLocked(ev)

	case types.EventFill:
		p.recordFillLocked(ev)
		delete(p.pending, ev.ClientOrderID)
		if p.filledQtyLocked() >= p.Intent.TargetQty {
			p.completeLocked(ev.Ts)
		}

	case types.EventReject, types.EventCancelAck:
		p.unexecuteLocked(ev)

	case types.EventCancelReject:
		// The order may have already filled; a later FILL settles it.
	}
}

// recordFillLocked appends a fill and attributes its quantity to the slice
// that placed the order, so a later retry of that slice only asks for the
// remainder.
func (p *PlanContext) recordFillLocked(ev types.OrderEvent) {
	p.filled = append(p.filled, FilledOrder{
		ClientOrderID: ev.ClientOrderID,
		FilledQty:     ev.FilledQty,
		AvgPrice:      ev.FilledPrice,
		Ts:            ev.Ts,
	})
	p.lastFill = ev.Ts

	if po, ok := p.pending[ev.ClientOrderID]; ok {
		if po.SliceIndex >= 0 && po.SliceIndex < len(p.slices) {
			p.slices[po.SliceIndex].Filled += ev.FilledQty
		}
	}
}

// unexecuteLocked handles REJECT and CANCEL_ACK: the slice becomes eligible
// for retry with an incremented retry counter, or is skipped once its retry
// budget is exhausted. A slice already covered by partial fills is marked
// done instead of being retried.
func (p *PlanContext) unexecuteLocked(ev types.OrderEvent) {
	po, ok := p.pending[ev.ClientOrderID]
	if !ok {
		return
	}
	delete(p.pending, ev.ClientOrderID)
	p.cancelled = append(p.cancelled, ev.ClientOrderID)

	if po.SliceIndex >= 0 && po.SliceIndex < len(p.slices) {
		s := p.slices[po.SliceIndex]
		s.Retries++
		switch {
		case s.Filled >= s.Qty:
			s.Executed = true
		case s.Retries >= p.retryCount:
			s.Skipped = true
			s.Executed = true
		default:
			s.Executed = false
		}
	}

	if p.allSlicesDoneLocked() && len(p.pending) == 0 &&
		p.filledQtyLocked() < p.Intent.TargetQty {
		p.failLocked(ev.Ts, "retry limit exceeded")
	}
}

func (p *PlanContext) completeLocked(ts time.Time) {
	if p.status.IsTerminal() {
		return
	}
	p.status = types.PlanCompleted
	p.endTs = ts
}

func (p *PlanContext) failLocked(ts time.Time, reason string) {
	if p.status.IsTerminal() {
		return
	}
	p.status = types.PlanFailed
	p.errMsg = reason
	p.endTs = ts
}

func (p *PlanContext) cancelLocked(reason string) bool {
	if p.status.IsTerminal() {
		return false
	}
	p.status = types.PlanCancelled
	p.errMsg = reason
	p.endTs = time.Now()
	return true
}

func (p *PlanContext) pauseLocked() bool {
	if p.status != types.PlanRunning && p.status != types.PlanPending {
		return false
	}
	p.status = types.PlanPaused
	return true
}

func (p *PlanContext) resumeLocked() bool {
	if p.status != types.PlanPaused {
		return false
	}
	p.status = types.PlanRunning
	return true
}

// pendingCancelIDsLocked lists client order IDs still in flight; the driver
// uses this to cancel outstanding orders after a plan-level cancel.
func (p *PlanContext) pendingCancelIDsLocked() []string {
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	return ids
}

// Progress is a point-in-time summary of a plan.
type Progress struct {
	PlanID         string
	Status         types.PlanStatus
	TargetQty      int64
	FilledQty      int64
	AvgPrice       decimal.Decimal
	SliceCount     int
	ExecutedSlices int
	SkippedSlices  int
	PendingOrders  int
	Error          string
	StartTs        time.Time
	EndTs          time.Time
}

func (p *PlanContext) progressLocked() Progress {
	executed, skipped := 0, 0
	for _, s := range p.slices {
		if s.Skipped {
			skipped++
			continue
		}
		if s.Executed {
			executed++
		}
	}
	return Progress{
		PlanID:         p.Intent.ID,
		Status:         p.status,
		TargetQty:      p.Intent.TargetQty,
		FilledQty:      p.filledQtyLocked(),
		AvgPrice:       p.avgPriceLocked(),
		SliceCount:     len(p.slices),
		ExecutedSlices: executed,
		SkippedSlices:  skipped,
		PendingOrders:  len(p.pending),
		Error:          p.errMsg,
		StartTs:        p.startTs,
		EndTs:          p.endTs,
	}
}
