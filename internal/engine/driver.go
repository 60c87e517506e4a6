package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"futures-exec/internal/broker"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// pausedPoll is how often a driver re-inspects a plan whose WAIT carries no
// deadline (paused or gated indefinitely).
const pausedPoll = 200 * time.Millisecond

// Driver pumps plans against a broker adapter: one goroutine per driven plan
// calling GetNextAction and dispatching its decisions, plus a single event
// pump routing broker callbacks back into OnOrderEvent.
type Driver struct {
	eng     *Engine
	adapter broker.Adapter
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDriver wires a driver to an engine and a broker adapter.
func NewDriver(eng *Engine, adapter broker.Adapter, logger *slog.Logger) *Driver {
	return &Driver{
		eng:     eng,
		adapter: adapter,
		logger:  logger.With("component", "driver"),
	}
}

// Run consumes the adapter's event stream until the context ends. Plan IDs
// are recovered from the client order ID, so the adapter only needs to
// preserve that field. Malformed IDs are logged and dropped; they must not
// stop the pump.
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.adapter.Events():
			planID, _, _, err := intent.ParseClientOrderID(ev.ClientOrderID)
			if err != nil {
				d.logger.Error("unroutable order event",
					"client_order_id", ev.ClientOrderID, "error", err)
				continue
			}
			if err := d.eng.OnOrderEvent(planID, ev); err != nil {
				d.logger.Error("order event rejected",
					"plan", planID, "type", string(ev.Type), "error", err)
			}
		}
	}
}

// DrivePlan runs one plan to its terminal state in a dedicated goroutine.
func (d *Driver) DrivePlan(ctx context.Context, planID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.drive(ctx, planID)
	}()
}

// Wait blocks until every driven plan's goroutine has returned.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) drive(ctx context.Context, planID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		act, err := d.eng.GetNextAction(planID, time.Now())
		if err != nil {
			d.logger.Error("next action failed", "plan", planID, "error", err)
			return
		}

		switch act.Type {
		case types.ActionPlaceOrder:
			d.place(planID, act)

		case types.ActionCancelOrder:
			if err := d.adapter.CancelOrder(act.ClientOrderID, act.Reason); err != nil {
				d.logger.Error("cancel failed",
					"plan", planID, "client_order_id", act.ClientOrderID, "error", err)
			}

		case types.ActionWait:
			if !d.sleep(ctx, act.Until) {
				return
			}

		case types.ActionComplete:
			return

		case types.ActionAbort:
			// A cancelled plan may still have live orders; sweep them.
			for _, coid := range d.eng.GetPendingCancelOrders(planID) {
				if err := d.adapter.CancelOrder(coid, "plan aborted"); err != nil {
					d.logger.Error("abort sweep cancel failed",
						"plan", planID, "client_order_id", coid, "error", err)
				}
			}
			return
		}
	}
}

// place dispatches one child order. A synchronous refusal is folded back
// into the plan as a REJECT event so retry accounting stays in one place.
func (d *Driver) place(planID string, act types.Action) {
	_, err := d.adapter.PlaceOrder(broker.OrderRequest{
		ClientOrderID: act.ClientOrderID,
		Instrument:    act.Instrument,
		Side:          act.Side,
		Offset:        act.Offset,
		Price:         act.Price,
		Qty:           act.Qty,
	})
	if err == nil {
		return
	}

	ev := types.OrderEvent{
		ClientOrderID: act.ClientOrderID,
		Type:          types.EventReject,
		ErrorMsg:      err.Error(),
		Ts:            time.Now(),
	}
	var re *broker.RejectError
	if errors.As(err, &re) {
		ev.ErrorCode = re.Code
		ev.ErrorMsg = re.Message
	}
	if err := d.eng.OnOrderEvent(planID, ev); err != nil {
		d.logger.Error("synchronous reject lost", "plan", planID, "error", err)
	}
}

// sleep waits until the deadline (or pausedPoll when there is none).
// Returns false if the context ended first.
func (d *Driver) sleep(ctx context.Context, until time.Time) bool {
	delay := pausedPoll
	if !until.IsZero() {
		delay = time.Until(until)
		if delay <= 0 {
			return true
		}
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
