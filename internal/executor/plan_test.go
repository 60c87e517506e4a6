package executor

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-exec/internal/config"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustIntent(t *testing.T, qty int64, algo types.Algo) *intent.Intent {
	t.Helper()
	it, err := intent.New("strat-1", "d1", "rb2510", types.BUY, types.OPEN,
		qty, algo, types.UrgencyNormal, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("intent.New: %v", err)
	}
	return it
}

func fill(coid string, qty int64, price float64, ts time.Time) types.OrderEvent {
	return types.OrderEvent{
		ClientOrderID: coid,
		Type:          types.EventFill,
		FilledQty:     qty,
		FilledPrice:   decimal.NewFromFloat(price),
		Ts:            ts,
	}
}

func TestMakePlanIdempotent(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 10, types.AlgoImmediate)

	id1, err := ex.MakePlan(it)
	if err != nil {
		t.Fatalf("MakePlan: %v", err)
	}
	id2, err := ex.MakePlan(it)
	if err != nil {
		t.Fatalf("MakePlan (second): %v", err)
	}
	if id1 != id2 {
		t.Errorf("plan ids differ: %q vs %q", id1, id2)
	}
	if id1 != it.ID {
		t.Errorf("plan id = %q, want intent id %q", id1, it.ID)
	}
}

func TestImmediateFullLifecycle(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 10, types.AlgoImmediate)
	planID, _ := ex.MakePlan(it)

	now := time.Now()
	act, err := ex.NextAction(planID, now)
	if err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	if act.Type != types.ActionPlaceOrder {
		t.Fatalf("action = %v, want PLACE_ORDER", act.Type)
	}
	if act.Qty != 10 {
		t.Errorf("qty = %d, want 10", act.Qty)
	}
	wantCoid := intent.ClientOrderID(it.ID, 0, 0)
	if act.ClientOrderID != wantCoid {
		t.Errorf("client order id = %q, want %q", act.ClientOrderID, wantCoid)
	}

	if st, _ := ex.Status(planID); st != types.PlanRunning {
		t.Errorf("status after place = %v, want RUNNING", st)
	}

	if err := ex.OnEvent(planID, fill(act.ClientOrderID, 10, 4012, now)); err != nil {
		t.Fatalf("OnEvent: %v", err)
	}

	act, _ = ex.NextAction(planID, now)
	if act.Type != types.ActionComplete {
		t.Errorf("action after full fill = %v, want COMPLETE", act.Type)
	}
	if st, _ := ex.Status(planID); st != types.PlanCompleted {
		t.Errorf("status = %v, want COMPLETED", st)
	}

	p, _ := ex.Progress(planID)
	if p.FilledQty != 10 {
		t.Errorf("filled = %d, want 10", p.FilledQty)
	}
	if !p.AvgPrice.Equal(decimal.NewFromInt(4012)) {
		t.Errorf("avg price = %s, want 4012", p.AvgPrice)
	}
}

func TestPartialFillsAccumulate(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 10, types.AlgoImmediate)
	planID, _ := ex.MakePlan(it)

	now := time.Now()
	act, _ := ex.NextAction(planID, now)
	coid := act.ClientOrderID

	partial := types.OrderEvent{
		ClientOrderID: coid,
		Type:          types.EventPartialFill,
		FilledQty:     4,
		FilledPrice:   decimal.NewFromInt(4000),
		Ts:            now,
	}
	ex.OnEvent(planID, partial)

	// Still pending: the driver waits rather than replacing the slice.
	act, _ = ex.NextAction(planID, now)
	if act.Type != types.ActionWait {
		t.Fatalf("action after partial = %v, want WAIT", act.Type)
	}
	if !act.Until.After(now) {
		t.Errorf("WAIT.Until = %v, want after now", act.Until)
	}

	ex.OnEvent(planID, fill(coid, 6, 4010, now))

	act, _ = ex.NextAction(planID, now)
	if act.Type != types.ActionComplete {
		t.Errorf("action = %v, want COMPLETE", act.Type)
	}
	p, _ := ex.Progress(planID)
	if p.FilledQty != 10 {
		t.Errorf("filled = %d, want 10", p.FilledQty)
	}
	// 4@4000 + 6@4010 = 4006
	if !p.AvgPrice.Equal(decimal.NewFromInt(4006)) {
		t.Errorf("avg price = %s, want 4006", p.AvgPrice)
	}
}

func TestRejectRetriesThenFails(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 10, types.AlgoImmediate)
	planID, _ := ex.MakePlan(it)

	now := time.Now()
	for retry := 0; retry < 3; retry++ {
		act, _ := ex.NextAction(planID, now)
		if act.Type != types.ActionPlaceOrder {
			t.Fatalf("retry %d: action = %v, want PLACE_ORDER", retry, act.Type)
		}
		wantCoid := intent.ClientOrderID(it.ID, 0, retry)
		if act.ClientOrderID != wantCoid {
			t.Fatalf("retry %d: client order id = %q, want %q", retry, act.ClientOrderID, wantCoid)
		}
		ex.OnEvent(planID, types.OrderEvent{
			ClientOrderID: act.ClientOrderID,
			Type:          types.EventReject,
			ErrorCode:     "2",
			ErrorMsg:      "insufficient margin",
			Ts:            now,
		})
	}

	if st, _ := ex.Status(planID); st != types.PlanFailed {
		t.Fatalf("status after retry exhaustion = %v, want FAILED", st)
	}
	act, _ := ex.NextAction(planID, now)
	if act.Type != types.ActionAbort {
		t.Errorf("action = %v, want ABORT", act.Type)
	}
	if act.Reason != "retry limit exceeded" {
		t.Errorf("reason = %q, want %q", act.Reason, "retry limit exceeded")
	}
}

func TestRejectedSliceSkippedOthersContinue(t *testing.T) {
	t.Parallel()
	cfg := config.Default().TWAP
	cfg.SliceCount = 2
	cfg.DurationSeconds = 10
	cfg.MinIntervalSeconds = 1
	cfg.RetryCount = 1
	ex := NewTWAP(cfg, testLogger())
	it := mustIntent(t, 10, types.AlgoTWAP)
	planID, _ := ex.MakePlan(it)

	now := time.Now().Add(time.Minute) // both slices due
	act, _ := ex.NextAction(planID, now)
	if act.SliceIndex != 0 {
		t.Fatalf("slice = %d, want 0", act.SliceIndex)
	}
	// One retry budget: a single reject skips the slice permanently.
	ex.OnEvent(planID, types.OrderEvent{
		ClientOrderID: act.ClientOrderID, Type: types.EventReject, Ts: now,
	})

	act, _ = ex.NextAction(planID, now)
	if act.Type != types.ActionPlaceOrder || act.SliceIndex != 1 {
		t.Fatalf("action = %v slice %d, want PLACE_ORDER slice 1", act.Type, act.SliceIndex)
	}
	ex.OnEvent(planID, types.OrderEvent{
		ClientOrderID: act.ClientOrderID, Type: types.EventReject, Ts: now,
	})

	// All slices consumed, nothing pending, under-filled.
	if st, _ := ex.Status(planID); st != types.PlanFailed {
		t.Errorf("status = %v, want FAILED", st)
	}
	p, _ := ex.Progress(planID)
	if p.SkippedSlices != 2 {
		t.Errorf("skipped = %d, want 2", p.SkippedSlices)
	}
}

func TestOrderTimeoutEmitsCancel(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 10, types.AlgoImmediate)
	planID, _ := ex.MakePlan(it)

	now := time.Now()
	act, _ := ex.NextAction(planID, now)
	coid := act.ClientOrderID

	late := now.Add(31 * time.Second)
	act, _ = ex.NextAction(planID, late)
	if act.Type != types.ActionCancelOrder {
		t.Fatalf("action = %v, want CANCEL_ORDER", act.Type)
	}
	if act.ClientOrderID != coid {
		t.Errorf("cancel target = %q, want %q", act.ClientOrderID, coid)
	}

	// Cancel is requested once; subsequent calls wait for the broker.
	act, _ = ex.NextAction(planID, late)
	if act.Type != types.ActionWait {
		t.Errorf("action = %v, want WAIT while cancel in flight", act.Type)
	}

	// CANCEL_ACK frees the slice for a retry placement.
	ex.OnEvent(planID, types.OrderEvent{
		ClientOrderID: coid, Type: types.EventCancelAck, Ts: late,
	})
	act, _ = ex.NextAction(planID, late)
	if act.Type != types.ActionPlaceOrder {
		t.Fatalf("action = %v, want PLACE_ORDER retry", act.Type)
	}
	if want := intent.ClientOrderID(it.ID, 0, 1); act.ClientOrderID != want {
		t.Errorf("retry id = %q, want %q", act.ClientOrderID, want)
	}
}

func TestPartialFillThenCancelRetriesOnlyRemainder(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 50, types.AlgoImmediate)
	planID, _ := ex.MakePlan(it)

	now := time.Now()
	act, _ := ex.NextAction(planID, now)
	coid := act.ClientOrderID
	if act.Qty != 50 {
		t.Fatalf("initial qty = %d, want 50", act.Qty)
	}

	ex.OnEvent(planID, types.OrderEvent{
		ClientOrderID: coid,
		Type:          types.EventPartialFill,
		FilledQty:     30,
		FilledPrice:   decimal.NewFromInt(4000),
		Ts:            now,
	})

	// The order times out and the broker confirms the cancel.
	late := now.Add(31 * time.Second)
	act, _ = ex.NextAction(planID, late)
	if act.Type != types.ActionCancelOrder {
		t.Fatalf("action = %v, want CANCEL_ORDER", act.Type)
	}
	ex.OnEvent(planID, types.OrderEvent{
		ClientOrderID: coid, Type: types.EventCancelAck, Ts: late,
	})

	// The retry asks only for the 20 lots the partial fill left open.
	act, _ = ex.NextAction(planID, late)
	if act.Type != types.ActionPlaceOrder {
		t.Fatalf("action = %v, want PLACE_ORDER retry", act.Type)
	}
	if act.Qty != 20 {
		t.Errorf("retry qty = %d, want 20 (30 already filled)", act.Qty)
	}
	if want := intent.ClientOrderID(it.ID, 0, 1); act.ClientOrderID != want {
		t.Errorf("retry id = %q, want %q", act.ClientOrderID, want)
	}

	ex.OnEvent(planID, fill(act.ClientOrderID, 20, 4010, late))
	if st, _ := ex.Status(planID); st != types.PlanCompleted {
		t.Fatalf("status = %v, want COMPLETED", st)
	}
	p, _ := ex.Progress(planID)
	if p.FilledQty != 50 {
		t.Errorf("filled = %d, want exactly the 50-lot target", p.FilledQty)
	}
	// 30@4000 + 20@4010 = 4004
	if !p.AvgPrice.Equal(decimal.NewFromInt(4004)) {
		t.Errorf("avg price = %s, want 4004", p.AvgPrice)
	}
}

func TestSliceCoveredByPartialFillsIsNotRetried(t *testing.T) {
	t.Parallel()
	cfg := config.Default().TWAP
	cfg.SliceCount = 2
	cfg.DurationSeconds = 10
	cfg.MinIntervalSeconds = 1
	ex := NewTWAP(cfg, testLogger())
	it := mustIntent(t, 10, types.AlgoTWAP)
	planID, _ := ex.MakePlan(it)

	now := time.Now().Add(time.Minute) // both slices due
	act, _ := ex.NextAction(planID, now)
	if act.SliceIndex != 0 || act.Qty != 5 {
		t.Fatalf("first placement = slice %d qty %d, want slice 0 qty 5", act.SliceIndex, act.Qty)
	}

	// The whole slice fills in partials, then the residue order dies.
	ex.OnEvent(planID, types.OrderEvent{
		ClientOrderID: act.ClientOrderID,
		Type:          types.EventPartialFill,
		FilledQty:     5,
		FilledPrice:   decimal.NewFromInt(4000),
		Ts:            now,
	})
	ex.OnEvent(planID, types.OrderEvent{
		ClientOrderID: act.ClientOrderID, Type: types.EventReject, Ts: now,
	})

	// Slice 0 is covered; the next placement must move on to slice 1.
	act, _ = ex.NextAction(planID, now)
	if act.Type != types.ActionPlaceOrder || act.SliceIndex != 1 {
		t.Fatalf("action = %v slice %d, want PLACE_ORDER slice 1", act.Type, act.SliceIndex)
	}
	if act.Qty != 5 {
		t.Errorf("slice 1 qty = %d, want 5", act.Qty)
	}

	ex.OnEvent(planID, fill(act.ClientOrderID, 5, 4000, now))
	p, _ := ex.Progress(planID)
	if p.FilledQty != 10 {
		t.Errorf("filled = %d, want exactly the 10-lot target", p.FilledQty)
	}
	if st, _ := ex.Status(planID); st != types.PlanCompleted {
		t.Errorf("status = %v, want COMPLETED", st)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 10, types.AlgoImmediate)
	planID, _ := ex.MakePlan(it)

	if !ex.Pause(planID) {
		t.Fatal("Pause returned false on pending plan")
	}
	act, _ := ex.NextAction(planID, time.Now())
	if act.Type != types.ActionWait {
		t.Errorf("paused action = %v, want WAIT", act.Type)
	}
	if !act.Until.IsZero() {
		t.Errorf("paused WAIT.Until = %v, want zero (indefinite)", act.Until)
	}

	if !ex.Resume(planID) {
		t.Fatal("Resume returned false on paused plan")
	}
	act, _ = ex.NextAction(planID, time.Now())
	if act.Type != types.ActionPlaceOrder {
		t.Errorf("resumed action = %v, want PLACE_ORDER", act.Type)
	}

	if ex.Resume(planID) {
		t.Error("Resume on a running plan should report false")
	}
}

func TestCancelIsTerminalAndSticky(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 10, types.AlgoImmediate)
	planID, _ := ex.MakePlan(it)

	now := time.Now()
	act, _ := ex.NextAction(planID, now)
	coid := act.ClientOrderID

	if !ex.Cancel(planID, "operator request") {
		t.Fatal("Cancel returned false")
	}
	if ids := ex.PendingCancelOrders(planID); len(ids) != 1 || ids[0] != coid {
		t.Errorf("pending cancel ids = %v, want [%s]", ids, coid)
	}

	// A late fill must not resurrect the plan.
	ex.OnEvent(planID, fill(coid, 10, 4000, now))
	if st, _ := ex.Status(planID); st != types.PlanCancelled {
		t.Errorf("status = %v, want CANCELLED sticky", st)
	}
	if ex.Cancel(planID, "again") {
		t.Error("second Cancel should report false")
	}
	if ex.Pause(planID) {
		t.Error("Pause on a cancelled plan should report false")
	}
}

func TestCancelRejectIsNoop(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())
	it := mustIntent(t, 10, types.AlgoImmediate)
	planID, _ := ex.MakePlan(it)

	now := time.Now()
	act, _ := ex.NextAction(planID, now)
	coid := act.ClientOrderID

	ex.OnEvent(planID, types.OrderEvent{
		ClientOrderID: coid, Type: types.EventCancelReject, Ts: now,
	})
	// The order is still pending; a fill settles it.
	ex.OnEvent(planID, fill(coid, 10, 4000, now))
	if st, _ := ex.Status(planID); st != types.PlanCompleted {
		t.Errorf("status = %v, want COMPLETED", st)
	}
}

func TestUnknownPlan(t *testing.T) {
	t.Parallel()
	ex := NewImmediate(config.Default().Engine, testLogger())

	if _, err := ex.NextAction("nope", time.Now()); err != ErrUnknownPlan {
		t.Errorf("NextAction err = %v, want ErrUnknownPlan", err)
	}
	if err := ex.OnEvent("nope", types.OrderEvent{}); err != ErrUnknownPlan {
		t.Errorf("OnEvent err = %v, want ErrUnknownPlan", err)
	}
	if ex.Cancel("nope", "x") {
		t.Error("Cancel on unknown plan should report false")
	}
	if _, ok := ex.Status("nope"); ok {
		t.Error("Status on unknown plan should report false")
	}
}
