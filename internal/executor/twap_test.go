package executor

import (
	"testing"
	"time"

	"futures-exec/internal/config"
	"futures-exec/pkg/types"
)

func TestTWAPDerivedScheduleFrontLoadsRemainder(t *testing.T) {
	t.Parallel()
	cfg := config.TWAPConfig{
		DurationSeconds:    60,
		MinIntervalSeconds: 5,
		MaxIntervalSeconds: 120,
		MaxSliceQty:        40,
		RetryCount:         3,
		TimeoutSeconds:     30,
	}
	ex := NewTWAP(cfg, testLogger())
	it := mustIntent(t, 100, types.AlgoTWAP)

	before := time.Now()
	planID, err := ex.MakePlan(it)
	if err != nil {
		t.Fatalf("MakePlan: %v", err)
	}
	after := time.Now()

	slices := ex.Slices(planID)
	if len(slices) != 3 {
		t.Fatalf("slice count = %d, want 3", len(slices))
	}
	for i, want := range []int64{34, 33, 33} {
		if slices[i].Qty != want {
			t.Errorf("slice %d qty = %d, want %d", i, slices[i].Qty, want)
		}
	}

	// Slices land at start, start+30s, start+60s.
	for i := 1; i < 3; i++ {
		gap := slices[i].ScheduledTs.Sub(slices[i-1].ScheduledTs)
		if gap != 30*time.Second {
			t.Errorf("gap %d = %v, want 30s", i, gap)
		}
	}
	if slices[0].ScheduledTs.Before(before) || slices[0].ScheduledTs.After(after) {
		t.Errorf("first slice at %v, want within [%v, %v]", slices[0].ScheduledTs, before, after)
	}

	if v, _ := ex.Meta(planID, "interval_ms"); v != "30000" {
		t.Errorf("interval_ms = %q, want 30000", v)
	}
}

func TestTWAPFixedSliceCount(t *testing.T) {
	t.Parallel()
	cfg := config.Default().TWAP
	cfg.SliceCount = 5
	ex := NewTWAP(cfg, testLogger())
	it := mustIntent(t, 17, types.AlgoTWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	if len(slices) != 5 {
		t.Fatalf("slice count = %d, want 5", len(slices))
	}
	var sum int64
	for _, s := range slices {
		sum += s.Qty
	}
	if sum != 17 {
		t.Errorf("quantities sum to %d, want 17", sum)
	}
	// 17/5 = 3 rem 2: the first two slices take the extra lot.
	for i, want := range []int64{4, 4, 3, 3, 3} {
		if slices[i].Qty != want {
			t.Errorf("slice %d qty = %d, want %d", i, slices[i].Qty, want)
		}
	}
}

func TestTWAPSliceCountNeverExceedsQty(t *testing.T) {
	t.Parallel()
	cfg := config.Default().TWAP
	cfg.SliceCount = 10
	ex := NewTWAP(cfg, testLogger())
	it := mustIntent(t, 3, types.AlgoTWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	if len(slices) != 3 {
		t.Fatalf("slice count = %d, want 3 (capped at target qty)", len(slices))
	}
	for i, s := range slices {
		if s.Qty != 1 {
			t.Errorf("slice %d qty = %d, want 1", i, s.Qty)
		}
	}
}

func TestTWAPMinIntervalBoundsSliceCount(t *testing.T) {
	t.Parallel()
	cfg := config.TWAPConfig{
		DurationSeconds:    20,
		MinIntervalSeconds: 10,
		MaxIntervalSeconds: 60,
		MaxSliceQty:        1, // would imply 100 slices at 0.2s apart
		RetryCount:         3,
		TimeoutSeconds:     30,
	}
	ex := NewTWAP(cfg, testLogger())
	it := mustIntent(t, 100, types.AlgoTWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	// 20s window at a 10s floor supports at most 3 placements.
	if len(slices) != 3 {
		t.Fatalf("slice count = %d, want 3", len(slices))
	}
	var sum int64
	for _, s := range slices {
		sum += s.Qty
	}
	if sum != 100 {
		t.Errorf("quantities sum to %d, want 100", sum)
	}
}

func TestTWAPMinSliceQtyBoundsSliceCount(t *testing.T) {
	t.Parallel()
	cfg := config.Default().TWAP
	cfg.SliceCount = 10
	cfg.DurationSeconds = 60
	cfg.MinSliceQty = 5
	ex := NewTWAP(cfg, testLogger())
	it := mustIntent(t, 20, types.AlgoTWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	// 20 lots at a 5-lot floor supports at most 4 slices.
	if len(slices) != 4 {
		t.Fatalf("slice count = %d, want 4", len(slices))
	}
	for i, s := range slices {
		if s.Qty != 5 {
			t.Errorf("slice %d qty = %d, want 5", i, s.Qty)
		}
	}
}

func TestTWAPWaitsUntilSliceDue(t *testing.T) {
	t.Parallel()
	cfg := config.Default().TWAP
	cfg.SliceCount = 2
	cfg.DurationSeconds = 60
	ex := NewTWAP(cfg, testLogger())
	it := mustIntent(t, 10, types.AlgoTWAP)
	planID, _ := ex.MakePlan(it)

	now := time.Now()
	act, _ := ex.NextAction(planID, now)
	if act.Type != types.ActionPlaceOrder || act.SliceIndex != 0 {
		t.Fatalf("action = %v slice %d, want PLACE_ORDER slice 0", act.Type, act.SliceIndex)
	}
	ex.OnEvent(planID, fill(act.ClientOrderID, 5, 4000, now))

	// Slice 1 is scheduled a minute out; the driver gets a timed wait.
	act, _ = ex.NextAction(planID, now)
	if act.Type != types.ActionWait {
		t.Fatalf("action = %v, want WAIT", act.Type)
	}
	if !act.Until.After(now.Add(50 * time.Second)) {
		t.Errorf("WAIT.Until = %v, want ~60s out", act.Until)
	}

	act, _ = ex.NextAction(planID, now.Add(61*time.Second))
	if act.Type != types.ActionPlaceOrder || act.SliceIndex != 1 {
		t.Errorf("action = %v slice %d, want PLACE_ORDER slice 1", act.Type, act.SliceIndex)
	}
}
