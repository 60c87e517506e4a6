package executor

import (
	"testing"
	"time"

	"futures-exec/internal/config"
	"futures-exec/pkg/types"
)

func TestVWAPAllocatesByProfile(t *testing.T) {
	t.Parallel()
	cfg := config.Default().VWAP
	cfg.VolumeProfile = []float64{0.2, 0.3, 0.5}
	cfg.DurationSeconds = 300
	cfg.ParticipationRate = 0.5 // cap sits exactly on the heaviest bucket
	ex := NewVWAP(cfg, testLogger())
	it := mustIntent(t, 100, types.AlgoVWAP)

	planID, err := ex.MakePlan(it)
	if err != nil {
		t.Fatalf("MakePlan: %v", err)
	}
	slices := ex.Slices(planID)
	if len(slices) != 3 {
		t.Fatalf("slice count = %d, want 3", len(slices))
	}
	for i, want := range []int64{20, 30, 50} {
		if slices[i].Qty != want {
			t.Errorf("slice %d qty = %d, want %d", i, slices[i].Qty, want)
		}
	}
	for i, want := range []float64{0.2, 0.3, 0.5} {
		got := slices[i].Weight
		if got < want-1e-9 || got > want+1e-9 {
			t.Errorf("slice %d weight = %v, want %v", i, got, want)
		}
	}
	// 300s over 3 buckets: slices 100s apart.
	for i := 1; i < 3; i++ {
		if gap := slices[i].ScheduledTs.Sub(slices[i-1].ScheduledTs); gap != 100*time.Second {
			t.Errorf("gap %d = %v, want 100s", i, gap)
		}
	}
}

func TestVWAPNormalizesUnscaledProfile(t *testing.T) {
	t.Parallel()
	cfg := config.Default().VWAP
	cfg.VolumeProfile = []float64{2, 3, 5} // sums to 10, not 1
	cfg.ParticipationRate = 0.5
	ex := NewVWAP(cfg, testLogger())
	it := mustIntent(t, 100, types.AlgoVWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	for i, want := range []int64{20, 30, 50} {
		if slices[i].Qty != want {
			t.Errorf("slice %d qty = %d, want %d", i, slices[i].Qty, want)
		}
	}
}

func TestVWAPDefaultProfileSumsExactly(t *testing.T) {
	t.Parallel()
	cfg := config.Default().VWAP // empty profile = U-shape default
	ex := NewVWAP(cfg, testLogger())
	it := mustIntent(t, 997, types.AlgoVWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	var sum int64
	for _, s := range slices {
		sum += s.Qty
	}
	if sum != 997 {
		t.Errorf("quantities sum to %d, want 997", sum)
	}
	if v, _ := ex.Meta(planID, "profile_buckets"); v != "10" {
		t.Errorf("profile_buckets = %q, want 10", v)
	}
}

func TestVWAPMinSliceRatioFloor(t *testing.T) {
	t.Parallel()
	cfg := config.Default().VWAP
	cfg.VolumeProfile = []float64{0.01, 0.01, 0.98}
	cfg.MinSliceQtyRatio = 0.05
	cfg.ParticipationRate = 0.95
	ex := NewVWAP(cfg, testLogger())
	it := mustIntent(t, 100, types.AlgoVWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	if len(slices) != 3 {
		t.Fatalf("slice count = %d, want 3", len(slices))
	}
	// The two thin buckets are floored at 5; the heavy bucket absorbs the
	// difference so the total stays exact.
	if slices[0].Qty != 5 || slices[1].Qty != 5 {
		t.Errorf("thin slices = %d, %d, want 5, 5", slices[0].Qty, slices[1].Qty)
	}
	if slices[2].Qty != 90 {
		t.Errorf("heavy slice = %d, want 90", slices[2].Qty)
	}
}

func TestVWAPParticipationRateCapsBuckets(t *testing.T) {
	t.Parallel()
	cfg := config.Default().VWAP
	cfg.VolumeProfile = []float64{0.2, 0.3, 0.5}
	cfg.MinSliceQtyRatio = 0
	cfg.ParticipationRate = 0.4
	ex := NewVWAP(cfg, testLogger())
	it := mustIntent(t, 100, types.AlgoVWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	if len(slices) != 3 {
		t.Fatalf("slice count = %d, want 3", len(slices))
	}
	// The 50-lot bucket is capped at 40; the 10-lot excess spreads over the
	// lighter buckets and the total stays exact.
	for i, want := range []int64{25, 35, 40} {
		if slices[i].Qty != want {
			t.Errorf("slice %d qty = %d, want %d", i, slices[i].Qty, want)
		}
	}
}

func TestVWAPParticipationCapInfeasibleStaysExact(t *testing.T) {
	t.Parallel()
	cfg := config.Default().VWAP
	cfg.VolumeProfile = []float64{0.2, 0.3, 0.5}
	cfg.MinSliceQtyRatio = 0
	cfg.ParticipationRate = 0.05 // 3 buckets cannot hold 100 at 5 each
	ex := NewVWAP(cfg, testLogger())
	it := mustIntent(t, 100, types.AlgoVWAP)

	planID, _ := ex.MakePlan(it)
	slices := ex.Slices(planID)
	var sum int64
	var lo, hi int64 = slices[0].Qty, slices[0].Qty
	for _, s := range slices {
		sum += s.Qty
		if s.Qty < lo {
			lo = s.Qty
		}
		if s.Qty > hi {
			hi = s.Qty
		}
	}
	if sum != 100 {
		t.Errorf("quantities sum to %d, want 100", sum)
	}
	// The relaxed cap flattens the profile rather than dropping quantity.
	if hi-lo > 1 {
		t.Errorf("flattened slices spread %d..%d, want within one lot", lo, hi)
	}
}

func TestVWAPRejectsDegenerateProfile(t *testing.T) {
	t.Parallel()
	cfg := config.Default().VWAP
	cfg.VolumeProfile = []float64{0, 0, 0}
	ex := NewVWAP(cfg, testLogger())
	it := mustIntent(t, 100, types.AlgoVWAP)

	if _, err := ex.MakePlan(it); err == nil {
		t.Error("MakePlan accepted a zero-sum volume profile")
	}
}
