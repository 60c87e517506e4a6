package executor

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"futures-exec/internal/config"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// defaultVolumeProfile is the canonical Chinese-futures intraday U-shape:
// heavy at the open, thin through the middle sessions, heaviest into the
// close. Ten buckets, normalized at plan construction.
var defaultVolumeProfile = []float64{
	0.16, 0.11, 0.08, 0.06, 0.05, 0.05, 0.06, 0.09, 0.13, 0.21,
}

// VWAP allocates quantity proportionally to an intraday volume profile and
// schedules the slices evenly across the execution window. The participation
// rate caps what any single bucket may carry; the normalized weight of each
// slice is retained for audit.
type VWAP struct {
	*book
	cfg config.VWAPConfig
}

// NewVWAP creates the volume-weighted executor.
func NewVWAP(cfg config.VWAPConfig, logger *slog.Logger) *VWAP {
	v := &VWAP{cfg: cfg}
	v.book = newBook(types.AlgoVWAP, v.buildSchedule, cfg.RetryCount, cfg.TimeoutSeconds, logger)
	return v
}

func (v *VWAP) buildSchedule(it *intent.Intent) ([]*Slice, map[string]string, gateFunc, error) {
	profile := v.cfg.VolumeProfile
	if len(profile) == 0 {
		profile = defaultVolumeProfile
	}

	weights, err := normalize(profile)
	if err != nil {
		return nil, nil, nil, err
	}

	n := len(weights)
	qtys := allocateByWeight(it.TargetQty, weights, v.cfg.MinSliceQtyRatio)
	qtys = capByParticipation(qtys, it.TargetQty, v.cfg.ParticipationRate)

	duration := time.Duration(v.cfg.DurationSeconds) * time.Second
	interval := duration / time.Duration(n)
	start := time.Now()

	slices := make([]*Slice, 0, n)
	for i := 0; i < n; i++ {
		if qtys[i] == 0 {
			continue
		}
		slices = append(slices, &Slice{
			Index:       len(slices),
			Qty:         qtys[i],
			Weight:      weights[i],
			ScheduledTs: start.Add(time.Duration(i) * interval),
		})
	}

	meta := map[string]string{
		"profile_buckets": strconv.Itoa(n),
		"interval_ms":     strconv.FormatInt(interval.Milliseconds(), 10),
	}
	return slices, meta, nil, nil
}

// normalize scales weights to sum to 1.
func normalize(profile []float64) ([]float64, error) {
	var sum float64
	for _, w := range profile {
		if w < 0 {
			return nil, fmt.Errorf("vwap: negative profile weight %v", w)
		}
		sum += w
	}
	if sum <= 0 {
		return nil, fmt.Errorf("vwap: volume profile sums to zero")
	}
	out := make([]float64, len(profile))
	for i, w := range profile {
		out[i] = w / sum
	}
	return out, nil
}

// allocateByWeight rounds target*weight per bucket, enforces the minimum
// slice ratio, and adjusts the heaviest bucket so the total is exact.
func allocateByWeight(target int64, weights []float64, minRatio float64) []int64 {
	n := len(weights)
	out := make([]int64, n)

	minQty := int64(math.Ceil(float64(target) * minRatio))
	heaviest := 0
	var sum int64
	for i, w := range weights {
		q := int64(math.Round(float64(target) * w))
		if q < minQty {
			q = minQty
		}
		out[i] = q
		sum += q
		if w > weights[heaviest] {
			heaviest = i
		}
	}

	// Distribute the rounding difference one lot at a time, starting at the
	// heaviest bucket, so no single bucket absorbs the whole adjustment.
	diff := target - sum
	for i := heaviest; diff > 0; i = (i + 1) % n {
		out[i]++
		diff--
	}
	for diff < 0 {
		progressed := false
		for i := 0; i < n && diff < 0; i++ {
			j := (heaviest + i) % n
			if out[j] > minQty {
				out[j]--
				diff++
				progressed = true
			}
		}
		if !progressed {
			// Floors over-commit the target; relax them and keep trimming.
			minQty = 0
		}
	}
	return out
}

// capByParticipation bounds each bucket at rate*target, moving the excess
// into buckets still under the cap, round-robin from the heaviest so no
// single bucket absorbs it all. A cap too tight to hold the target is
// relaxed one lot per pass; the total always stays exact. A rate outside
// (0, 1) disables the cap.
func capByParticipation(qtys []int64, target int64, rate float64) []int64 {
	if rate <= 0 || rate >= 1 {
		return qtys
	}
	maxQty := int64(math.Ceil(float64(target) * rate))
	if maxQty < 1 {
		maxQty = 1
	}

	heaviest := 0
	var excess int64
	for i, q := range qtys {
		if q > qtys[heaviest] {
			heaviest = i
		}
		if q > maxQty {
			excess += q - maxQty
			qtys[i] = maxQty
		}
	}

	n := len(qtys)
	for excess > 0 {
		moved := false
		for i := 0; i < n && excess > 0; i++ {
			j := (heaviest + i) % n
			if qtys[j] < maxQty {
				qtys[j]++
				excess--
				moved = true
			}
		}
		if !moved {
			maxQty++
		}
	}
	return qtys
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
