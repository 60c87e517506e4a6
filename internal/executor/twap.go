package executor

import (
	"log/slog"
	"strconv"
	"time"

	"futures-exec/internal/config"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// TWAP spreads the intent evenly over a time window. Slice construction is
// fully deterministic: the same intent and config always yield the same
// quantities and the same offsets from plan creation, which is what the
// replay property requires.
type TWAP struct {
	*book
	cfg config.TWAPConfig
}

// NewTWAP creates the time-weighted executor.
func NewTWAP(cfg config.TWAPConfig, logger *slog.Logger) *TWAP {
	t := &TWAP{cfg: cfg}
	t.book = newBook(types.AlgoTWAP, t.buildSchedule, cfg.RetryCount, cfg.TimeoutSeconds, logger)
	return t
}

// buildSchedule derives the slice count, bounds it by the interval limits,
// splits the quantity with the remainder front-loaded, and schedules slice i
// at start + i*interval.
func (t *TWAP) buildSchedule(it *intent.Intent) ([]*Slice, map[string]string, gateFunc, error) {
	n, interval := twapShape(t.cfg, it.TargetQty)
	qtys := splitEvenly(it.TargetQty, n)

	start := time.Now()
	slices := make([]*Slice, n)
	for i := 0; i < n; i++ {
		slices[i] = &Slice{
			Index:       i,
			Qty:         qtys[i],
			ScheduledTs: start.Add(time.Duration(i) * interval),
		}
	}

	meta := map[string]string{
		"slice_count": strconv.Itoa(n),
		"interval_ms": strconv.FormatInt(interval.Milliseconds(), 10),
	}
	return slices, meta, nil, nil
}

// twapShape picks the slice count and inter-slice interval. The per-slice
// quantity floor is applied last: a count that would shave slices below
// MinSliceQty is reduced, stretching the interval if it must.
func twapShape(cfg config.TWAPConfig, targetQty int64) (int, time.Duration) {
	duration := time.Duration(cfg.DurationSeconds) * time.Second
	minIv := time.Duration(cfg.MinIntervalSeconds) * time.Second
	maxIv := time.Duration(cfg.MaxIntervalSeconds) * time.Second

	n := cfg.SliceCount
	if n <= 0 {
		n = int(ceilDiv(targetQty, cfg.MaxSliceQty))
	}
	if n < 1 {
		n = 1
	}
	if int64(n) > targetQty {
		n = int(targetQty)
	}

	// Bound n so the implied interval stays inside [minIv, maxIv].
	if n > 1 && minIv > 0 {
		if duration/time.Duration(n-1) < minIv {
			n = int(duration/minIv) + 1
		}
	}
	if n > 1 && maxIv > 0 {
		if duration/time.Duration(n-1) > maxIv {
			n = int(ceilDiv(int64(duration), int64(maxIv))) + 1
		}
	}
	if n < 1 {
		n = 1
	}
	if int64(n) > targetQty {
		n = int(targetQty)
	}
	if cfg.MinSliceQty > 1 {
		if maxN := targetQty / cfg.MinSliceQty; maxN >= 1 && int64(n) > maxN {
			n = int(maxN)
		}
	}

	var interval time.Duration
	if n > 1 {
		interval = duration / time.Duration(n-1)
	}
	return n, interval
}

// splitEvenly divides qty into n parts: base everywhere, remainder
// distributed one each to the first slices. The parts always sum to qty.
func splitEvenly(qty int64, n int) []int64 {
	base := qty / int64(n)
	rem := qty % int64(n)
	out := make([]int64, n)
	for i := range out {
		out[i] = base
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
