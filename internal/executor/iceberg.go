package executor

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"futures-exec/internal/config"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// Iceberg shows only a small tip of the total quantity at a time. All tips
// are scheduled immediately; the gate enforces the tip discipline at
// runtime: never more than one tip in flight, and a refill delay after each
// fill before the next tip goes out.
type Iceberg struct {
	*book
	cfg config.IcebergConfig
}

// NewIceberg creates the hidden-quantity executor.
func NewIceberg(cfg config.IcebergConfig, logger *slog.Logger) *Iceberg {
	ic := &Iceberg{cfg: cfg}
	ic.book = newBook(types.AlgoIceberg, ic.buildSchedule, cfg.RetryCount, cfg.TimeoutSeconds, logger)
	return ic
}

func (ic *Iceberg) buildSchedule(it *intent.Intent) ([]*Slice, map[string]string, gateFunc, error) {
	tip := ic.tipSize(it.TargetQty)

	n := int(ceilDiv(it.TargetQty, tip))
	slices := make([]*Slice, 0, n)
	remaining := it.TargetQty
	for i := 0; remaining > 0; i++ {
		qty := min64(tip, remaining)
		slices = append(slices, &Slice{Index: i, Qty: qty})
		remaining -= qty
	}

	refill := time.Duration(ic.cfg.RefillDelaySec) * time.Second
	gate := func(p *PlanContext, now time.Time) (types.Action, bool) {
		if len(p.pending) > 0 {
			return types.Action{
				Type:   types.ActionWait,
				Until:  now.Add(pollInterval),
				Reason: "tip in flight",
			}, true
		}
		if refill > 0 && !p.lastFill.IsZero() {
			ready := p.lastFill.Add(refill)
			if now.Before(ready) {
				return types.Action{
					Type:   types.ActionWait,
					Until:  ready,
					Reason: "refill delay",
				}, true
			}
		}
		return types.Action{}, false
	}

	meta := map[string]string{
		"tip_size":  strconv.FormatInt(tip, 10),
		"tip_count": strconv.Itoa(len(slices)),
	}
	return slices, meta, gate, nil
}

// tipSize resolves the visible quantity: an explicit TipSize wins, otherwise
// TipRatio of the target, capped at MaxVisible and floored at 1.
func (ic *Iceberg) tipSize(target int64) int64 {
	tip := ic.cfg.TipSize
	if tip <= 0 {
		tip = int64(math.Ceil(float64(target) * ic.cfg.TipRatio))
	}
	if ic.cfg.MaxVisible > 0 && tip > ic.cfg.MaxVisible {
		tip = ic.cfg.MaxVisible
	}
	if tip < 1 {
		tip = 1
	}
	if tip > target {
		tip = target
	}
	return tip
}
