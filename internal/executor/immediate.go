package executor

import (
	"log/slog"

	"futures-exec/internal/config"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// Immediate executes the whole intent as a single full-quantity slice with
// no market pacing. Rejections retry under the shared policy.
type Immediate struct {
	*book
}

// NewImmediate creates the immediate-path executor. It reuses the
// engine-level defaults: a retry budget of 3 and the default order timeout.
func NewImmediate(cfg config.EngineConfig, logger *slog.Logger) *Immediate {
	build := func(it *intent.Intent) ([]*Slice, map[string]string, gateFunc, error) {
		return []*Slice{{Index: 0, Qty: it.TargetQty}}, nil, nil, nil
	}
	return &Immediate{newBook(types.AlgoImmediate, build, 3, cfg.DefaultTimeoutSec, logger)}
}
