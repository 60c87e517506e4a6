package confirm

import (
	"context"
	"log/slog"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/pkg/types"
)

// CheckFailedBreakerBlock is the tag recorded when the breaker refuses a
// confirmation outright.
const CheckFailedBreakerBlock = "M6_CIRCUIT_BREAKER_BLOCK"

// StateFunc reports the external circuit breaker's current state.
type StateFunc func() types.BreakerState

// BreakerAware wraps a Manager with circuit-breaker awareness: OPEN blocks
// everything except qualifying high-frequency flow, HALF_OPEN upgrades the
// confirmation level one tier, CLOSED is a pass-through.
type BreakerAware struct {
	mgr      *Manager
	cfg      config.BreakerConfig
	state    StateFunc
	recorder audit.Recorder
	logger   *slog.Logger
}

// NewBreakerAware wraps the manager. state may be nil, meaning CLOSED.
func NewBreakerAware(mgr *Manager, cfg config.BreakerConfig, state StateFunc,
	recorder audit.Recorder, logger *slog.Logger) *BreakerAware {

	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &BreakerAware{
		mgr:      mgr,
		cfg:      cfg,
		state:    state,
		recorder: recorder,
		logger:   logger.With("component", "confirm_breaker"),
	}
}

// Confirm inspects the breaker before delegating to the manager.
func (b *BreakerAware) Confirm(ctx context.Context, c Context) Decision {
	state := types.BreakerClosed
	if b.state != nil {
		state = b.state()
	}

	ev := audit.NewEvent(audit.KindBreakerCheck)
	ev.IntentID = c.Intent.ID
	ev.Payload = map[string]any{"state": string(state)}
	b.recorder.Record(ev)

	switch state {
	case types.BreakerOpen:
		if b.exempt(c) {
			b.logger.Info("breaker open, high-frequency exemption granted",
				"intent", c.Intent.ID, "value", c.OrderValue.String())
			return b.mgr.Confirm(ctx, c)
		}
		blocked := audit.NewEvent(audit.KindBreakerBlocked)
		blocked.IntentID = c.Intent.ID
		blocked.Payload = map[string]any{
			"state":    string(state),
			"strategy": string(c.Strategy),
		}
		b.recorder.Record(blocked)
		return Decision{
			Result:       ResultRejected,
			Approved:     false,
			ChecksFailed: []string{CheckFailedBreakerBlock},
			Reasons:      []string{"CIRCUIT_BREAKER_BLOCK"},
		}

	case types.BreakerHalfOpen:
		return b.mgr.confirm(ctx, c, b.cfg.UpgradeOnHalfOpen)

	default:
		return b.mgr.Confirm(ctx, c)
	}
}

// exempt reports whether the context qualifies for the high-frequency
// exemption while the breaker is OPEN: exemption enabled, HF strategy, order
// value within the cap, and the instrument whitelisted (an empty whitelist
// allows all instruments).
func (b *BreakerAware) exempt(c Context) bool {
	if !b.cfg.EnableExemption {
		return false
	}
	if c.Strategy != types.StrategyHighFrequency {
		return false
	}
	v, _ := c.OrderValue.Float64()
	if v > b.cfg.MaxExemptValue {
		return false
	}
	if len(b.cfg.ExemptWhitelist) == 0 {
		return true
	}
	for _, inst := range b.cfg.ExemptWhitelist {
		if inst == c.Intent.Instrument {
			return true
		}
	}
	return false
}
