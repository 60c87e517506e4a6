package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/pkg/types"
)

// MarginSnapshot is one point-in-time view of account margin health.
type MarginSnapshot struct {
	Equity          decimal.Decimal
	MarginUsed      decimal.Decimal
	MarginFrozen    decimal.Decimal
	MarginAvailable decimal.Decimal
	UsageRatio      float64
	Level           types.MarginAlertLevel
	Action          string
	ForceCloseRisk  *ForceCloseRisk // set at DANGER and above
	Ts              time.Time
}

// ForceCloseRisk estimates how close the account is to forced liquidation,
// from the recent usage-ratio trend.
type ForceCloseRisk struct {
	Probability      float64       // 0..1
	Slope            float64       // usage-ratio change per second
	TimeToForceClose time.Duration // 0 = not approaching on current trend
}

// MarginCallAlert records one upward alert-level transition.
type MarginCallAlert struct {
	ID         string
	From       types.MarginAlertLevel
	To         types.MarginAlertLevel
	UsageRatio float64
	Ts         time.Time
}

// MarginListener observes every new snapshot. Listeners must be fast; they
// run on the updater's goroutine after all monitor locks are released.
type MarginListener func(MarginSnapshot)

// MarginMonitor grades margin usage against the configured thresholds,
// keeps a bounded history, raises alerts on upward level transitions, and
// feeds significant deterioration back into the VaR scheduler.
type MarginMonitor struct {
	cfg       config.MarginConfig
	varSched  *AdaptiveVaRScheduler // may be nil
	recorder  audit.Recorder
	logger    *slog.Logger
	listeners []MarginListener

	mu        sync.RWMutex
	history   []MarginSnapshot
	alerts    []MarginCallAlert
	lastLevel types.MarginAlertLevel
	lastUsage float64
	hasLast   bool
}

// NewMarginMonitor creates a monitor. varSched may be nil when the VaR
// feedback path is not wired.
func NewMarginMonitor(cfg config.MarginConfig, varSched *AdaptiveVaRScheduler,
	recorder audit.Recorder, logger *slog.Logger) *MarginMonitor {

	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &MarginMonitor{
		cfg:      cfg,
		varSched: varSched,
		recorder: recorder,
		logger:   logger.With("component", "margin_monitor"),
	}
}

// AddListener registers a snapshot observer. Not safe to call concurrently
// with UpdateMarginStatus; register listeners during wiring.
func (m *MarginMonitor) AddListener(l MarginListener) {
	m.listeners = append(m.listeners, l)
}

// UpdateMarginStatus ingests one account reading and returns the graded
// snapshot. Callbacks and the VaR trigger run after internal locks are
// released, so neither can block the monitor.
func (m *MarginMonitor) UpdateMarginStatus(equity, marginUsed, marginFrozen decimal.Decimal) MarginSnapshot {
	committed := marginUsed.Add(marginFrozen)
	available := equity.Sub(committed)

	usage := 1.0
	if equity.IsPositive() {
		usage, _ = committed.Div(equity).Float64()
	}

	level := m.levelOf(usage)
	snap := MarginSnapshot{
		Equity:          equity,
		MarginUsed:      marginUsed,
		MarginFrozen:    marginFrozen,
		MarginAvailable: available,
		UsageRatio:      usage,
		Level:           level,
		Action:          m.actionOf(usage, level),
		Ts:              time.Now(),
	}

	m.mu.Lock()
	prevLevel, prevUsage, hadPrev := m.lastLevel, m.lastUsage, m.hasLast
	if level >= types.MarginDanger {
		risk := m.forceCloseRiskLocked(snap)
		snap.ForceCloseRisk = &risk
	}
	m.history = append(m.history, snap)
	if max := m.cfg.HistorySize; max > 0 && len(m.history) > max {
		m.history = m.history[len(m.history)-max:]
	}
	var alert *MarginCallAlert
	if hadPrev && level > prevLevel {
		alert = &MarginCallAlert{
			ID:         uuid.NewString(),
			From:       prevLevel,
			To:         level,
			UsageRatio: usage,
			Ts:         snap.Ts,
		}
		m.alerts = append(m.alerts, *alert)
		if max := m.cfg.HistorySize; max > 0 && len(m.alerts) > max {
			m.alerts = m.alerts[len(m.alerts)-max:]
		}
	}
	m.lastLevel = level
	m.lastUsage = usage
	m.hasLast = true
	m.mu.Unlock()

	ev := audit.NewEvent(audit.KindMarginSnapshot)
	ev.Payload = map[string]any{
		"usage_ratio": usage,
		"level":       level.String(),
		"action":      snap.Action,
	}
	m.recorder.Record(ev)

	if alert != nil {
		av := audit.NewEvent(audit.KindMarginAlert)
		av.Payload = map[string]any{
			"alert_id":    alert.ID,
			"from":        alert.From.String(),
			"to":          alert.To.String(),
			"usage_ratio": usage,
		}
		m.recorder.Record(av)
		m.logger.Warn("margin alert level raised",
			"from", alert.From.String(), "to", alert.To.String(), "usage", usage)
	}

	// Deterioration feeds the VaR scheduler: rising into DANGER or above,
	// or a jump in usage beyond the configured delta.
	if m.varSched != nil {
		roseIntoDanger := alert != nil && level >= types.MarginDanger
		bigJump := hadPrev && usage-prevUsage >= m.cfg.VarTriggerThreshold
		if roseIntoDanger || bigJump {
			m.varSched.TriggerEvent(TriggerMarginWarning)
		}
	}

	for _, l := range m.listeners {
		l(snap)
	}
	return snap
}

// levelOf grades a usage ratio. Each named threshold is the floor of its
// level; the safe threshold bounds the untroubled zone below warning.
func (m *MarginMonitor) levelOf(usage float64) types.MarginAlertLevel {
	switch {
	case usage >= m.cfg.ForceCloseThreshold:
		return types.MarginForceClose
	case usage >= m.cfg.CriticalThreshold:
		return types.MarginCritical
	case usage >= m.cfg.DangerThreshold:
		return types.MarginDanger
	case usage >= m.cfg.WarningThreshold:
		return types.MarginWarning
	default:
		return types.MarginSafe
	}
}

// actionOf is the operator-facing recommendation. Usage between the safe and
// warning thresholds is still SAFE but warrants watching.
func (m *MarginMonitor) actionOf(usage float64, level types.MarginAlertLevel) string {
	switch level {
	case types.MarginForceClose:
		return "force_close"
	case types.MarginCritical:
		return "close_positions"
	case types.MarginDanger:
		return "reduce_positions"
	case types.MarginWarning:
		return "reduce_new_positions"
	default:
		if usage >= m.cfg.SafeThreshold {
			return "monitor"
		}
		return "none"
	}
}

// forceCloseRiskLocked fits the recent usage trend and extrapolates to the
// force-close threshold. Callers hold mu.
func (m *MarginMonitor) forceCloseRiskLocked(current MarginSnapshot) ForceCloseRisk {
	// Use up to the last 20 readings plus the incoming one.
	recent := m.history
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}
	points := make([]MarginSnapshot, 0, len(recent)+1)
	points = append(points, recent...)
	points = append(points, current)
	if len(points) < 2 {
		return ForceCloseRisk{Probability: baseProbability(current.UsageRatio, m.cfg)}
	}

	slope := usageSlope(points)
	risk := ForceCloseRisk{
		Probability: baseProbability(current.UsageRatio, m.cfg),
		Slope:       slope,
	}
	if slope > 0 {
		headroom := m.cfg.ForceCloseThreshold - current.UsageRatio
		if headroom > 0 {
			risk.TimeToForceClose = time.Duration(headroom / slope * float64(time.Second))
		}
		// A rising trend compounds the level-based probability.
		risk.Probability = clamp01(risk.Probability + 0.2)
	}
	return risk
}

// baseProbability maps how deep into the danger band the usage sits.
func baseProbability(usage float64, cfg config.MarginConfig) float64 {
	span := cfg.ForceCloseThreshold - cfg.DangerThreshold
	if span <= 0 {
		return 1
	}
	return clamp01((usage - cfg.DangerThreshold) / span)
}

// usageSlope is the least-squares slope of usage ratio over time, in ratio
// per second.
func usageSlope(points []MarginSnapshot) float64 {
	n := float64(len(points))
	t0 := points[0].Ts
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.Ts.Sub(t0).Seconds()
		y := p.UsageRatio
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Snapshot returns the most recent reading, if any.
func (m *MarginMonitor) Snapshot() (MarginSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return MarginSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the bounded snapshot history, oldest first.
func (m *MarginMonitor) History() []MarginSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MarginSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Alerts returns a copy of the recorded margin-call alerts, oldest first.
func (m *MarginMonitor) Alerts() []MarginCallAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MarginCallAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
