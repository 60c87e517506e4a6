// Package confirm implements the tiered AUTO/SOFT/HARD confirmation gate and
// its circuit-breaker-aware wrapper.
//
// Level selection is the maximum over independent criteria (order value,
// market state, session, strategy class). AUTO approves instantly. SOFT runs
// three bounded sub-checks concurrently with a deliberately permissive
// posture: a timed-out check counts as passed, and an overall timeout still
// approves. HARD alerts a human and waits; on timeout a night session
// degrades to SOFT while a day session rejects and trips the breaker.
package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// Level orders the confirmation tiers so the max over criteria is well defined.
type Level int

const (
	LevelAuto Level = iota
	LevelSoft
	LevelHard
)

func (l Level) String() string {
	switch l {
	case LevelAuto:
		return "AUTO"
	case LevelSoft:
		return "SOFT"
	case LevelHard:
		return "HARD"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome class of a confirmation run.
type Result string

const (
	ResultApproved Result = "APPROVED"
	ResultRejected Result = "REJECTED"
	ResultTimeout  Result = "TIMEOUT"
	ResultDegraded Result = "DEGRADED"
)

// Context is the immutable input to one confirmation decision.
type Context struct {
	Intent     *intent.Intent
	OrderValue decimal.Decimal
	Market     types.MarketContext
	Session    types.SessionType
	Strategy   types.StrategyType
	Ts         time.Time
}

// Decision is the outcome of one confirmation run. Approved is the single
// bit the engine acts on; Result preserves how it was reached.
type Decision struct {
	ConfirmationID string
	Level          Level
	Result         Result
	Approved       bool
	ChecksPassed   []string
	ChecksFailed   []string
	Reasons        []string
	Elapsed        time.Duration
}

// CheckFunc is one SOFT sub-check. A nil CheckFunc passes unconditionally.
// The context carries the per-check deadline.
type CheckFunc func(ctx context.Context, c Context) (bool, error)

// AlertFunc notifies a human that a HARD confirmation is waiting.
type AlertFunc func(c Context)

// UserConfirmFunc blocks until the user decides or the context expires.
type UserConfirmFunc func(ctx context.Context, c Context) (bool, error)

// TriggerFunc feeds a confirmation failure back into the circuit breaker.
type TriggerFunc func(reason string)

// Manager runs tiered confirmations. All callbacks are optional; missing
// ones use explicit permissive or no-op defaults.
type Manager struct {
	cfg            config.ConfirmationConfig
	riskCheck      CheckFunc
	costCheck      CheckFunc
	limitCheck     CheckFunc
	alert          AlertFunc
	userConfirm    UserConfirmFunc
	triggerBreaker TriggerFunc
	recorder       audit.Recorder
	logger         *slog.Logger
	seq            atomic.Int64
}

// Callbacks bundles the injectable collaborators of a Manager.
type Callbacks struct {
	RiskCheck      CheckFunc
	CostCheck      CheckFunc
	LimitCheck     CheckFunc // nil = default limit-price check
	Alert          AlertFunc
	UserConfirm    UserConfirmFunc
	TriggerBreaker TriggerFunc
}

// NewManager creates a confirmation manager.
func NewManager(cfg config.ConfirmationConfig, cb Callbacks, recorder audit.Recorder,
	logger *slog.Logger) *Manager {

	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if cb.LimitCheck == nil {
		cb.LimitCheck = defaultLimitCheck
	}
	return &Manager{
		cfg:            cfg,
		riskCheck:      cb.RiskCheck,
		costCheck:      cb.CostCheck,
		limitCheck:     cb.LimitCheck,
		alert:          cb.Alert,
		userConfirm:    cb.UserConfirm,
		triggerBreaker: cb.TriggerBreaker,
		recorder:       recorder,
		logger:         logger.With("component", "confirm"),
	}
}

// defaultLimitCheck rejects buying into a limit-up board or selling into a
// limit-down board.
func defaultLimitCheck(_ context.Context, c Context) (bool, error) {
	if c.Intent.Side == types.BUY && c.Market.IsLimitUp {
		return false, nil
	}
	if c.Intent.Side == types.SELL && c.Market.IsLimitDown {
		return false, nil
	}
	return true, nil
}

// Confirm runs a full confirmation for the context.
func (m *Manager) Confirm(ctx context.Context, c Context) Decision {
	return m.confirm(ctx, c, false)
}

// confirm optionally upgrades the selected level one tier (breaker HALF_OPEN
// scrutiny).
func (m *Manager) confirm(ctx context.Context, c Context, upgrade bool) Decision {
	start := time.Now()
	id := strconv.FormatInt(m.seq.Add(1), 10)

	m.emit(id, c, audit.KindConfirmStarted, map[string]any{
		"order_value": c.OrderValue.String(),
		"session":     string(c.Session),
		"strategy":    string(c.Strategy),
	})

	level, reasons := m.selectLevel(c)
	if upgrade && level < LevelHard {
		level++
		reasons = append(reasons, "breaker recovery: level upgraded")
	}
	m.emit(id, c, audit.KindConfirmLevel, map[string]any{
		"level":   level.String(),
		"reasons": reasons,
	})

	var d Decision
	switch level {
	case LevelAuto:
		d = Decision{Result: ResultApproved, Approved: true}
	case LevelSoft:
		d = m.runSoft(ctx, id, c)
	default:
		d = m.runHard(ctx, id, c)
	}

	d.ConfirmationID = id
	d.Level = level
	d.Reasons = append(reasons, d.Reasons...)
	d.Elapsed = time.Since(start)

	m.emit(id, c, audit.KindConfirmCompleted, map[string]any{
		"level":      level.String(),
		"result":     string(d.Result),
		"approved":   d.Approved,
		"elapsed_ms": d.Elapsed.Milliseconds(),
	})
	m.logger.Info("confirmation completed",
		"confirmation", id,
		"intent", c.Intent.ID,
		"level", level.String(),
		"result", string(d.Result),
	)
	return d
}

// selectLevel takes the max over the per-criterion levels and collects the
// reasons behind every non-AUTO contribution.
func (m *Manager) selectLevel(c Context) (Level, []string) {
	level := LevelAuto
	var reasons []string
	raise := func(l Level, reason string) {
		if l > level {
			level = l
		}
		if l > LevelAuto {
			reasons = append(reasons, reason)
		}
	}

	// Order value.
	v, _ := c.OrderValue.Float64()
	switch {
	case v < m.cfg.AutoMaxValue:
	case v < m.cfg.SoftMaxValue:
		raise(LevelSoft, fmt.Sprintf("order value %.0f above auto limit", v))
	default:
		raise(LevelHard, fmt.Sprintf("order value %.0f above soft limit", v))
	}

	// Market state.
	if c.Market.VolatilityPct > m.cfg.VolatilityPct {
		raise(LevelSoft, fmt.Sprintf("volatility %.1f%%", c.Market.VolatilityPct))
	}
	if c.Market.PriceGapPct > m.cfg.PriceGapPct {
		raise(LevelSoft, fmt.Sprintf("price gap %.1f%%", c.Market.PriceGapPct))
	}
	if c.Market.LimitHitCount >= m.cfg.LimitHitCount {
		raise(LevelHard, fmt.Sprintf("limit hit %d times", c.Market.LimitHitCount))
	}
	if c.Market.AtLimit() {
		raise(LevelSoft, "instrument at price limit")
	}

	// Session.
	switch c.Session {
	case types.SessionNight:
		raise(LevelSoft, "night session")
	case types.SessionVolatile:
		raise(LevelHard, "volatile session")
	}

	// Strategy class.
	switch c.Strategy {
	case types.StrategyProduction:
		raise(LevelSoft, "production strategy")
	case types.StrategyExperimental:
		raise(LevelHard, "experimental strategy")
	}

	return level, reasons
}

// softCheckResult carries one sub-check outcome back to the selector.
type softCheckResult struct {
	name   string
	passed bool
	reason string
}

// runSoft runs the three sub-checks concurrently. Each child is bounded by a
// third of the soft timeout and a timed-out child counts as passed. The
// overall timeout also approves, with the result marked TIMEOUT.
func (m *Manager) runSoft(ctx context.Context, id string, c Context) Decision {
	m.emit(id, c, audit.KindConfirmSoftStarted, nil)

	childTimeout := m.cfg.SoftTimeout / 3
	results := make(chan softCheckResult, 3)
	checks := []struct {
		name string
		fn   CheckFunc
	}{
		{"risk_check", m.riskCheck},
		{"cost_check", m.costCheck},
		{"limit_price_check", m.limitCheck},
	}
	for _, chk := range checks {
		go m.runSoftChild(ctx, c, chk.name, chk.fn, childTimeout, results)
	}

	overall := time.NewTimer(m.cfg.SoftTimeout)
	defer overall.Stop()

	d := Decision{Result: ResultApproved, Approved: true}
	for received := 0; received < len(checks); received++ {
		select {
		case r := <-results:
			m.emit(id, c, audit.KindConfirmSoftCheck, map[string]any{
				"check":  r.name,
				"passed": r.passed,
				"reason": r.reason,
			})
			if r.passed {
				d.ChecksPassed = append(d.ChecksPassed, r.name)
			} else {
				d.ChecksFailed = append(d.ChecksFailed, r.name)
				d.Result = ResultRejected
				d.Approved = false
			}
			if r.reason != "" {
				d.Reasons = append(d.Reasons, r.reason)
			}
		case <-overall.C:
			m.emit(id, c, audit.KindConfirmSoftTimeout, map[string]any{
				"received": received,
			})
			if d.Result != ResultRejected {
				d.Result = ResultTimeout
				d.Approved = true
				d.Reasons = append(d.Reasons, "soft confirmation timeout, auto-approve")
			}
			return d
		}
	}
	return d
}

// runSoftChild executes one sub-check under its own deadline. A nil check or
// a deadline expiry passes.
func (m *Manager) runSoftChild(ctx context.Context, c Context, name string,
	fn CheckFunc, timeout time.Duration, out chan<- softCheckResult) {

	if fn == nil {
		out <- softCheckResult{name: name, passed: true}
		return
	}

	childCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan softCheckResult, 1)
	go func() {
		ok, err := fn(childCtx, c)
		r := softCheckResult{name: name, passed: ok}
		if err != nil {
			r.passed = false
			r.reason = fmt.Sprintf("%s error: %v", name, err)
		} else if !ok {
			r.reason = name + " failed"
		}
		done <- r
	}()

	select {
	case r := <-done:
		out <- r
	case <-childCtx.Done():
		out <- softCheckResult{
			name:   name,
			passed: true,
			reason: name + " timeout, auto-approve",
		}
	}
}

// runHard alerts a human and waits for the user decision. Timeout behavior
// is session-aware: night sessions degrade to SOFT, day sessions reject and
// trip the circuit breaker.
func (m *Manager) runHard(ctx context.Context, id string, c Context) Decision {
	m.emit(id, c, audit.KindConfirmHardStarted, nil)

	if m.alert != nil {
		m.alert(c)
	}
	m.emit(id, c, audit.KindConfirmHardAlert, nil)

	decided := make(chan bool, 1)
	errs := make(chan error, 1)
	hardCtx, cancel := context.WithTimeout(ctx, m.cfg.HardTimeout)
	defer cancel()
	go func() {
		if m.userConfirm == nil {
			// No user channel wired; block until the timeout policy decides.
			<-hardCtx.Done()
			return
		}
		ok, err := m.userConfirm(hardCtx, c)
		if err != nil {
			errs <- err
			return
		}
		decided <- ok
	}()

	select {
	case ok := <-decided:
		if ok {
			return Decision{Result: ResultApproved, Approved: true,
				Reasons: []string{"user approved"}}
		}
		return Decision{Result: ResultRejected, Approved: false,
			ChecksFailed: []string{"user_confirmation"},
			Reasons:      []string{"user rejected"}}

	case err := <-errs:
		return Decision{Result: ResultRejected, Approved: false,
			ChecksFailed: []string{"user_confirmation"},
			Reasons:      []string{fmt.Sprintf("user confirmation error: %v", err)}}

	case <-hardCtx.Done():
		m.emit(id, c, audit.KindConfirmHardTimeout, map[string]any{
			"timeout_ms": m.cfg.HardTimeout.Milliseconds(),
		})
		if c.Session == types.SessionNight && m.cfg.EnableNightDegradation {
			m.emit(id, c, audit.KindConfirmHardDegraded, nil)
			soft := m.runSoft(ctx, id, c)
			soft.Result = ResultDegraded
			soft.Reasons = append([]string{"hard timeout, degraded to soft"}, soft.Reasons...)
			return soft
		}
		if m.triggerBreaker != nil {
			m.triggerBreaker("hard confirmation timeout")
		}
		m.emit(id, c, audit.KindBreakerTrigger, map[string]any{
			"reason": "hard confirmation timeout",
		})
		return Decision{Result: ResultRejected, Approved: false,
			ChecksFailed: []string{"user_confirmation"},
			Reasons:      []string{"hard confirmation timeout"}}
	}
}

func (m *Manager) emit(id string, c Context, kind audit.Kind, payload map[string]any) {
	ev := audit.NewEvent(kind)
	ev.IntentID = c.Intent.ID
	ev.ConfirmationID = id
	ev.Payload = payload
	m.recorder.Record(ev)
}
