// Package risk implements the adaptive VaR scheduler and the dynamic margin
// monitor. Neither blocks the execution pipeline: both publish snapshots and
// alerts through the audit stream and listener callbacks, and their signals
// reach the engine indirectly through the circuit breaker and confirmation
// level policies.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/pkg/types"
)

// TriggerEvent is a hard event that forces an immediate VaR recomputation
// regardless of the regime cadence.
type TriggerEvent string

const (
	TriggerPositionChange TriggerEvent = "POSITION_CHANGE"
	TriggerPriceGap3Pct   TriggerEvent = "PRICE_GAP_3PCT"
	TriggerMarginWarning  TriggerEvent = "MARGIN_WARNING"
	TriggerLimitPriceHit  TriggerEvent = "LIMIT_PRICE_HIT"
)

// Method names the VaR calculation strategy for a regime.
type Method string

const (
	MethodParametric Method = "parametric"
	MethodHistorical Method = "historical"
	MethodMonteCarlo Method = "monte_carlo"
)

// ComputeFunc performs one VaR calculation with the given method. The
// scheduler measures its duration for CPU throttling; the result itself
// belongs to the caller's risk model.
type ComputeFunc func(method Method, trigger TriggerEvent) error

// VaRStats is a point-in-time counter snapshot of the scheduler.
type VaRStats struct {
	Regime     types.MarketRegime
	Recalcs    int64
	Skipped    int64
	Triggers   int64
	LastCalcAt time.Time
	LastCalcMs int64
}

// AdaptiveVaRScheduler maps the market regime to a recomputation cadence and
// calculation method, honors hard trigger events immediately, and
// self-throttles when the rolling CPU estimate exceeds the configured cap.
type AdaptiveVaRScheduler struct {
	cfg      config.VaRConfig
	compute  ComputeFunc
	recorder audit.Recorder
	logger   *slog.Logger

	trigger chan TriggerEvent

	mu           sync.Mutex
	regime       types.MarketRegime
	recalcs      int64
	skipped      int64
	triggers     int64
	lastCalcAt   time.Time
	lastCalcDur  time.Duration
	cpuEstimates []float64 // rolling calc_time / interval ratios
	throttleNext bool
}

// NewAdaptiveVaRScheduler creates the scheduler in the NORMAL regime.
// compute may be nil for a scheduler that only tracks cadence.
func NewAdaptiveVaRScheduler(cfg config.VaRConfig, compute ComputeFunc,
	recorder audit.Recorder, logger *slog.Logger) *AdaptiveVaRScheduler {

	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &AdaptiveVaRScheduler{
		cfg:      cfg,
		compute:  compute,
		recorder: recorder,
		logger:   logger.With("component", "var_scheduler"),
		trigger:  make(chan TriggerEvent, 1),
		regime:   types.RegimeNormal,
	}
}

// Interval returns the recomputation cadence for the current regime.
func (s *AdaptiveVaRScheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked()
}

func (s *AdaptiveVaRScheduler) intervalLocked() time.Duration {
	ms := s.cfg.BaseIntervalMs
	switch s.regime {
	case types.RegimeCalm:
		ms = s.cfg.CalmIntervalMs
	case types.RegimeNormal:
		ms = s.cfg.NormalIntervalMs
	case types.RegimeVolatile:
		ms = s.cfg.VolatileIntervalMs
	case types.RegimeExtreme:
		ms = s.cfg.ExtremeIntervalMs
	}
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// Method returns the calculation strategy for the current regime.
func (s *AdaptiveVaRScheduler) Method() Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.methodLocked()
}

func (s *AdaptiveVaRScheduler) methodLocked() Method {
	switch s.regime {
	case types.RegimeCalm:
		return MethodParametric
	case types.RegimeExtreme:
		return MethodMonteCarlo
	default:
		return MethodHistorical
	}
}

// SetRegime switches the cadence and method. A regime change is audited.
func (s *AdaptiveVaRScheduler) SetRegime(regime types.MarketRegime) {
	s.mu.Lock()
	if s.regime == regime {
		s.mu.Unlock()
		return
	}
	old := s.regime
	s.regime = regime
	interval := s.intervalLocked()
	method := s.methodLocked()
	s.mu.Unlock()

	ev := audit.NewEvent(audit.KindVarRegime)
	ev.Payload = map[string]any{
		"from":        string(old),
		"to":          string(regime),
		"interval_ms": interval.Milliseconds(),
		"method":      string(method),
	}
	s.recorder.Record(ev)
	s.logger.Info("regime change",
		"from", string(old), "to", string(regime), "interval", interval)
}

// Regime returns the current regime.
func (s *AdaptiveVaRScheduler) Regime() types.MarketRegime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regime
}

// TriggerEvent forces an immediate recomputation on the next loop pass.
// Non-blocking: if a trigger is already queued the newer one replaces it.
func (s *AdaptiveVaRScheduler) TriggerEvent(ev TriggerEvent) {
	s.mu.Lock()
	s.triggers++
	s.mu.Unlock()

	tr := audit.NewEvent(audit.KindVarTrigger)
	tr.Payload = map[string]any{"trigger": string(ev)}
	s.recorder.Record(tr)

	// Drain-then-send: the latest trigger must be delivered.
	select {
	case <-s.trigger:
	default:
	}
	select {
	case s.trigger <- ev:
	default:
	}
}

// Run drives the cadence loop until the context is cancelled. Hard triggers
// bypass both the timer and the CPU throttle.
func (s *AdaptiveVaRScheduler) Run(ctx context.Context) {
	s.logger.Info("var scheduler started", "interval", s.Interval())
	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("var scheduler stopped")
			return

		case ev := <-s.trigger:
			s.recalculate(ev)
			timer.Reset(s.Interval())

		case <-timer.C:
			if s.shouldThrottle() {
				s.mu.Lock()
				s.skipped++
				s.throttleNext = false
				s.mu.Unlock()
				tr := audit.NewEvent(audit.KindVarThrottled)
				tr.Payload = map[string]any{"cpu_limit_pct": s.cfg.CPULimitPct}
				s.recorder.Record(tr)
			} else {
				s.recalculate("")
			}
			timer.Reset(s.Interval())
		}
	}
}

// recalculate performs one computation and feeds the CPU estimator.
func (s *AdaptiveVaRScheduler) recalculate(trigger TriggerEvent) {
	method := s.Method()
	start := time.Now()
	if s.compute != nil {
		if err := s.compute(method, trigger); err != nil {
			s.logger.Error("var computation failed", "method", string(method), "error", err)
		}
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	s.recalcs++
	s.lastCalcAt = start
	s.lastCalcDur = elapsed
	interval := s.intervalLocked()
	ratio := float64(elapsed) / float64(interval)
	s.cpuEstimates = append(s.cpuEstimates, ratio)
	if max := s.cfg.HistorySize; max > 0 && len(s.cpuEstimates) > max {
		s.cpuEstimates = s.cpuEstimates[len(s.cpuEstimates)-max:]
	}
	if s.rollingCPULocked()*100 > s.cfg.CPULimitPct {
		s.throttleNext = true
	}
	s.mu.Unlock()

	ev := audit.NewEvent(audit.KindVarRecalc)
	ev.Payload = map[string]any{
		"method":   string(method),
		"trigger":  string(trigger),
		"calc_ms":  elapsed.Milliseconds(),
		"interval": interval.Milliseconds(),
	}
	s.recorder.Record(ev)
}

func (s *AdaptiveVaRScheduler) shouldThrottle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttleNext
}

// rollingCPULocked averages recent calc_time/interval ratios.
func (s *AdaptiveVaRScheduler) rollingCPULocked() float64 {
	if len(s.cpuEstimates) == 0 {
		return 0
	}
	// Average the most recent window rather than the whole history.
	window := s.cpuEstimates
	if len(window) > 10 {
		window = window[len(window)-10:]
	}
	var sum float64
	for _, r := range window {
		sum += r
	}
	return sum / float64(len(window))
}

// Stats snapshots the scheduler counters.
func (s *AdaptiveVaRScheduler) Stats() VaRStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return VaRStats{
		Regime:     s.regime,
		Recalcs:    s.recalcs,
		Skipped:    s.skipped,
		Triggers:   s.triggers,
		LastCalcAt: s.lastCalcAt,
		LastCalcMs: s.lastCalcDur.Milliseconds(),
	}
}
