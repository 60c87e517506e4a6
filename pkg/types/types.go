// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution pipeline — intent
// enums, order events, executor actions, market/session context, and the
// degraded-mode classifications used by risk and fallback. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Offset is the Chinese-futures open/close flag. CLOSETODAY closes a position
// opened in the current trading day (SHFE/INE charge different fees for it).
type Offset string

const (
	OPEN       Offset = "OPEN"
	CLOSE      Offset = "CLOSE"
	CLOSETODAY Offset = "CLOSETODAY"
)

// Algo names the execution algorithm requested by the strategy layer.
// POV and ADAPTIVE are accepted but substitute to VWAP and TWAP respectively
// at executor selection (no dedicated executor exists for them).
type Algo string

const (
	AlgoImmediate  Algo = "IMMEDIATE"
	AlgoTWAP       Algo = "TWAP"
	AlgoVWAP       Algo = "VWAP"
	AlgoIceberg    Algo = "ICEBERG"
	AlgoPOV        Algo = "POV"
	AlgoAdaptive   Algo = "ADAPTIVE"
	AlgoBehavioral Algo = "BEHAVIORAL"
)

// Urgency expresses how quickly the strategy wants the intent worked.
// CRITICAL bypasses algorithm selection and executes immediately.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// PlanStatus is the lifecycle state of an execution plan.
// COMPLETED, CANCELLED and FAILED are terminal: once entered, the plan
// never transitions again.
type PlanStatus string

const (
	PlanPending   PlanStatus = "PENDING"
	PlanRunning   PlanStatus = "RUNNING"
	PlanPaused    PlanStatus = "PAUSED"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanCancelled PlanStatus = "CANCELLED"
	PlanFailed    PlanStatus = "FAILED"
)

// IsTerminal reports whether the status absorbs all further transitions.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanCompleted, PlanCancelled, PlanFailed:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Order events (broker → executor)
// ————————————————————————————————————————————————————————————————————————

// OrderEventType enumerates the broker callbacks the pipeline consumes.
type OrderEventType string

const (
	EventAck          OrderEventType = "ACK"
	EventPartialFill  OrderEventType = "PARTIAL_FILL"
	EventFill         OrderEventType = "FILL"
	EventReject       OrderEventType = "REJECT"
	EventCancelAck    OrderEventType = "CANCEL_ACK"
	EventCancelReject OrderEventType = "CANCEL_REJECT"
)

// ErrCodeCloseToday is the distinguished rejection code for CLOSETODAY orders
// refused by the exchange. It authorizes the caller to re-emit with CLOSE.
const ErrCodeCloseToday = "CLOSETODAY"

// OrderEvent is a broker callback demultiplexed by ClientOrderID.
// Events for the same ClientOrderID must be delivered in broker-emission order.
type OrderEvent struct {
	ClientOrderID   string
	Type            OrderEventType
	FilledQty       int64
	FilledPrice     decimal.Decimal
	RemainingQty    int64
	ErrorCode       string
	ErrorMsg        string
	ExchangeOrderID string
	Ts              time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Executor actions (executor → driver)
// ————————————————————————————————————————————————————————————————————————

// ActionType enumerates what the driver must do next for a plan.
type ActionType string

const (
	ActionPlaceOrder  ActionType = "PLACE_ORDER"
	ActionCancelOrder ActionType = "CANCEL_ORDER"
	ActionWait        ActionType = "WAIT"
	ActionComplete    ActionType = "COMPLETE"
	ActionAbort       ActionType = "ABORT"
)

// Action is the executor's next scheduling decision for a plan. The driver
// re-invokes NextAction until it receives WAIT with a future Until (sleep
// until then) or a terminal COMPLETE/ABORT.
type Action struct {
	Type          ActionType
	ClientOrderID string          // PLACE_ORDER, CANCEL_ORDER
	Instrument    string          // PLACE_ORDER
	Side          Side            // PLACE_ORDER
	Offset        Offset          // PLACE_ORDER
	Price         decimal.Decimal // PLACE_ORDER; zero = market/opponent price
	Qty           int64           // PLACE_ORDER
	SliceIndex    int             // PLACE_ORDER
	Until         time.Time       // WAIT; zero = indefinite (paused/gated)
	Reason        string          // CANCEL_ORDER, WAIT, ABORT
	Metadata      map[string]string
}

// ————————————————————————————————————————————————————————————————————————
// Market & session context
// ————————————————————————————————————————————————————————————————————————

// Liquidity coarsely classifies current instrument liquidity.
type Liquidity string

const (
	LiquidityHigh     Liquidity = "HIGH"
	LiquidityNormal   Liquidity = "NORMAL"
	LiquidityLow      Liquidity = "LOW"
	LiquidityCritical Liquidity = "CRITICAL"
)

// SessionPhase identifies where in the trading day the intent arrives.
type SessionPhase string

const (
	PhaseOpening     SessionPhase = "OPENING"
	PhaseMorning     SessionPhase = "MORNING"
	PhaseAfternoon   SessionPhase = "AFTERNOON"
	PhaseClosing     SessionPhase = "CLOSING"
	PhaseNightActive SessionPhase = "NIGHT_ACTIVE"
	PhaseNightQuiet  SessionPhase = "NIGHT_QUIET"
)

// SessionType is the confirmation-level view of the session.
type SessionType string

const (
	SessionDay      SessionType = "DAY"
	SessionNight    SessionType = "NIGHT"
	SessionVolatile SessionType = "VOLATILE"
)

// StrategyType classifies the submitting strategy for confirmation purposes.
type StrategyType string

const (
	StrategyHighFrequency StrategyType = "HIGH_FREQUENCY"
	StrategyProduction    StrategyType = "PRODUCTION"
	StrategyExperimental  StrategyType = "EXPERIMENTAL"
)

// MarketContext is a per-call snapshot of market conditions supplied by the
// caller. There are no subscription semantics — the splitter and confirmation
// read whatever snapshot they are handed.
type MarketContext struct {
	Liquidity     Liquidity
	SessionPhase  SessionPhase
	VolatilityPct float64 // e.g. 3.5 = 3.5% intraday volatility
	PriceGapPct   float64 // gap vs previous close
	LimitHitCount int     // times the instrument touched a price limit today
	IsLimitUp     bool
	IsLimitDown   bool
}

// AtLimit reports whether the instrument currently sits on a price limit.
func (m MarketContext) AtLimit() bool { return m.IsLimitUp || m.IsLimitDown }

// ————————————————————————————————————————————————————————————————————————
// Risk & degraded-mode classifications
// ————————————————————————————————————————————————————————————————————————

// MarketRegime is the coarse volatility classification driving VaR cadence.
type MarketRegime string

const (
	RegimeCalm     MarketRegime = "CALM"
	RegimeNormal   MarketRegime = "NORMAL"
	RegimeVolatile MarketRegime = "VOLATILE"
	RegimeExtreme  MarketRegime = "EXTREME"
)

// MarginAlertLevel grades margin usage severity.
type MarginAlertLevel int

const (
	MarginSafe MarginAlertLevel = iota
	MarginWarning
	MarginDanger
	MarginCritical
	MarginForceClose
)

// String returns the canonical name used in audit payloads.
func (l MarginAlertLevel) String() string {
	switch l {
	case MarginSafe:
		return "SAFE"
	case MarginWarning:
		return "WARNING"
	case MarginDanger:
		return "DANGER"
	case MarginCritical:
		return "CRITICAL"
	case MarginForceClose:
		return "FORCE_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// FallbackLevel is the degraded operating posture of the whole system.
type FallbackLevel string

const (
	FallbackNormal    FallbackLevel = "NORMAL"
	FallbackGraceful  FallbackLevel = "GRACEFUL"
	FallbackReduced   FallbackLevel = "REDUCED"
	FallbackManual    FallbackLevel = "MANUAL"
	FallbackEmergency FallbackLevel = "EMERGENCY"
)

// BreakerState mirrors the external circuit breaker's tri-state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)
