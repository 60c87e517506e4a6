// Package splitter classifies order size and market context, scores the
// candidate algorithms, and produces a split plan binding the intent to an
// executor. Large orders pass through an optional confirmation callback
// before a plan is handed out.
package splitter

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"futures-exec/internal/config"
	"futures-exec/internal/executor"
	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// SizeCategory buckets the estimated order value.
type SizeCategory string

const (
	SizeSmall  SizeCategory = "SMALL"
	SizeMedium SizeCategory = "MEDIUM"
	SizeLarge  SizeCategory = "LARGE"
	SizeHuge   SizeCategory = "HUGE"
)

// ErrConfirmationDenied is returned when the confirmation callback refuses a
// large order. The caller must not submit the intent.
var ErrConfirmationDenied = fmt.Errorf("splitter: confirmation denied")

// ConfirmFunc is the large-order gate. Returning false fails plan creation.
type ConfirmFunc func(it *intent.Intent, orderValue decimal.Decimal, category SizeCategory) bool

// SplitPlan binds an intent to the chosen execution algorithm.
type SplitPlan struct {
	IntentID             string
	Algo                 types.Algo
	Executor             executor.Executor
	Category             SizeCategory
	OrderValue           decimal.Decimal
	Score                float64
	ConfirmationRequired bool
	Reason               string
}

// Splitter owns the algorithm scoring matrix and a cache of produced plans.
// CreateSplitPlan is idempotent per intent id.
type Splitter struct {
	cfg       config.SplitterConfig
	executors map[types.Algo]executor.Executor
	confirm   ConfirmFunc
	logger    *slog.Logger

	mu    sync.Mutex
	plans map[string]*SplitPlan
}

// New creates a splitter over a pool of per-algorithm executors. confirm may
// be nil, in which case large orders are flagged but not gated.
func New(cfg config.SplitterConfig, executors map[types.Algo]executor.Executor,
	confirm ConfirmFunc, logger *slog.Logger) *Splitter {

	return &Splitter{
		cfg:       cfg,
		executors: executors,
		confirm:   confirm,
		logger:    logger.With("component", "splitter"),
		plans:     make(map[string]*SplitPlan),
	}
}

// CreateSplitPlan decides the algorithm for an intent under the given market
// snapshot. A second call with the same intent returns the cached plan.
func (s *Splitter) CreateSplitPlan(it *intent.Intent, referencePrice decimal.Decimal,
	mkt types.MarketContext) (*SplitPlan, error) {

	s.mu.Lock()
	if p, ok := s.plans[it.ID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	orderValue := referencePrice.Mul(decimal.NewFromInt(it.TargetQty))
	category := s.Categorize(orderValue)

	algo, score, reason := s.decide(it, category, mkt)

	ex, ok := s.executors[algo]
	if !ok {
		return nil, fmt.Errorf("splitter: no executor for algo %s", algo)
	}

	required := orderValue.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.ConfirmationThreshold))
	if required && s.confirm != nil {
		if !s.confirm(it, orderValue, category) {
			s.logger.Warn("large order confirmation denied",
				"intent", it.ID, "value", orderValue.String(), "category", string(category))
			return nil, fmt.Errorf("%w: intent %s value %s", ErrConfirmationDenied, it.ID, orderValue)
		}
	}

	plan := &SplitPlan{
		IntentID:             it.ID,
		Algo:                 algo,
		Executor:             ex,
		Category:             category,
		OrderValue:           orderValue,
		Score:                score,
		ConfirmationRequired: required,
		Reason:               reason,
	}

	s.mu.Lock()
	// Another caller may have raced us past the cache check; first write wins.
	if p, ok := s.plans[it.ID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.plans[it.ID] = plan
	s.mu.Unlock()

	s.logger.Info("split plan created",
		"intent", it.ID,
		"algo", string(algo),
		"category", string(category),
		"value", orderValue.String(),
		"score", score,
		"reason", reason,
	)
	return plan, nil
}

// decide runs the deterministic decision tree.
func (s *Splitter) decide(it *intent.Intent, category SizeCategory,
	mkt types.MarketContext) (types.Algo, float64, string) {

	if mkt.AtLimit() {
		return types.AlgoTWAP, 0, "extreme market, fast execution"
	}
	switch it.Algo {
	case types.AlgoTWAP, types.AlgoVWAP, types.AlgoIceberg:
		return it.Algo, 0, "explicit algo honored"
	}
	algo, score := selectAlgo(category, mkt)
	return algo, score, "scored selection"
}

// Categorize buckets an order value using the configured thresholds.
func (s *Splitter) Categorize(orderValue decimal.Decimal) SizeCategory {
	v, _ := orderValue.Float64()
	switch {
	case v < s.cfg.SmallMax:
		return SizeSmall
	case v < s.cfg.MediumMax:
		return SizeMedium
	case v < s.cfg.LargeMax:
		return SizeLarge
	default:
		return SizeHuge
	}
}
