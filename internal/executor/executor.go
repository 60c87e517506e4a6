package executor

import (
	"log/slog"
	"sync"
	"time"

	"futures-exec/internal/intent"
	"futures-exec/pkg/types"
)

// Executor is the capability set all five variants share. Implementations
// own the plan contexts they create; callers interact only through plan IDs.
type Executor interface {
	Algo() types.Algo

	// MakePlan builds the full slice schedule up front. Idempotent: a second
	// call for the same intent returns the existing plan ID unchanged.
	MakePlan(it *intent.Intent) (string, error)

	// NextAction returns the next scheduling decision for the plan. The
	// caller re-invokes until it receives WAIT with a future Until (sleep
	// until then) or COMPLETE/ABORT.
	NextAction(planID string, now time.Time) (types.Action, error)

	// OnEvent folds one broker callback into the plan.
	OnEvent(planID string, ev types.OrderEvent) error

	Cancel(planID, reason string) bool
	Pause(planID string) bool
	Resume(planID string) bool

	Status(planID string) (types.PlanStatus, bool)
	Progress(planID string) (Progress, bool)
	PendingCancelOrders(planID string) []string
}

// scheduleFunc builds a variant's slice schedule and metadata for an intent.
type scheduleFunc func(it *intent.Intent) ([]*Slice, map[string]string, gateFunc, error)

// book is the shared plan registry each variant embeds. The book-level
// RWMutex guards the map; each plan's own mutex serializes its mutations.
type book struct {
	algo       types.Algo
	build      scheduleFunc
	retryCount int
	timeout    time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	plans map[string]*PlanContext
}

func newBook(algo types.Algo, build scheduleFunc, retryCount, timeoutSec int, logger *slog.Logger) *book {
	if retryCount <= 0 {
		retryCount = 1
	}
	return &book{
		algo:       algo,
		build:      build,
		retryCount: retryCount,
		timeout:    time.Duration(timeoutSec) * time.Second,
		logger:     logger.With("component", "executor", "algo", string(algo)),
		plans:      make(map[string]*PlanContext),
	}
}

func (b *book) Algo() types.Algo { return b.algo }

func (b *book) MakePlan(it *intent.Intent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.plans[it.ID]; ok {
		return it.ID, nil
	}

	slices, meta, gate, err := b.build(it)
	if err != nil {
		return "", err
	}
	p := newPlanContext(it, slices, meta, b.retryCount, b.timeout, gate)
	b.plans[it.ID] = p

	b.logger.Debug("plan created",
		"plan", it.ID,
		"instrument", it.Instrument,
		"qty", it.TargetQty,
		"slices", len(slices),
	)
	return it.ID, nil
}

func (b *book) get(planID string) (*PlanContext, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.plans[planID]
	return p, ok
}

func (b *book) NextAction(planID string, now time.Time) (types.Action, error) {
	p, ok := b.get(planID)
	if !ok {
		return types.Action{}, ErrUnknownPlan
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextAction(now), nil
}

func (b *book) OnEvent(planID string, ev types.OrderEvent) error {
	p, ok := b.get(planID)
	if !ok {
		return ErrUnknownPlan
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyEvent(ev)
	return nil
}

func (b *book) Cancel(planID, reason string) bool {
	p, ok := b.get(planID)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelLocked(reason)
}

func (b *book) Pause(planID string) bool {
	p, ok := b.get(planID)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseLocked()
}

func (b *book) Resume(planID string) bool {
	p, ok := b.get(planID)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumeLocked()
}

func (b *book) Status(planID string) (types.PlanStatus, bool) {
	p, ok := b.get(planID)
	if !ok {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, true
}

func (b *book) Progress(planID string) (Progress, bool) {
	p, ok := b.get(planID)
	if !ok {
		return Progress{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progressLocked(), true
}

func (b *book) PendingCancelOrders(planID string) []string {
	p, ok := b.get(planID)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingCancelIDsLocked()
}

// Meta returns a metadata value recorded at plan construction.
func (b *book) Meta(planID, key string) (string, bool) {
	p, ok := b.get(planID)
	if !ok {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.meta[key]
	return v, ok
}

// Slices returns a copy of the plan's schedule for inspection and tests.
func (b *book) Slices(planID string) []Slice {
	p, ok := b.get(planID)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Slice, len(p.slices))
	for i, s := range p.slices {
		out[i] = *s
	}
	return out
}
