// Package engine is the central orchestrator of the execution pipeline.
//
// It owns the intent registry, a pool of per-algorithm executor singletons,
// and the plan summaries. Strategy callers submit intents through Submit;
// driver goroutines (see driver.go) pump GetNextAction and dispatch the
// resulting actions to the broker adapter; broker callbacks come back
// through OnOrderEvent. Every observable transition emits exactly one audit
// record, and terminal plans are journaled so a restarted process keeps its
// deduplication witness.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/internal/executor"
	"futures-exec/internal/intent"
	"futures-exec/internal/registry"
	"futures-exec/internal/store"
	"futures-exec/pkg/types"
)

// Error codes form a closed enumeration; callers switch on Code, humans read
// Message.
const (
	CodeDuplicateIntent = "DUPLICATE_INTENT"
	CodeExpiredIntent   = "EXPIRED_INTENT"
	CodeCostCheckFailed = "COST_CHECK_FAILED"
	CodeMaxConcurrent   = "MAX_CONCURRENT"
	CodePlanCreate      = "PLAN_CREATE_FAILED"
	CodeUnknownPlan     = "UNKNOWN_PLAN"
	CodeCancelled       = "CANCELLED"
	CodeExecutionFailed = "EXECUTION_FAILED"
)

// Error is the engine-boundary error shape: a stable code plus a human
// message. Nothing below the engine escapes unwrapped.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// CostCheckFunc is the optional pre-trade cost gate consulted on submit.
type CostCheckFunc func(it *intent.Intent) bool

// Plan is the engine's summary view of one execution plan. The executor owns
// the live state; this is what queries and the journal see.
type Plan struct {
	PlanID     string
	IntentID   string
	Instrument string
	Algo       types.Algo
	Status     types.PlanStatus
	TargetQty  int64
	FilledQty  int64
	AvgPrice   decimal.Decimal
	SliceCount int
	Error      string
	CreatedTs  time.Time
	EndTs      time.Time
}

// Statistics counts engine-level outcomes.
type Statistics struct {
	Submitted int64
	Rejected  int64
	Completed int64
	Failed    int64
	Cancelled int64
	Events    int64
}

// Engine orchestrates intent registration, executor dispatch and auditing.
type Engine struct {
	cfg       config.EngineConfig
	reg       *registry.Registry
	executors map[types.Algo]executor.Executor
	recorder  audit.Recorder
	costCheck CostCheckFunc
	journal   *store.Journal
	logger    *slog.Logger

	mu     sync.RWMutex
	byPlan map[string]executor.Executor
	plans  map[string]*Plan
	stats  Statistics
}

// New wires an engine over the given executor pool. A nil recorder audits
// nowhere.
func New(cfg config.EngineConfig, execs map[types.Algo]executor.Executor,
	recorder audit.Recorder, logger *slog.Logger) *Engine {

	if recorder == nil || !cfg.EnableAudit {
		recorder = audit.NopRecorder{}
	}
	return &Engine{
		cfg:       cfg,
		reg:       registry.New(),
		executors: execs,
		recorder:  recorder,
		logger:    logger.With("component", "engine"),
		byPlan:    make(map[string]executor.Executor),
		plans:     make(map[string]*Plan),
	}
}

// SetCostCheck installs the pre-trade cost gate. Only consulted when the
// config enables cost checking.
func (e *Engine) SetCostCheck(fn CostCheckFunc) {
	e.costCheck = fn
}

// AttachJournal loads previously journaled plans, re-registers their intent
// IDs so duplicates stay refused across restarts, and journals every
// terminal plan from now on.
func (e *Engine) AttachJournal(j *store.Journal) error {
	recs, err := j.LoadAll()
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.journal = j
	for _, rec := range recs {
		if err := e.reg.Register(rec.IntentID); err != nil {
			continue
		}
		switch types.PlanStatus(rec.Status) {
		case types.PlanCompleted:
			_ = e.reg.MarkCompleted(rec.IntentID)
		default:
			_ = e.reg.MarkFailed(rec.IntentID)
		}
		e.plans[rec.PlanID] = &Plan{
			PlanID:     rec.PlanID,
			IntentID:   rec.IntentID,
			Instrument: rec.Instrument,
			Algo:       types.Algo(rec.Algo),
			Status:     types.PlanStatus(rec.Status),
			TargetQty:  rec.TargetQty,
			FilledQty:  rec.FilledQty,
			AvgPrice:   rec.AvgPrice,
			Error:      rec.Error,
			CreatedTs:  rec.CreatedTs,
			EndTs:      rec.EndTs,
		}
	}
	e.logger.Info("journal attached", "plans", len(recs))
	return nil
}

// Submit runs the admission gates in order, registers the intent, builds the
// plan and stores a PENDING summary. Returns the plan ID.
func (e *Engine) Submit(it *intent.Intent) (string, error) {
	now := time.Now()

	if e.reg.IsRegistered(it.ID) {
		return "", e.rejectIntent(it, CodeDuplicateIntent, "intent already registered")
	}
	if it.Expired(now) {
		return "", e.rejectIntent(it, CodeExpiredIntent, "intent expiry has passed")
	}
	if e.cfg.EnableCostCheck && e.costCheck != nil && !e.costCheck(it) {
		return "", e.rejectIntent(it, CodeCostCheckFailed, "pre-trade cost check refused the intent")
	}
	if e.activePlanCount() >= e.cfg.MaxConcurrentPlans {
		return "", e.rejectIntent(it, CodeMaxConcurrent,
			fmt.Sprintf("active plan limit %d reached", e.cfg.MaxConcurrentPlans))
	}

	if err := e.reg.Register(it.ID); err != nil {
		// Lost a race with a concurrent submit of the same intent.
		return "", e.rejectIntent(it, CodeDuplicateIntent, "intent already registered")
	}

	ev := audit.NewEvent(audit.KindIntentCreated)
	ev.IntentID = it.ID
	ev.Payload = map[string]any{
		"strategy_id": it.StrategyID,
		"instrument":  it.Instrument,
		"side":        string(it.Side),
		"offset":      string(it.Offset),
		"target_qty":  it.TargetQty,
		"algo":        string(it.Algo),
		"urgency":     string(it.Urgency),
	}
	e.recorder.Record(ev)

	exec := e.selectExecutor(it)
	planID, err := exec.MakePlan(it)
	if err != nil {
		_ = e.reg.MarkFailed(it.ID)
		fe := audit.NewEvent(audit.KindIntentFailed)
		fe.IntentID = it.ID
		fe.Payload = map[string]any{"error_code": CodePlanCreate, "error_msg": err.Error()}
		e.recorder.Record(fe)
		e.count(func(s *Statistics) { s.Failed++ })
		return "", &Error{Code: CodePlanCreate, Message: err.Error()}
	}

	prog, _ := exec.Progress(planID)

	e.mu.Lock()
	e.byPlan[planID] = exec
	e.plans[planID] = &Plan{
		PlanID:     planID,
		IntentID:   it.ID,
		Instrument: it.Instrument,
		Algo:       exec.Algo(),
		Status:     types.PlanPending,
		TargetQty:  it.TargetQty,
		SliceCount: prog.SliceCount,
		CreatedTs:  now,
	}
	e.stats.Submitted++
	e.mu.Unlock()

	pe := audit.NewEvent(audit.KindPlanCreated)
	pe.IntentID = it.ID
	pe.PlanID = planID
	pe.Payload = map[string]any{
		"slice_count": prog.SliceCount,
		"algo":        string(exec.Algo()),
	}
	e.recorder.Record(pe)

	e.logger.Info("intent submitted",
		"intent", it.ID,
		"instrument", it.Instrument,
		"qty", it.TargetQty,
		"algo", string(exec.Algo()),
		"slices", prog.SliceCount,
	)
	return planID, nil
}

// selectExecutor maps urgency and requested algorithm to an executor.
// CRITICAL intents always execute immediately; POV substitutes to VWAP and
// ADAPTIVE to TWAP, which carry their intent.
func (e *Engine) selectExecutor(it *intent.Intent) executor.Executor {
	if it.Urgency == types.UrgencyCritical {
		return e.executors[types.AlgoImmediate]
	}
	algo := it.Algo
	switch algo {
	case types.AlgoPOV:
		algo = types.AlgoVWAP
	case types.AlgoAdaptive:
		algo = types.AlgoTWAP
	}
	if ex, ok := e.executors[algo]; ok {
		return ex
	}
	return e.executors[types.AlgoImmediate]
}

// GetNextAction delegates to the plan's executor and intercepts transitions
// to emit audit events and maintain the summary.
func (e *Engine) GetNextAction(planID string, now time.Time) (types.Action, error) {
	exec, ok := e.executorFor(planID)
	if !ok {
		return types.Action{}, &Error{Code: CodeUnknownPlan, Message: "no such plan: " + planID}
	}

	act, err := exec.NextAction(planID, now)
	if err != nil {
		return types.Action{}, &Error{Code: CodeUnknownPlan, Message: err.Error()}
	}

	switch act.Type {
	case types.ActionPlaceOrder:
		e.mu.Lock()
		if p := e.plans[planID]; p != nil && p.Status == types.PlanPending {
			p.Status = types.PlanRunning
		}
		e.mu.Unlock()

		ev := audit.NewEvent(audit.KindSliceSent)
		ev.PlanID = planID
		ev.ClientOrderID = act.ClientOrderID
		ev.SliceIndex = act.SliceIndex
		ev.Payload = map[string]any{
			"instrument": act.Instrument,
			"side":       string(act.Side),
			"offset":     string(act.Offset),
			"price":      act.Price.String(),
			"qty":        act.Qty,
		}
		e.recorder.Record(ev)

	case types.ActionCancelOrder:
		ev := audit.NewEvent(audit.KindSliceCancelled)
		ev.PlanID = planID
		ev.ClientOrderID = act.ClientOrderID
		ev.Payload = map[string]any{"reason": act.Reason}
		e.recorder.Record(ev)

	case types.ActionComplete, types.ActionAbort:
		e.syncTerminal(planID, exec)
	}
	return act, nil
}

// OnOrderEvent forwards a broker callback to the owning executor and emits
// the matching slice-level audit record.
func (e *Engine) OnOrderEvent(planID string, ev types.OrderEvent) error {
	exec, ok := e.executorFor(planID)
	if !ok {
		return &Error{Code: CodeUnknownPlan, Message: "no such plan: " + planID}
	}
	if err := exec.OnEvent(planID, ev); err != nil {
		return &Error{Code: CodeUnknownPlan, Message: err.Error()}
	}
	e.count(func(s *Statistics) { s.Events++ })

	var kind audit.Kind
	payload := map[string]any{}
	switch ev.Type {
	case types.EventAck:
		kind = audit.KindSliceAck
	case types.EventPartialFill:
		kind = audit.KindSliceFilled
		payload["qty"] = ev.FilledQty
		payload["price"] = ev.FilledPrice.String()
		payload["partial"] = true
	case types.EventFill:
		kind = audit.KindSliceFilled
		payload["qty"] = ev.FilledQty
		payload["price"] = ev.FilledPrice.String()
		payload["partial"] = false
	case types.EventReject:
		kind = audit.KindSliceRejected
		payload["error_code"] = ev.ErrorCode
		payload["error_msg"] = ev.ErrorMsg
	case types.EventCancelAck:
		kind = audit.KindSliceCancelled
		payload["reason"] = ev.ErrorMsg
	default:
		// CANCEL_REJECT carries no state transition worth a record.
		e.maybeSync(planID, exec)
		return nil
	}

	rec := audit.NewEvent(kind)
	rec.PlanID = planID
	rec.ClientOrderID = ev.ClientOrderID
	rec.Payload = payload
	e.recorder.Record(rec)

	e.maybeSync(planID, exec)
	return nil
}

// maybeSync folds a terminal executor state into the summary if the event
// pushed the plan over the line.
func (e *Engine) maybeSync(planID string, exec executor.Executor) {
	if st, ok := exec.Status(planID); ok && st.IsTerminal() {
		e.syncTerminal(planID, exec)
	}
}

// syncTerminal moves the summary to its terminal state exactly once: emits
// INTENT_COMPLETED or INTENT_FAILED, settles the registry, bumps counters
// and journals the outcome.
func (e *Engine) syncTerminal(planID string, exec executor.Executor) {
	prog, ok := exec.Progress(planID)
	if !ok || !prog.Status.IsTerminal() {
		return
	}

	e.mu.Lock()
	p := e.plans[planID]
	if p == nil || p.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	p.Status = prog.Status
	p.FilledQty = prog.FilledQty
	p.AvgPrice = prog.AvgPrice
	p.Error = prog.Error
	p.EndTs = prog.EndTs
	if p.EndTs.IsZero() {
		p.EndTs = time.Now()
	}
	summary := *p
	journal := e.journal
	switch prog.Status {
	case types.PlanCompleted:
		e.stats.Completed++
	case types.PlanCancelled:
		e.stats.Cancelled++
	default:
		e.stats.Failed++
	}
	e.mu.Unlock()

	switch prog.Status {
	case types.PlanCompleted:
		_ = e.reg.MarkCompleted(summary.IntentID)
		elapsed := summary.EndTs.Sub(prog.StartTs)
		ev := audit.NewEvent(audit.KindIntentCompleted)
		ev.IntentID = summary.IntentID
		ev.PlanID = planID
		ev.Payload = map[string]any{
			"filled_qty":  prog.FilledQty,
			"avg_price":   prog.AvgPrice.String(),
			"total_cost":  prog.AvgPrice.Mul(decimal.NewFromInt(prog.FilledQty)).String(),
			"slice_count": prog.SliceCount,
			"elapsed_ms":  elapsed.Milliseconds(),
		}
		e.recorder.Record(ev)
		e.logger.Info("plan completed",
			"plan", planID, "filled", prog.FilledQty, "avg_price", prog.AvgPrice.String())

	default:
		_ = e.reg.MarkFailed(summary.IntentID)
		code := CodeExecutionFailed
		if prog.Status == types.PlanCancelled {
			code = CodeCancelled
		}
		ev := audit.NewEvent(audit.KindIntentFailed)
		ev.IntentID = summary.IntentID
		ev.PlanID = planID
		ev.Payload = map[string]any{
			"filled_qty":    prog.FilledQty,
			"remaining_qty": prog.TargetQty - prog.FilledQty,
			"error_code":    code,
			"error_msg":     prog.Error,
		}
		e.recorder.Record(ev)
		e.logger.Warn("plan ended without completion",
			"plan", planID, "status", string(prog.Status), "error", prog.Error)
	}

	if journal != nil {
		rec := store.Record{
			PlanID:     summary.PlanID,
			IntentID:   summary.IntentID,
			Instrument: summary.Instrument,
			Algo:       string(summary.Algo),
			Status:     string(summary.Status),
			TargetQty:  summary.TargetQty,
			FilledQty:  summary.FilledQty,
			AvgPrice:   summary.AvgPrice,
			Error:      summary.Error,
			CreatedTs:  summary.CreatedTs,
			EndTs:      summary.EndTs,
		}
		if err := journal.Save(rec); err != nil {
			e.logger.Error("journal save failed", "plan", planID, "error", err)
		}
	}
}

// Pause suspends scheduling for a plan; pending orders stay live.
func (e *Engine) Pause(planID string) bool {
	exec, ok := e.executorFor(planID)
	if !ok || !exec.Pause(planID) {
		return false
	}
	e.setStatus(planID, types.PlanPaused)
	ev := audit.NewEvent(audit.KindPlanPaused)
	ev.PlanID = planID
	e.recorder.Record(ev)
	return true
}

// Resume lifts a pause.
func (e *Engine) Resume(planID string) bool {
	exec, ok := e.executorFor(planID)
	if !ok || !exec.Resume(planID) {
		return false
	}
	e.setStatus(planID, types.PlanRunning)
	ev := audit.NewEvent(audit.KindPlanResumed)
	ev.PlanID = planID
	e.recorder.Record(ev)
	return true
}

// Cancel terminally cancels a plan. The driver stops issuing slices and
// cancels whatever GetPendingCancelOrders reports.
func (e *Engine) Cancel(planID, reason string) bool {
	exec, ok := e.executorFor(planID)
	if !ok || !exec.Cancel(planID, reason) {
		return false
	}
	ev := audit.NewEvent(audit.KindPlanCancelled)
	ev.PlanID = planID
	ev.Payload = map[string]any{"reason": reason}
	e.recorder.Record(ev)
	e.syncTerminal(planID, exec)
	return true
}

// GetPlan returns the summary for a plan ID, refreshed from the executor
// when the plan is still live.
func (e *Engine) GetPlan(planID string) (Plan, bool) {
	exec, live := e.executorFor(planID)

	e.mu.Lock()
	p, ok := e.plans[planID]
	if !ok {
		e.mu.Unlock()
		return Plan{}, false
	}
	if live && !p.Status.IsTerminal() {
		if prog, ok := exec.Progress(planID); ok {
			p.FilledQty = prog.FilledQty
			p.AvgPrice = prog.AvgPrice
			if prog.Status != types.PlanPending {
				p.Status = prog.Status
			}
		}
	}
	out := *p
	e.mu.Unlock()
	return out, true
}

// GetProgress returns the executor's live progress for a plan.
func (e *Engine) GetProgress(planID string) (executor.Progress, bool) {
	exec, ok := e.executorFor(planID)
	if !ok {
		return executor.Progress{}, false
	}
	return exec.Progress(planID)
}

// GetActivePlans lists plan IDs not yet terminal.
func (e *Engine) GetActivePlans() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for id, p := range e.plans {
		if !p.Status.IsTerminal() {
			out = append(out, id)
		}
	}
	return out
}

// GetPendingCancelOrders lists client order IDs still in flight for a plan.
func (e *Engine) GetPendingCancelOrders(planID string) []string {
	exec, ok := e.executorFor(planID)
	if !ok {
		return nil
	}
	return exec.PendingCancelOrders(planID)
}

// IsIntentRegistered reports whether the intent ID has ever been accepted.
func (e *Engine) IsIntentRegistered(intentID string) bool {
	return e.reg.IsRegistered(intentID)
}

// Statistics snapshots the outcome counters.
func (e *Engine) Statistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

func (e *Engine) rejectIntent(it *intent.Intent, code, msg string) error {
	ev := audit.NewEvent(audit.KindIntentRejected)
	ev.IntentID = it.ID
	ev.Payload = map[string]any{"error_code": code, "error_msg": msg}
	e.recorder.Record(ev)
	e.count(func(s *Statistics) { s.Rejected++ })
	e.logger.Warn("intent rejected", "intent", it.ID, "code", code, "msg", msg)
	return &Error{Code: code, Message: msg}
}

func (e *Engine) executorFor(planID string) (executor.Executor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.byPlan[planID]
	return exec, ok
}

func (e *Engine) activePlanCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, p := range e.plans {
		if !p.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (e *Engine) setStatus(planID string, st types.PlanStatus) {
	e.mu.Lock()
	if p := e.plans[planID]; p != nil && !p.Status.IsTerminal() {
		p.Status = st
	}
	e.mu.Unlock()
}

func (e *Engine) count(fn func(*Statistics)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}
