// Package fallback reshapes or parks orders when the system leaves normal
// operation. The degraded posture comes from an external mode manager; this
// package applies the per-level policy: volume scaling and algorithm
// downgrades under GRACEFUL, close-only with capped participation under
// REDUCED, close-only under EMERGENCY, and a bounded human-review queue for
// opening trades under MANUAL.
package fallback

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/pkg/types"
)

// ExecutionRequest is one order the fallback layer may reshape, queue or
// reject before it reaches the broker.
type ExecutionRequest struct {
	Instrument string
	Side       types.Side
	Offset     types.Offset
	Price      decimal.Decimal
	Volume     int64
	Algo       types.Algo
}

// ExecutionResponse reports what the fallback layer did with a request.
type ExecutionResponse struct {
	Success              bool
	Mode                 types.FallbackLevel
	AdjustedVolume       int64
	AdjustedAlgo         types.Algo
	Queued               bool
	RequiresConfirmation bool
	Message              string
}

// SubmitFunc forwards an (already reshaped) request to the broker layer.
type SubmitFunc func(req ExecutionRequest) error

// Stats counts fallback outcomes.
type Stats struct {
	Total    int64
	Success  int64
	Failed   int64
	Queued   int64
	Rejected int64
}

// QueueEntry is one opening trade parked for human review.
type QueueEntry struct {
	ID         string
	Request    ExecutionRequest
	EnqueuedAt time.Time
}

// Executor applies the degraded-mode policy for the current fallback level.
type Executor struct {
	cfg      config.FallbackConfig
	submit   SubmitFunc
	recorder audit.Recorder
	logger   *slog.Logger

	mu    sync.Mutex
	level types.FallbackLevel
	queue []QueueEntry
	stats Stats
}

// New creates a fallback executor starting at NORMAL.
func New(cfg config.FallbackConfig, submit SubmitFunc, recorder audit.Recorder,
	logger *slog.Logger) *Executor {

	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Executor{
		cfg:      cfg,
		submit:   submit,
		recorder: recorder,
		logger:   logger.With("component", "fallback"),
		level:    types.FallbackNormal,
	}
}

// SetLevel switches the operating posture.
func (e *Executor) SetLevel(level types.FallbackLevel) {
	e.mu.Lock()
	old := e.level
	e.level = level
	e.mu.Unlock()
	if old != level {
		e.logger.Warn("fallback level changed", "from", string(old), "to", string(level))
	}
}

// Level returns the current posture.
func (e *Executor) Level() types.FallbackLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

// Execute applies the current level's policy to one request.
func (e *Executor) Execute(req ExecutionRequest) ExecutionResponse {
	e.mu.Lock()
	level := e.level
	e.stats.Total++
	e.mu.Unlock()

	var resp ExecutionResponse
	switch level {
	case types.FallbackNormal:
		resp = e.passThrough(level, req)

	case types.FallbackGraceful:
		adjusted := req
		adjusted.Algo = downgradeAlgo(req.Algo)
		adjusted.Volume = scaleVolume(req.Volume, e.cfg.GracefulVolumeScale)
		resp = e.passThrough(level, adjusted)
		resp.Message = fmt.Sprintf("graceful degradation: %s→%s, volume %d→%d",
			req.Algo, adjusted.Algo, req.Volume, adjusted.Volume)

	case types.FallbackReduced:
		if req.Offset == types.OPEN {
			resp = e.reject(level, req, "reduced mode: new positions not permitted")
			break
		}
		adjusted := req
		adjusted.Volume = scaleVolume(req.Volume, e.cfg.ReducedParticipation)
		resp = e.passThrough(level, adjusted)
		resp.RequiresConfirmation = false
		if adjusted.Volume != req.Volume {
			resp.Message = fmt.Sprintf("reduced mode: participation capped, volume %d→%d",
				req.Volume, adjusted.Volume)
		}

	case types.FallbackManual:
		if req.Offset == types.OPEN {
			resp = e.enqueue(level, req)
			break
		}
		resp = e.passThrough(level, req)

	case types.FallbackEmergency:
		if req.Offset == types.OPEN {
			resp = e.reject(level, req, "emergency mode: close-only")
			break
		}
		resp = e.passThrough(level, req)

	default:
		resp = e.reject(level, req, fmt.Sprintf("unknown fallback level %q", level))
	}

	ev := audit.NewEvent(audit.KindFallbackExecute)
	ev.Payload = map[string]any{
		"mode":    string(level),
		"success": resp.Success,
		"queued":  resp.Queued,
		"message": resp.Message,
	}
	e.recorder.Record(ev)
	return resp
}

func (e *Executor) passThrough(level types.FallbackLevel, req ExecutionRequest) ExecutionResponse {
	resp := ExecutionResponse{
		Mode:           level,
		AdjustedVolume: req.Volume,
		AdjustedAlgo:   req.Algo,
	}
	if e.submit == nil {
		resp.Message = "no broker submit wired"
		e.count(func(s *Stats) { s.Failed++ })
		return resp
	}
	if err := e.submit(req); err != nil {
		resp.Message = fmt.Sprintf("submit failed: %v", err)
		e.count(func(s *Stats) { s.Failed++ })
		return resp
	}
	resp.Success = true
	e.count(func(s *Stats) { s.Success++ })
	return resp
}

func (e *Executor) reject(level types.FallbackLevel, req ExecutionRequest, msg string) ExecutionResponse {
	e.count(func(s *Stats) { s.Rejected++ })
	ev := audit.NewEvent(audit.KindFallbackRejected)
	ev.Payload = map[string]any{
		"mode":       string(level),
		"instrument": req.Instrument,
		"offset":     string(req.Offset),
		"message":    msg,
	}
	e.recorder.Record(ev)
	return ExecutionResponse{
		Mode:           level,
		AdjustedVolume: req.Volume,
		AdjustedAlgo:   req.Algo,
		Message:        msg,
	}
}

// enqueue parks an opening trade for human review. A full queue rejects.
func (e *Executor) enqueue(level types.FallbackLevel, req ExecutionRequest) ExecutionResponse {
	entry := QueueEntry{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now(),
	}

	e.mu.Lock()
	if len(e.queue) >= e.cfg.ManualQueueMaxSize {
		e.mu.Unlock()
		return e.reject(level, req,
			fmt.Sprintf("manual queue full (%d entries)", e.cfg.ManualQueueMaxSize))
	}
	e.queue = append(e.queue, entry)
	depth := len(e.queue)
	e.stats.Queued++
	e.mu.Unlock()

	ev := audit.NewEvent(audit.KindFallbackQueued)
	ev.Payload = map[string]any{
		"entry_id":   entry.ID,
		"instrument": req.Instrument,
		"depth":      depth,
	}
	e.recorder.Record(ev)

	return ExecutionResponse{
		Mode:                 level,
		AdjustedVolume:       req.Volume,
		AdjustedAlgo:         req.Algo,
		Queued:               true,
		RequiresConfirmation: true,
		Message:              fmt.Sprintf("queued for manual review (entry %s)", entry.ID),
	}
}

// QueueDepth returns the number of entries awaiting review.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// ProcessManualQueue drains the review queue. Approved entries execute with
// the reduced participation cap applied to their volume; denied entries are
// counted as rejected. Returns (processed, executed, rejected).
func (e *Executor) ProcessManualQueue(confirm func(QueueEntry) bool) (int, int, int) {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	executed, rejected := 0, 0
	for _, entry := range pending {
		if confirm != nil && confirm(entry) {
			req := entry.Request
			req.Volume = scaleVolume(req.Volume, e.cfg.ReducedParticipation)
			resp := e.passThrough(types.FallbackReduced, req)
			if resp.Success {
				executed++
			} else {
				rejected++
			}
			continue
		}
		rejected++
		e.count(func(s *Stats) { s.Rejected++ })
	}

	e.logger.Info("manual queue processed",
		"processed", len(pending), "executed", executed, "rejected", rejected)
	return len(pending), executed, rejected
}

// Stats snapshots the outcome counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Executor) count(fn func(*Stats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// downgradeAlgo steps one link down the aggression chain. Immediate flow
// becomes paced, paced flow becomes hidden, hidden flow stays hidden.
func downgradeAlgo(a types.Algo) types.Algo {
	switch a {
	case types.AlgoImmediate:
		return types.AlgoTWAP
	case types.AlgoTWAP, types.AlgoVWAP:
		return types.AlgoIceberg
	default:
		return a
	}
}

// scaleVolume applies a fraction with a floor of one lot.
func scaleVolume(v int64, scale float64) int64 {
	if scale <= 0 || scale >= 1 {
		return v
	}
	scaled := int64(math.Floor(float64(v) * scale))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}
