// futures-exec daemon — the order execution pipeline for Chinese futures.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: intent admission, executor dispatch, plan summaries
//	engine/driver.go      — per-plan goroutines pumping actions to the broker adapter
//	executor/             — the five slicing algorithms over a shared plan state machine
//	splitter/splitter.go  — scores market context to pick an algorithm per intent
//	confirm/confirm.go    — AUTO/SOFT/HARD pre-trade confirmation tiers
//	confirm/breaker.go    — circuit-breaker-aware confirmation wrapper
//	risk/var.go           — adaptive VaR recalculation cadence per market regime
//	risk/margin.go        — margin usage monitor with force-close trend estimates
//	fallback/fallback.go  — degraded-mode order reshaping and the manual review queue
//	broker/               — adapter contract plus the deterministic sim used for dry runs
//	store/store.go        — crash-safe JSON journal of terminal plans (survives restarts)
//
// The daemon embeds the pipeline as a library would: strategy integrations
// call Engine.Submit; this binary wires config, audit sinks, the journal and
// the risk timers around it. Without a live broker transport it only runs in
// dry-run mode against the simulated broker, pushing one synthetic intent
// through the splitter, confirmation gate, fallback layer and engine at
// startup so the whole pipeline is exercised end to end.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-exec/internal/audit"
	"futures-exec/internal/broker"
	"futures-exec/internal/config"
	"futures-exec/internal/confirm"
	"futures-exec/internal/engine"
	"futures-exec/internal/executor"
	"futures-exec/internal/fallback"
	"futures-exec/internal/intent"
	"futures-exec/internal/risk"
	"futures-exec/internal/splitter"
	"futures-exec/internal/store"
	"futures-exec/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FUT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if !cfg.DryRun {
		logger.Error("no live broker transport is wired; set dry_run: true to run against the simulated broker")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit: always mirror onto the log at debug; forward to the HTTP
	// collector when one is configured.
	recorders := audit.MultiRecorder{
		audit.CallbackRecorder(func(ev audit.Event) {
			logger.Debug("audit", "kind", string(ev.Kind), "plan", ev.PlanID)
		}),
	}
	var sink *audit.HTTPSink
	if cfg.Audit.HTTPSinkURL != "" {
		sink = audit.NewHTTPSink(cfg.Audit.HTTPSinkURL, cfg.Audit.HTTPSinkPath,
			cfg.Audit.BufferSize, logger)
		go sink.Run(ctx)
		recorders = append(recorders, sink)
	}

	dataDir := "data"
	if d := os.Getenv("FUT_DATA_DIR"); d != "" {
		dataDir = d
	}
	journal, err := store.Open(dataDir)
	if err != nil {
		logger.Error("failed to open plan journal", "error", err, "dir", dataDir)
		os.Exit(1)
	}
	defer journal.Close()

	execs := map[types.Algo]executor.Executor{
		types.AlgoImmediate:  executor.NewImmediate(cfg.Engine, logger),
		types.AlgoTWAP:       executor.NewTWAP(cfg.TWAP, logger),
		types.AlgoVWAP:       executor.NewVWAP(cfg.VWAP, logger),
		types.AlgoIceberg:    executor.NewIceberg(cfg.Iceberg, logger),
		types.AlgoBehavioral: executor.NewBehavioral(cfg.Behavioral, logger),
	}

	eng := engine.New(cfg.Engine, execs, recorders, logger)
	if err := eng.AttachJournal(journal); err != nil {
		logger.Error("failed to attach journal", "error", err)
		os.Exit(1)
	}

	adapter := broker.NewSim(logger)
	driver := engine.NewDriver(eng, adapter, logger)
	go driver.Run(ctx)

	varSched := risk.NewAdaptiveVaRScheduler(cfg.VaR, nil, recorders, logger)
	go varSched.Run(ctx)

	margin := risk.NewMarginMonitor(cfg.Margin, varSched, recorders, logger)
	margin.AddListener(func(s risk.MarginSnapshot) {
		if s.Level >= types.MarginDanger {
			logger.Warn("margin pressure",
				"level", s.Level.String(), "usage", s.UsageRatio, "action", s.Action)
		}
	})

	logger.Info("execution pipeline started",
		"max_concurrent_plans", cfg.Engine.MaxConcurrentPlans,
		"audit_http", cfg.Audit.HTTPSinkURL != "",
		"dry_run", cfg.DryRun,
	)

	go runDemo(ctx, cfg, eng, driver, execs, margin, recorders, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	driver.Wait()
	if sink != nil {
		<-sink.Done()
	}
	logger.Info("shutdown complete")
}

// runDemo pushes one synthetic intent through the full dry-run pipeline:
// the splitter scores it, the breaker-aware confirmation gates it, the
// fallback layer (at NORMAL) hands it to the engine, the driver executes it
// against the simulated broker, and the resulting exposure feeds the margin
// monitor.
func runDemo(ctx context.Context, cfg *config.Config, eng *engine.Engine,
	driver *engine.Driver, execs map[types.Algo]executor.Executor,
	margin *risk.MarginMonitor, recorder audit.Recorder, logger *slog.Logger) {

	log := logger.With("component", "demo")

	mkt := types.MarketContext{
		Liquidity:    types.LiquidityNormal,
		SessionPhase: types.PhaseMorning,
	}

	gate := confirm.NewBreakerAware(
		confirm.NewManager(cfg.Confirmation, confirm.Callbacks{}, recorder, logger),
		cfg.Breaker, nil, recorder, logger)

	split := splitter.New(cfg.Splitter, execs,
		func(it *intent.Intent, orderValue decimal.Decimal, _ splitter.SizeCategory) bool {
			d := gate.Confirm(ctx, confirm.Context{
				Intent:     it,
				OrderValue: orderValue,
				Market:     mkt,
				Session:    types.SessionDay,
				Strategy:   types.StrategyProduction,
				Ts:         time.Now(),
			})
			log.Info("demo confirmation",
				"level", d.Level.String(), "result", string(d.Result), "approved", d.Approved)
			return d.Approved
		}, logger)

	refPrice := decimal.NewFromInt(4000)
	it, err := intent.New("demo-strategy", uuid.NewString(), "rb2510",
		types.BUY, types.OPEN, 150, types.AlgoImmediate, types.UrgencyCritical,
		time.Now().UnixMilli())
	if err != nil {
		log.Error("demo intent rejected", "error", err)
		return
	}
	it = it.WithLimitPrice(refPrice)

	plan, err := split.CreateSplitPlan(it, refPrice, mkt)
	if err != nil {
		log.Error("demo split plan failed", "error", err)
		return
	}
	log.Info("demo split plan",
		"algo", string(plan.Algo), "category", string(plan.Category),
		"value", plan.OrderValue.String(), "reason", plan.Reason)

	var planID string
	fb := fallback.New(cfg.Fallback, func(fallback.ExecutionRequest) error {
		id, err := eng.Submit(it)
		if err != nil {
			return err
		}
		planID = id
		driver.DrivePlan(ctx, id)
		return nil
	}, recorder, logger)

	resp := fb.Execute(fallback.ExecutionRequest{
		Instrument: it.Instrument,
		Side:       it.Side,
		Offset:     it.Offset,
		Price:      refPrice,
		Volume:     it.TargetQty,
		Algo:       plan.Algo,
	})
	if !resp.Success {
		log.Error("demo execution refused", "mode", string(resp.Mode), "message", resp.Message)
		return
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			log.Warn("demo plan still running", "plan", planID)
			return
		case <-time.After(50 * time.Millisecond):
		}
		p, ok := eng.GetPlan(planID)
		if !ok || !p.Status.IsTerminal() {
			continue
		}
		prog, _ := eng.GetProgress(planID)
		log.Info("demo plan finished",
			"plan", planID, "status", string(p.Status),
			"filled", prog.FilledQty, "avg_price", prog.AvgPrice.String())

		// Feed the filled exposure into the margin monitor at a nominal
		// 10% margin ratio against a 1,000,000 demo account.
		used := prog.AvgPrice.
			Mul(decimal.NewFromInt(prog.FilledQty)).
			Mul(decimal.NewFromFloat(0.1))
		snap := margin.UpdateMarginStatus(decimal.NewFromInt(1_000_000), used, decimal.Zero)
		log.Info("demo margin snapshot",
			"level", snap.Level.String(), "usage", snap.UsageRatio, "action", snap.Action)
		return
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
