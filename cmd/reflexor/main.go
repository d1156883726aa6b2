package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/antigravity-dev/reflexor/internal/approval"
	"github.com/antigravity-dev/reflexor/internal/config"
	"github.com/antigravity-dev/reflexor/internal/costtracker"
	"github.com/antigravity-dev/reflexor/internal/deliberation"
	"github.com/antigravity-dev/reflexor/internal/guard"
	"github.com/antigravity-dev/reflexor/internal/host"
	"github.com/antigravity-dev/reflexor/internal/learning"
	"github.com/antigravity-dev/reflexor/internal/ledger"
	"github.com/antigravity-dev/reflexor/internal/metrics"
	"github.com/antigravity-dev/reflexor/internal/pattern"
	"github.com/antigravity-dev/reflexor/internal/promptlib"
	"github.com/antigravity-dev/reflexor/internal/providerrunner"
	"github.com/antigravity-dev/reflexor/internal/ratelimit"
	"github.com/antigravity-dev/reflexor/internal/risk"
	"github.com/antigravity-dev/reflexor/internal/roadmap"
	"github.com/antigravity-dev/reflexor/internal/rollback"
	"github.com/antigravity-dev/reflexor/internal/safety"
	"github.com/antigravity-dev/reflexor/internal/scheduler"
)

// knownPromptIDs are the template ids the learning cycle considers for
// improvement on every iteration. Only the learning cycle reads these
// templates from the prompt library; the risk, safety, deliberation and
// roadmap components build their provider prompts inline.
var knownPromptIDs = []string{
	"root_cause_analysis",
	"risk_assessment",
	"breaking_change_assessment",
	"codebase_analysis",
	"roadmap_ideation",
	"roadmap_critique",
	"roadmap_synthesis",
	"roadmap_validation",
}

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "reflexor.toml", "path to config file")
	once := flag.Bool("once", false, "run a single scheduler tick then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	bootLogger.Info("reflexor starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := cfg.General.StateDir + "/reflexor.lock"
	lockFile, err := scheduler.AcquireInstanceLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire instance lock", "error", err)
		os.Exit(1)
	}
	defer scheduler.ReleaseInstanceLock(lockFile)

	led, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		logger.Error("failed to open ledger", "path", cfg.Ledger.DBPath, "error", err)
		os.Exit(1)
	}
	defer led.Close()

	var runner providerrunner.Runner
	switch cfg.Strategies.Backend {
	case "docker":
		dockerRunner, err := providerrunner.NewDockerRunner(cfg.Strategies.DockerImage, cfg.General.StateDir)
		if err != nil {
			logger.Error("failed to create docker provider runner", "error", err)
			os.Exit(1)
		}
		runner = dockerRunner
	default:
		limiter := rate.NewLimiter(rate.Every(time.Second), 1)
		runner = providerrunner.NewExecRunner(cfg.Strategies.RunnerCmd, cfg.Strategies.RunnerArgs, limiter)
	}

	providers := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		providers = append(providers, name)
	}

	var hst host.Host
	if cfg.Host.Kind == "github" {
		hst = host.New(cfg.Host.WorkingDir, cfg.Host.Repo)
	}

	riskAssessor := risk.New(runner, cfg.Strategies.AllTimeout.Duration)
	opGuard := guard.New(guard.Patterns{
		Protected:     cfg.Guard.ProtectedPatterns,
		Security:      cfg.Guard.SecurityPatterns,
		Migration:     cfg.Guard.MigrationPatterns,
		Configuration: cfg.Guard.ConfigurationPatterns,
	}, cfg.Guard.MaxComplexity)
	safetyManager := safety.New(opGuard, riskAssessor, runner, cfg.Safety.MultiAgentRiskAssessment, cfg.Strategies.DialecticalTime.Duration)

	costs := costtracker.New(func(key costtracker.Key, spent, budget float64) {
		logger.Warn("costtracker: budget threshold crossed", "provider", key.Provider, "operation_type", key.OperationType, "spent", spent, "budget", budget)
	})

	rateLimiter := ratelimit.New(cfg.General.StateDir+"/rate_limits.json", nil, logger.With("component", "ratelimit"))

	approvals := approval.New(riskAssessor, cfg.Approval.AutoApproveLowRisk,
		time.Duration(cfg.Approval.DefaultTimeoutHours*float64(time.Hour)), nil,
		func(requestID, operation string, level risk.Level) {
			logger.Info("approval: awaiting human decision", "request_id", requestID, "operation", operation, "risk", level)
		})

	rollbackMgr := rollback.New(cfg.Rollback.WorkDir, cfg.Rollback.RemoteName, cfg.Rollback.TagPrefix, cfg.Rollback.VCSTimeout.Duration, hst, nil)

	prompts, err := promptlib.New(cfg.General.StateDir+"/prompts.json", nil)
	if err != nil {
		logger.Error("failed to open prompt library", "error", err)
		os.Exit(1)
	}

	detector := pattern.New(led, cfg.Learning.MinOccurrences, cfg.Learning.LookbackDays)
	engine := deliberation.New(runner, cfg.Strategies.AllTimeout.Duration, cfg.Strategies.DialecticalTime.Duration)
	engine.RateLimiter = rateLimiter
	engine.Costs = costs

	safetyManager.RateLimiter = rateLimiter
	safetyManager.Costs = costs

	learningCycle := learning.New(detector, engine, prompts, safetyManager, approvals, cfg.Learning.AutoApply, logger.With("component", "learning"))

	roadmapCycle := roadmap.New(runner, hst, led, cfg.Roadmap.CodebasePath, providers, true, true,
		cfg.Strategies.AllTimeout.Duration, cfg.Strategies.DialecticalTime.Duration, logger.With("component", "roadmap"))
	roadmapCycle.Safety = safetyManager
	roadmapCycle.Approvals = approvals
	roadmapCycle.Rollback = rollbackMgr
	roadmapCycle.RateLimiter = rateLimiter
	roadmapCycle.Costs = costs

	analytics := metrics.New(led)
	insights := metrics.NewInsightsGenerator(analytics)

	learningScheduler, err := scheduler.NewGenerationScheduler(cfg.General.StateDir+"/learning_cadence.json", scheduler.Manual, nil)
	if err != nil {
		logger.Error("failed to create learning cadence scheduler", "error", err)
		os.Exit(1)
	}
	roadmapScheduler, err := scheduler.NewGenerationScheduler(cfg.General.StateDir+"/roadmap_cadence.json", scheduler.Frequency(cfg.Roadmap.Frequency), nil)
	if err != nil {
		logger.Error("failed to create roadmap cadence scheduler", "error", err)
		os.Exit(1)
	}

	healthChecker := scheduler.NewChecker(hst, runner, "git", cfg.Scheduler.MemoryWarnPct, cfg.Scheduler.DiskWarnPct, cfg.Scheduler.CPUWarnPct, "/")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := func() {
		report := healthChecker.RunChecks(ctx)
		logger.Info("scheduler: health check complete", "overall", report.Overall.String())

		if cfg.Learning.Enabled && learningScheduler.ShouldGenerate(false) {
			result := learningCycle.Run(ctx, knownPromptIDs)
			if err := learningScheduler.MarkComplete(fmt.Sprintf("learning-%d", time.Now().Unix()), time.Now()); err != nil {
				logger.Error("learning: failed to persist cadence state", "error", err)
			}
			logger.Info("learning: cycle complete",
				"patterns_detected", result.PatternsDetected,
				"improvements_applied", result.ImprovementsApplied,
				"total_cost", result.TotalCost,
			)
		}

		if cfg.Roadmap.Enabled && roadmapScheduler.ShouldGenerate(false) {
			result := roadmapCycle.Run(ctx)
			if err := roadmapScheduler.MarkComplete(fmt.Sprintf("roadmap-%d", time.Now().Unix()), time.Now()); err != nil {
				logger.Error("roadmap: failed to persist cadence state", "error", err)
			}
			logger.Info("roadmap: cycle complete",
				"proposals_generated", result.ProposalsGenerated,
				"approved_count", result.ApprovedCount,
				"issues_created", result.IssuesCreated,
			)
		}

		if entries, err := insights.Generate(ctx, 7); err != nil {
			logger.Warn("metrics: insight generation failed", "error", err)
		} else {
			for _, ins := range entries {
				logger.Info("metrics: insight", "kind", ins.Kind, "recommendation", ins.Recommendation)
			}
		}
	}

	if *once {
		logger.Info("running single scheduler tick (--once mode)")
		tick()
		logger.Info("single tick complete, exiting")
		return
	}

	ticker := time.NewTicker(cfg.Scheduler.TickInterval.Duration)
	defer ticker.Stop()

	logger.Info("reflexor running", "tick_interval", cfg.Scheduler.TickInterval.Duration.String(), "backend", cfg.Strategies.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			tick()
		case sig := <-sigCh:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("reflexor stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
