package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/sentinel/internal/agent"
	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/gateway"
	"github.com/haasonsaas/sentinel/internal/goals"
	"github.com/haasonsaas/sentinel/internal/identity"
	"github.com/haasonsaas/sentinel/internal/knowledge"
	"github.com/haasonsaas/sentinel/internal/llm"
	"github.com/haasonsaas/sentinel/internal/mind"
	"github.com/haasonsaas/sentinel/internal/observability"
	"github.com/haasonsaas/sentinel/internal/scheduler"
	"github.com/haasonsaas/sentinel/internal/sessions"
	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/internal/supervise"
	"github.com/haasonsaas/sentinel/internal/swarm"
	"github.com/haasonsaas/sentinel/internal/tools"
)

const (
	sessionCleanupEvery = time.Hour
	sessionMaxAge       = 7 * 24 * time.Hour
	shutdownTimeout     = 10 * time.Second
)

// buildServeCmd creates the "serve" command that starts the runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Sentinel runtime",
		Long: `Start the gateway and every enabled background subsystem.

The runtime will:
1. Load configuration from the specified file (or sentinel.yaml)
2. Open the SQLite database and apply migrations
3. Start the websocket gateway with /healthz and /metrics
4. Start the scheduler, goal runner, mind, and swarm monitor as enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  sentinel serve

  # Start with custom config
  sentinel serve --config /etc/sentinel/production.yaml

  # Start with debug logging
  sentinel serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sentinel.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store failed", "error", err)
		}
	}()

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	tracker := llm.NewCostTracker()
	router, err := llm.NewAnthropicRouter(llm.AnthropicConfig{
		APIKey:        apiKey,
		Model:         cfg.LLM.Model,
		PlanningModel: cfg.LLM.PlanningModel,
	}, tracker, logger)
	if err != nil {
		return err
	}

	metrics := observability.New()
	sess := sessions.NewManager(st, cfg.Agent.HistoryLimit, logger)

	kn, err := knowledge.New(ctx, st, nil, cfg.Knowledge.SearchLimit, logger)
	if err != nil {
		return err
	}
	ident, err := identity.New(ctx, st, cfg.Creator, logger)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry()
	if err := tools.Register(registry); err != nil {
		return err
	}
	executor := agent.NewExecutor(registry, agent.ExecutorConfig{
		Mode:          cfg.Agent.ApprovalMode,
		DisabledTools: cfg.Agent.DisabledTools,
		ToolOverrides: cfg.Agent.ToolOverrides,
	}, logger, metrics)

	ag := agent.New(router, registry, executor, sess, cfg.Agent, logger)
	ag.SetKnowledge(kn)
	ag.SetMemory(kn)
	ag.SetIdentity(ident)

	gw := gateway.New(cfg.Server, ag, sess, st, metrics, logger)

	goalMgr := goals.NewManager(st, router, cfg.Goals, logger)
	ag.SetGoalContext(goalMgr)
	goalRunner := goals.NewRunner(goalMgr, ag, cfg.Goals, logger)
	goalRunner.SetApprovalBroker(gw)
	goalRunner.SetNotifier(gw)

	md := mind.New(ag, cfg.Mind, cfg.LLM.DailyBudget,
		cfg.ScratchpadPath(), cfg.MindLogPath(), logger)
	md.SetNotifier(gw)
	md.SetApprovalBroker(gw)
	md.SetGoalHinter(goalMgr)
	if err := md.RegisterTools(registry); err != nil {
		return err
	}
	goalRunner.SetScratchpad(md)

	sched := scheduler.New(st, cfg.Scheduler, func(ctx context.Context, goal string) (string, int, error) {
		resp, err := ag.RunIsolated(ctx, goal, agent.RunOptions{})
		if err != nil {
			return "", 0, err
		}
		return resp.Content, resp.StepsTaken, nil
	}, gw, logger)

	var swarmMgr *swarm.Manager
	if cfg.Swarm.Enabled {
		if cfg.Swarm.RepoPath == "" {
			return fmt.Errorf("swarm.repo_path is required when swarm is enabled")
		}
		swarmMgr = swarm.NewManager(st, cfg.Swarm, swarm.NewTmuxHost(),
			swarm.NewGitWorktrees(cfg.Swarm.RepoPath), swarm.NewGHPlatform(cfg.Swarm.RepoPath), logger)
		swarmMgr.SetKnowledge(kn)
		swarmMgr.SetNotifier(gw)
	}

	// User chats take precedence over background work: a chat pauses
	// the mind and interrupts the goal runner's gate, completion
	// resumes the mind.
	gw.SetInteractionHooks(
		func(string) {
			md.Pause()
			goalRunner.NotifyUserInteraction()
		},
		func(string) { md.Resume() },
	)
	registerCommands(gw, goalMgr, sched, swarmMgr)

	if err := gw.Start(ctx); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}
	if cfg.Mind.Enabled {
		md.Start(ctx)
	}
	if swarmMgr != nil {
		swarmMgr.StartMonitor(ctx)
	}
	if cfg.Goals.AutoContinue {
		goalRunner.AutoContinue(ctx)
	}

	sup := supervise.New(logger)
	if err := sup.Go(ctx, "session-cleanup", func(ctx context.Context) error {
		ticker := time.NewTicker(sessionCleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := sess.CleanupStale(ctx, sessionMaxAge); err != nil {
					logger.Warn("session cleanup failed", "error", err)
				} else if n > 0 {
					logger.Info("cleaned up stale sessions", "count", n)
				}
			}
		}
	}); err != nil {
		return err
	}

	logger.Info("sentinel running", "addr", gw.Addr(), "version", version)
	<-ctx.Done()
	logger.Info("shutting down")

	if swarmMgr != nil {
		swarmMgr.StopMonitor()
	}
	if cfg.Mind.Enabled {
		md.Stop()
	}
	goalRunner.Wait(shutdownTimeout)
	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	sup.StopAll(shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return gw.Shutdown(shutdownCtx)
}

// registerCommands exposes the background subsystems over the
// gateway's slash commands.
func registerCommands(gw *gateway.Gateway, goalMgr *goals.Manager, sched *scheduler.Scheduler, swarmMgr *swarm.Manager) {
	gw.RegisterCommand("goals", func(ctx context.Context, _ string) (string, error) {
		list, err := goalMgr.List(ctx, "", 20)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "no goals", nil
		}
		var b strings.Builder
		for _, g := range list {
			fmt.Fprintf(&b, "%s [%s] %s (checkpoint %d/%d, $%.2f)\n",
				g.ID[:8], g.Status, g.Goal, g.CurrentCheckpoint, g.TotalCheckpoints, g.CostUSD)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})

	gw.RegisterCommand("schedules", func(ctx context.Context, _ string) (string, error) {
		list, err := sched.List(ctx)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "no scheduled tasks", nil
		}
		var b strings.Builder
		for _, t := range list {
			state := "disabled"
			if t.Enabled {
				state = "enabled"
			}
			next := "n/a"
			if t.NextRunAt != nil {
				next = t.NextRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "%s [%s] %s (%s) next %s\n",
				t.ID[:8], state, t.Name, t.CronExpression, next)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})

	gw.RegisterCommand("agents", func(ctx context.Context, _ string) (string, error) {
		if swarmMgr == nil {
			return "swarm is disabled", nil
		}
		list, err := swarmMgr.List(ctx, 20)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "no swarm agents", nil
		}
		var b strings.Builder
		for _, a := range list {
			pr := a.PRURL
			if pr == "" {
				pr = "no PR yet"
			}
			fmt.Fprintf(&b, "%s [%s] %s on %s (%s)\n",
				a.ID[:8], a.Status, a.Profile, a.Branch, pr)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
}
