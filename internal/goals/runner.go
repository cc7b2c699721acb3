package goals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/sentinel/internal/agent"
	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/pkg/models"
	"github.com/haasonsaas/sentinel/pkg/protocol"
)

// AgentRunner is the slice of the agent loop the runner needs.
type AgentRunner interface {
	RunIsolated(ctx context.Context, goal string, opts agent.RunOptions) (*agent.Response, error)
}

// ApprovalBroker routes tool approvals to connected clients.
type ApprovalBroker interface {
	RequestApproval(ctx context.Context, sessionID string, prompt *agent.ApprovalPrompt, timeout time.Duration) bool
}

// Notifier fans goal events out to connected clients.
type Notifier interface {
	BroadcastEvent(sessionID string, event protocol.EventType, data map[string]any)
}

// Scratchpad is cleared when a goal is cancelled so the mind does not
// keep working toward it.
type Scratchpad interface {
	Clear() error
}

// Runner drives one goal at a time through the agent loop in a
// background goroutine.
type Runner struct {
	manager    *Manager
	agent      AgentRunner
	approver   ApprovalBroker
	notify     Notifier
	scratchpad Scratchpad
	cfg        config.GoalsConfig
	logger     *slog.Logger

	// interrupted is set on user interaction; the loop yields after
	// the current checkpoint and clears it.
	interrupted atomic.Bool

	mu      sync.Mutex
	running string
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRunner(manager *Manager, ag AgentRunner, cfg config.GoalsConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{manager: manager, agent: ag, cfg: cfg, logger: logger}
}

func (r *Runner) SetApprovalBroker(b ApprovalBroker) { r.approver = b }
func (r *Runner) SetNotifier(n Notifier)             { r.notify = n }
func (r *Runner) SetScratchpad(s Scratchpad)         { r.scratchpad = s }

// Running returns the id of the goal currently being driven, or "".
func (r *Runner) Running() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// StartGoal launches the background loop for one goal. Only one goal
// runs at a time.
func (r *Runner) StartGoal(ctx context.Context, goalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != "" {
		return fmt.Errorf("goal %s already running", r.running)
	}
	g, err := r.manager.Get(ctx, goalID)
	if err != nil {
		return err
	}
	if g.Status == models.GoalPlanning {
		if g, err = r.manager.Decompose(ctx, goalID); err != nil {
			return err
		}
	}
	if g.Status != models.GoalActive {
		return fmt.Errorf("goal %s is %s, not active", goalID, g.Status)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.running = goalID
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done

	r.emit(protocol.EventGoalStarted, map[string]any{"goal_id": goalID, "goal": g.Goal})
	go func() {
		defer close(done)
		defer r.clearRunning()
		r.loop(runCtx, goalID)
	}()
	return nil
}

func (r *Runner) clearRunning() {
	r.mu.Lock()
	r.running = ""
	r.cancel = nil
	r.mu.Unlock()
}

// loop executes checkpoints until the goal finishes, pauses, or a
// safety gate trips.
func (r *Runner) loop(ctx context.Context, goalID string) {
	start := time.Now()
	completedSinceEval := 0

	for {
		if r.interrupted.CompareAndSwap(true, false) {
			r.logger.Info("goal yielding to user interaction", "goal_id", goalID)
			return
		}
		if ctx.Err() != nil {
			return
		}

		g, err := r.manager.Get(ctx, goalID)
		if err != nil {
			r.logger.Error("load goal failed", "goal_id", goalID, "error", err)
			return
		}
		if g.Status == models.GoalCompleted {
			r.emit(protocol.EventGoalCompleted, map[string]any{"goal_id": goalID})
			r.logger.Info("goal completed", "goal_id", goalID)
			return
		}
		if g.Status != models.GoalActive {
			return
		}
		if r.cfg.MaxLLMCalls > 0 && g.LLMCallsUsed >= r.cfg.MaxLLMCalls {
			r.pauseForBudget(ctx, goalID, fmt.Sprintf("LLM call budget %d exhausted", r.cfg.MaxLLMCalls))
			return
		}
		if r.cfg.MaxWallTime > 0 && time.Since(start) > r.cfg.MaxWallTime {
			r.pauseForBudget(ctx, goalID, fmt.Sprintf("wall clock budget %s exhausted", r.cfg.MaxWallTime))
			return
		}
		if r.cfg.MaxCostUSD > 0 && g.CostUSD >= r.cfg.MaxCostUSD {
			r.pauseForBudget(ctx, goalID, fmt.Sprintf("cost budget $%.2f exhausted", r.cfg.MaxCostUSD))
			return
		}

		cp, err := r.manager.NextPending(ctx, goalID)
		if err != nil {
			r.logger.Error("next checkpoint failed", "goal_id", goalID, "error", err)
			return
		}
		if cp == nil {
			// Normally MarkCheckpointComplete already completed the
			// goal; this covers plans that start with zero pending.
			if err := r.manager.SetStatus(ctx, goalID, models.GoalCompleted); err != nil {
				r.logger.Error("complete goal failed", "goal_id", goalID, "error", err)
			}
			r.emit(protocol.EventGoalCompleted, map[string]any{"goal_id": goalID})
			r.logger.Info("goal completed", "goal_id", goalID)
			return
		}

		ok := r.runCheckpoint(ctx, g, cp)
		if !ok {
			paused, err := r.manager.MarkCheckpointFailed(ctx, goalID, cp.Order, "checkpoint execution failed")
			if err != nil {
				r.logger.Error("mark checkpoint failed errored", "goal_id", goalID, "error", err)
				return
			}
			if paused {
				r.emit(protocol.EventGoalPaused, map[string]any{
					"goal_id": goalID, "checkpoint": cp.Order, "reason": "checkpoint attempts exhausted",
				})
				return
			}
			continue
		}

		completedSinceEval++
		if completedSinceEval >= 2 {
			completedSinceEval = 0
			r.selfEvaluate(ctx, goalID)
		}
	}
}

// runCheckpoint marks the checkpoint active, runs the agent on a
// focused prompt under the checkpoint timeout, and records the result.
func (r *Runner) runCheckpoint(ctx context.Context, g *models.Goal, cp *models.Checkpoint) bool {
	if err := r.manager.MarkCheckpointActive(ctx, g.ID, cp.Order); err != nil {
		r.logger.Error("mark checkpoint active failed", "goal_id", g.ID, "error", err)
		return false
	}

	prompt := fmt.Sprintf("You are working on the goal: %s\n\nCurrent checkpoint (%d of %d): %s\n%s\nSuccess means: %s",
		g.Goal, cp.Order, g.TotalCheckpoints, cp.Title, cp.Description, cp.SuccessCriteria)
	if g.ContextSummary != "" {
		prompt += "\n\nContext from earlier checkpoints:\n" + g.ContextSummary
	}

	timeout := r.cfg.CheckpointTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cpCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := r.agent.RunIsolated(cpCtx, prompt, agent.RunOptions{
		Approval: r.approvalFunc(g.SessionID),
	})
	if resp != nil {
		if uerr := r.manager.AddUsage(ctx, g.ID, resp.StepsTaken, resp.CostUSD); uerr != nil {
			r.logger.Warn("record goal usage failed", "goal_id", g.ID, "error", uerr)
		}
	}
	if err != nil || resp == nil || resp.StopReason != "completed" {
		reason := "agent run failed"
		if err != nil {
			reason = err.Error()
		} else if resp != nil {
			reason = resp.StopReason
		}
		r.logger.Warn("checkpoint attempt failed", "goal_id", g.ID, "checkpoint", cp.Order, "reason", reason)
		return false
	}

	if err := r.manager.MarkCheckpointComplete(ctx, g.ID, cp.Order, resp.Content); err != nil {
		r.logger.Error("mark checkpoint complete failed", "goal_id", g.ID, "error", err)
		return false
	}
	note := fmt.Sprintf("Checkpoint %d (%s): %s", cp.Order, cp.Title, resp.Content)
	if err := r.manager.AppendContext(ctx, g.ID, note); err != nil {
		r.logger.Warn("append goal context failed", "goal_id", g.ID, "error", err)
	}
	r.emit(protocol.EventGoalCheckpoint, map[string]any{
		"goal_id": g.ID, "checkpoint": cp.Order, "title": cp.Title,
	})
	return true
}

// approvalFunc routes tool approvals through the gateway when one is
// attached; otherwise background runs deny by default.
func (r *Runner) approvalFunc(sessionID string) agent.ApprovalFunc {
	if r.approver == nil {
		return nil
	}
	return func(ctx context.Context, prompt *agent.ApprovalPrompt) bool {
		return r.approver.RequestApproval(ctx, sessionID, prompt, 0)
	}
}

func (r *Runner) selfEvaluate(ctx context.Context, goalID string) {
	eval, err := r.manager.EvaluateProgress(ctx, goalID)
	if err != nil {
		r.logger.Warn("self evaluation failed", "goal_id", goalID, "error", err)
		return
	}
	if !eval.RevisionNeeded {
		return
	}
	reason := eval.Reason
	if eval.SuggestedChanges != "" {
		reason += "; " + eval.SuggestedChanges
	}
	if err := r.manager.RevisePlan(ctx, goalID, reason); err != nil {
		r.logger.Warn("plan revision failed", "goal_id", goalID, "error", err)
	}
}

func (r *Runner) pauseForBudget(ctx context.Context, goalID, reason string) {
	if err := r.manager.SetStatus(ctx, goalID, models.GoalPaused); err != nil {
		r.logger.Error("pause goal failed", "goal_id", goalID, "error", err)
	}
	r.emit(protocol.EventGoalPaused, map[string]any{"goal_id": goalID, "reason": reason})
	r.logger.Warn("goal paused", "goal_id", goalID, "reason", reason)
}

// Pause stops the running goal and marks it paused.
func (r *Runner) Pause(ctx context.Context) error {
	r.mu.Lock()
	goalID := r.running
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if goalID == "" {
		return fmt.Errorf("no goal running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	if err := r.manager.SetStatus(ctx, goalID, models.GoalPaused); err != nil {
		return err
	}
	r.emit(protocol.EventGoalPaused, map[string]any{"goal_id": goalID, "reason": "paused by user"})
	return nil
}

// Resume reactivates a paused goal and relaunches the loop.
func (r *Runner) Resume(ctx context.Context, goalID string) error {
	g, err := r.manager.Get(ctx, goalID)
	if err != nil {
		return err
	}
	if g.Status != models.GoalPaused {
		return fmt.Errorf("goal %s is %s, not paused", goalID, g.Status)
	}
	if err := r.manager.SetStatus(ctx, goalID, models.GoalActive); err != nil {
		return err
	}
	r.emit(protocol.EventGoalResumed, map[string]any{"goal_id": goalID})
	return r.StartGoal(ctx, goalID)
}

// Cancel stops the running goal, marks it cancelled, and clears the
// mind scratchpad so autonomous work stops pursuing it.
func (r *Runner) Cancel(ctx context.Context) error {
	r.mu.Lock()
	goalID := r.running
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if goalID == "" {
		return fmt.Errorf("no goal running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	if err := r.manager.SetStatus(ctx, goalID, models.GoalCancelled); err != nil {
		return err
	}
	if r.scratchpad != nil {
		if err := r.scratchpad.Clear(); err != nil {
			r.logger.Warn("clear scratchpad failed", "error", err)
		}
	}
	r.emit(protocol.EventGoalFailed, map[string]any{"goal_id": goalID, "reason": "cancelled"})
	return nil
}

// NotifyUserInteraction makes the loop yield after the current
// checkpoint so foreground chat gets the agent.
func (r *Runner) NotifyUserInteraction() {
	if r.Running() != "" {
		r.interrupted.Store(true)
	}
}

// AutoContinue resumes the most recently updated active goal, used on
// process start.
func (r *Runner) AutoContinue(ctx context.Context) {
	if !r.cfg.AutoContinue {
		return
	}
	g, err := r.manager.MostRecentActive(ctx)
	if err != nil || g == nil {
		return
	}
	if err := r.StartGoal(ctx, g.ID); err != nil {
		r.logger.Warn("auto-continue failed", "goal_id", g.ID, "error", err)
	}
}

// Wait blocks until the current run finishes, used by shutdown and
// tests.
func (r *Runner) Wait(timeout time.Duration) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (r *Runner) emit(event protocol.EventType, data map[string]any) {
	if r.notify != nil {
		r.notify.BroadcastEvent("", event, data)
	}
}
