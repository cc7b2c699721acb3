// Package mind runs the autonomous background loop: periodic wakeups
// while the user is idle, a persisted scratchpad, and a strict slice
// of the daily LLM budget.
package mind

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/sentinel/internal/agent"
	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/llm"
	"github.com/haasonsaas/sentinel/pkg/protocol"
)

// AgentHost is the slice of the agent the mind drives.
type AgentHost interface {
	RunIsolated(ctx context.Context, goal string, opts agent.RunOptions) (*agent.Response, error)
	Executor() *agent.Executor
}

// ApprovalBroker routes mind tool confirmations to connected clients.
type ApprovalBroker interface {
	RequestApproval(ctx context.Context, sessionID string, prompt *agent.ApprovalPrompt, timeout time.Duration) bool
}

// Notifier fans mind events out to connected clients.
type Notifier interface {
	BroadcastEvent(sessionID string, event protocol.EventType, data map[string]any)
}

// GoalHinter supplies the active-goal line for the wakeup prompt.
type GoalHinter interface {
	ActiveGoalContext(ctx context.Context) string
}

const (
	scratchpadLimit = 4000
	actionLogSize   = 50
)

const priorityStack = `You are Sentinel's autonomous mind, running while the user is away.
Priorities, highest first:
1. Advance the active goal if one exists.
2. Follow up on items in your scratchpad.
3. React to injected events.
4. Keep the scratchpad current with what you learned.
Spend tokens carefully; do small concrete things, not open-ended research.`

// Mind is the autonomous wakeup loop.
type Mind struct {
	agent    AgentHost
	cfg      config.MindConfig
	budget   float64
	notify   Notifier
	approver ApprovalBroker
	goals    GoalHinter
	logger   *slog.Logger

	// spent tallies the mind's own cycle costs. It is deliberately
	// separate from the process-wide tracker so user-chat spend never
	// starves autonomous work; the tracker's date rollover resets it
	// each day.
	spent *llm.CostTracker

	scratchpadPath string
	logPath        string

	paused atomic.Bool
	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	mu         sync.Mutex
	interval   time.Duration
	backedOff  bool
	injected   []string
	lastAction string
	actionRing []string
}

// New creates the mind. dailyBudget is the overall LLM daily cap; the
// mind spends at most cfg.BudgetFraction of it per day.
func New(host AgentHost, cfg config.MindConfig, dailyBudget float64,
	scratchpadPath, logPath string, logger *slog.Logger) *Mind {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mind{
		agent:          host,
		cfg:            cfg,
		budget:         cfg.BudgetFraction * dailyBudget,
		spent:          llm.NewCostTracker(),
		logger:         logger,
		scratchpadPath: scratchpadPath,
		logPath:        logPath,
		wake:           make(chan struct{}, 1),
		interval:       cfg.WakeupInterval,
	}
}

func (m *Mind) SetNotifier(n Notifier)             { m.notify = n }
func (m *Mind) SetApprovalBroker(b ApprovalBroker) { m.approver = b }
func (m *Mind) SetGoalHinter(g GoalHinter)         { m.goals = g }

// RegisterTools adds the mind's injected tools to the shared registry.
func (m *Mind) RegisterTools(reg *agent.Registry) error {
	setWakeup := agent.NewTool(agent.ToolDescriptor{
		Name:        "set_next_wakeup",
		Description: "Change how many seconds until the mind wakes up next.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"seconds": {"type": "integer", "minimum": 10}},
			"required": ["seconds"]
		}`),
		Permission:   agent.PermissionSafe,
		ParallelSafe: true,
	}, func(_ context.Context, _ *agent.ToolContext, params json.RawMessage) (any, error) {
		var in struct {
			Seconds int `json:"seconds"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		m.setInterval(time.Duration(in.Seconds) * time.Second)
		return map[string]any{"next_wakeup_seconds": in.Seconds}, nil
	})

	updatePad := agent.NewTool(agent.ToolDescriptor{
		Name:        "update_scratchpad",
		Description: "Replace the persistent scratchpad contents.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"content": {"type": "string"}},
			"required": ["content"]
		}`),
		Permission:   agent.PermissionSafe,
		ParallelSafe: false,
	}, func(_ context.Context, _ *agent.ToolContext, params json.RawMessage) (any, error) {
		var in struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		if err := m.UpdateScratchpad(in.Content); err != nil {
			return nil, err
		}
		return map[string]any{"saved": true}, nil
	})

	if err := reg.Register(setWakeup); err != nil {
		return err
	}
	return reg.Register(updatePad)
}

// Start launches the wakeup loop.
func (m *Mind) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(runCtx)
	m.logger.Info("mind started", "wakeup", m.cfg.WakeupInterval, "budget_usd", m.budget)
}

// Stop cancels the loop and waits for it to exit.
func (m *Mind) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Mind) loop(ctx context.Context) {
	defer close(m.done)

	// Short warmup before the first cycle, then the configured cadence.
	next := m.cfg.WarmupInterval
	if next <= 0 {
		next = m.cfg.WakeupInterval
	}
	timer := time.NewTimer(next)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		m.cycle(ctx)
		timer.Reset(m.currentInterval())
	}
}

// cycle runs one wakeup: budget gate, prompt, isolated agent run.
func (m *Mind) cycle(ctx context.Context) {
	if m.paused.Load() {
		m.emit(protocol.EventMindPaused, map[string]any{"reason": "user active"})
		return
	}

	spent := m.spent.SpentToday()
	if m.budget > 0 && spent >= m.budget {
		backed := m.backOff()
		m.logger.Info("mind over budget, backing off", "spent_usd", spent, "next", backed)
		return
	}
	m.recoverInterval()

	prompt := m.buildPrompt(ctx, spent)
	m.emit(protocol.EventMindWakeup, map[string]any{"spent_usd": spent})

	// Surface tool activity while the cycle runs, then detach.
	m.agent.Executor().SetToolHook(func(tool string, params json.RawMessage) {
		m.emit(protocol.EventMindAction, map[string]any{"tool": tool, "params": string(params)})
	})
	defer m.agent.Executor().SetToolHook(nil)

	timeout := m.cfg.CycleTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cycleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := m.agent.RunIsolated(cycleCtx, prompt, agent.RunOptions{
		Approval: m.approvalFunc(),
	})
	if err != nil {
		m.emit(protocol.EventMindError, map[string]any{"error": err.Error()})
		m.logger.Warn("mind cycle failed", "error", err)
		return
	}

	m.spent.Add(resp.CostUSD)
	m.recordAction(resp.Content)
	m.emit(protocol.EventMindSleep, map[string]any{
		"action": truncate(resp.Content, 300),
		"steps":  resp.StepsTaken,
		"cost":   resp.CostUSD,
	})
}

// approvalFunc auto-approves mind tool calls while still broadcasting
// the request to clients so the user can veto within a short window.
func (m *Mind) approvalFunc() agent.ApprovalFunc {
	if m.approver == nil {
		return func(context.Context, *agent.ApprovalPrompt) bool { return true }
	}
	timeout := m.cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return func(ctx context.Context, prompt *agent.ApprovalPrompt) bool {
		return m.approver.RequestApproval(ctx, "", prompt, timeout)
	}
}

func (m *Mind) buildPrompt(ctx context.Context, spent float64) string {
	var b strings.Builder
	b.WriteString(priorityStack)

	if pad := m.ReadScratchpad(); pad != "" {
		b.WriteString("\n\n## Scratchpad\n")
		b.WriteString(truncate(pad, scratchpadLimit))
	}
	if events := m.drainEvents(); len(events) > 0 {
		b.WriteString("\n\n## New events\n")
		for _, e := range events {
			b.WriteString("- " + e + "\n")
		}
	}
	if m.goals != nil {
		if hint := m.goals.ActiveGoalContext(ctx); hint != "" {
			b.WriteString("\n\n## Active goal\n")
			b.WriteString(hint)
		}
	}
	fmt.Fprintf(&b, "\n\n## Budget\nSpent today: $%.4f of $%.4f allotted.", spent, m.budget)
	fmt.Fprintf(&b, "\n\n## Now\n%s", time.Now().UTC().Format(time.RFC3339))
	m.mu.Lock()
	last := m.lastAction
	m.mu.Unlock()
	if last != "" {
		b.WriteString("\n\n## Last action\n")
		b.WriteString(truncate(last, 300))
	}
	return b.String()
}

// InjectEvent queues a world-change hint for the next cycle and wakes
// the loop.
func (m *Mind) InjectEvent(text string) {
	m.mu.Lock()
	m.injected = append(m.injected, text)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mind) drainEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.injected
	m.injected = nil
	return events
}

// Pause suspends cycles while the user is active.
func (m *Mind) Pause() {
	if !m.paused.Swap(true) {
		m.emit(protocol.EventMindPaused, nil)
	}
}

// Resume re-enables cycles, typically on task_complete.
func (m *Mind) Resume() {
	if m.paused.Swap(false) {
		m.emit(protocol.EventMindResumed, nil)
	}
}

// ReadScratchpad returns the persisted scratchpad contents.
func (m *Mind) ReadScratchpad() string {
	raw, err := os.ReadFile(m.scratchpadPath)
	if err != nil {
		return ""
	}
	return string(raw)
}

// UpdateScratchpad rewrites the persisted scratchpad.
func (m *Mind) UpdateScratchpad(content string) error {
	if err := os.MkdirAll(filepath.Dir(m.scratchpadPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.scratchpadPath, []byte(content), 0o644)
}

// Clear empties the scratchpad. The goal runner calls this when a
// goal is cancelled.
func (m *Mind) Clear() error {
	return m.UpdateScratchpad("")
}

// recordAction appends to the ring buffer and the persisted action log.
func (m *Mind) recordAction(action string) {
	line := time.Now().UTC().Format(time.RFC3339) + " " + strings.ReplaceAll(truncate(action, 500), "\n", " ")

	m.mu.Lock()
	m.lastAction = action
	m.actionRing = append(m.actionRing, line)
	if len(m.actionRing) > actionLogSize {
		m.actionRing = m.actionRing[len(m.actionRing)-actionLogSize:]
	}
	m.mu.Unlock()

	if m.logPath == "" {
		return
	}
	f, err := os.OpenFile(m.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn("open mind action log failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		m.logger.Warn("write mind action log failed", "error", err)
	}
}

// RecentActions returns the in-memory action ring, newest last.
func (m *Mind) RecentActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.actionRing...)
}

func (m *Mind) currentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Mind) setInterval(d time.Duration) {
	if d < 10*time.Second {
		d = 10 * time.Second
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

// backOff doubles the interval up to the configured ceiling and
// returns the new value.
func (m *Mind) backOff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backedOff = true
	m.interval *= 2
	if m.cfg.MaxInterval > 0 && m.interval > m.cfg.MaxInterval {
		m.interval = m.cfg.MaxInterval
	}
	return m.interval
}

// recoverInterval undoes a budget backoff once the gate passes again,
// typically after the daily rollover.
func (m *Mind) recoverInterval() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backedOff {
		m.backedOff = false
		m.interval = m.cfg.WakeupInterval
	}
}

func (m *Mind) emit(event protocol.EventType, data map[string]any) {
	if m.notify != nil {
		m.notify.BroadcastEvent("", event, data)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
