package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/llm"
	"github.com/haasonsaas/sentinel/internal/sessions"
	"github.com/haasonsaas/sentinel/pkg/models"
)

// MemoryStore persists and recalls task memories.
type MemoryStore interface {
	MemoryRecaller
	SaveTaskMemory(ctx context.Context, mem *models.TaskMemory) error
}

// IdentityProvider supplies the agent's self-description and records
// post-task reflections.
type IdentityProvider interface {
	Context(ctx context.Context) string
	RecordReflection(ctx context.Context, taskGoal, outcome string)
}

// GoalContextProvider supplies a description of the active goal for
// the system prompt.
type GoalContextProvider interface {
	ActiveGoalContext(ctx context.Context) string
}

// StepFunc receives progress for every tool call before it executes.
type StepFunc func(tool string, args string)

// Response is the final outcome of one agent run.
type Response struct {
	Content       string
	StepsTaken    int
	ToolCallsMade []string
	StopReason    string
	CostUSD       float64
}

// RunOptions carries the per-call callbacks a caller may attach.
type RunOptions struct {
	Approval   ApprovalFunc
	OnStep     StepFunc
	OnComplete func(*Response)
}

const systemPreamble = `You are Sentinel, an autonomous assistant. Work toward the user's goal
step by step. Use tools when they help; stop and answer in plain text
when the goal is met or no tool can make progress. Never fabricate
tool output.`

// Agent drives the plan-execute-reflect loop.
type Agent struct {
	router   llm.Router
	registry *Registry
	executor *Executor
	sessions *sessions.Manager
	cfg      config.AgentConfig
	logger   *slog.Logger

	knowledge KnowledgeSearcher
	memory    MemoryStore
	identity  IdentityProvider
	goals     GoalContextProvider
	skills    []string

	// histMu guards the sessionless history below. Session runs carry
	// their own history and proceed concurrently; within one session
	// the gateway serializes.
	histMu sync.Mutex
	// history backs runs that have no session (scheduler, goal
	// runner, mind). Saved and restored around isolated runs.
	history []llm.Message
}

// New creates an agent. Optional collaborators are attached with the
// Set methods before first use.
func New(router llm.Router, registry *Registry, executor *Executor, sess *sessions.Manager,
	cfg config.AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		router:   router,
		registry: registry,
		executor: executor,
		sessions: sess,
		cfg:      cfg,
		logger:   logger,
	}
}

func (a *Agent) SetKnowledge(k KnowledgeSearcher)     { a.knowledge = k }
func (a *Agent) SetMemory(m MemoryStore)              { a.memory = m }
func (a *Agent) SetIdentity(p IdentityProvider)       { a.identity = p }
func (a *Agent) SetGoalContext(g GoalContextProvider) { a.goals = g }
func (a *Agent) SetSkills(skills []string)            { a.skills = skills }

// Executor exposes the underlying tool executor for callers that
// install hooks (the mind's tool-use events).
func (a *Agent) Executor() *Executor { return a.executor }

// Run executes the loop for one goal. When session is non-nil its
// conversation history provides context, the final exchange is
// appended to it, and runs for distinct sessions proceed fully
// concurrently. Sessionless runs share the agent's own history and
// take turns.
func (a *Agent) Run(ctx context.Context, goal string, session *models.Session, opts RunOptions) (*Response, error) {
	if session == nil {
		a.histMu.Lock()
		defer a.histMu.Unlock()
	}
	return a.run(ctx, goal, session, opts)
}

// RunIsolated executes the loop on the agent's own history, saving
// and clearing it first and restoring it afterward so background work
// cannot pollute user conversations.
func (a *Agent) RunIsolated(ctx context.Context, goal string, opts RunOptions) (*Response, error) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	restore := override(&a.history, nil)
	defer restore()
	return a.run(ctx, goal, nil, opts)
}

func (a *Agent) run(ctx context.Context, goal string, session *models.Session, opts RunOptions) (*Response, error) {
	start := time.Now()
	wm := &workingMemory{}
	go a.retrieveContext(goal, wm)

	goalCtx := ""
	if a.goals != nil {
		goalCtx = a.goals.ActiveGoalContext(ctx)
	}
	identityCtx := ""
	if a.identity != nil {
		identityCtx = a.identity.Context(ctx)
	}

	messages := a.seedMessages(session)
	messages = append(messages, llm.Message{Role: models.RoleUser, Content: goal})

	tctx := a.toolContext(session)
	catalog := a.registry.Schemas()

	var (
		steps          int
		consecutiveErr int
		costUSD        float64
		recentCalls    []string
		toolCallsMade  []string
	)

	stop := func(reason string) (*Response, error) {
		resp := &Response{
			Content:       "Task stopped: " + reason,
			StepsTaken:    steps,
			ToolCallsMade: toolCallsMade,
			StopReason:    reason,
			CostUSD:       costUSD,
		}
		a.finishTask(goal, resp, session, "incomplete: "+reason)
		if opts.OnComplete != nil {
			opts.OnComplete(resp)
		}
		return resp, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stop("cancelled: " + err.Error())
		}
		if a.cfg.MaxWallTime > 0 && time.Since(start) > a.cfg.MaxWallTime {
			return stop(fmt.Sprintf("wall clock limit %s reached", a.cfg.MaxWallTime))
		}
		if consecutiveErr >= a.cfg.MaxConsecutiveErr {
			return stop(fmt.Sprintf("%d consecutive tool errors", consecutiveErr))
		}
		if name, repeating := allSame(recentCalls, a.cfg.RepeatWindow); repeating {
			return stop(fmt.Sprintf("repeating %s %d times", name, a.cfg.RepeatWindow))
		}
		if steps >= a.cfg.MaxSteps {
			return stop(fmt.Sprintf("step cap %d reached", a.cfg.MaxSteps))
		}
		steps++

		completion, err := a.router.Complete(ctx, &llm.CompletionRequest{
			TaskType:    llm.TaskPlanning,
			System:      a.systemPrompt(goalCtx, identityCtx, goal, wm.get()),
			Messages:    messages,
			Tools:       catalog,
			Temperature: 0.2,
		})
		if err != nil {
			// One transient failure is one step; stagnation gates
			// bound the retries.
			a.logger.Warn("completion failed", "step", steps, "error", err)
			consecutiveErr++
			continue
		}
		costUSD += completion.Usage.CostUSD

		if len(completion.ToolCalls) == 0 {
			content := completion.Content
			if strings.TrimSpace(content) == "" {
				content = "Task completed."
			}
			resp := &Response{
				Content:       content,
				StepsTaken:    steps,
				ToolCallsMade: toolCallsMade,
				StopReason:    "completed",
				CostUSD:       costUSD,
			}
			a.persistExchange(session, goal, content)
			a.finishTask(goal, resp, session, "completed")
			if opts.OnComplete != nil {
				opts.OnComplete(resp)
			}
			return resp, nil
		}

		messages = append(messages, llm.Message{
			Role:      models.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})

		for _, batch := range batchCalls(a.registry, completion.ToolCalls) {
			if opts.OnStep != nil {
				for _, call := range batch {
					opts.OnStep(call.Name, string(call.Arguments))
				}
			}
			results := a.executor.ExecuteBatch(ctx, tctx, batch, opts.Approval)
			for i, res := range results {
				messages = append(messages, llm.Message{
					Role:        models.RoleTool,
					ToolResults: []models.ToolResult{*res},
				})
				toolCallsMade = append(toolCallsMade, batch[i].Name)
				recentCalls = appendBounded(recentCalls, batch[i].Name, a.cfg.RepeatWindow)
				if res.IsError {
					consecutiveErr++
				} else if !res.Denied {
					// Denials do not count against the error budget.
					consecutiveErr = 0
				}
			}
		}
	}
}

// seedMessages converts the prior conversation into router messages.
func (a *Agent) seedMessages(session *models.Session) []llm.Message {
	var turns []models.Turn
	if session != nil {
		turns = session.History
	}
	var out []llm.Message
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	if session == nil {
		out = append(out, a.history...)
	}
	return out
}

func (a *Agent) systemPrompt(goalCtx, identityCtx, goal, wm string) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	if wm != "" {
		b.WriteString("\n\n## Relevant context\n")
		b.WriteString(wm)
	}
	if len(a.skills) > 0 {
		b.WriteString("\n\n## Available skills\n")
		b.WriteString(strings.Join(a.skills, ", "))
	}
	if goalCtx != "" {
		b.WriteString("\n\n## Active goal\n")
		b.WriteString(goalCtx)
	}
	if identityCtx != "" {
		b.WriteString("\n\n## Identity\n")
		b.WriteString(identityCtx)
	}
	b.WriteString("\n\n## Current task\n")
	b.WriteString(goal)
	return b.String()
}

// workingMemory holds retrieved context for one run. The retrieval
// goroutine writes it while the first turn is already in flight.
type workingMemory struct {
	mu sync.Mutex
	s  string
}

func (w *workingMemory) set(s string) {
	w.mu.Lock()
	w.s = s
	w.mu.Unlock()
}

func (w *workingMemory) get() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.s
}

// retrieveContext fills the run's working memory from knowledge and
// task-memory search. It runs concurrently with the first turn and is
// visible to later turns.
func (a *Agent) retrieveContext(goal string, wm *workingMemory) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var b strings.Builder
	if a.knowledge != nil {
		if chunks, err := a.knowledge.Search(ctx, goal, 3); err == nil {
			for _, c := range chunks {
				fmt.Fprintf(&b, "- [%s] %s\n", c.HeadingPath, truncate(c.Content, 400))
			}
		}
	}
	if a.memory != nil {
		if mems, err := a.memory.RecallMemories(ctx, goal, 3); err == nil {
			for _, m := range mems {
				fmt.Fprintf(&b, "- past task (%s): %s\n", m.Outcome, truncate(m.TaskSummary, 200))
			}
		}
	}
	if b.Len() > 0 {
		wm.set(b.String())
	}
}

// persistExchange appends the final user/assistant pair to the
// session's bounded history, or to the agent's own history for
// sessionless runs.
func (a *Agent) persistExchange(session *models.Session, goal, content string) {
	if session != nil {
		if a.sessions == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.sessions.AppendTurn(ctx, session, goal, content); err != nil {
			a.logger.Warn("persist conversation turn failed", "session_id", session.ID, "error", err)
		}
		return
	}
	a.history = append(a.history,
		llm.Message{Role: models.RoleUser, Content: goal},
		llm.Message{Role: models.RoleAssistant, Content: content},
	)
	if over := len(a.history) - a.cfg.HistoryLimit; over > 0 {
		a.history = append([]llm.Message(nil), a.history[over:]...)
	}
}

// finishTask persists task memory and identity reflection off the hot
// path.
func (a *Agent) finishTask(goal string, resp *Response, session *models.Session, outcome string) {
	mem := a.memory
	ident := a.identity
	if mem == nil && ident == nil {
		return
	}
	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}
	tools := append([]string(nil), resp.ToolCallsMade...)
	summary := truncate(resp.Content, 500)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if mem != nil {
			err := mem.SaveTaskMemory(ctx, &models.TaskMemory{
				SessionID:   sessionID,
				TaskGoal:    goal,
				TaskSummary: summary,
				Outcome:     outcome,
				ToolsUsed:   tools,
				CreatedAt:   time.Now().UTC(),
			})
			if err != nil {
				a.logger.Warn("save task memory failed", "error", err)
			}
		}
		if ident != nil {
			ident.RecordReflection(ctx, goal, outcome)
		}
	}()
}

func (a *Agent) toolContext(session *models.Session) *ToolContext {
	tctx := &ToolContext{
		Knowledge: a.knowledge,
		Memory:    a.memory,
		Logger:    a.logger,
	}
	if session != nil {
		tctx.SessionID = session.ID
		tctx.Channel = session.Channel
		tctx.UserID = session.UserID
	}
	return tctx
}

// batchCalls groups tool calls into execution batches: consecutive
// parallel-safe tools share a batch, anything else is a singleton
// barrier.
func batchCalls(reg *Registry, calls []models.ToolCall) [][]models.ToolCall {
	var (
		batches [][]models.ToolCall
		current []models.ToolCall
	)
	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
		}
	}
	for _, call := range calls {
		if reg.ParallelSafe(call.Name) {
			current = append(current, call)
			continue
		}
		flush()
		batches = append(batches, []models.ToolCall{call})
	}
	flush()
	return batches
}

// allSame reports whether the window is full and holds a single tool
// name.
func allSame(calls []string, window int) (string, bool) {
	if window <= 0 || len(calls) < window {
		return "", false
	}
	first := calls[0]
	for _, c := range calls[1:] {
		if c != first {
			return "", false
		}
	}
	return first, true
}

func appendBounded(list []string, v string, bound int) []string {
	list = append(list, v)
	if bound > 0 && len(list) > bound {
		list = list[len(list)-bound:]
	}
	return list
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
