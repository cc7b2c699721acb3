// Package goals decomposes long-running objectives into ordered
// checkpoints and drives them through the agent loop in the
// background.
package goals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/llm"
	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
)

// ErrNotFound is returned for unknown goal ids.
var ErrNotFound = errors.New("goal not found")

const (
	contextWindow  = 20
	summaryLimit   = 1500
	decomposeTemp  = 0.2
	minCheckpoints = 3
)

// Manager persists goals and checkpoints and owns the planning calls.
type Manager struct {
	store  *store.Store
	router llm.Router
	cfg    config.GoalsConfig
	logger *slog.Logger
}

func NewManager(st *store.Store, router llm.Router, cfg config.GoalsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, router: router, cfg: cfg, logger: logger}
}

// Create persists a fresh goal in planning state.
func (m *Manager) Create(ctx context.Context, text, sessionID string) (*models.Goal, error) {
	now := time.Now().UTC()
	g := &models.Goal{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Goal:        text,
		Status:      models.GoalPlanning,
		MaxAttempts: m.cfg.MaxCheckpointAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := m.store.Execute(ctx, `
		INSERT INTO goals (id, session_id, goal, status, current_checkpoint, total_checkpoints,
		                   attempts, max_attempts, llm_calls_used, cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?, 0, 0, ?, ?)`,
		g.ID, g.SessionID, g.Goal, string(g.Status), g.MaxAttempts, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("save goal: %w", err)
	}
	m.logger.Info("goal created", "goal_id", g.ID)
	return g, nil
}

type plannedCheckpoint struct {
	Order           int    `json:"order"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria"`
}

const decomposePrompt = `Break the goal below into %d to %d ordered checkpoints. Each checkpoint
is one self-contained unit of work with a verifiable outcome.

Respond with only a JSON array of objects with fields:
order (1-based int), title, description, success_criteria.

Goal: %s`

// Decompose asks the planner for a checkpoint list, persists it, and
// activates the goal at checkpoint 1.
func (m *Manager) Decompose(ctx context.Context, goalID string) (*models.Goal, error) {
	g, err := m.Get(ctx, goalID)
	if err != nil {
		return nil, err
	}

	completion, err := m.router.Complete(ctx, &llm.CompletionRequest{
		TaskType: llm.TaskPlanning,
		Messages: []llm.Message{{
			Role:    models.RoleUser,
			Content: fmt.Sprintf(decomposePrompt, minCheckpoints, m.cfg.MaxCheckpoints, g.Goal),
		}},
		Temperature: decomposeTemp,
	})
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	m.recordUsage(ctx, goalID, completion)

	planned, err := parseCheckpointJSON(completion.Content)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint plan: %w", err)
	}
	if len(planned) > m.cfg.MaxCheckpoints {
		planned = planned[:m.cfg.MaxCheckpoints]
	}

	params := make([][]any, 0, len(planned))
	for i, cp := range planned {
		params = append(params, []any{goalID, i + 1, cp.Title, cp.Description, cp.SuccessCriteria})
	}
	err = m.store.ExecuteMany(ctx, `
		INSERT INTO checkpoints (goal_id, ord, title, description, success_criteria, status)
		VALUES (?, ?, ?, ?, ?, 'pending')`, params)
	if err != nil {
		return nil, fmt.Errorf("save checkpoints: %w", err)
	}

	err = m.store.Execute(ctx, `
		UPDATE goals SET status = ?, plan = ?, current_checkpoint = 1, total_checkpoints = ?, updated_at = ?
		WHERE id = ?`,
		string(models.GoalActive), completion.Content, len(planned), time.Now().UTC(), goalID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("goal decomposed", "goal_id", goalID, "checkpoints", len(planned))
	return m.Get(ctx, goalID)
}

const revisePrompt = `The plan for the goal below needs revision: %s

Goal: %s

Completed so far:
%s

Replace the remaining checkpoints. Respond with only a JSON array of
objects with fields: order (1-based int, continuing after the completed
ones), title, description, success_criteria. At most %d remaining
checkpoints.`

// RevisePlan regenerates the non-completed suffix of the plan.
// Completed checkpoints are immutable; their summaries feed the
// planner as context.
func (m *Manager) RevisePlan(ctx context.Context, goalID, reason string) error {
	g, err := m.Get(ctx, goalID)
	if err != nil {
		return err
	}
	checkpoints, err := m.Checkpoints(ctx, goalID)
	if err != nil {
		return err
	}

	var (
		doneNotes []string
		lastDone  int
	)
	for _, cp := range checkpoints {
		if cp.Terminal() {
			lastDone = cp.Order
			doneNotes = append(doneNotes, fmt.Sprintf("%d. %s: %s", cp.Order, cp.Title, cp.ResultSummary))
		}
	}
	doneText := "(nothing yet)"
	if len(doneNotes) > 0 {
		doneText = strings.Join(doneNotes, "\n")
	}

	remaining := m.cfg.MaxCheckpoints - lastDone
	if remaining < 1 {
		remaining = 1
	}
	completion, err := m.router.Complete(ctx, &llm.CompletionRequest{
		TaskType: llm.TaskPlanning,
		Messages: []llm.Message{{
			Role:    models.RoleUser,
			Content: fmt.Sprintf(revisePrompt, reason, g.Goal, doneText, remaining),
		}},
		Temperature: decomposeTemp,
	})
	if err != nil {
		return fmt.Errorf("revise plan: %w", err)
	}
	m.recordUsage(ctx, goalID, completion)

	planned, err := parseCheckpointJSON(completion.Content)
	if err != nil {
		return fmt.Errorf("parse revised plan: %w", err)
	}
	if len(planned) > remaining {
		planned = planned[:remaining]
	}

	if err := m.store.Execute(ctx,
		`DELETE FROM checkpoints WHERE goal_id = ? AND status NOT IN ('completed', 'skipped')`,
		goalID); err != nil {
		return err
	}
	params := make([][]any, 0, len(planned))
	for i, cp := range planned {
		params = append(params, []any{goalID, lastDone + i + 1, cp.Title, cp.Description, cp.SuccessCriteria})
	}
	if err := m.store.ExecuteMany(ctx, `
		INSERT INTO checkpoints (goal_id, ord, title, description, success_criteria, status)
		VALUES (?, ?, ?, ?, ?, 'pending')`, params); err != nil {
		return err
	}

	total := lastDone + len(planned)
	if err := m.store.Execute(ctx,
		`UPDATE goals SET total_checkpoints = ?, updated_at = ? WHERE id = ?`,
		total, time.Now().UTC(), goalID); err != nil {
		return err
	}
	m.logger.Info("plan revised", "goal_id", goalID, "reason", reason, "remaining", len(planned))
	return nil
}

// parseCheckpointJSON reads a JSON checkpoint array, tolerating fenced
// code blocks around it.
func parseCheckpointJSON(raw string) ([]plannedCheckpoint, error) {
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "["); i >= 0 {
		if j := strings.LastIndex(text, "]"); j > i {
			text = text[i : j+1]
		}
	}
	var planned []plannedCheckpoint
	if err := json.Unmarshal([]byte(text), &planned); err != nil {
		return nil, err
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("empty checkpoint list")
	}
	return planned, nil
}

// MarkCheckpointActive sets started_at and counts the attempt.
func (m *Manager) MarkCheckpointActive(ctx context.Context, goalID string, order int) error {
	return m.store.Execute(ctx, `
		UPDATE checkpoints SET status = 'active', attempts = attempts + 1, started_at = ?
		WHERE goal_id = ? AND ord = ?`,
		time.Now().UTC(), goalID, order)
}

// MarkCheckpointComplete records the result and advances the goal to
// the next pending checkpoint, or completes it when none remain.
func (m *Manager) MarkCheckpointComplete(ctx context.Context, goalID string, order int, resultSummary string) error {
	now := time.Now().UTC()
	err := m.store.Execute(ctx, `
		UPDATE checkpoints SET status = 'completed', result_summary = ?, completed_at = ?
		WHERE goal_id = ? AND ord = ?`,
		truncate(resultSummary, summaryLimit), now, goalID, order)
	if err != nil {
		return err
	}

	next, err := m.NextPending(ctx, goalID)
	if err != nil {
		return err
	}
	if next == nil {
		// current_checkpoint means "the checkpoint being worked on", so
		// a finished goal carries 0, same as a goal not yet planned.
		return m.store.Execute(ctx, `
			UPDATE goals SET status = ?, current_checkpoint = 0, completed_at = ?, updated_at = ? WHERE id = ?`,
			string(models.GoalCompleted), now, now, goalID)
	}
	return m.store.Execute(ctx,
		`UPDATE goals SET current_checkpoint = ?, updated_at = ? WHERE id = ?`,
		next.Order, now, goalID)
}

// MarkCheckpointFailed resets the checkpoint for retry or, once
// attempts are exhausted, fails it and pauses the goal. It returns
// true when the goal was paused.
func (m *Manager) MarkCheckpointFailed(ctx context.Context, goalID string, order int, reason string) (paused bool, err error) {
	cp, err := m.checkpoint(ctx, goalID, order)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	if cp.Attempts < m.cfg.MaxCheckpointAttempts {
		err = m.store.Execute(ctx,
			`UPDATE checkpoints SET status = 'pending' WHERE goal_id = ? AND ord = ?`,
			goalID, order)
		return false, err
	}

	err = m.store.Execute(ctx, `
		UPDATE checkpoints SET status = 'failed', result_summary = ? WHERE goal_id = ? AND ord = ?`,
		truncate(reason, summaryLimit), goalID, order)
	if err != nil {
		return false, err
	}
	err = m.store.Execute(ctx,
		`UPDATE goals SET status = ?, updated_at = ? WHERE id = ?`,
		string(models.GoalPaused), now, goalID)
	if err != nil {
		return false, err
	}
	m.logger.Warn("goal paused after checkpoint failures",
		"goal_id", goalID, "checkpoint", order, "attempts", cp.Attempts)
	return true, nil
}

// SummarizeContext compresses the recent conversation into a bounded
// context string stored on the goal for the next checkpoint.
func (m *Manager) SummarizeContext(ctx context.Context, goalID string, recent []string) (string, error) {
	if len(recent) > contextWindow {
		recent = recent[len(recent)-contextWindow:]
	}
	if len(recent) == 0 {
		return "", nil
	}
	completion, err := m.router.Complete(ctx, &llm.CompletionRequest{
		TaskType: llm.TaskSummary,
		Messages: []llm.Message{{
			Role: models.RoleUser,
			Content: "Summarize the following working notes in at most 150 words, keeping " +
				"concrete facts, decisions, and open items:\n\n" + strings.Join(recent, "\n"),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("summarize context: %w", err)
	}
	m.recordUsage(ctx, goalID, completion)

	summary := truncate(strings.TrimSpace(completion.Content), summaryLimit)
	err = m.store.Execute(ctx,
		`UPDATE goals SET context_summary = ?, updated_at = ? WHERE id = ?`,
		summary, time.Now().UTC(), goalID)
	return summary, err
}

// AppendContext folds a checkpoint note into the rolling context
// summary without an LLM call, keeping it under the bound.
func (m *Manager) AppendContext(ctx context.Context, goalID, note string) error {
	g, err := m.Get(ctx, goalID)
	if err != nil {
		return err
	}
	combined := strings.TrimSpace(g.ContextSummary + "\n" + note)
	if len(combined) > summaryLimit {
		combined = combined[len(combined)-summaryLimit:]
	}
	return m.store.Execute(ctx,
		`UPDATE goals SET context_summary = ?, updated_at = ? WHERE id = ?`,
		combined, time.Now().UTC(), goalID)
}

// Evaluation is the planner's judgement on the remaining plan.
type Evaluation struct {
	OnTrack          bool   `json:"on_track"`
	RevisionNeeded   bool   `json:"revision_needed"`
	Reason           string `json:"reason"`
	SuggestedChanges string `json:"suggested_changes"`
}

// EvaluateProgress asks the planner whether the remaining plan is
// still appropriate. Parse failures fall back to a conservative
// on-track verdict.
func (m *Manager) EvaluateProgress(ctx context.Context, goalID string) (*Evaluation, error) {
	g, err := m.Get(ctx, goalID)
	if err != nil {
		return nil, err
	}
	completion, err := m.router.Complete(ctx, &llm.CompletionRequest{
		TaskType: llm.TaskEvaluate,
		Messages: []llm.Message{{
			Role: models.RoleUser,
			Content: fmt.Sprintf(`Goal: %s
Progress: checkpoint %d of %d.
Context: %s

Is the remaining plan still appropriate? Respond with only a JSON object:
{"on_track": bool, "revision_needed": bool, "reason": string, "suggested_changes": string}`,
				g.Goal, g.CurrentCheckpoint, g.TotalCheckpoints, g.ContextSummary),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate progress: %w", err)
	}
	m.recordUsage(ctx, goalID, completion)

	text := strings.TrimSpace(completion.Content)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var eval Evaluation
	if err := json.Unmarshal([]byte(text), &eval); err != nil {
		m.logger.Warn("evaluation parse failed, assuming on track", "goal_id", goalID, "error", err)
		return &Evaluation{OnTrack: true}, nil
	}
	return &eval, nil
}

// CheckBudget reports whether the goal may spend another LLM call.
func (m *Manager) CheckBudget(g *models.Goal) (bool, string) {
	if m.cfg.MaxLLMCalls > 0 && g.LLMCallsUsed >= m.cfg.MaxLLMCalls {
		return false, fmt.Sprintf("LLM call budget %d exhausted", m.cfg.MaxLLMCalls)
	}
	if m.cfg.MaxCostUSD > 0 && g.CostUSD >= m.cfg.MaxCostUSD {
		return false, fmt.Sprintf("cost budget $%.2f exhausted", m.cfg.MaxCostUSD)
	}
	return true, ""
}

// BuildGoalContext renders goal, progress, current checkpoint, and the
// remaining plan for the system prompt.
func (m *Manager) BuildGoalContext(ctx context.Context, goalID string) (string, error) {
	g, err := m.Get(ctx, goalID)
	if err != nil {
		return "", err
	}
	checkpoints, err := m.Checkpoints(ctx, goalID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nProgress: checkpoint %d of %d\n", g.Goal, g.CurrentCheckpoint, g.TotalCheckpoints)
	if g.ContextSummary != "" {
		fmt.Fprintf(&b, "Context so far: %s\n", g.ContextSummary)
	}
	for _, cp := range checkpoints {
		switch {
		case cp.Order == g.CurrentCheckpoint:
			fmt.Fprintf(&b, "Current checkpoint: %s. %s Success means: %s\n",
				cp.Title, cp.Description, cp.SuccessCriteria)
		case cp.Status == models.CheckpointPending:
			fmt.Fprintf(&b, "Upcoming: %d. %s\n", cp.Order, cp.Title)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ActiveGoalContext renders the most recently updated active goal, or
// "" when none exists. It backs the agent's system prompt.
func (m *Manager) ActiveGoalContext(ctx context.Context) string {
	g, err := m.MostRecentActive(ctx)
	if err != nil || g == nil {
		return ""
	}
	text, err := m.BuildGoalContext(ctx, g.ID)
	if err != nil {
		return ""
	}
	return text
}

// Pause, Resume, Cancel mutate goal status directly; the runner layers
// task lifecycle on top.
func (m *Manager) SetStatus(ctx context.Context, goalID string, status models.GoalStatus) error {
	return m.store.Execute(ctx,
		`UPDATE goals SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), goalID)
}

// recordUsage accumulates one completion's call and cost onto the goal.
func (m *Manager) recordUsage(ctx context.Context, goalID string, c *llm.Completion) {
	cost := 0.0
	if c != nil {
		cost = c.Usage.CostUSD
	}
	err := m.store.Execute(ctx,
		`UPDATE goals SET llm_calls_used = llm_calls_used + 1, cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
		cost, time.Now().UTC(), goalID)
	if err != nil {
		m.logger.Warn("record goal usage failed", "goal_id", goalID, "error", err)
	}
}

// AddUsage folds an agent run's cost and step count into the goal budget.
func (m *Manager) AddUsage(ctx context.Context, goalID string, llmCalls int, costUSD float64) error {
	return m.store.Execute(ctx,
		`UPDATE goals SET llm_calls_used = llm_calls_used + ?, cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
		llmCalls, costUSD, time.Now().UTC(), goalID)
}

// Get fetches one goal.
func (m *Manager) Get(ctx context.Context, id string) (*models.Goal, error) {
	row := m.store.QueryRow(ctx, selectGoal+` WHERE id = ?`, id)
	g, err := scanGoal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// List returns goals newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status models.GoalStatus, limit int) ([]*models.Goal, error) {
	if limit <= 0 {
		limit = 20
	}
	query := selectGoal
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Goal
	for rows.Next() {
		g, err := scanGoal(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MostRecentActive returns the active goal with the newest update, or
// nil when none exists.
func (m *Manager) MostRecentActive(ctx context.Context) (*models.Goal, error) {
	list, err := m.List(ctx, models.GoalActive, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// Checkpoints returns the full ordered checkpoint list.
func (m *Manager) Checkpoints(ctx context.Context, goalID string) ([]models.Checkpoint, error) {
	rows, err := m.store.Query(ctx, selectCheckpoint+` WHERE goal_id = ? ORDER BY ord`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// NextPending returns the lowest-order pending checkpoint, or nil.
func (m *Manager) NextPending(ctx context.Context, goalID string) (*models.Checkpoint, error) {
	row := m.store.QueryRow(ctx,
		selectCheckpoint+` WHERE goal_id = ? AND status = 'pending' ORDER BY ord LIMIT 1`, goalID)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

func (m *Manager) checkpoint(ctx context.Context, goalID string, order int) (*models.Checkpoint, error) {
	row := m.store.QueryRow(ctx, selectCheckpoint+` WHERE goal_id = ? AND ord = ?`, goalID, order)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %d of goal %s not found", order, goalID)
	}
	return cp, err
}

const selectGoal = `
	SELECT id, session_id, goal, status, plan, context_summary, current_checkpoint,
	       total_checkpoints, attempts, max_attempts, llm_calls_used, cost_usd,
	       created_at, updated_at, completed_at
	FROM goals`

func scanGoal(scan func(dest ...any) error) (*models.Goal, error) {
	var (
		g         models.Goal
		status    string
		sessionID sql.NullString
		plan      sql.NullString
		summary   sql.NullString
		completed sql.NullTime
	)
	err := scan(&g.ID, &sessionID, &g.Goal, &status, &plan, &summary, &g.CurrentCheckpoint,
		&g.TotalCheckpoints, &g.Attempts, &g.MaxAttempts, &g.LLMCallsUsed, &g.CostUSD,
		&g.CreatedAt, &g.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	g.Status = models.GoalStatus(status)
	g.SessionID = sessionID.String
	g.Plan = plan.String
	g.ContextSummary = summary.String
	if completed.Valid {
		t := completed.Time
		g.CompletedAt = &t
	}
	return &g, nil
}

const selectCheckpoint = `
	SELECT goal_id, ord, title, description, success_criteria, status,
	       result_summary, attempts, started_at, completed_at
	FROM checkpoints`

func scanCheckpoint(scan func(dest ...any) error) (*models.Checkpoint, error) {
	var (
		cp          models.Checkpoint
		status      string
		description sql.NullString
		criteria    sql.NullString
		summary     sql.NullString
		started     sql.NullTime
		completed   sql.NullTime
	)
	err := scan(&cp.GoalID, &cp.Order, &cp.Title, &description, &criteria, &status,
		&summary, &cp.Attempts, &started, &completed)
	if err != nil {
		return nil, err
	}
	cp.Status = models.CheckpointStatus(status)
	cp.Description = description.String
	cp.SuccessCriteria = criteria.String
	cp.ResultSummary = summary.String
	if started.Valid {
		t := started.Time
		cp.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		cp.CompletedAt = &t
	}
	return &cp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
