// Package scheduler maintains the durable set of scheduled tasks and
// drives them through an in-process cron evaluator.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
	"github.com/haasonsaas/sentinel/pkg/protocol"
)

// ErrNotFound is returned for unknown schedule ids.
var ErrNotFound = errors.New("schedule not found")

// TaskExecutor runs one scheduled goal, normally through the agent
// loop's isolated entry point.
type TaskExecutor func(ctx context.Context, goal string) (result string, steps int, err error)

// Notifier fans scheduler events out to connected clients.
type Notifier interface {
	BroadcastEvent(sessionID string, event protocol.EventType, data map[string]any)
}

const resultLimit = 2000

// Scheduler owns scheduled tasks and their execution records.
type Scheduler struct {
	store  *store.Store
	cfg    config.SchedulerConfig
	exec   TaskExecutor
	notify Notifier
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	timers  map[string]*time.Timer
}

// New creates a scheduler. notify may be nil.
func New(st *store.Store, cfg config.SchedulerConfig, exec TaskExecutor, notify Notifier, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		cfg:     cfg,
		exec:    exec,
		notify:  notify,
		logger:  logger,
		cron:    cron.New(cron.WithParser(cronParser)),
		entries: make(map[string]cron.EntryID),
		timers:  make(map[string]*time.Timer),
	}
}

// Start loads persisted tasks, registers the enabled ones, and starts
// the evaluator.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, task := range tasks {
		if task.Enabled {
			if err := s.register(task); err != nil {
				s.logger.Warn("register schedule failed", "schedule_id", task.ID, "error", err)
			}
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(tasks))
	return nil
}

// Stop halts the evaluator and pending one-shot timers.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	<-stopCtx.Done()
}

// Create persists a recurring task and registers it.
func (s *Scheduler) Create(ctx context.Context, name, taskGoal, cronExpr, description string, maxRetries int) (*models.ScheduledTask, error) {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return s.insert(ctx, name, taskGoal, cronExpr, description, maxRetries)
}

// ScheduleOnce persists a one-shot task firing at runAt.
func (s *Scheduler) ScheduleOnce(ctx context.Context, name, taskGoal string, runAt time.Time, description string) (*models.ScheduledTask, error) {
	if !runAt.After(time.Now()) {
		return nil, fmt.Errorf("one-shot time %s is in the past", runAt.Format(time.RFC3339))
	}
	expr := models.OncePrefix + runAt.UTC().Format(time.RFC3339)
	return s.insert(ctx, name, taskGoal, expr, description, 0)
}

// CreateFromNatural parses schedule text and creates the matching
// recurring or one-shot task.
func (s *Scheduler) CreateFromNatural(ctx context.Context, name, taskGoal, text, description string) (*models.ScheduledTask, error) {
	parsed, err := ParseNatural(text, time.Now())
	if err != nil {
		return nil, err
	}
	if parsed.IsOnce() {
		return s.ScheduleOnce(ctx, name, taskGoal, parsed.OnceAt, description)
	}
	return s.Create(ctx, name, taskGoal, parsed.Cron, description, s.cfg.DefaultMaxRetries)
}

func (s *Scheduler) insert(ctx context.Context, name, taskGoal, expr, description string, maxRetries int) (*models.ScheduledTask, error) {
	if maxRetries <= 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}
	now := time.Now().UTC()
	task := &models.ScheduledTask{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    description,
		CronExpression: expr,
		TaskGoal:       taskGoal,
		Enabled:        true,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	task.NextRunAt = s.nextRun(task, now)

	err := s.store.Execute(ctx, `
		INSERT INTO scheduled_tasks (id, name, description, cron_expression, task_goal, enabled,
		                             next_run_at, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, 0, ?, ?, ?)`,
		task.ID, task.Name, task.Description, task.CronExpression, task.TaskGoal,
		nullableTime(task.NextRunAt), task.MaxRetries, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("save schedule: %w", err)
	}
	if err := s.register(task); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created", "schedule_id", task.ID, "name", name, "expr", expr)
	return task, nil
}

// register wires a task into the cron evaluator or a one-shot timer.
func (s *Scheduler) register(task *models.ScheduledTask) error {
	id := task.ID
	if task.IsOnce() {
		at, err := task.OnceAt()
		if err != nil {
			return fmt.Errorf("bad one-shot expression %q: %w", task.CronExpression, err)
		}
		delay := time.Until(at)
		if delay < 0 {
			delay = 0
		}
		s.mu.Lock()
		s.timers[id] = time.AfterFunc(delay, func() { s.runTask(id) })
		s.mu.Unlock()
		return nil
	}

	entry, err := s.cron.AddFunc(task.CronExpression, func() { s.runTask(id) })
	if err != nil {
		return fmt.Errorf("register cron %q: %w", task.CronExpression, err)
	}
	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// runTask performs one execution: a run row in status running, the
// executor call, then the run and parent-task updates.
func (s *Scheduler) runTask(id string) {
	ctx := context.Background()
	task, err := s.Get(ctx, id)
	if err != nil {
		s.logger.Warn("scheduled task vanished", "schedule_id", id, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	started := time.Now().UTC()
	runID, err := s.store.ExecuteInsert(ctx,
		`INSERT INTO schedule_runs (schedule_id, started_at, status) VALUES (?, ?, ?)`,
		id, started, string(models.RunRunning))
	if err != nil {
		s.logger.Error("record schedule run failed", "schedule_id", id, "error", err)
		return
	}

	result, steps, execErr := s.exec(ctx, task.TaskGoal)
	completed := time.Now().UTC()

	if execErr != nil {
		s.finishRun(ctx, runID, models.RunFailed, "", execErr.Error(), steps, completed)
		s.afterFailure(ctx, task, completed)
	} else {
		s.finishRun(ctx, runID, models.RunCompleted, truncate(result, resultLimit), "", steps, completed)
		s.afterSuccess(ctx, task, completed)
	}

	if task.IsOnce() {
		// One-shots are purged after their run regardless of outcome.
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("purge one-shot failed", "schedule_id", id, "error", err)
		}
	}

	if s.notify != nil {
		data := map[string]any{
			"schedule_id": id,
			"name":        task.Name,
			"success":     execErr == nil,
		}
		if execErr != nil {
			data["error"] = execErr.Error()
		} else {
			data["result"] = truncate(result, 500)
		}
		s.notify.BroadcastEvent("", protocol.EventScheduledResult, data)
	}
}

func (s *Scheduler) finishRun(ctx context.Context, runID int64, status models.RunStatus, result, errText string, steps int, at time.Time) {
	err := s.store.Execute(ctx, `
		UPDATE schedule_runs SET status = ?, result = ?, error = ?, steps_taken = ?, completed_at = ?
		WHERE id = ?`,
		string(status), result, errText, steps, at, runID)
	if err != nil {
		s.logger.Error("update schedule run failed", "run_id", runID, "error", err)
	}
}

func (s *Scheduler) afterSuccess(ctx context.Context, task *models.ScheduledTask, at time.Time) {
	next := s.nextRun(task, at)
	err := s.store.Execute(ctx, `
		UPDATE scheduled_tasks SET last_run_at = ?, last_status = ?, retry_count = 0,
		       next_run_at = ?, updated_at = ? WHERE id = ?`,
		at, string(models.RunCompleted), nullableTime(next), at, task.ID)
	if err != nil {
		s.logger.Error("update schedule failed", "schedule_id", task.ID, "error", err)
	}
}

func (s *Scheduler) afterFailure(ctx context.Context, task *models.ScheduledTask, at time.Time) {
	retries := task.RetryCount + 1
	enabled := 1
	if retries >= task.MaxRetries && task.MaxRetries > 0 {
		enabled = 0
		s.unregister(task.ID)
		s.logger.Warn("schedule disabled after repeated failures",
			"schedule_id", task.ID, "retries", retries)
	}
	err := s.store.Execute(ctx, `
		UPDATE scheduled_tasks SET last_run_at = ?, last_status = ?, retry_count = ?,
		       enabled = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		at, string(models.RunFailed), retries, enabled, nullableTime(s.nextRun(task, at)), at, task.ID)
	if err != nil {
		s.logger.Error("update schedule failed", "schedule_id", task.ID, "error", err)
	}
}

// Enable re-activates a task and resets its retry budget.
func (s *Scheduler) Enable(ctx context.Context, id string) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Execute(ctx,
		`UPDATE scheduled_tasks SET enabled = 1, retry_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return err
	}
	s.unregister(id)
	task.Enabled = true
	return s.register(task)
}

// Disable deactivates a task without deleting it.
func (s *Scheduler) Disable(ctx context.Context, id string) error {
	if err := s.store.Execute(ctx,
		`UPDATE scheduled_tasks SET enabled = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return err
	}
	s.unregister(id)
	return nil
}

// Delete removes a task and, through the foreign key, its run
// history.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.unregister(id)
	return s.store.Execute(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
}

// Get fetches one task.
func (s *Scheduler) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := s.store.QueryRow(ctx, selectTask+` WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// List returns every task, newest first.
func (s *Scheduler) List(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := s.store.Query(ctx, selectTask+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// RunHistory returns recent runs for one schedule, newest first.
func (s *Scheduler) RunHistory(ctx context.Context, scheduleID string, limit int) ([]models.ScheduleRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.store.Query(ctx, `
		SELECT id, schedule_id, started_at, completed_at, status, result, error, steps_taken
		FROM schedule_runs WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?`,
		scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScheduleRun
	for rows.Next() {
		var (
			r         models.ScheduleRun
			status    string
			completed sql.NullTime
			result    sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.StartedAt, &completed, &status, &result, &errText, &r.StepsTaken); err != nil {
			return nil, err
		}
		r.Status = models.RunStatus(status)
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		r.Result = result.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Scheduler) nextRun(task *models.ScheduledTask, after time.Time) *time.Time {
	if task.IsOnce() {
		at, err := task.OnceAt()
		if err != nil {
			return nil
		}
		return &at
	}
	sched, err := cronParser.Parse(task.CronExpression)
	if err != nil {
		return nil
	}
	next := sched.Next(after)
	return &next
}

const selectTask = `
	SELECT id, name, description, cron_expression, task_goal, enabled,
	       last_run_at, next_run_at, last_status, retry_count, max_retries, created_at, updated_at
	FROM scheduled_tasks`

func scanTask(scan func(dest ...any) error) (*models.ScheduledTask, error) {
	var (
		t           models.ScheduledTask
		description sql.NullString
		lastRun     sql.NullTime
		nextRun     sql.NullTime
		lastStatus  sql.NullString
		enabled     int
	)
	err := scan(&t.ID, &t.Name, &description, &t.CronExpression, &t.TaskGoal, &enabled,
		&lastRun, &nextRun, &lastStatus, &t.RetryCount, &t.MaxRetries, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Enabled = enabled != 0
	t.LastStatus = lastStatus.String
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRunAt = &v
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
