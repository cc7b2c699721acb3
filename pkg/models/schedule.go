package models

import (
	"strings"
	"time"
)

// OncePrefix marks a one-shot schedule expression: "once@<RFC3339>".
const OncePrefix = "once@"

// RunStatus is the state of a single schedule execution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ScheduledTask is a durable cron or one-shot task executed by the agent.
type ScheduledTask struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	CronExpression string     `json:"cron_expression"`
	TaskGoal       string     `json:"task_goal"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastStatus     string     `json:"last_status,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsOnce reports whether the task is a one-shot rather than a recurring cron.
func (t *ScheduledTask) IsOnce() bool {
	return strings.HasPrefix(t.CronExpression, OncePrefix)
}

// OnceAt returns the scheduled time of a one-shot task.
func (t *ScheduledTask) OnceAt() (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimPrefix(t.CronExpression, OncePrefix))
}

// ScheduleRun records one execution of a scheduled task.
type ScheduleRun struct {
	ID          int64      `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      RunStatus  `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StepsTaken  int        `json:"steps_taken"`
}
