package models

import "time"

// GoalStatus is the lifecycle state of a long-running goal.
type GoalStatus string

const (
	GoalPlanning  GoalStatus = "planning"
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
	GoalCancelled GoalStatus = "cancelled"
)

// CheckpointStatus is the lifecycle state of a single checkpoint.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointActive    CheckpointStatus = "active"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
	CheckpointSkipped   CheckpointStatus = "skipped"
)

// Goal is a multi-checkpoint background objective with persisted progress.
type Goal struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id,omitempty"`
	Goal              string     `json:"goal"`
	Status            GoalStatus `json:"status"`
	Plan              string     `json:"plan,omitempty"`
	ContextSummary    string     `json:"context_summary,omitempty"`
	CurrentCheckpoint int        `json:"current_checkpoint"`
	TotalCheckpoints  int        `json:"total_checkpoints"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	LLMCallsUsed      int        `json:"llm_calls_used"`
	CostUSD           float64    `json:"cost_usd"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Checkpoint is one ordered step of a goal with explicit success criteria.
// (GoalID, Order) is unique; exactly one checkpoint per goal is active at a time.
type Checkpoint struct {
	GoalID          string           `json:"goal_id"`
	Order           int              `json:"order"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	SuccessCriteria string           `json:"success_criteria"`
	Status          CheckpointStatus `json:"status"`
	ResultSummary   string           `json:"result_summary,omitempty"`
	Attempts        int              `json:"attempts"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Terminal returns true when the checkpoint no longer needs execution.
func (c *Checkpoint) Terminal() bool {
	return c.Status == CheckpointCompleted || c.Status == CheckpointSkipped
}
