package models

import "time"

// SwarmStatus is the lifecycle state of an external coding agent.
type SwarmStatus string

const (
	SwarmRunning   SwarmStatus = "running"
	SwarmCompleted SwarmStatus = "completed"
	SwarmFailed    SwarmStatus = "failed"
	SwarmStopped   SwarmStatus = "stopped"
)

// DoneCriteria is the predicate that marks a swarm agent as completed.
type DoneCriteria string

const (
	DonePRCreated DoneCriteria = "pr_created"
	DoneCIPassed  DoneCriteria = "ci_passed"
)

// CIStatus is the reduced state of all CI checks on an agent's pull request.
type CIStatus string

const (
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
	CIPending CIStatus = "pending"
	CIUnknown CIStatus = "unknown"
)

// SwarmAgent is a supervised external coding agent working in an
// isolated worktree on its own branch.
type SwarmAgent struct {
	ID             string       `json:"id"`
	Profile        string       `json:"profile"`
	Task           string       `json:"task"`
	Branch         string       `json:"branch"`
	WorktreePath   string       `json:"worktree_path"`
	TmuxSession    string       `json:"tmux_session"`
	Status         SwarmStatus  `json:"status"`
	DoneCriteria   DoneCriteria `json:"done_criteria"`
	PRURL          string       `json:"pr_url,omitempty"`
	PRNumber       int          `json:"pr_number,omitempty"`
	CIStatus       CIStatus     `json:"ci_status,omitempty"`
	EnrichedPrompt string       `json:"enriched_prompt,omitempty"`
	SpawnedAt      time.Time    `json:"spawned_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	StoppedReason  string       `json:"stopped_reason,omitempty"`
}

// SwarmLogEntry is one line of a swarm agent's activity log.
type SwarmLogEntry struct {
	AgentID   string    `json:"agent_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
