package models

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the resolution state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalRequest is a persistent record of a tool call that required
// user authorization before executing.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"tool_name"`
	Description string          `json:"description,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      ApprovalStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}
