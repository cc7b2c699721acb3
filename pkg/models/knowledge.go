package models

import "time"

// KnowledgeChunk is one indexed fragment of a knowledge document.
// Content is redacted of PII before persistence.
type KnowledgeChunk struct {
	ID            int64     `json:"id"`
	FilePath      string    `json:"file_path"`
	HeadingPath   string    `json:"heading_path"`
	Content       string    `json:"content"`
	Tags          []string  `json:"tags,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	TokenCount    int       `json:"token_count"`
	FileUpdatedAt time.Time `json:"file_updated_at"`
	IndexedAt     time.Time `json:"indexed_at"`
}

// TaskMemory summarizes one completed agent task for later retrieval.
type TaskMemory struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	TaskGoal    string    `json:"task_goal"`
	TaskSummary string    `json:"task_summary"`
	Outcome     string    `json:"outcome"`
	ToolsUsed   []string  `json:"tools_used,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
