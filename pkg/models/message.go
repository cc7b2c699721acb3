package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a logical front-end a session is scoped to.
type ChannelType string

const (
	ChannelTerminal ChannelType = "terminal"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
)

// Role indicates the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Turn is a single entry in a session's conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCall represents an LLM's request to execute a tool.
// Arguments may arrive as JSON text or already-decoded structures;
// they are kept raw and decoded at execution time.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the outcome of a single tool invocation.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	Denied     bool   `json:"denied,omitempty"`
}

// Session is the durable per-(channel,user) conversation.
type Session struct {
	ID         string         `json:"id"`
	Channel    ChannelType    `json:"channel"`
	UserID     string         `json:"user_id"`
	History    []Turn         `json:"history"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastActive time.Time      `json:"last_active"`
}

// Key returns the unique lookup key for a (channel, user) pair.
func (s *Session) Key() string {
	return SessionKey(s.Channel, s.UserID)
}

// SessionKey builds the unique session key for a (channel, user) pair.
func SessionKey(channel ChannelType, userID string) string {
	return string(channel) + ":" + userID
}
