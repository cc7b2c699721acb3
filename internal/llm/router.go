// Package llm defines the router contract the rest of the runtime
// talks to, plus the Anthropic-backed implementation and the cost
// tracker shared by every subsystem that spends tokens.
package llm

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/sentinel/pkg/models"
)

// TaskType selects routing behavior (model choice, temperature
// defaults) for a completion request.
type TaskType string

const (
	TaskChat     TaskType = "chat"
	TaskPlanning TaskType = "planning"
	TaskSummary  TaskType = "summary"
	TaskEvaluate TaskType = "evaluate"
	TaskMind     TaskType = "mind"
)

// Message is one entry in the running conversation sent to the model.
// Assistant messages may carry tool calls; tool messages carry the
// corresponding results.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSchema describes one tool in the catalog offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CompletionRequest is a single non-streaming completion.
type CompletionRequest struct {
	TaskType    TaskType
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption and the estimated dollar cost of
// one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Completion is the model's reply.
type Completion struct {
	Content   string
	ToolCalls []models.ToolCall
	ModelUsed string
	Provider  string
	Usage     Usage
}

// Router dispatches completion requests to a provider.
type Router interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	HealthCheck(ctx context.Context) map[string]bool
}
