// Package agent implements the plan-execute-reflect loop, the tool
// registry, and the permissioned tool executor.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
)

// PermissionLevel classifies the blast radius of a tool.
type PermissionLevel string

const (
	PermissionSafe      PermissionLevel = "safe"
	PermissionModerate  PermissionLevel = "moderate"
	PermissionDangerous PermissionLevel = "dangerous"
)

// ToolDescriptor is the static description of a tool. Permission
// level, schema, and parallel safety are data fields; behavior lives
// only in Execute.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Permission  PermissionLevel
	// ParallelSafe marks read-only tools that may run concurrently
	// within one batch. Mutating tools act as sequential barriers.
	ParallelSafe bool
}

// Tool is a single capability the model can invoke. Execute returns
// the structured result that will be JSON-encoded into the tool
// message, or an error.
type Tool interface {
	Descriptor() ToolDescriptor
	Execute(ctx context.Context, tctx *ToolContext, params json.RawMessage) (any, error)
}

// SafeCommandChecker is implemented by tools that can vouch for
// specific parameter values under smart_auto mode. Returning true
// allows the call without approval.
type SafeCommandChecker interface {
	SafeCommand(params json.RawMessage) bool
}

// KnowledgeSearcher is the slice of the knowledge subsystem tools can
// reach.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, error)
}

// MemoryRecaller is the slice of the task-memory subsystem tools can
// reach.
type MemoryRecaller interface {
	RecallMemories(ctx context.Context, query string, limit int) ([]models.TaskMemory, error)
}

// ToolContext carries per-invocation dependencies into Execute. Tools
// receive their handles here instead of holding references assigned
// after construction.
type ToolContext struct {
	SessionID string
	Channel   models.ChannelType
	UserID    string

	Store     *store.Store
	Knowledge KnowledgeSearcher
	Memory    MemoryRecaller
	Logger    *slog.Logger

	// Emit publishes a runtime event for clients subscribed to the
	// session, when a gateway is attached. May be nil.
	Emit func(event string, data map[string]any)
}

// funcTool adapts a descriptor and a function into a Tool.
type funcTool struct {
	desc ToolDescriptor
	fn   func(ctx context.Context, tctx *ToolContext, params json.RawMessage) (any, error)
	safe func(params json.RawMessage) bool
}

func (t *funcTool) Descriptor() ToolDescriptor { return t.desc }

func (t *funcTool) Execute(ctx context.Context, tctx *ToolContext, params json.RawMessage) (any, error) {
	return t.fn(ctx, tctx, params)
}

func (t *funcTool) SafeCommand(params json.RawMessage) bool {
	if t.safe == nil {
		return false
	}
	return t.safe(params)
}

// NewTool builds a Tool from a descriptor and an execute function.
func NewTool(desc ToolDescriptor, fn func(ctx context.Context, tctx *ToolContext, params json.RawMessage) (any, error)) Tool {
	return &funcTool{desc: desc, fn: fn}
}

// NewToolWithSafeCommand builds a Tool that additionally opts into the
// smart_auto safe-command predicate.
func NewToolWithSafeCommand(desc ToolDescriptor,
	fn func(ctx context.Context, tctx *ToolContext, params json.RawMessage) (any, error),
	safe func(params json.RawMessage) bool,
) Tool {
	return &funcTool{desc: desc, fn: fn, safe: safe}
}
