// Package tools registers the built-in read-only tools backed by the
// runtime's own stores. Tools with external effects (shell, browser,
// messaging) are registered by their owning subsystems or left to
// deployments.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/sentinel/internal/agent"
)

// Register adds the built-in tools to the registry.
func Register(reg *agent.Registry) error {
	for _, t := range []agent.Tool{
		knowledgeSearchTool(),
		recallMemoriesTool(),
		currentTimeTool(),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func knowledgeSearchTool() agent.Tool {
	return agent.NewTool(agent.ToolDescriptor{
		Name:        "knowledge_search",
		Description: "Search the indexed knowledge base for relevant context.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"]
		}`),
		Permission:   agent.PermissionSafe,
		ParallelSafe: true,
	}, func(ctx context.Context, tctx *agent.ToolContext, params json.RawMessage) (any, error) {
		if tctx.Knowledge == nil {
			return nil, fmt.Errorf("knowledge base is not available")
		}
		var in struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		chunks, err := tctx.Knowledge.Search(ctx, in.Query, in.Limit)
		if err != nil {
			return nil, err
		}
		results := make([]map[string]any, 0, len(chunks))
		for _, c := range chunks {
			results = append(results, map[string]any{
				"source":  c.FilePath,
				"content": c.Content,
			})
		}
		return map[string]any{"results": results}, nil
	})
}

func recallMemoriesTool() agent.Tool {
	return agent.NewTool(agent.ToolDescriptor{
		Name:        "recall_memories",
		Description: "Recall summaries of similar past tasks and their outcomes.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 10}
			},
			"required": ["query"]
		}`),
		Permission:   agent.PermissionSafe,
		ParallelSafe: true,
	}, func(ctx context.Context, tctx *agent.ToolContext, params json.RawMessage) (any, error) {
		if tctx.Memory == nil {
			return nil, fmt.Errorf("task memory is not available")
		}
		var in struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		memories, err := tctx.Memory.RecallMemories(ctx, in.Query, in.Limit)
		if err != nil {
			return nil, err
		}
		results := make([]map[string]any, 0, len(memories))
		for _, m := range memories {
			results = append(results, map[string]any{
				"goal":    m.TaskGoal,
				"outcome": m.Outcome,
				"summary": m.TaskSummary,
			})
		}
		return map[string]any{"memories": results}, nil
	})
}

func currentTimeTool() agent.Tool {
	return agent.NewTool(agent.ToolDescriptor{
		Name:        "current_time",
		Description: "Return the current date and time, optionally in a named timezone.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"timezone": {"type": "string"}}
		}`),
		Permission:   agent.PermissionSafe,
		ParallelSafe: true,
	}, func(_ context.Context, _ *agent.ToolContext, params json.RawMessage) (any, error) {
		var in struct {
			Timezone string `json:"timezone"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, err
			}
		}
		now := time.Now()
		if tz := strings.TrimSpace(in.Timezone); tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", tz)
			}
			now = now.In(loc)
		}
		return map[string]any{
			"rfc3339": now.Format(time.RFC3339),
			"weekday": now.Weekday().String(),
			"unix":    now.Unix(),
		}, nil
	})
}
