package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/sentinel/pkg/models"
)

// AnthropicConfig configures the Anthropic-backed router.
type AnthropicConfig struct {
	APIKey string
	// Model is the default model for every task type.
	Model string
	// PlanningModel, when set, is used for planning/evaluate tasks.
	PlanningModel string
	MaxTokens     int
	MaxRetries    int
	RetryDelay    time.Duration
}

// AnthropicRouter implements Router against the Anthropic Messages
// API. Safe for concurrent use.
type AnthropicRouter struct {
	client  anthropic.Client
	cfg     AnthropicConfig
	tracker *CostTracker
	logger  *slog.Logger
}

// NewAnthropicRouter creates a router. The tracker is shared with
// callers that enforce budgets; it must not be nil.
func NewAnthropicRouter(cfg AnthropicConfig, tracker *CostTracker, logger *slog.Logger) (*AnthropicRouter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicRouter{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:     cfg,
		tracker: tracker,
		logger:  logger,
	}, nil
}

// CostTracker exposes the shared spend tracker.
func (r *AnthropicRouter) CostTracker() *CostTracker { return r.tracker }

// Complete performs one non-streaming completion with retry on
// transient failures.
func (r *AnthropicRouter) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	params, err := r.buildParams(req)
	if err != nil {
		return nil, err
	}

	var resp *anthropic.Message
	for attempt := 0; ; attempt++ {
		resp, err = r.client.Messages.New(ctx, *params)
		if err == nil {
			break
		}
		if attempt >= r.cfg.MaxRetries || !isRetryable(err) {
			return nil, fmt.Errorf("anthropic: completion failed: %w", err)
		}
		delay := r.cfg.RetryDelay * (1 << attempt)
		r.logger.Warn("anthropic request failed, retrying",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := &Completion{
		ModelUsed: string(resp.Model),
		Provider:  "anthropic",
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	out.Usage.CostUSD = estimateCost(string(resp.Model), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if r.tracker != nil {
		r.tracker.Add(out.Usage.CostUSD)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.Input),
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// HealthCheck reports provider reachability with a minimal request.
func (r *AnthropicRouter) HealthCheck(ctx context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.cfg.Model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	return map[string]bool{"anthropic": err == nil}
}

func (r *AnthropicRouter) buildParams(req *CompletionRequest) (*anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(r.modelFor(req.TaskType)),
		Messages:  messages,
		MaxTokens: int64(r.cfg.MaxTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", t.Name, err)
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tp.OfTool != nil {
			tp.OfTool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, tp)
	}
	return params, nil
}

func (r *AnthropicRouter) modelFor(task TaskType) string {
	switch task {
	case TaskPlanning, TaskEvaluate:
		if r.cfg.PlanningModel != "" {
			return r.cfg.PlanningModel
		}
	}
	return r.cfg.Model
}

func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid arguments for tool call %s: %w", call.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func isRetryable(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 408, 429, 500, 502, 503, 504, 529:
			return true
		}
		return false
	}
	// Network-level failures have no status code.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Pricing per million tokens, keyed by model family substring.
var pricing = []struct {
	match         string
	input, output float64
}{
	{"opus", 15.0, 75.0},
	{"sonnet", 3.0, 15.0},
	{"haiku", 0.80, 4.0},
}

func estimateCost(model string, inputTokens, outputTokens int64) float64 {
	lower := strings.ToLower(model)
	for _, p := range pricing {
		if strings.Contains(lower, p.match) {
			return float64(inputTokens)/1e6*p.input + float64(outputTokens)/1e6*p.output
		}
	}
	return float64(inputTokens)/1e6*3.0 + float64(outputTokens)/1e6*15.0
}
