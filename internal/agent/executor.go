package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/pkg/models"
)

// DeniedSentinel is the tool-message payload for a declined call. It
// deliberately nudges the model toward a different approach.
const DeniedSentinel = `{"denied":"The user declined this tool call. Take a different approach instead of retrying."}`

// ApprovalPrompt describes one call awaiting authorization.
type ApprovalPrompt struct {
	ID          string
	ToolName    string
	Description string
	Params      json.RawMessage
}

// ApprovalFunc decides one approval request. Returning false, for any
// reason including timeout, denies the call.
type ApprovalFunc func(ctx context.Context, req *ApprovalPrompt) bool

// ExecMetrics receives per-execution observations. Implementations
// must tolerate concurrent calls.
type ExecMetrics interface {
	ToolExecuted(tool, outcome string, seconds float64)
}

// ExecutorConfig configures tool execution policy.
type ExecutorConfig struct {
	Mode          config.ApprovalMode
	DisabledTools []string
	// ToolOverrides maps tool name to "auto" or "ask".
	ToolOverrides map[string]string
	ExecTimeout   time.Duration
}

// Executor performs tool invocations end to end: override checks,
// lookup, validation, the permission decision, and execution.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	metrics  ExecMetrics

	mu        sync.RWMutex
	mode      config.ApprovalMode
	disabled  map[string]bool
	overrides map[string]string
	approval  ApprovalFunc
	toolHook  func(tool string, params json.RawMessage)
	timeout   time.Duration
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, cfg ExecutorConfig, logger *slog.Logger, metrics ExecMetrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeSmartAuto
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 2 * time.Minute
	}
	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}
	overrides := make(map[string]string, len(cfg.ToolOverrides))
	for name, v := range cfg.ToolOverrides {
		overrides[name] = v
	}
	return &Executor{
		registry:  registry,
		logger:    logger,
		metrics:   metrics,
		mode:      cfg.Mode,
		disabled:  disabled,
		overrides: overrides,
		timeout:   cfg.ExecTimeout,
	}
}

// SetApproval installs the default approval callback. A nil callback
// means required approvals are denied.
func (e *Executor) SetApproval(fn ApprovalFunc) {
	e.mu.Lock()
	e.approval = fn
	e.mu.Unlock()
}

// SetToolHook installs a hook fired before every execution. Used by
// the mind to surface tool activity as events.
func (e *Executor) SetToolHook(fn func(tool string, params json.RawMessage)) {
	e.mu.Lock()
	e.toolHook = fn
	e.mu.Unlock()
}

// Execute runs one tool call. Failures are embedded in the returned
// result, never returned as errors, so the loop can always build a
// tool message.
func (e *Executor) Execute(ctx context.Context, tctx *ToolContext, call models.ToolCall, approvalOverride ApprovalFunc) *models.ToolResult {
	started := time.Now()
	res := e.execute(ctx, tctx, call, approvalOverride)
	if e.metrics != nil {
		outcome := "ok"
		switch {
		case res.Denied:
			outcome = "denied"
		case res.IsError:
			outcome = "error"
		}
		e.metrics.ToolExecuted(call.Name, outcome, time.Since(started).Seconds())
	}
	return res
}

func (e *Executor) execute(ctx context.Context, tctx *ToolContext, call models.ToolCall, approvalOverride ApprovalFunc) *models.ToolResult {
	res := &models.ToolResult{ToolCallID: call.ID, ToolName: call.Name}

	if e.isDisabled(call.Name) {
		res.Denied = true
		res.Content = fmt.Sprintf(`{"denied":"tool %s is disabled by configuration"}`, call.Name)
		return res
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		res.IsError = true
		res.Content = errPayload("unknown tool: " + call.Name)
		return res
	}

	if err := e.registry.Validate(call.Name, call.Arguments); err != nil {
		res.IsError = true
		res.Content = errPayload(err.Error())
		return res
	}

	if !e.authorize(ctx, tool, call, approvalOverride) {
		res.Denied = true
		res.Content = DeniedSentinel
		return res
	}

	if hook := e.hook(); hook != nil {
		hook(call.Name, call.Arguments)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	payload, err := e.run(execCtx, tool, tctx, call.Arguments)
	if err != nil {
		e.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		res.IsError = true
		res.Content = errPayload(err.Error())
		return res
	}

	res.Content = EncodeResult(call.Name, payload)
	return res
}

// run executes the tool, converting a panic into an error.
func (e *Executor) run(ctx context.Context, tool Tool, tctx *ToolContext, params json.RawMessage) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", tool.Descriptor().Name,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, tctx, params)
}

// authorize applies the permission decision for one call.
func (e *Executor) authorize(ctx context.Context, tool Tool, call models.ToolCall, approvalOverride ApprovalFunc) bool {
	e.mu.RLock()
	mode := e.mode
	override := e.overrides[call.Name]
	approval := e.approval
	e.mu.RUnlock()
	if approvalOverride != nil {
		approval = approvalOverride
	}

	desc := tool.Descriptor()
	ask := func() bool {
		if approval == nil {
			return false
		}
		return approval(ctx, &ApprovalPrompt{
			ID:          uuid.NewString(),
			ToolName:    desc.Name,
			Description: desc.Description,
			Params:      call.Arguments,
		})
	}

	switch override {
	case "auto":
		return true
	case "ask":
		return ask()
	}
	if desc.Permission == PermissionSafe {
		return true
	}
	switch mode {
	case config.ModeFullAuto:
		return true
	case config.ModeSmartAuto:
		if checker, ok := tool.(SafeCommandChecker); ok && checker.SafeCommand(call.Arguments) {
			return true
		}
	}
	return ask()
}

// ExecuteBatch runs a batch of calls, in parallel when the batch has
// more than one member. Results are ordered by call order regardless
// of completion order.
func (e *Executor) ExecuteBatch(ctx context.Context, tctx *ToolContext, calls []models.ToolCall, approvalOverride ApprovalFunc) []*models.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*models.ToolResult, len(calls))
	if len(calls) == 1 {
		results[0] = e.Execute(ctx, tctx, calls[0], approvalOverride)
		return results
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = e.Execute(ctx, tctx, call, approvalOverride)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) isDisabled(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.disabled[name]
}

func (e *Executor) hook() func(string, json.RawMessage) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolHook
}

func errPayload(msg string) string {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return string(raw)
}
