package goals

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/sentinel/internal/agent"
	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/llm"
	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
	"github.com/haasonsaas/sentinel/pkg/protocol"
)

// scriptRouter returns queued completions in order, then the fallback.
type scriptRouter struct {
	mu       sync.Mutex
	script   []*llm.Completion
	fallback *llm.Completion
}

func (r *scriptRouter) Complete(_ context.Context, _ *llm.CompletionRequest) (*llm.Completion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.script) > 0 {
		next := r.script[0]
		r.script = r.script[1:]
		return next, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("script exhausted")
}

func (r *scriptRouter) HealthCheck(context.Context) map[string]bool {
	return map[string]bool{"fake": true}
}

// eventLog records broadcast events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []protocol.EventType
	data   []map[string]any
}

func (l *eventLog) BroadcastEvent(_ string, event protocol.EventType, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.data = append(l.data, data)
}

func (l *eventLog) count(event protocol.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func (l *eventLog) last(event protocol.EventType) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i] == event {
			return l.data[i]
		}
	}
	return nil
}

const threePlan = "```json\n" + `[
  {"order": 1, "title": "Research X", "description": "Gather sources", "success_criteria": "Notes exist"},
  {"order": 2, "title": "Draft report", "description": "Write the draft", "success_criteria": "Draft exists"},
  {"order": 3, "title": "Polish", "description": "Edit and finalize", "success_criteria": "Report final"}
]` + "\n```"

func testConfig() config.GoalsConfig {
	return config.GoalsConfig{
		MaxCheckpoints:        15,
		MaxCheckpointAttempts: 2,
		MaxLLMCalls:           100,
		MaxWallTime:           time.Minute,
		MaxCostUSD:            10,
		CheckpointTimeout:     5 * time.Second,
	}
}

func newTestManager(t *testing.T, router llm.Router) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "goals.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st, router, testConfig(), nil)
}

func TestDecomposeToleratesCodeFences(t *testing.T) {
	ctx := context.Background()
	router := &scriptRouter{script: []*llm.Completion{{Content: threePlan}}}
	m := newTestManager(t, router)

	g, err := m.Create(ctx, "Write a short report on X", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if g.Status != models.GoalPlanning {
		t.Fatalf("new goal status = %s", g.Status)
	}

	g, err = m.Decompose(ctx, g.ID)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if g.Status != models.GoalActive || g.CurrentCheckpoint != 1 || g.TotalCheckpoints != 3 {
		t.Errorf("after decompose: status=%s current=%d total=%d", g.Status, g.CurrentCheckpoint, g.TotalCheckpoints)
	}
	cps, err := m.Checkpoints(ctx, g.ID)
	if err != nil {
		t.Fatalf("Checkpoints() error = %v", err)
	}
	if len(cps) != 3 || cps[0].Title != "Research X" || cps[0].Status != models.CheckpointPending {
		t.Errorf("checkpoints = %+v", cps)
	}
}

func TestDecomposeCapsCheckpointCount(t *testing.T) {
	ctx := context.Background()
	var big string
	for i := 1; i <= 20; i++ {
		if i > 1 {
			big += ","
		}
		big += fmt.Sprintf(`{"order": %d, "title": "Step %d", "description": "", "success_criteria": ""}`, i, i)
	}
	router := &scriptRouter{script: []*llm.Completion{{Content: "[" + big + "]"}}}
	m := newTestManager(t, router)

	g, _ := m.Create(ctx, "big goal", "")
	g, err := m.Decompose(ctx, g.ID)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if g.TotalCheckpoints != 15 {
		t.Errorf("TotalCheckpoints = %d, want capped 15", g.TotalCheckpoints)
	}
}

func TestCheckpointFailureRetriesThenPauses(t *testing.T) {
	ctx := context.Background()
	router := &scriptRouter{script: []*llm.Completion{{Content: threePlan}}}
	m := newTestManager(t, router)

	g, _ := m.Create(ctx, "goal", "")
	if _, err := m.Decompose(ctx, g.ID); err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}

	// First failure: one attempt used, back to pending.
	if err := m.MarkCheckpointActive(ctx, g.ID, 1); err != nil {
		t.Fatal(err)
	}
	paused, err := m.MarkCheckpointFailed(ctx, g.ID, 1, "boom")
	if err != nil {
		t.Fatalf("MarkCheckpointFailed() error = %v", err)
	}
	if paused {
		t.Fatal("paused after first attempt")
	}
	cp, err := m.NextPending(ctx, g.ID)
	if err != nil || cp == nil || cp.Order != 1 {
		t.Fatalf("NextPending = %+v, err %v", cp, err)
	}

	// Second failure exhausts attempts and pauses the goal.
	if err := m.MarkCheckpointActive(ctx, g.ID, 1); err != nil {
		t.Fatal(err)
	}
	paused, err = m.MarkCheckpointFailed(ctx, g.ID, 1, "boom again")
	if err != nil {
		t.Fatalf("MarkCheckpointFailed() error = %v", err)
	}
	if !paused {
		t.Fatal("goal not paused after exhausting attempts")
	}
	g, _ = m.Get(ctx, g.ID)
	if g.Status != models.GoalPaused {
		t.Errorf("goal status = %s, want paused", g.Status)
	}
}

func TestCurrentCheckpointAdvancesThenClears(t *testing.T) {
	ctx := context.Background()
	router := &scriptRouter{script: []*llm.Completion{{Content: threePlan}}}
	m := newTestManager(t, router)

	g, _ := m.Create(ctx, "goal", "")
	if _, err := m.Decompose(ctx, g.ID); err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}

	// While the goal is active the counter only moves forward.
	prev := 0
	for i := 1; i <= 2; i++ {
		if err := m.MarkCheckpointComplete(ctx, g.ID, i, fmt.Sprintf("done %d", i)); err != nil {
			t.Fatalf("MarkCheckpointComplete(%d) error = %v", i, err)
		}
		g, _ = m.Get(ctx, g.ID)
		if g.CurrentCheckpoint < prev {
			t.Errorf("current_checkpoint went backward: %d -> %d", prev, g.CurrentCheckpoint)
		}
		prev = g.CurrentCheckpoint
	}

	// Completing the last checkpoint finishes the goal, and with no
	// checkpoint in progress the counter returns to zero.
	if err := m.MarkCheckpointComplete(ctx, g.ID, 3, "done 3"); err != nil {
		t.Fatalf("MarkCheckpointComplete(3) error = %v", err)
	}
	g, _ = m.Get(ctx, g.ID)
	if g.Status != models.GoalCompleted {
		t.Errorf("goal status = %s, want completed", g.Status)
	}
	if g.CurrentCheckpoint != 0 {
		t.Errorf("current_checkpoint = %d after completion, want 0", g.CurrentCheckpoint)
	}
	if cp, _ := m.NextPending(ctx, g.ID); cp != nil {
		t.Errorf("completed goal still has pending checkpoint %d", cp.Order)
	}
}

func TestRevisePlanKeepsCompletedPrefix(t *testing.T) {
	ctx := context.Background()
	revised := `[{"order": 2, "title": "New step", "description": "replacement", "success_criteria": "ok"}]`
	router := &scriptRouter{
		script:   []*llm.Completion{{Content: threePlan}, {Content: revised}},
		fallback: &llm.Completion{Content: "{}"},
	}
	m := newTestManager(t, router)

	g, _ := m.Create(ctx, "goal", "")
	if _, err := m.Decompose(ctx, g.ID); err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}
	if err := m.MarkCheckpointComplete(ctx, g.ID, 1, "research done"); err != nil {
		t.Fatal(err)
	}
	if err := m.RevisePlan(ctx, g.ID, "scope changed"); err != nil {
		t.Fatalf("RevisePlan() error = %v", err)
	}

	cps, _ := m.Checkpoints(ctx, g.ID)
	if len(cps) != 2 {
		t.Fatalf("checkpoint count = %d, want 2", len(cps))
	}
	if cps[0].Status != models.CheckpointCompleted || cps[0].Title != "Research X" {
		t.Errorf("completed prefix mutated: %+v", cps[0])
	}
	if cps[1].Order != 2 || cps[1].Title != "New step" || cps[1].Status != models.CheckpointPending {
		t.Errorf("revised suffix = %+v", cps[1])
	}
}

func TestEvaluateProgressFallsBackOnBadJSON(t *testing.T) {
	ctx := context.Background()
	router := &scriptRouter{script: []*llm.Completion{{Content: threePlan}, {Content: "not json at all"}}}
	m := newTestManager(t, router)

	g, _ := m.Create(ctx, "goal", "")
	if _, err := m.Decompose(ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	eval, err := m.EvaluateProgress(ctx, g.ID)
	if err != nil {
		t.Fatalf("EvaluateProgress() error = %v", err)
	}
	if !eval.OnTrack || eval.RevisionNeeded {
		t.Errorf("fallback evaluation = %+v, want conservative on-track", eval)
	}
}

// doneAgent completes every checkpoint with "done".
type doneAgent struct {
	mu    sync.Mutex
	calls int
}

func (a *doneAgent) RunIsolated(_ context.Context, _ string, _ agent.RunOptions) (*agent.Response, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return &agent.Response{Content: "done", StepsTaken: 1, StopReason: "completed"}, nil
}

func TestRunnerDrivesGoalToCompletion(t *testing.T) {
	ctx := context.Background()
	router := &scriptRouter{
		script:   []*llm.Completion{{Content: threePlan}},
		fallback: &llm.Completion{Content: `{"on_track": true, "revision_needed": false}`},
	}
	m := newTestManager(t, router)
	g, _ := m.Create(ctx, "Write a short report on X", "")

	events := &eventLog{}
	r := NewRunner(m, &doneAgent{}, testConfig(), nil)
	r.SetNotifier(events)

	if err := r.StartGoal(ctx, g.ID); err != nil {
		t.Fatalf("StartGoal() error = %v", err)
	}
	r.Wait(10 * time.Second)

	got, _ := m.Get(ctx, g.ID)
	if got.Status != models.GoalCompleted {
		t.Fatalf("goal status = %s, want completed", got.Status)
	}
	if n := events.count(protocol.EventGoalCheckpoint); n != 3 {
		t.Errorf("goal_checkpoint_complete events = %d, want 3", n)
	}
	if data := events.last(protocol.EventGoalCompleted); data == nil || data["goal_id"] != g.ID {
		t.Errorf("goal_completed data = %v", data)
	}
}

// failAgent never completes.
type failAgent struct{}

func (failAgent) RunIsolated(context.Context, string, agent.RunOptions) (*agent.Response, error) {
	return nil, fmt.Errorf("tooling unavailable")
}

func TestRunnerPausesGoalOnRepeatedFailure(t *testing.T) {
	ctx := context.Background()
	router := &scriptRouter{script: []*llm.Completion{{Content: threePlan}}}
	m := newTestManager(t, router)
	g, _ := m.Create(ctx, "goal", "")

	events := &eventLog{}
	r := NewRunner(m, failAgent{}, testConfig(), nil)
	r.SetNotifier(events)

	if err := r.StartGoal(ctx, g.ID); err != nil {
		t.Fatalf("StartGoal() error = %v", err)
	}
	r.Wait(10 * time.Second)

	got, _ := m.Get(ctx, g.ID)
	if got.Status != models.GoalPaused {
		t.Fatalf("goal status = %s, want paused", got.Status)
	}
	if events.count(protocol.EventGoalPaused) == 0 {
		t.Error("no goal_paused event broadcast")
	}
}

func TestRunnerBudgetGatePauses(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxLLMCalls = 1
	router := &scriptRouter{script: []*llm.Completion{{Content: threePlan}}}
	st, err := store.Open(filepath.Join(t.TempDir(), "goals.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	m := NewManager(st, router, cfg, nil)
	g, _ := m.Create(ctx, "goal", "")

	events := &eventLog{}
	r := NewRunner(m, &doneAgent{}, cfg, nil)
	r.SetNotifier(events)

	// Decomposition alone consumes the single allowed call, so the
	// first gate check pauses the goal before any checkpoint runs.
	if err := r.StartGoal(ctx, g.ID); err != nil {
		t.Fatalf("StartGoal() error = %v", err)
	}
	r.Wait(10 * time.Second)

	got, _ := m.Get(ctx, g.ID)
	if got.Status != models.GoalPaused {
		t.Fatalf("goal status = %s, want paused", got.Status)
	}
	data := events.last(protocol.EventGoalPaused)
	if data == nil {
		t.Fatal("no goal_paused event")
	}
	if reason, _ := data["reason"].(string); reason == "" {
		t.Error("goal_paused event has no reason")
	}
	cps, _ := m.Checkpoints(ctx, g.ID)
	for _, cp := range cps {
		if cp.Status != models.CheckpointPending {
			t.Errorf("checkpoint %d ran despite exhausted budget: %s", cp.Order, cp.Status)
		}
	}
}

func TestRunnerSingleGoalAtATime(t *testing.T) {
	ctx := context.Background()
	router := &scriptRouter{
		script:   []*llm.Completion{{Content: threePlan}, {Content: threePlan}},
		fallback: &llm.Completion{Content: `{"on_track": true, "revision_needed": false}`},
	}
	m := newTestManager(t, router)
	g1, _ := m.Create(ctx, "first", "")
	g2, _ := m.Create(ctx, "second", "")

	// slowAgent keeps the first goal busy long enough to observe the
	// second start being rejected.
	block := make(chan struct{})
	slow := agentFunc(func(ctx context.Context, _ string, _ agent.RunOptions) (*agent.Response, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &agent.Response{Content: "done", StepsTaken: 1, StopReason: "completed"}, nil
	})

	r := NewRunner(m, slow, testConfig(), nil)
	if err := r.StartGoal(ctx, g1.ID); err != nil {
		t.Fatalf("StartGoal(first) error = %v", err)
	}
	if err := r.StartGoal(ctx, g2.ID); err == nil {
		t.Error("second concurrent goal accepted")
	}
	close(block)
	r.Wait(10 * time.Second)
}

type agentFunc func(context.Context, string, agent.RunOptions) (*agent.Response, error)

func (f agentFunc) RunIsolated(ctx context.Context, goal string, opts agent.RunOptions) (*agent.Response, error) {
	return f(ctx, goal, opts)
}
