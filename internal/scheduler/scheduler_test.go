package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
)

func TestParseNatural(t *testing.T) {
	now := time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)

	recurring := []struct {
		text string
		want string
	}{
		{"every morning at 9am", "0 9 * * *"},
		{"every morning at 9", "0 9 * * *"},
		{"every evening at 6", "0 18 * * *"},
		{"every 15 minutes", "*/15 * * * *"},
		{"every hour", "0 * * * *"},
		{"every day at 14:30", "30 14 * * *"},
		{"daily at midnight", "0 0 * * *"},
		{"daily at noon", "0 12 * * *"},
		{"every monday at 9", "0 9 * * 1"},
		{"every friday at 5 pm", "0 17 * * 5"},
		{"30 2 * * *", "30 2 * * *"},
		{"Every Morning At 9AM", "0 9 * * *"},
	}
	for _, tc := range recurring {
		got, err := ParseNatural(tc.text, now)
		if err != nil {
			t.Errorf("ParseNatural(%q) error = %v", tc.text, err)
			continue
		}
		if got.IsOnce() {
			t.Errorf("ParseNatural(%q) produced a one-shot", tc.text)
			continue
		}
		if got.Cron != tc.want {
			t.Errorf("ParseNatural(%q) = %q, want %q", tc.text, got.Cron, tc.want)
		}
	}

	once := []struct {
		text string
		want time.Time
	}{
		{"in 5 minutes", now.Add(5 * time.Minute)},
		{"in 30 seconds", now.Add(30 * time.Second)},
		{"in 2 hours", now.Add(2 * time.Hour)},
		{"in 1 day", now.Add(24 * time.Hour)},
		{"at 10am", time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)},
		{"at 7:15", time.Date(2025, 6, 3, 7, 15, 0, 0, time.UTC)},
		{"at 3pm", time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)},
	}
	for _, tc := range once {
		got, err := ParseNatural(tc.text, now)
		if err != nil {
			t.Errorf("ParseNatural(%q) error = %v", tc.text, err)
			continue
		}
		if !got.IsOnce() {
			t.Errorf("ParseNatural(%q) = cron %q, want one-shot", tc.text, got.Cron)
			continue
		}
		if !got.OnceAt.Equal(tc.want) {
			t.Errorf("ParseNatural(%q) = %s, want %s", tc.text, got.OnceAt, tc.want)
		}
	}

	for _, text := range []string{"sometime maybe", "", "every blue moon"} {
		if _, err := ParseNatural(text, now); !errors.Is(err, ErrUnparseable) {
			t.Errorf("ParseNatural(%q) error = %v, want ErrUnparseable", text, err)
		}
	}
}

func newTestScheduler(t *testing.T, exec TaskExecutor) *Scheduler {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.SchedulerConfig{Enabled: true, DefaultMaxRetries: 2}
	s := New(st, cfg, exec, nil, nil)
	t.Cleanup(s.Stop)
	return s
}

func TestCreateValidatesCron(t *testing.T) {
	s := newTestScheduler(t, nil)
	if _, err := s.Create(context.Background(), "bad", "goal", "not a cron", "", 0); err == nil {
		t.Error("invalid cron expression accepted")
	}
	task, err := s.Create(context.Background(), "good", "check inbox", "0 9 * * *", "", 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if task.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want config default 2", task.MaxRetries)
	}
	if task.NextRunAt == nil {
		t.Error("NextRunAt not computed")
	}
}

func TestRunTaskRecordsSuccess(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	s := newTestScheduler(t, func(context.Context, string) (string, int, error) {
		calls.Add(1)
		return "inbox is empty", 4, nil
	})

	task, err := s.Create(ctx, "inbox", "check inbox", "0 9 * * *", "", 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s.runTask(task.ID)

	if calls.Load() != 1 {
		t.Fatalf("executor calls = %d, want 1", calls.Load())
	}
	runs, err := s.RunHistory(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("RunHistory() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("run count = %d, want 1", len(runs))
	}
	if runs[0].Status != models.RunCompleted {
		t.Errorf("run status = %s", runs[0].Status)
	}
	if runs[0].Result != "inbox is empty" || runs[0].StepsTaken != 4 {
		t.Errorf("run = %q/%d", runs[0].Result, runs[0].StepsTaken)
	}
	if runs[0].CompletedAt == nil {
		t.Error("completed_at not set")
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastStatus != string(models.RunCompleted) || got.LastRunAt == nil {
		t.Errorf("task last_status = %q, last_run_at = %v", got.LastStatus, got.LastRunAt)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.RetryCount)
	}
}

func TestRepeatedFailuresDisableTask(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, func(context.Context, string) (string, int, error) {
		return "", 1, fmt.Errorf("upstream down")
	})

	task, err := s.Create(ctx, "flaky", "poll api", "* * * * *", "", 2)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s.runTask(task.ID)
	got, _ := s.Get(ctx, task.ID)
	if !got.Enabled || got.RetryCount != 1 {
		t.Fatalf("after first failure: enabled=%v retries=%d", got.Enabled, got.RetryCount)
	}

	s.runTask(task.ID)
	got, _ = s.Get(ctx, task.ID)
	if got.Enabled {
		t.Error("task still enabled after exhausting retries")
	}
	if got.RetryCount != 2 || got.LastStatus != string(models.RunFailed) {
		t.Errorf("retries=%d last_status=%q", got.RetryCount, got.LastStatus)
	}

	runs, _ := s.RunHistory(ctx, task.ID, 10)
	if len(runs) != 2 {
		t.Fatalf("run count = %d, want 2", len(runs))
	}
	if runs[0].Error != "upstream down" {
		t.Errorf("run error = %q", runs[0].Error)
	}

	// A disabled task does not run again.
	s.runTask(task.ID)
	if runs, _ = s.RunHistory(ctx, task.ID, 10); len(runs) != 2 {
		t.Errorf("disabled task executed, run count = %d", len(runs))
	}
}

func TestEnableResetsRetryBudget(t *testing.T) {
	ctx := context.Background()
	fail := true
	s := newTestScheduler(t, func(context.Context, string) (string, int, error) {
		if fail {
			return "", 0, fmt.Errorf("boom")
		}
		return "ok", 1, nil
	})

	task, err := s.Create(ctx, "recover", "do thing", "* * * * *", "", 1)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s.runTask(task.ID)
	if got, _ := s.Get(ctx, task.ID); got.Enabled {
		t.Fatal("task not disabled after failure")
	}

	fail = false
	if err := s.Enable(ctx, task.ID); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	got, _ := s.Get(ctx, task.ID)
	if !got.Enabled || got.RetryCount != 0 {
		t.Fatalf("after enable: enabled=%v retries=%d", got.Enabled, got.RetryCount)
	}
	s.runTask(task.ID)
	if got, _ = s.Get(ctx, task.ID); got.LastStatus != string(models.RunCompleted) {
		t.Errorf("last_status = %q", got.LastStatus)
	}
}

func TestOneShotPurgedAfterRun(t *testing.T) {
	ctx := context.Background()
	for name, exec := range map[string]TaskExecutor{
		"success": func(context.Context, string) (string, int, error) { return "done", 1, nil },
		"failure": func(context.Context, string) (string, int, error) { return "", 0, fmt.Errorf("boom") },
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestScheduler(t, exec)
			task, err := s.ScheduleOnce(ctx, "reminder", "remind me", time.Now().Add(time.Hour), "")
			if err != nil {
				t.Fatalf("ScheduleOnce() error = %v", err)
			}
			s.runTask(task.ID)
			if _, err := s.Get(ctx, task.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("one-shot still present after run, err = %v", err)
			}
		})
	}
}

func TestScheduleOnceRejectsPast(t *testing.T) {
	s := newTestScheduler(t, nil)
	if _, err := s.ScheduleOnce(context.Background(), "late", "goal", time.Now().Add(-time.Minute), ""); err == nil {
		t.Error("past one-shot accepted")
	}
}

func TestCreateFromNatural(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, nil)

	task, err := s.CreateFromNatural(ctx, "standup", "post standup", "every morning at 9am", "")
	if err != nil {
		t.Fatalf("CreateFromNatural() error = %v", err)
	}
	if task.CronExpression != "0 9 * * *" {
		t.Errorf("cron = %q", task.CronExpression)
	}

	once, err := s.CreateFromNatural(ctx, "ping", "ping me", "in 5 minutes", "")
	if err != nil {
		t.Fatalf("CreateFromNatural(one-shot) error = %v", err)
	}
	if !once.IsOnce() {
		t.Fatalf("expected one-shot, got cron %q", once.CronExpression)
	}
	at, err := once.OnceAt()
	if err != nil {
		t.Fatalf("OnceAt() error = %v", err)
	}
	if d := time.Until(at); d < 4*time.Minute || d > 6*time.Minute {
		t.Errorf("one-shot fires in %s, want about 5m", d)
	}

	if _, err := s.CreateFromNatural(ctx, "vague", "goal", "sometime maybe", ""); !errors.Is(err, ErrUnparseable) {
		t.Errorf("error = %v, want ErrUnparseable", err)
	}
}

func TestStartReloadsPersistedTasks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "sched.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.SchedulerConfig{Enabled: true, DefaultMaxRetries: 2}

	first := New(st, cfg, nil, nil, nil)
	enabled, err := first.Create(ctx, "keep", "goal", "0 9 * * *", "", 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	disabled, err := first.Create(ctx, "skip", "goal", "0 10 * * *", "", 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := first.Disable(ctx, disabled.ID); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	first.Stop()

	second := New(st, cfg, nil, nil, nil)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(second.Stop)
	t.Cleanup(func() { st.Close() })

	second.mu.Lock()
	_, keepRegistered := second.entries[enabled.ID]
	_, skipRegistered := second.entries[disabled.ID]
	second.mu.Unlock()
	if !keepRegistered {
		t.Error("enabled task not re-registered after restart")
	}
	if skipRegistered {
		t.Error("disabled task re-registered after restart")
	}
}
