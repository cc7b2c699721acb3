package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st, 0, nil)
}

func TestGetOrCreateUnique(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, models.ChannelTelegram, "u1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	b, err := m.GetOrCreate(ctx, models.ChannelTelegram, "u1")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("same (channel,user) returned different sessions: %s vs %s", a.ID, b.ID)
	}

	c, err := m.GetOrCreate(ctx, models.ChannelDiscord, "u1")
	if err != nil {
		t.Fatalf("GetOrCreate() other channel error = %v", err)
	}
	if c.ID == a.ID {
		t.Error("different channels must not share a session")
	}
}

func TestGetOrCreateSurvivesCacheLoss(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, models.ChannelTerminal, "u2")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	// Fresh manager on the same store simulates a restart.
	m2 := NewManager(m.store, 0, nil)
	b, err := m2.GetOrCreate(ctx, models.ChannelTerminal, "u2")
	if err != nil {
		t.Fatalf("GetOrCreate() after restart error = %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("session id changed across restart: %s vs %s", a.ID, b.ID)
	}
}

func TestAppendTurnTrimsHistory(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, models.ChannelTerminal, "u3")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	for i := 0; i < 30; i++ {
		if err := m.AppendTurn(ctx, s, "question", "answer"); err != nil {
			t.Fatalf("AppendTurn() %d error = %v", i, err)
		}
	}
	if len(s.History) != DefaultHistoryLimit {
		t.Errorf("history length = %d, want %d", len(s.History), DefaultHistoryLimit)
	}
	for i, turn := range s.History {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		if turn.Role != want {
			t.Errorf("turn %d role = %s, want %s", i, turn.Role, want)
		}
	}

	// Reload from disk and confirm the trim persisted.
	m2 := NewManager(m.store, 0, nil)
	got, err := m2.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.History) != DefaultHistoryLimit {
		t.Errorf("persisted history length = %d, want %d", len(got.History), DefaultHistoryLimit)
	}
}

func TestListActiveOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	old, _ := m.GetOrCreate(ctx, models.ChannelTerminal, "old")
	old.LastActive = time.Now().UTC().Add(-time.Hour)
	if err := m.Save(ctx, old); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	recent, _ := m.GetOrCreate(ctx, models.ChannelTerminal, "recent")

	got, err := m.ListActive(ctx, 10)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListActive() returned %d sessions, want 2", len(got))
	}
	if got[0].ID != recent.ID || got[1].ID != old.ID {
		t.Errorf("wrong order: got [%s %s]", got[0].UserID, got[1].UserID)
	}
}

func TestCleanupStale(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	stale, _ := m.GetOrCreate(ctx, models.ChannelTerminal, "stale")
	stale.LastActive = time.Now().UTC().Add(-48 * time.Hour)
	if err := m.Save(ctx, stale); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	fresh, _ := m.GetOrCreate(ctx, models.ChannelTerminal, "fresh")

	removed, err := m.CleanupStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := m.Get(ctx, stale.ID); err == nil {
		t.Error("stale session still retrievable")
	}
	if _, err := m.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh session lost: %v", err)
	}

	// A new session for the same pair gets a new id.
	again, err := m.GetOrCreate(ctx, models.ChannelTerminal, "stale")
	if err != nil {
		t.Fatalf("GetOrCreate() after cleanup error = %v", err)
	}
	if again.ID == stale.ID {
		t.Error("cleanup did not release the (channel,user) key")
	}
}
