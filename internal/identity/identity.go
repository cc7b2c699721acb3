// Package identity owns the agent's single-row self-model and the
// journal of its evolution.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
)

// ErrImmutableField is returned for attempts to evolve the creator.
var ErrImmutableField = errors.New("identity: creator is immutable")

// evolvable names the fields Evolve accepts.
var evolvable = map[string]bool{
	"display_name":        true,
	"purpose":             true,
	"values":              true,
	"beliefs":             true,
	"curiosities":         true,
	"boundaries":          true,
	"capabilities":        true,
	"personality":         true,
	"communication_style": true,
}

// Service loads, caches, and evolves the identity row.
type Service struct {
	store  *store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	current *models.Identity
}

// New loads the identity, seeding a default row on first run.
func New(ctx context.Context, st *store.Store, creator string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: st, logger: logger}

	ident, err := s.load(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		ident = &models.Identity{
			Creator:   creator,
			Purpose:   "Assist " + creator + " and act autonomously within agreed boundaries.",
			UpdatedAt: time.Now().UTC(),
		}
		if err := s.save(ctx, ident); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	s.current = ident
	return s, nil
}

// Get returns a copy of the current identity.
func (s *Service) Get() models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.current
}

// Evolve applies one journaled field change. The creator field is
// rejected.
func (s *Service) Evolve(ctx context.Context, trigger, field, newValue, reason string, confidence float64) error {
	if field == "creator" {
		return ErrImmutableField
	}
	if !evolvable[field] {
		return fmt.Errorf("identity: unknown field %q", field)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current
	old := setField(&next, field, newValue)
	next.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, &next); err != nil {
		return err
	}
	if err := s.store.Execute(ctx, `
		INSERT INTO identity_evolution ("trigger", field, old_value, new_value, reason, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trigger, field, old, newValue, reason, confidence, next.UpdatedAt); err != nil {
		return fmt.Errorf("journal evolution: %w", err)
	}
	s.current = &next
	s.logger.Info("identity evolved", "field", field, "trigger", trigger)
	return nil
}

// History returns the most recent evolution entries, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]models.IdentityEvolution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.store.Query(ctx, `
		SELECT id, "trigger", field, old_value, new_value, reason, confidence, created_at
		FROM identity_evolution ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IdentityEvolution
	for rows.Next() {
		var e models.IdentityEvolution
		if err := rows.Scan(&e.ID, &e.Trigger, &e.Field, &e.OldValue, &e.NewValue,
			&e.Reason, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Context renders the identity for the system prompt. Empty fields
// are skipped.
func (s *Service) Context(context.Context) string {
	ident := s.Get()
	var b strings.Builder
	write := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	write("Creator", ident.Creator)
	write("Name", ident.DisplayName)
	write("Purpose", ident.Purpose)
	write("Values", ident.Values)
	write("Beliefs", ident.Beliefs)
	write("Curiosities", ident.Curiosities)
	write("Boundaries", ident.Boundaries)
	write("Capabilities", ident.Capabilities)
	write("Personality", ident.Personality)
	write("Communication style", ident.CommunicationStyle)
	return strings.TrimRight(b.String(), "\n")
}

// RecordReflection journals a lightweight post-task observation under
// the capabilities field without altering it.
func (s *Service) RecordReflection(ctx context.Context, taskGoal, outcome string) {
	err := s.store.Execute(ctx, `
		INSERT INTO identity_evolution ("trigger", field, old_value, new_value, reason, confidence, created_at)
		VALUES ('task_reflection', 'capabilities', '', '', ?, 0, ?)`,
		fmt.Sprintf("task %q finished: %s", truncate(taskGoal, 120), truncate(outcome, 200)),
		time.Now().UTC())
	if err != nil {
		s.logger.Warn("record reflection failed", "error", err)
	}
}

func (s *Service) load(ctx context.Context) (*models.Identity, error) {
	row := s.store.QueryRow(ctx, `
		SELECT creator, display_name, purpose, vals, beliefs, curiosities, boundaries,
		       capabilities, personality, communication_style, updated_at
		FROM identity WHERE id = 1`)
	var (
		ident models.Identity
		ns    [9]sql.NullString
	)
	err := row.Scan(&ident.Creator, &ns[0], &ns[1], &ns[2], &ns[3], &ns[4], &ns[5], &ns[6], &ns[7], &ns[8], &ident.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ident.DisplayName = ns[0].String
	ident.Purpose = ns[1].String
	ident.Values = ns[2].String
	ident.Beliefs = ns[3].String
	ident.Curiosities = ns[4].String
	ident.Boundaries = ns[5].String
	ident.Capabilities = ns[6].String
	ident.Personality = ns[7].String
	ident.CommunicationStyle = ns[8].String
	return &ident, nil
}

func (s *Service) save(ctx context.Context, ident *models.Identity) error {
	err := s.store.Execute(ctx, `
		INSERT INTO identity (id, creator, display_name, purpose, vals, beliefs, curiosities,
		                      boundaries, capabilities, personality, communication_style, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			purpose = excluded.purpose,
			vals = excluded.vals,
			beliefs = excluded.beliefs,
			curiosities = excluded.curiosities,
			boundaries = excluded.boundaries,
			capabilities = excluded.capabilities,
			personality = excluded.personality,
			communication_style = excluded.communication_style,
			updated_at = excluded.updated_at`,
		ident.Creator, ident.DisplayName, ident.Purpose, ident.Values, ident.Beliefs,
		ident.Curiosities, ident.Boundaries, ident.Capabilities, ident.Personality,
		ident.CommunicationStyle, ident.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func setField(ident *models.Identity, field, value string) (old string) {
	switch field {
	case "display_name":
		old, ident.DisplayName = ident.DisplayName, value
	case "purpose":
		old, ident.Purpose = ident.Purpose, value
	case "values":
		old, ident.Values = ident.Values, value
	case "beliefs":
		old, ident.Beliefs = ident.Beliefs, value
	case "curiosities":
		old, ident.Curiosities = ident.Curiosities, value
	case "boundaries":
		old, ident.Boundaries = ident.Boundaries, value
	case "capabilities":
		old, ident.Capabilities = ident.Capabilities, value
	case "personality":
		old, ident.Personality = ident.Personality, value
	case "communication_style":
		old, ident.CommunicationStyle = ident.CommunicationStyle, value
	}
	return old
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
