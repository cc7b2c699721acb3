// Package sessions owns the durable set of per-(channel,user)
// conversations, with an in-memory cache over the SQLite store.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
)

// DefaultHistoryLimit bounds a session's conversation history.
const DefaultHistoryLimit = 20

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Manager resolves, caches, and persists sessions.
type Manager struct {
	store        *store.Store
	logger       *slog.Logger
	historyLimit int

	mu    sync.RWMutex
	byID  map[string]*models.Session
	byKey map[string]string // session key -> session id
}

// NewManager creates a session manager backed by the given store.
func NewManager(st *store.Store, historyLimit int, logger *slog.Logger) *Manager {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        st,
		logger:       logger,
		historyLimit: historyLimit,
		byID:         make(map[string]*models.Session),
		byKey:        make(map[string]string),
	}
}

// GetOrCreate returns the unique session for a (channel, user) pair,
// creating it on first contact.
func (m *Manager) GetOrCreate(ctx context.Context, channel models.ChannelType, userID string) (*models.Session, error) {
	key := models.SessionKey(channel, userID)

	m.mu.RLock()
	if id, ok := m.byKey[key]; ok {
		if s, ok := m.byID[id]; ok {
			m.mu.RUnlock()
			return s, nil
		}
	}
	m.mu.RUnlock()

	if s, err := m.lookupByKey(ctx, channel, userID); err == nil {
		m.cache(s)
		return s, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	s := &models.Session{
		ID:         uuid.NewString(),
		Channel:    channel,
		UserID:     userID,
		History:    []models.Turn{},
		CreatedAt:  now,
		LastActive: now,
	}
	if err := m.Save(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", s.ID, "channel", channel, "user_id", userID)
	return s, nil
}

// Get fetches a session by id, cache first.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	if s, ok := m.byID[id]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	row := m.store.QueryRow(ctx,
		`SELECT id, channel, user_id, history, metadata, created_at, last_active FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row.Scan)
	if err != nil {
		return nil, err
	}
	m.cache(s)
	return s, nil
}

// Save upserts the session and refreshes the cache.
func (m *Manager) Save(ctx context.Context, s *models.Session) error {
	history, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	var metadata any
	if s.Metadata != nil {
		raw, err := json.Marshal(s.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(raw)
	}
	err = m.store.Execute(ctx, `
		INSERT INTO sessions (id, channel, user_id, history, metadata, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			history = excluded.history,
			metadata = excluded.metadata,
			last_active = excluded.last_active`,
		s.ID, string(s.Channel), s.UserID, string(history), metadata,
		s.CreatedAt.UTC(), s.LastActive.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.cache(s)
	return nil
}

// AppendTurn appends a user/assistant pair, trims history to the
// configured bound, stamps last_active, and persists.
func (m *Manager) AppendTurn(ctx context.Context, s *models.Session, userMsg, assistantMsg string) error {
	s.History = append(s.History,
		models.Turn{Role: models.RoleUser, Content: userMsg},
		models.Turn{Role: models.RoleAssistant, Content: assistantMsg},
	)
	if over := len(s.History) - m.historyLimit; over > 0 {
		s.History = append([]models.Turn(nil), s.History[over:]...)
	}
	s.LastActive = time.Now().UTC()
	return m.Save(ctx, s)
}

// ListActive returns recently active sessions, most recent first.
func (m *Manager) ListActive(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.store.Query(ctx,
		`SELECT id, channel, user_id, history, metadata, created_at, last_active
		 FROM sessions ORDER BY last_active DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CleanupStale removes sessions idle longer than maxAge and returns
// the number removed.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	rows, err := m.store.Query(ctx, `SELECT id FROM sessions WHERE last_active < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(ids) == 0 {
		return 0, nil
	}
	if err := m.store.Execute(ctx, `DELETE FROM sessions WHERE last_active < ?`, cutoff); err != nil {
		return 0, err
	}

	m.mu.Lock()
	for _, id := range ids {
		if s, ok := m.byID[id]; ok {
			delete(m.byKey, s.Key())
			delete(m.byID, id)
		}
	}
	m.mu.Unlock()

	m.logger.Info("stale sessions removed", "count", len(ids))
	return len(ids), nil
}

func (m *Manager) lookupByKey(ctx context.Context, channel models.ChannelType, userID string) (*models.Session, error) {
	row := m.store.QueryRow(ctx,
		`SELECT id, channel, user_id, history, metadata, created_at, last_active
		 FROM sessions WHERE channel = ? AND user_id = ?`, string(channel), userID)
	return scanSession(row.Scan)
}

func (m *Manager) cache(s *models.Session) {
	m.mu.Lock()
	m.byID[s.ID] = s
	m.byKey[s.Key()] = s.ID
	m.mu.Unlock()
}

func scanSession(scan func(dest ...any) error) (*models.Session, error) {
	var (
		s        models.Session
		channel  string
		history  string
		metadata sql.NullString
	)
	err := scan(&s.ID, &channel, &s.UserID, &history, &metadata, &s.CreatedAt, &s.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Channel = models.ChannelType(channel)
	if err := json.Unmarshal([]byte(history), &s.History); err != nil {
		// Tolerant read: a corrupt history column yields an empty history.
		s.History = []models.Turn{}
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &s.Metadata)
	}
	return &s, nil
}
