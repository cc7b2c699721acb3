// Package knowledge owns the indexed knowledge base and the task
// memory log, with keyword search and an optional vector sidecar.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
)

// Embedder turns text into a fixed-dimension vector. The zero service
// works without one and falls back to keyword search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// Service is the knowledge and task-memory store.
type Service struct {
	store       *store.Store
	embedder    Embedder
	searchLimit int
	logger      *slog.Logger
}

// New creates the service. embedder may be nil; when present the
// vector sidecar is (re)created for its dimensionality.
func New(ctx context.Context, st *store.Store, embedder Embedder, searchLimit int, logger *slog.Logger) (*Service, error) {
	if searchLimit <= 0 {
		searchLimit = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: st, embedder: embedder, searchLimit: searchLimit, logger: logger}
	if embedder != nil {
		if err := st.CreateVectorIndex(ctx, embedder.Dims()); err != nil {
			// Degrade to keyword search rather than failing startup.
			logger.Warn("vector index unavailable, falling back to keyword search", "error", err)
			s.embedder = nil
		}
	}
	return s, nil
}

// SaveChunk redacts and persists one chunk, embedding it when a
// vector index is available. The chunk's ID and redacted content are
// updated in place.
func (s *Service) SaveChunk(ctx context.Context, chunk *models.KnowledgeChunk) error {
	chunk.Content = Redact(chunk.Content)
	if chunk.IndexedAt.IsZero() {
		chunk.IndexedAt = time.Now().UTC()
	}
	tags, _ := json.Marshal(chunk.Tags)

	id, err := s.store.ExecuteInsert(ctx, `
		INSERT INTO knowledge_chunks (file_path, heading_path, content, tags, scope, token_count, file_updated_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.FilePath, chunk.HeadingPath, chunk.Content, string(tags), chunk.Scope,
		chunk.TokenCount, chunk.FileUpdatedAt.UTC(), chunk.IndexedAt.UTC())
	if err != nil {
		return fmt.Errorf("save chunk: %w", err)
	}
	chunk.ID = id

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, chunk.Content)
		if err != nil {
			s.logger.Warn("embed chunk failed", "chunk_id", id, "error", err)
			return nil
		}
		if err := s.store.Execute(ctx,
			`INSERT INTO knowledge_vectors (chunk_id, embedding) VALUES (?, ?)
			 ON CONFLICT(chunk_id) DO UPDATE SET embedding = excluded.embedding`,
			id, store.EncodeVector(vec)); err != nil {
			s.logger.Warn("save embedding failed", "chunk_id", id, "error", err)
		}
	}
	return nil
}

// DeleteByPath removes every chunk indexed from one file, used on
// re-index.
func (s *Service) DeleteByPath(ctx context.Context, filePath string) error {
	return s.store.Execute(ctx, `DELETE FROM knowledge_chunks WHERE file_path = ?`, filePath)
}

// Search returns the most relevant chunks for a query: cosine ranking
// over the vector sidecar when available, keyword match otherwise.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, error) {
	if limit <= 0 {
		limit = s.searchLimit
	}
	if s.embedder != nil {
		chunks, err := s.vectorSearch(ctx, query, limit)
		if err == nil {
			return chunks, nil
		}
		s.logger.Warn("vector search failed, using keyword search", "error", err)
	}
	return s.keywordSearch(ctx, query, limit)
}

func (s *Service) vectorSearch(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, error) {
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Query(ctx, `SELECT chunk_id, embedding FROM knowledge_vectors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		id    int64
		score float64
	}
	var ranked []scored
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		if score := store.Cosine(qvec, store.DecodeVector(blob)); score > 0 {
			ranked = append(ranked, scored{id: id, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]models.KnowledgeChunk, 0, len(ranked))
	for _, r := range ranked {
		chunk, err := s.getChunk(ctx, r.id)
		if err != nil {
			continue
		}
		out = append(out, *chunk)
	}
	return out, nil
}

func (s *Service) keywordSearch(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	var (
		conds []string
		args  []any
	)
	for _, term := range terms {
		conds = append(conds, `(lower(content) LIKE ? OR lower(heading_path) LIKE ?)`)
		pat := "%" + term + "%"
		args = append(args, pat, pat)
	}
	args = append(args, limit)

	rows, err := s.store.Query(ctx, `
		SELECT id, file_path, heading_path, content, tags, scope, token_count, file_updated_at, indexed_at
		FROM knowledge_chunks WHERE `+strings.Join(conds, " OR ")+`
		ORDER BY indexed_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.KnowledgeChunk
	for rows.Next() {
		chunk, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *chunk)
	}
	return out, rows.Err()
}

func (s *Service) getChunk(ctx context.Context, id int64) (*models.KnowledgeChunk, error) {
	row := s.store.QueryRow(ctx, `
		SELECT id, file_path, heading_path, content, tags, scope, token_count, file_updated_at, indexed_at
		FROM knowledge_chunks WHERE id = ?`, id)
	return scanChunk(row.Scan)
}

func scanChunk(scan func(dest ...any) error) (*models.KnowledgeChunk, error) {
	var (
		c    models.KnowledgeChunk
		tags string
	)
	if err := scan(&c.ID, &c.FilePath, &c.HeadingPath, &c.Content, &tags, &c.Scope,
		&c.TokenCount, &c.FileUpdatedAt, &c.IndexedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &c.Tags)
	return &c, nil
}

// SaveTaskMemory records one completed task for later recall.
func (s *Service) SaveTaskMemory(ctx context.Context, mem *models.TaskMemory) error {
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	tools, _ := json.Marshal(mem.ToolsUsed)
	id, err := s.store.ExecuteInsert(ctx, `
		INSERT INTO task_memories (session_id, task_goal, task_summary, outcome, tools_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mem.SessionID, mem.TaskGoal, Redact(mem.TaskSummary), mem.Outcome, string(tools), mem.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save task memory: %w", err)
	}
	mem.ID = id
	return nil
}

// RecallMemories returns recent task memories matching the query,
// newest first.
func (s *Service) RecallMemories(ctx context.Context, query string, limit int) ([]models.TaskMemory, error) {
	if limit <= 0 {
		limit = s.searchLimit
	}
	pat := "%" + strings.ToLower(query) + "%"
	rows, err := s.store.Query(ctx, `
		SELECT id, session_id, task_goal, task_summary, outcome, tools_used, created_at
		FROM task_memories
		WHERE lower(task_goal) LIKE ? OR lower(task_summary) LIKE ?
		ORDER BY created_at DESC LIMIT ?`, pat, pat, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskMemory
	for rows.Next() {
		var (
			m     models.TaskMemory
			tools string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TaskGoal, &m.TaskSummary, &m.Outcome, &tools, &m.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(tools), &m.ToolsUsed)
		out = append(out, m)
	}
	return out, rows.Err()
}
