package swarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
	"github.com/haasonsaas/sentinel/pkg/protocol"
)

// ErrNotFound is returned for unknown agent ids.
var ErrNotFound = errors.New("swarm agent not found")

const (
	knowledgeTopK  = 3
	nameBonus      = 10
	defaultTyping  = 3 * time.Second
	closingRequest = "When the task is complete, commit your work and open a pull request."
)

// KnowledgeSearcher supplies context chunks for prompt enrichment.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, error)
}

// Notifier fans swarm events out to connected clients.
type Notifier interface {
	BroadcastEvent(sessionID string, event protocol.EventType, data map[string]any)
}

// Manager spawns, redirects, stops, and monitors external coding
// agents.
type Manager struct {
	store     *store.Store
	cfg       config.SwarmConfig
	host      ProcessHost
	worktrees Worktrees
	prs       PRPlatform
	knowledge KnowledgeSearcher
	notify    Notifier
	logger    *slog.Logger

	// typingDelay is how long to wait after launch before typing the
	// prompt, giving the agent CLI time to come up.
	typingDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(st *store.Store, cfg config.SwarmConfig, host ProcessHost, worktrees Worktrees,
	prs PRPlatform, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       st,
		cfg:         cfg,
		host:        host,
		worktrees:   worktrees,
		prs:         prs,
		logger:      logger,
		typingDelay: defaultTyping,
	}
}

func (m *Manager) SetKnowledge(k KnowledgeSearcher) { m.knowledge = k }
func (m *Manager) SetNotifier(n Notifier)           { m.notify = n }

// selectProfile scores profile strengths as substrings of the lowered
// task, with a large bonus for an explicit name mention. Ties keep
// configuration order.
func (m *Manager) selectProfile(task, explicit string) (*config.SwarmProfileConfig, error) {
	if len(m.cfg.Profiles) == 0 {
		return nil, fmt.Errorf("no swarm profiles configured")
	}
	if explicit != "" {
		for i := range m.cfg.Profiles {
			if m.cfg.Profiles[i].Name == explicit {
				return &m.cfg.Profiles[i], nil
			}
		}
		return nil, fmt.Errorf("unknown swarm profile %q", explicit)
	}

	lowered := strings.ToLower(task)
	best := 0
	bestScore := -1
	for i := range m.cfg.Profiles {
		p := &m.cfg.Profiles[i]
		score := 0
		for _, s := range p.Strengths {
			if strings.Contains(lowered, strings.ToLower(s)) {
				score++
			}
		}
		if strings.Contains(lowered, strings.ToLower(p.Name)) {
			score += nameBonus
		}
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return &m.cfg.Profiles[best], nil
}

// Spawn launches one external agent on an isolated branch.
func (m *Manager) Spawn(ctx context.Context, task, profileName, branch, extraContext string) (*models.SwarmAgent, error) {
	running, err := m.Running(ctx)
	if err != nil {
		return nil, err
	}
	if m.cfg.MaxAgents > 0 && len(running) >= m.cfg.MaxAgents {
		return nil, fmt.Errorf("swarm at capacity: %d agents running", len(running))
	}

	profile, err := m.selectProfile(task, profileName)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	short := id[:8]
	if branch == "" {
		branch = "swarm/" + slugify(task) + "-" + short
	}
	worktree := filepath.Join(m.cfg.WorktreeDir, strings.ReplaceAll(branch, "/", "-"))
	session := "swarm-" + short

	if err := m.worktrees.Add(ctx, worktree, branch); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	prompt := m.enrichPrompt(ctx, task, extraContext)
	if err := os.WriteFile(filepath.Join(worktree, "TASK.md"), []byte(prompt), 0o644); err != nil {
		m.logger.Warn("persist prompt failed", "agent_id", id, "error", err)
	}

	if err := m.host.Launch(ctx, session, worktree, profile.Command, profile.Args, profile.Env); err != nil {
		_ = m.worktrees.Remove(ctx, worktree)
		return nil, fmt.Errorf("launch agent: %w", err)
	}

	agent := &models.SwarmAgent{
		ID:             id,
		Profile:        profile.Name,
		Task:           task,
		Branch:         branch,
		WorktreePath:   worktree,
		TmuxSession:    session,
		Status:         models.SwarmRunning,
		DoneCriteria:   models.DoneCriteria(profile.DoneCriteria),
		EnrichedPrompt: prompt,
		SpawnedAt:      time.Now().UTC(),
	}
	if agent.DoneCriteria == "" {
		agent.DoneCriteria = models.DonePRCreated
	}
	err = m.store.Execute(ctx, `
		INSERT INTO swarm_agents (id, profile, task, branch, worktree_path, tmux_session,
		                          status, done_criteria, enriched_prompt, spawned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Profile, agent.Task, agent.Branch, agent.WorktreePath, agent.TmuxSession,
		string(agent.Status), string(agent.DoneCriteria), agent.EnrichedPrompt, agent.SpawnedAt)
	if err != nil {
		_ = m.host.Kill(ctx, session)
		_ = m.worktrees.Remove(ctx, worktree)
		return nil, fmt.Errorf("save agent: %w", err)
	}

	// Let the agent CLI start before typing the task at it.
	time.AfterFunc(m.typingDelay, func() {
		typeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.host.SendInput(typeCtx, session, prompt); err != nil {
			m.logger.Warn("type prompt failed", "agent_id", id, "error", err)
		}
	})

	m.log(ctx, id, "spawned", profile.Name+" on "+branch)
	m.emit(protocol.EventAgentSpawned, map[string]any{
		"agent_id": id, "profile": profile.Name, "branch": branch, "task": truncate(task, 200),
	})
	m.logger.Info("swarm agent spawned", "agent_id", id, "profile", profile.Name, "branch", branch)
	return agent, nil
}

// enrichPrompt combines the task, extra context, and relevant
// knowledge into the prompt typed into the agent session.
func (m *Manager) enrichPrompt(ctx context.Context, task, extra string) string {
	var b strings.Builder
	b.WriteString(task)
	if extra != "" {
		b.WriteString("\n\nAdditional context:\n")
		b.WriteString(extra)
	}
	if m.knowledge != nil {
		if chunks, err := m.knowledge.Search(ctx, task, knowledgeTopK); err == nil && len(chunks) > 0 {
			b.WriteString("\n\nRelevant notes:\n")
			for _, c := range chunks {
				fmt.Fprintf(&b, "- [%s] %s\n", c.HeadingPath, truncate(c.Content, 300))
			}
		}
	}
	b.WriteString("\n\n")
	b.WriteString(closingRequest)
	return b.String()
}

// Redirect types new instructions into a running agent's session.
func (m *Manager) Redirect(ctx context.Context, id, instructions string) error {
	agent, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if agent.Status != models.SwarmRunning {
		return fmt.Errorf("agent %s is %s, not running", id, agent.Status)
	}
	if err := m.host.SendInput(ctx, agent.TmuxSession, instructions); err != nil {
		return err
	}
	m.log(ctx, id, "redirected", truncate(instructions, 300))
	m.emit(protocol.EventAgentRedirected, map[string]any{"agent_id": id})
	return nil
}

// StopAgent kills the session and records why.
func (m *Manager) StopAgent(ctx context.Context, id, reason string) error {
	agent, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.host.Kill(ctx, agent.TmuxSession); err != nil {
		m.logger.Warn("kill session failed", "agent_id", id, "error", err)
	}
	err = m.store.Execute(ctx, `
		UPDATE swarm_agents SET status = ?, stopped_reason = ?, completed_at = ? WHERE id = ?`,
		string(models.SwarmStopped), reason, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	m.log(ctx, id, "stopped", reason)
	m.emit(protocol.EventAgentStopped, map[string]any{"agent_id": id, "reason": reason})
	return nil
}

// StartMonitor launches the periodic supervision loop. Running agents
// are picked up from the store each tick, so restart survival needs no
// extra reload step.
func (m *Manager) StartMonitor(ctx context.Context) {
	interval := m.cfg.MonitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.pollOnce(runCtx)
			}
		}
	}()
	m.logger.Info("swarm monitor started", "interval", interval)
}

// StopMonitor halts the supervision loop.
func (m *Manager) StopMonitor() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// pollOnce checks every running agent for liveness, PR state, CI, and
// timeout.
func (m *Manager) pollOnce(ctx context.Context) {
	running, err := m.Running(ctx)
	if err != nil {
		m.logger.Warn("list running agents failed", "error", err)
		return
	}
	for _, agent := range running {
		m.checkAgent(ctx, agent)
	}
}

func (m *Manager) checkAgent(ctx context.Context, agent *models.SwarmAgent) {
	alive := m.host.IsAlive(ctx, agent.TmuxSession)

	if agent.PRURL == "" && m.prs != nil {
		pr, err := m.prs.FindPR(ctx, agent.Branch)
		if err != nil {
			m.logger.Warn("pr lookup failed", "agent_id", agent.ID, "error", err)
		} else if pr != nil {
			agent.PRURL = pr.URL
			agent.PRNumber = pr.Number
			if err := m.store.Execute(ctx,
				`UPDATE swarm_agents SET pr_url = ?, pr_number = ? WHERE id = ?`,
				pr.URL, pr.Number, agent.ID); err != nil {
				m.logger.Warn("record pr failed", "agent_id", agent.ID, "error", err)
			}
			m.log(ctx, agent.ID, "pr_opened", pr.URL)
		}
	}

	if agent.PRNumber > 0 && m.prs != nil {
		states, err := m.prs.CheckStates(ctx, agent.PRNumber)
		if err != nil {
			m.logger.Warn("ci lookup failed", "agent_id", agent.ID, "error", err)
		} else {
			status := reduceCI(states)
			if status != agent.CIStatus {
				agent.CIStatus = status
				if err := m.store.Execute(ctx,
					`UPDATE swarm_agents SET ci_status = ? WHERE id = ?`,
					string(status), agent.ID); err != nil {
					m.logger.Warn("record ci status failed", "agent_id", agent.ID, "error", err)
				}
			}
		}
	}

	done := false
	switch agent.DoneCriteria {
	case models.DonePRCreated:
		done = agent.PRURL != ""
	case models.DoneCIPassed:
		done = agent.CIStatus == models.CISuccess
	}

	switch {
	case done:
		m.complete(ctx, agent)
		return
	case !alive:
		m.fail(ctx, agent, "session died before completion")
		return
	}

	if timeout := m.profileTimeout(agent.Profile); timeout > 0 && time.Since(agent.SpawnedAt) > timeout {
		if err := m.StopAgent(ctx, agent.ID, "timeout"); err != nil {
			m.logger.Warn("timeout stop failed", "agent_id", agent.ID, "error", err)
		}
	}
}

func (m *Manager) complete(ctx context.Context, agent *models.SwarmAgent) {
	err := m.store.Execute(ctx,
		`UPDATE swarm_agents SET status = ?, completed_at = ? WHERE id = ?`,
		string(models.SwarmCompleted), time.Now().UTC(), agent.ID)
	if err != nil {
		m.logger.Warn("complete agent failed", "agent_id", agent.ID, "error", err)
		return
	}
	m.log(ctx, agent.ID, "completed", agent.PRURL)
	m.emit(protocol.EventAgentCompleted, map[string]any{
		"agent_id": agent.ID, "pr_url": agent.PRURL, "ci_status": string(agent.CIStatus),
	})
	m.logger.Info("swarm agent completed", "agent_id", agent.ID, "pr_url", agent.PRURL)

	if m.cfg.CleanupOnCI && agent.CIStatus == models.CISuccess {
		if err := m.worktrees.Remove(ctx, agent.WorktreePath); err != nil {
			m.logger.Warn("remove worktree failed", "agent_id", agent.ID, "error", err)
			return
		}
		if err := m.worktrees.DeleteBranch(ctx, agent.Branch); err != nil {
			m.logger.Warn("delete branch failed", "agent_id", agent.ID, "error", err)
		}
	}
}

func (m *Manager) fail(ctx context.Context, agent *models.SwarmAgent, reason string) {
	err := m.store.Execute(ctx,
		`UPDATE swarm_agents SET status = ?, stopped_reason = ?, completed_at = ? WHERE id = ?`,
		string(models.SwarmFailed), reason, time.Now().UTC(), agent.ID)
	if err != nil {
		m.logger.Warn("fail agent failed", "agent_id", agent.ID, "error", err)
		return
	}
	m.log(ctx, agent.ID, "failed", reason)
	m.emit(protocol.EventAgentFailed, map[string]any{"agent_id": agent.ID, "reason": reason})
	m.logger.Warn("swarm agent failed", "agent_id", agent.ID, "reason", reason)
}

func (m *Manager) profileTimeout(name string) time.Duration {
	for _, p := range m.cfg.Profiles {
		if p.Name == name {
			return time.Duration(p.MaxTimeSeconds) * time.Second
		}
	}
	return 0
}

// Get fetches one agent.
func (m *Manager) Get(ctx context.Context, id string) (*models.SwarmAgent, error) {
	row := m.store.QueryRow(ctx, selectAgent+` WHERE id = ?`, id)
	agent, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return agent, err
}

// Running returns all agents in running state, oldest first.
func (m *Manager) Running(ctx context.Context) ([]*models.SwarmAgent, error) {
	return m.list(ctx, selectAgent+` WHERE status = ? ORDER BY spawned_at`, string(models.SwarmRunning))
}

// List returns every agent, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]*models.SwarmAgent, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.list(ctx, selectAgent+` ORDER BY spawned_at DESC LIMIT ?`, limit)
}

func (m *Manager) list(ctx context.Context, query string, args ...any) ([]*models.SwarmAgent, error) {
	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SwarmAgent
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// Logs returns an agent's activity log, oldest first.
func (m *Manager) Logs(ctx context.Context, agentID string, limit int) ([]models.SwarmLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.store.Query(ctx, `
		SELECT agent_id, event, detail, created_at FROM swarm_agent_logs
		WHERE agent_id = ? ORDER BY created_at LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SwarmLogEntry
	for rows.Next() {
		var (
			e      models.SwarmLogEntry
			detail sql.NullString
		)
		if err := rows.Scan(&e.AgentID, &e.Event, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m *Manager) log(ctx context.Context, agentID, event, detail string) {
	err := m.store.Execute(ctx,
		`INSERT INTO swarm_agent_logs (agent_id, event, detail, created_at) VALUES (?, ?, ?, ?)`,
		agentID, event, detail, time.Now().UTC())
	if err != nil {
		m.logger.Warn("write swarm log failed", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) emit(event protocol.EventType, data map[string]any) {
	if m.notify != nil {
		m.notify.BroadcastEvent("", event, data)
	}
}

const selectAgent = `
	SELECT id, profile, task, branch, worktree_path, tmux_session, status, done_criteria,
	       pr_url, pr_number, ci_status, enriched_prompt, spawned_at, completed_at, stopped_reason
	FROM swarm_agents`

func scanAgent(scan func(dest ...any) error) (*models.SwarmAgent, error) {
	var (
		a         models.SwarmAgent
		status    string
		criteria  string
		prURL     sql.NullString
		prNumber  sql.NullInt64
		ciStatus  sql.NullString
		prompt    sql.NullString
		completed sql.NullTime
		stopped   sql.NullString
	)
	err := scan(&a.ID, &a.Profile, &a.Task, &a.Branch, &a.WorktreePath, &a.TmuxSession,
		&status, &criteria, &prURL, &prNumber, &ciStatus, &prompt, &a.SpawnedAt, &completed, &stopped)
	if err != nil {
		return nil, err
	}
	a.Status = models.SwarmStatus(status)
	a.DoneCriteria = models.DoneCriteria(criteria)
	a.PRURL = prURL.String
	a.PRNumber = int(prNumber.Int64)
	a.CIStatus = models.CIStatus(ciStatus.String)
	a.EnrichedPrompt = prompt.String
	a.StoppedReason = stopped.String
	if completed.Valid {
		t := completed.Time
		a.CompletedAt = &t
	}
	return &a, nil
}

// slugify lowers the task and keeps a short branch-safe token.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
		if b.Len() >= 24 {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "task"
	}
	return slug
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
