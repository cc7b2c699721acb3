package store

import (
	"context"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	user_id TEXT NOT NULL,
	history TEXT NOT NULL DEFAULT '[]',
	metadata TEXT,
	created_at DATETIME NOT NULL,
	last_active DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_channel_user ON sessions(channel, user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	cron_expression TEXT NOT NULL,
	task_goal TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_run_at DATETIME,
	next_run_at DATETIME,
	last_status TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS schedule_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	schedule_id TEXT NOT NULL REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	steps_taken INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule ON schedule_runs(schedule_id, started_at);

CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	goal TEXT NOT NULL,
	status TEXT NOT NULL,
	plan TEXT,
	context_summary TEXT,
	current_checkpoint INTEGER NOT NULL DEFAULT 0,
	total_checkpoints INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	llm_calls_used INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status, updated_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	goal_id TEXT NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
	ord INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	success_criteria TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	result_summary TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	completed_at DATETIME,
	PRIMARY KEY (goal_id, ord)
);

CREATE TABLE IF NOT EXISTS identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	creator TEXT NOT NULL,
	display_name TEXT,
	purpose TEXT,
	vals TEXT,
	beliefs TEXT,
	curiosities TEXT,
	boundaries TEXT,
	capabilities TEXT,
	personality TEXT,
	communication_style TEXT,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_evolution (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	"trigger" TEXT NOT NULL,
	field TEXT NOT NULL,
	old_value TEXT,
	new_value TEXT,
	reason TEXT,
	confidence REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS swarm_agents (
	id TEXT PRIMARY KEY,
	profile TEXT NOT NULL,
	task TEXT NOT NULL,
	branch TEXT NOT NULL,
	worktree_path TEXT NOT NULL,
	tmux_session TEXT NOT NULL,
	status TEXT NOT NULL,
	done_criteria TEXT NOT NULL,
	pr_url TEXT,
	pr_number INTEGER,
	ci_status TEXT,
	enriched_prompt TEXT,
	spawned_at DATETIME NOT NULL,
	completed_at DATETIME,
	stopped_reason TEXT
);

CREATE TABLE IF NOT EXISTS swarm_agent_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL REFERENCES swarm_agents(id) ON DELETE CASCADE,
	event TEXT NOT NULL,
	detail TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	description TEXT,
	params TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL,
	heading_path TEXT NOT NULL,
	content TEXT NOT NULL,
	tags TEXT,
	scope TEXT,
	token_count INTEGER NOT NULL DEFAULT 0,
	file_updated_at DATETIME,
	indexed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_path ON knowledge_chunks(file_path);

CREATE TABLE IF NOT EXISTS task_memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	task_goal TEXT NOT NULL,
	task_summary TEXT NOT NULL,
	outcome TEXT NOT NULL,
	tools_used TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_memories_created ON task_memories(created_at);
`

// migrations are column additions applied after the base schema.
// Re-running one that already applied produces a duplicate-column
// error, which init swallows.
var migrations = []string{
	`ALTER TABLE scheduled_tasks ADD COLUMN last_status TEXT`,
	`ALTER TABLE goals ADD COLUMN cost_usd REAL NOT NULL DEFAULT 0`,
	`ALTER TABLE swarm_agents ADD COLUMN ci_status TEXT`,
}

func (s *Store) init() error {
	ctx := context.Background()
	if err := s.ExecuteScript(ctx, schema); err != nil {
		return err
	}
	for _, m := range migrations {
		if err := s.Execute(ctx, m); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
