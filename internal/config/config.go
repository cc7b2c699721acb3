// Package config loads the sentinel runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`
	// Creator names the human the runtime works for, recorded on
	// identity facts.
	Creator string `yaml:"creator"`

	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Goals     GoalsConfig     `yaml:"goals"`
	Mind      MindConfig      `yaml:"mind"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
}

// ServerConfig configures the gateway listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxSessions     int           `yaml:"max_sessions"`
	MaxApprovals    int           `yaml:"max_approvals"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
}

// ApprovalMode controls how non-safe tools are authorized.
type ApprovalMode string

const (
	ModeSmartAuto ApprovalMode = "smart_auto"
	ModeFullAuto  ApprovalMode = "full_auto"
	ModeManual    ApprovalMode = "manual"
)

// AgentConfig configures the agent loop and tool execution.
type AgentConfig struct {
	MaxSteps          int           `yaml:"max_steps"`
	MaxWallTime       time.Duration `yaml:"max_wall_time"`
	MaxConsecutiveErr int           `yaml:"max_consecutive_errors"`
	RepeatWindow      int           `yaml:"repeat_window"`
	HistoryLimit      int           `yaml:"history_limit"`
	ApprovalMode      ApprovalMode  `yaml:"approval_mode"`
	DisabledTools     []string      `yaml:"disabled_tools"`
	// ToolOverrides maps tool name to "auto" or "ask".
	ToolOverrides map[string]string `yaml:"tool_overrides"`
}

// LLMConfig configures the router and budgets.
type LLMConfig struct {
	Provider      string  `yaml:"provider"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	PlanningModel string  `yaml:"planning_model"`
	DailyBudget   float64 `yaml:"daily_budget_usd"`
}

// SchedulerConfig configures the durable task scheduler.
type SchedulerConfig struct {
	Enabled           bool `yaml:"enabled"`
	DefaultMaxRetries int  `yaml:"default_max_retries"`
}

// GoalsConfig configures goal decomposition and the background runner.
type GoalsConfig struct {
	MaxCheckpoints        int           `yaml:"max_checkpoints"`
	MaxCheckpointAttempts int           `yaml:"max_checkpoint_attempts"`
	MaxLLMCalls           int           `yaml:"max_llm_calls"`
	MaxWallTime           time.Duration `yaml:"max_wall_time"`
	MaxCostUSD            float64       `yaml:"max_cost_usd"`
	CheckpointTimeout     time.Duration `yaml:"checkpoint_timeout"`
	AutoContinue          bool          `yaml:"auto_continue"`
}

// MindConfig configures the autonomous mind loop.
type MindConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WakeupInterval time.Duration `yaml:"wakeup_interval"`
	WarmupInterval time.Duration `yaml:"warmup_interval"`
	MaxInterval    time.Duration `yaml:"max_interval"`
	CycleTimeout   time.Duration `yaml:"cycle_timeout"`
	// BudgetFraction of the daily LLM budget reserved for autonomous work.
	BudgetFraction  float64       `yaml:"budget_fraction"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
}

// SwarmProfileConfig declares one external coding-agent profile.
type SwarmProfileConfig struct {
	Name           string            `yaml:"name"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	Strengths      []string          `yaml:"strengths"`
	MaxTimeSeconds int               `yaml:"max_time_seconds"`
	DoneCriteria   string            `yaml:"done_criteria"`
}

// SwarmConfig configures the external agent supervisor.
type SwarmConfig struct {
	Enabled         bool                 `yaml:"enabled"`
	RepoPath        string               `yaml:"repo_path"`
	WorktreeDir     string               `yaml:"worktree_dir"`
	MaxAgents       int                  `yaml:"max_agents"`
	MonitorInterval time.Duration        `yaml:"monitor_interval"`
	CleanupOnCI     bool                 `yaml:"cleanup_on_ci_success"`
	Profiles        []SwarmProfileConfig `yaml:"profiles"`
}

// KnowledgeConfig configures the knowledge store and vector sidecar.
type KnowledgeConfig struct {
	VectorEnabled bool `yaml:"vector_enabled"`
	VectorDims    int  `yaml:"vector_dims"`
	SearchLimit   int  `yaml:"search_limit"`
}

// Default returns the configuration defaults applied before YAML overlay.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Creator: "operator",
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			MaxSessions:     64,
			MaxApprovals:    32,
			ApprovalTimeout: 5 * time.Minute,
		},
		Agent: AgentConfig{
			MaxSteps:          500,
			MaxWallTime:       10 * time.Minute,
			MaxConsecutiveErr: 5,
			RepeatWindow:      8,
			HistoryLimit:      20,
			ApprovalMode:      ModeSmartAuto,
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			DailyBudget: 5.0,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			DefaultMaxRetries: 3,
		},
		Goals: GoalsConfig{
			MaxCheckpoints:        15,
			MaxCheckpointAttempts: 3,
			MaxLLMCalls:           100,
			MaxWallTime:           2 * time.Hour,
			MaxCostUSD:            2.0,
			CheckpointTimeout:     10 * time.Minute,
			AutoContinue:          true,
		},
		Mind: MindConfig{
			WakeupInterval:  30 * time.Minute,
			WarmupInterval:  2 * time.Minute,
			MaxInterval:     4 * time.Hour,
			CycleTimeout:    5 * time.Minute,
			BudgetFraction:  0.1,
			ApprovalTimeout: time.Minute,
		},
		Swarm: SwarmConfig{
			WorktreeDir:     ".worktrees",
			MaxAgents:       3,
			MonitorInterval: time.Minute,
			CleanupOnCI:     true,
		},
		Knowledge: KnowledgeConfig{
			VectorDims:  1536,
			SearchLimit: 5,
		},
	}
}

// Load reads YAML from path over the defaults. A missing file returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.sanitize()
	return cfg, nil
}

func (c *Config) sanitize() {
	d := Default()
	if c.Creator == "" {
		c.Creator = d.Creator
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = d.Agent.MaxSteps
	}
	if c.Agent.MaxConsecutiveErr <= 0 {
		c.Agent.MaxConsecutiveErr = d.Agent.MaxConsecutiveErr
	}
	if c.Agent.RepeatWindow <= 0 {
		c.Agent.RepeatWindow = d.Agent.RepeatWindow
	}
	if c.Agent.HistoryLimit <= 0 {
		c.Agent.HistoryLimit = d.Agent.HistoryLimit
	}
	if c.Server.ApprovalTimeout <= 0 {
		c.Server.ApprovalTimeout = d.Server.ApprovalTimeout
	}
	if c.Goals.MaxCheckpoints <= 0 || c.Goals.MaxCheckpoints > 15 {
		c.Goals.MaxCheckpoints = d.Goals.MaxCheckpoints
	}
	if c.Mind.BudgetFraction <= 0 || c.Mind.BudgetFraction > 1 {
		c.Mind.BudgetFraction = d.Mind.BudgetFraction
	}
	if c.Knowledge.VectorDims <= 0 {
		c.Knowledge.VectorDims = d.Knowledge.VectorDims
	}
}

// DatabasePath returns the SQLite file location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sentinel.db")
}

// ScratchpadPath returns the mind scratchpad location.
func (c *Config) ScratchpadPath() string {
	return filepath.Join(c.DataDir, "scratchpad.md")
}

// MindLogPath returns the mind action log location.
func (c *Config) MindLogPath() string {
	return filepath.Join(c.DataDir, "mind_actions.log")
}
