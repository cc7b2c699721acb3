package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/sentinel/pkg/models"
)

// Worktrees manages the isolated per-agent checkouts.
type Worktrees interface {
	Add(ctx context.Context, path, branch string) error
	Remove(ctx context.Context, path string) error
	DeleteBranch(ctx context.Context, branch string) error
}

type gitWorktrees struct {
	repo string
	run  commandRunner
}

// NewGitWorktrees returns the git-backed worktree manager for repo.
func NewGitWorktrees(repo string) Worktrees {
	return &gitWorktrees{repo: repo, run: runCommand}
}

func (g *gitWorktrees) Add(ctx context.Context, path, branch string) error {
	_, err := g.run(ctx, "git", "-C", g.repo, "worktree", "add", "-b", branch, path)
	return err
}

func (g *gitWorktrees) Remove(ctx context.Context, path string) error {
	_, err := g.run(ctx, "git", "-C", g.repo, "worktree", "remove", "--force", path)
	return err
}

func (g *gitWorktrees) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "git", "-C", g.repo, "branch", "-d", branch)
	return err
}

// PullRequest is the slice of PR state the monitor tracks.
type PullRequest struct {
	URL    string
	Number int
}

// PRPlatform queries the remote for pull requests and their CI checks.
type PRPlatform interface {
	// FindPR returns the PR whose head is branch, or nil.
	FindPR(ctx context.Context, branch string) (*PullRequest, error)
	// CheckStates returns the per-check conclusion states of a PR.
	CheckStates(ctx context.Context, number int) ([]string, error)
}

type ghPlatform struct {
	repo string
	run  commandRunner
}

// NewGHPlatform returns the gh-CLI-backed PR platform rooted at repo.
func NewGHPlatform(repo string) PRPlatform {
	return &ghPlatform{repo: repo, run: runCommandIn(repo)}
}

func (g *ghPlatform) FindPR(ctx context.Context, branch string) (*PullRequest, error) {
	out, err := g.run(ctx, "gh", "pr", "list",
		"--head", branch, "--json", "url,number", "--limit", "1")
	if err != nil {
		// gh without a matching PR still exits zero; a real error here
		// is transient (network, auth) and the monitor retries.
		return nil, err
	}
	var prs []struct {
		URL    string `json:"url"`
		Number int    `json:"number"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &prs); err != nil {
		return nil, fmt.Errorf("parse gh pr list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PullRequest{URL: prs[0].URL, Number: prs[0].Number}, nil
}

func (g *ghPlatform) CheckStates(ctx context.Context, number int) ([]string, error) {
	out, err := g.run(ctx, "gh", "pr", "checks", fmt.Sprint(number), "--json", "state")
	if err != nil {
		return nil, err
	}
	var checks []struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &checks); err != nil {
		return nil, fmt.Errorf("parse gh pr checks: %w", err)
	}
	states := make([]string, 0, len(checks))
	for _, c := range checks {
		states = append(states, strings.ToLower(c.State))
	}
	return states, nil
}

// reduceCI folds per-check states into one status: success only when
// every check succeeded, failure when any failed.
func reduceCI(states []string) models.CIStatus {
	if len(states) == 0 {
		return models.CIUnknown
	}
	pending := false
	allSuccess := true
	for _, s := range states {
		switch s {
		case "success", "pass", "skipped", "neutral":
		case "failure", "error", "fail", "cancelled", "timed_out":
			return models.CIFailure
		case "pending", "queued", "in_progress", "expected":
			pending = true
			allSuccess = false
		default:
			allSuccess = false
		}
	}
	switch {
	case pending:
		return models.CIPending
	case allSuccess:
		return models.CISuccess
	default:
		return models.CIUnknown
	}
}
