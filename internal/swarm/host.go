// Package swarm supervises external coding agents in isolated git
// worktrees, each driven through a terminal multiplexer session and
// monitored until its pull request lands.
package swarm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ProcessHost abstracts the terminal multiplexer so the monitor can be
// tested without tmux.
type ProcessHost interface {
	// Launch starts a detached session running command in dir.
	Launch(ctx context.Context, session, dir, command string, args []string, env map[string]string) error
	// IsAlive reports whether the session still exists.
	IsAlive(ctx context.Context, session string) bool
	// SendInput types text into the session followed by Enter.
	SendInput(ctx context.Context, session, input string) error
	// Kill terminates the session.
	Kill(ctx context.Context, session string) error
}

// commandRunner executes one external command and returns its combined
// output. Swappable in tests.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// runCommandIn returns a runner that executes with dir as the working
// directory, for CLIs that resolve the repository from cwd.
func runCommandIn(dir string) commandRunner {
	return func(ctx context.Context, name string, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return string(out), nil
	}
}

// tmuxHost drives tmux through its CLI.
type tmuxHost struct {
	run commandRunner
}

// NewTmuxHost returns the tmux-backed process host.
func NewTmuxHost() ProcessHost {
	return &tmuxHost{run: runCommand}
}

func (h *tmuxHost) Launch(ctx context.Context, session, dir, command string, args []string, env map[string]string) error {
	full := command
	if len(args) > 0 {
		full += " " + strings.Join(args, " ")
	}
	tmuxArgs := []string{"new-session", "-d", "-s", session, "-c", dir}
	for k, v := range env {
		tmuxArgs = append(tmuxArgs, "-e", k+"="+v)
	}
	tmuxArgs = append(tmuxArgs, full)
	_, err := h.run(ctx, "tmux", tmuxArgs...)
	return err
}

func (h *tmuxHost) IsAlive(ctx context.Context, session string) bool {
	_, err := h.run(ctx, "tmux", "has-session", "-t", session)
	return err == nil
}

func (h *tmuxHost) SendInput(ctx context.Context, session, input string) error {
	if _, err := h.run(ctx, "tmux", "send-keys", "-t", session, input); err != nil {
		return err
	}
	_, err := h.run(ctx, "tmux", "send-keys", "-t", session, "Enter")
	return err
}

func (h *tmuxHost) Kill(ctx context.Context, session string) error {
	_, err := h.run(ctx, "tmux", "kill-session", "-t", session)
	return err
}
