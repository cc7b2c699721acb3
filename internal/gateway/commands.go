package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/sentinel/pkg/protocol"
)

// CommandFunc handles one slash command and returns the response
// content.
type CommandFunc func(ctx context.Context, args string) (string, error)

// RegisterCommand adds or replaces a slash-command handler, letting
// other subsystems expose their own commands.
func (g *Gateway) RegisterCommand(name string, fn CommandFunc) {
	g.mu.Lock()
	g.commands[name] = fn
	g.mu.Unlock()
}

func (g *Gateway) handleCommand(ctx context.Context, c *client, msg *protocol.Message) {
	raw := strings.TrimSpace(strings.TrimPrefix(msg.String("command"), "/"))
	name, args, _ := strings.Cut(raw, " ")

	g.mu.RLock()
	fn, ok := g.commands[name]
	g.mu.RUnlock()

	reply := protocol.New(protocol.TypeResponse)
	reply.Data["reply_to"] = msg.ID
	reply.Data["done"] = true
	if !ok {
		reply.Data["content"] = fmt.Sprintf("unknown command %q, try /help", name)
		c.enqueue(reply)
		return
	}

	content, err := fn(ctx, strings.TrimSpace(args))
	if err != nil {
		c.enqueue(protocol.NewError(err.Error(), msg.ID))
		return
	}
	reply.Data["content"] = content
	c.enqueue(reply)
}

func (g *Gateway) registerBuiltinCommands() {
	g.commands["status"] = func(context.Context, string) (string, error) {
		g.mu.RLock()
		clients := len(g.clients)
		g.mu.RUnlock()
		return fmt.Sprintf("up %s, %d client(s), %d approval(s) pending",
			time.Since(g.started).Round(time.Second), clients, g.approvals.count()), nil
	}
	g.commands["sessions"] = func(ctx context.Context, _ string) (string, error) {
		list, err := g.sessions.ListActive(ctx, 20)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "no active sessions", nil
		}
		var b strings.Builder
		for _, s := range list {
			fmt.Fprintf(&b, "%s %s:%s last active %s\n",
				s.ID[:8], s.Channel, s.UserID, s.LastActive.Format(time.RFC3339))
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
	g.commands["approvals"] = func(ctx context.Context, _ string) (string, error) {
		list, err := g.ApprovalHistory(ctx, 20)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "no approval requests", nil
		}
		var b strings.Builder
		for _, req := range list {
			fmt.Fprintf(&b, "%s [%s] %s at %s\n",
				req.ID[:8], req.Status, req.ToolName, req.CreatedAt.Format(time.RFC3339))
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
	g.commands["help"] = func(context.Context, string) (string, error) {
		g.mu.RLock()
		names := make([]string, 0, len(g.commands))
		for name := range g.commands {
			names = append(names, "/"+name)
		}
		g.mu.RUnlock()
		sort.Strings(names)
		return "commands: " + strings.Join(names, ", "), nil
	}
}
