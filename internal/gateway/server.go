// Package gateway is the duplex message server: it accepts websocket
// clients, binds each to its session, routes chats into the agent
// loop, and fans events out to session subscribers.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/sentinel/internal/agent"
	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/observability"
	"github.com/haasonsaas/sentinel/internal/sessions"
	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
	"github.com/haasonsaas/sentinel/pkg/protocol"
)

// AgentRunner is the slice of the agent the gateway drives.
type AgentRunner interface {
	Run(ctx context.Context, goal string, session *models.Session, opts agent.RunOptions) (*agent.Response, error)
}

// Gateway is the websocket front door.
type Gateway struct {
	cfg       config.ServerConfig
	runner    AgentRunner
	sessions  *sessions.Manager
	store     *store.Store
	approvals *approvalRegistry
	metrics   *observability.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	started   time.Time

	httpServer *http.Server
	addr       string

	mu           sync.RWMutex
	clients      map[string]*client
	sessionLocks map[string]*sync.Mutex
	commands     map[string]CommandFunc

	onChat     func(sessionID string)
	onComplete func(sessionID string)
}

// SetInteractionHooks registers callbacks fired when a user chat
// arrives and when its agent run completes. Background subsystems use
// these to yield to the user. Call before Start.
func (g *Gateway) SetInteractionHooks(onChat, onComplete func(sessionID string)) {
	g.onChat = onChat
	g.onComplete = onComplete
}

// New creates a gateway. st may be nil; approval requests are then
// not persisted.
func New(cfg config.ServerConfig, runner AgentRunner, sess *sessions.Manager, st *store.Store,
	metrics *observability.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:       cfg,
		runner:    runner,
		sessions:  sess,
		store:     st,
		approvals: newApprovalRegistry(cfg.ApprovalTimeout, cfg.MaxApprovals),
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:      make(map[string]*client),
		sessionLocks: make(map[string]*sync.Mutex),
		commands:     make(map[string]CommandFunc),
	}
	g.registerBuiltinCommands()
	return g
}

// Start binds the listener and serves until Shutdown. It returns once
// the listener is bound; serving continues in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.started = time.Now()
	if g.store != nil {
		// Futures did not survive the previous process, so lingering
		// pending rows resolve as denied.
		if err := g.store.Execute(ctx,
			`UPDATE approval_requests SET status = 'denied', resolved_at = ? WHERE status = 'pending'`,
			time.Now().UTC()); err != nil {
			g.logger.Warn("deny stale approvals failed", "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if g.metrics != nil {
		mux.Handle("/metrics", g.metrics.Handler())
	}

	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	g.addr = listener.Addr().String()
	g.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server failed", "error", err)
		}
	}()
	g.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, for tests that use port 0.
func (g *Gateway) Addr() string { return g.addr }

// Shutdown closes the listener, resolves pending approvals as denied,
// and disconnects clients.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	if g.httpServer != nil {
		err = g.httpServer.Shutdown(ctx)
	}
	g.approvals.denyAll()

	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.clients = make(map[string]*client)
	g.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return err
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(uuid.NewString(), conn)

	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	g.metrics.ClientConnected(1)

	go c.writeLoop()
	g.readLoop(r.Context(), c)

	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
	g.metrics.ClientConnected(-1)
	c.close()
}

func (g *Gateway) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxPayloadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.FromWire(raw)
		if err != nil {
			c.enqueue(protocol.NewError(err.Error(), ""))
			continue
		}
		g.metrics.Message(string(msg.Type), "in")
		g.route(ctx, c, msg)
	}
}

func (g *Gateway) route(ctx context.Context, c *client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeChat:
		g.handleChat(ctx, c, msg)
	case protocol.TypeApprovalResponse:
		g.handleApprovalResponse(ctx, msg)
	case protocol.TypeCommand:
		g.handleCommand(ctx, c, msg)
	case protocol.TypeStatus:
		reply := protocol.New(protocol.TypeStatus)
		reply.Data["ok"] = true
		reply.Data["reply_to"] = msg.ID
		c.enqueue(reply)
	default:
		c.enqueue(protocol.NewError(fmt.Sprintf("clients may not send %q messages", msg.Type), msg.ID))
	}
}

// handleChat binds the client on first contact, serializes per
// session, and runs the agent loop.
func (g *Gateway) handleChat(ctx context.Context, c *client, msg *protocol.Message) {
	content := msg.String("content")
	if content == "" {
		c.enqueue(protocol.NewError("chat message has no content", msg.ID))
		return
	}

	channel, userID, boundSession := c.binding()
	if boundSession == "" {
		channel = models.ChannelType(msg.Channel)
		if channel == "" {
			channel = models.ChannelTerminal
		}
		userID = msg.UserID
		if userID == "" {
			userID = c.id
		}
		if !g.sessionCapacityFor() {
			c.enqueue(protocol.NewError("session limit reached, try again later", msg.ID))
			return
		}
	}

	session, err := g.sessions.GetOrCreate(ctx, channel, userID)
	if err != nil {
		c.enqueue(protocol.NewError("session lookup failed: "+err.Error(), msg.ID))
		return
	}
	c.bind(channel, userID, session.ID)

	go g.runChat(c, msg, session, content)
}

func (g *Gateway) runChat(c *client, msg *protocol.Message, session *models.Session, content string) {
	// One chat at a time per session; a second request waits here.
	lock := g.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	if g.onChat != nil {
		g.onChat(session.ID)
	}
	if g.onComplete != nil {
		// Fires on error paths too, so a failed run does not leave the
		// background subsystems yielded forever.
		defer g.onComplete(session.ID)
	}

	ctx := context.Background()
	resp, err := g.runner.Run(ctx, content, session, agent.RunOptions{
		Approval: g.sessionApproval(session.ID),
		OnStep: func(tool, args string) {
			g.BroadcastEvent(session.ID, protocol.EventStepProgress, map[string]any{
				"tool": tool, "args": args,
			})
		},
	})
	if err != nil {
		c.enqueue(protocol.NewError("agent run failed: "+err.Error(), msg.ID))
		g.BroadcastEvent(session.ID, protocol.EventTaskError, map[string]any{"detail": err.Error()})
		return
	}
	g.metrics.AgentRunFinished(resp.StopReason)

	reply := protocol.New(protocol.TypeResponse)
	reply.SessionID = session.ID
	reply.Data["content"] = resp.Content
	reply.Data["done"] = true
	reply.Data["steps_taken"] = resp.StepsTaken
	reply.Data["reply_to"] = msg.ID
	c.enqueue(reply)
	g.metrics.Message(string(protocol.TypeResponse), "out")

	g.broadcastSession(session.ID, protocol.NewEvent(protocol.EventTaskComplete, map[string]any{
		"content": resp.Content,
	}), c.id)
}

func (g *Gateway) handleApprovalResponse(ctx context.Context, msg *protocol.Message) {
	approved := msg.Bool("approved")
	if !g.approvals.resolve(msg.ID, approved) {
		g.logger.Debug("approval response for unknown request", "id", msg.ID)
		return
	}
	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	g.metrics.ApprovalResolved(outcome)
	g.persistApprovalOutcome(ctx, msg.ID, outcome)
	g.BroadcastEvent(msg.SessionID, protocol.EventApprovalResolved, map[string]any{
		"request_id": msg.ID, "approved": approved,
	})
}

// RequestApproval broadcasts an approval request to the session's
// clients and waits for the matching response. Timeout or shutdown
// denies. Safe to call from any subsystem.
func (g *Gateway) RequestApproval(ctx context.Context, sessionID string, prompt *agent.ApprovalPrompt, timeout time.Duration) bool {
	ch, err := g.approvals.create(prompt.ID)
	if err != nil {
		g.logger.Warn("approval rejected", "tool", prompt.ToolName, "error", err)
		return false
	}

	msg := protocol.New(protocol.TypeApprovalRequest)
	msg.ID = prompt.ID
	msg.SessionID = sessionID
	msg.Data["tool_name"] = prompt.ToolName
	msg.Data["description"] = prompt.Description
	msg.Data["params"] = string(prompt.Params)
	g.persistApprovalRequest(ctx, prompt)

	if sessionID == "" {
		g.broadcastAll(msg)
	} else {
		g.broadcastSession(sessionID, msg, "")
	}
	g.metrics.Message(string(protocol.TypeApprovalRequest), "out")

	approved, answered := g.approvals.wait(ctx, prompt.ID, ch, timeout)
	if !answered {
		// No client responded in time. Resolve the persisted row now
		// instead of leaving it pending until the next startup sweep.
		g.metrics.ApprovalResolved("denied")
		g.persistApprovalOutcome(context.Background(), prompt.ID, "denied")
		g.BroadcastEvent(sessionID, protocol.EventApprovalResolved, map[string]any{
			"request_id": prompt.ID, "approved": false,
		})
	}
	return approved
}

// sessionApproval adapts RequestApproval into the executor callback
// shape for one session.
func (g *Gateway) sessionApproval(sessionID string) agent.ApprovalFunc {
	return func(ctx context.Context, prompt *agent.ApprovalPrompt) bool {
		return g.RequestApproval(ctx, sessionID, prompt, 0)
	}
}

func (g *Gateway) persistApprovalRequest(ctx context.Context, prompt *agent.ApprovalPrompt) {
	if g.store == nil {
		return
	}
	err := g.store.Execute(ctx, `
		INSERT INTO approval_requests (id, tool_name, description, params, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		prompt.ID, prompt.ToolName, prompt.Description, string(prompt.Params), time.Now().UTC())
	if err != nil {
		g.logger.Warn("persist approval request failed", "error", err)
	}
}

// ApprovalHistory returns persisted approval requests, newest first.
func (g *Gateway) ApprovalHistory(ctx context.Context, limit int) ([]models.ApprovalRequest, error) {
	if g.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := g.store.Query(ctx, `
		SELECT id, tool_name, description, params, status, created_at, resolved_at
		FROM approval_requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ApprovalRequest
	for rows.Next() {
		var req models.ApprovalRequest
		var params string
		var resolved sql.NullTime
		if err := rows.Scan(&req.ID, &req.ToolName, &req.Description, &params,
			&req.Status, &req.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		req.Params = json.RawMessage(params)
		if resolved.Valid {
			t := resolved.Time
			req.ResolvedAt = &t
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (g *Gateway) persistApprovalOutcome(ctx context.Context, id, status string) {
	if g.store == nil {
		return
	}
	err := g.store.Execute(ctx,
		`UPDATE approval_requests SET status = ?, resolved_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		g.logger.Warn("persist approval outcome failed", "error", err)
	}
}

// BroadcastEvent publishes an event to the session's subscribers, or
// to every client when sessionID is empty.
func (g *Gateway) BroadcastEvent(sessionID string, event protocol.EventType, data map[string]any) {
	msg := protocol.NewEvent(event, data)
	msg.SessionID = sessionID
	if sessionID == "" {
		g.broadcastAll(msg)
		return
	}
	g.broadcastSession(sessionID, msg, "")
}

func (g *Gateway) broadcastAll(msg *protocol.Message) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.clients {
		if !c.enqueue(msg) {
			g.logger.Debug("dropped broadcast", "client", c.id, "type", msg.Type)
		}
	}
}

// broadcastSession delivers to clients bound to the session,
// excluding exceptID when non-empty.
func (g *Gateway) broadcastSession(sessionID string, msg *protocol.Message, exceptID string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.clients {
		if c.id == exceptID {
			continue
		}
		if _, _, bound := c.binding(); bound != sessionID {
			continue
		}
		if !c.enqueue(msg) {
			g.logger.Debug("dropped broadcast", "client", c.id, "type", msg.Type)
		}
	}
}

func (g *Gateway) sessionLock(sessionID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		g.sessionLocks[sessionID] = lock
	}
	return lock
}

// sessionCapacityFor applies the soft cap on concurrently bound
// sessions.
func (g *Gateway) sessionCapacityFor() bool {
	if g.cfg.MaxSessions <= 0 {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	bound := make(map[string]struct{})
	for _, c := range g.clients {
		if _, _, id := c.binding(); id != "" {
			bound[id] = struct{}{}
		}
	}
	return len(bound) < g.cfg.MaxSessions
}
