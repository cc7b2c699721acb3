package gateway

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/sentinel/internal/agent"
	"github.com/haasonsaas/sentinel/internal/config"
	"github.com/haasonsaas/sentinel/internal/sessions"
	"github.com/haasonsaas/sentinel/internal/store"
	"github.com/haasonsaas/sentinel/pkg/models"
	"github.com/haasonsaas/sentinel/pkg/protocol"
)

// approvalRunner asks for approval on goals containing "write" and
// answers immediately otherwise.
type approvalRunner struct{}

func (approvalRunner) Run(ctx context.Context, goal string, _ *models.Session, opts agent.RunOptions) (*agent.Response, error) {
	if strings.Contains(goal, "write") {
		prompt := &agent.ApprovalPrompt{
			ID:       uuid.NewString(),
			ToolName: "file_write",
			Params:   []byte(`{"path":"a.txt"}`),
		}
		if opts.Approval == nil || !opts.Approval(ctx, prompt) {
			return &agent.Response{Content: "denied", StopReason: "completed"}, nil
		}
		return &agent.Response{Content: "file written", StopReason: "completed"}, nil
	}
	return &agent.Response{Content: "hello", StopReason: "completed"}, nil
}

func startTestGateway(t *testing.T) *Gateway {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		MaxSessions:     8,
		MaxApprovals:    8,
		ApprovalTimeout: 5 * time.Second,
	}
	g := New(cfg, approvalRunner{}, sessions.NewManager(st, 0, nil), st, nil, nil)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func dialClient(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+g.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	raw, err := msg.ToWire()
	if err != nil {
		t.Fatalf("ToWire() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFor reads messages until one of the wanted type arrives.
func waitFor(t *testing.T, conn *websocket.Conn, want protocol.MessageType, timeout time.Duration) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		msg, err := protocol.FromWire(raw)
		if err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func chat(content string) *protocol.Message {
	m := protocol.New(protocol.TypeChat)
	m.Channel = string(models.ChannelTerminal)
	m.UserID = "alice"
	m.Data["content"] = content
	return m
}

func TestChatRoundTrip(t *testing.T) {
	g := startTestGateway(t)
	conn := dialClient(t, g)

	send(t, conn, chat("hi there"))
	resp := waitFor(t, conn, protocol.TypeResponse, 3*time.Second)
	if got := resp.String("content"); got != "hello" {
		t.Errorf("response content = %q, want %q", got, "hello")
	}
	if !resp.Bool("done") {
		t.Error("response not marked done")
	}
}

func TestApprovalRouting(t *testing.T) {
	g := startTestGateway(t)
	connA := dialClient(t, g)
	connB := dialClient(t, g)

	// Bind both clients to the same session first.
	send(t, connA, chat("hi"))
	waitFor(t, connA, protocol.TypeResponse, 3*time.Second)
	send(t, connB, chat("hi"))
	waitFor(t, connB, protocol.TypeResponse, 3*time.Second)

	// A triggers a tool that needs approval; B approves it.
	send(t, connA, chat("please write the file"))
	req := waitFor(t, connB, protocol.TypeApprovalRequest, 3*time.Second)
	if got := req.String("tool_name"); got != "file_write" {
		t.Errorf("approval tool = %q", got)
	}

	resp := protocol.New(protocol.TypeApprovalResponse)
	resp.ID = req.ID
	resp.SessionID = req.SessionID
	resp.Data["approved"] = true
	send(t, connB, resp)

	// A alone gets the response; B gets the task_complete event.
	answer := waitFor(t, connA, protocol.TypeResponse, 3*time.Second)
	if got := answer.String("content"); got != "file written" {
		t.Errorf("response content = %q, want %q", got, "file written")
	}
	for {
		ev := waitFor(t, connB, protocol.TypeEvent, 3*time.Second)
		if name, _ := ev.Event(); name == protocol.EventTaskComplete {
			break
		}
	}
}

func TestApprovalTimeoutDeniesTool(t *testing.T) {
	g := startTestGateway(t)
	g.approvals.timeout = 50 * time.Millisecond
	conn := dialClient(t, g)

	send(t, conn, chat("write it"))
	// Nobody answers the approval request; the runner sees a denial.
	resp := waitFor(t, conn, protocol.TypeResponse, 3*time.Second)
	if got := resp.String("content"); got != "denied" {
		t.Errorf("response content = %q, want %q", got, "denied")
	}

	// The persisted row is resolved right away, not left pending for
	// the next startup sweep.
	history, err := g.ApprovalHistory(context.Background(), 5)
	if err != nil {
		t.Fatalf("ApprovalHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("approval rows = %d, want 1", len(history))
	}
	if history[0].Status != "denied" {
		t.Errorf("status = %q, want denied", history[0].Status)
	}
	if history[0].ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
}

func TestStatusCommand(t *testing.T) {
	g := startTestGateway(t)
	conn := dialClient(t, g)

	cmd := protocol.New(protocol.TypeCommand)
	cmd.Data["command"] = "/status"
	send(t, conn, cmd)
	resp := waitFor(t, conn, protocol.TypeResponse, 3*time.Second)
	if got := resp.String("content"); !strings.Contains(got, "client(s)") {
		t.Errorf("status output = %q", got)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	g := startTestGateway(t)
	conn := dialClient(t, g)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","id":"1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	errMsg := waitFor(t, conn, protocol.TypeError, 3*time.Second)
	if got := errMsg.String("detail"); !strings.Contains(got, "unknown message type") {
		t.Errorf("error detail = %q", got)
	}
}
