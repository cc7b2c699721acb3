package protocol

import (
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []*Message{
		{Type: TypeChat, ID: "m1", Channel: "telegram", UserID: "u1", Data: map[string]any{"content": "hello"}},
		{Type: TypeResponse, ID: "m2", SessionID: "s1", Data: map[string]any{"content": "hi", "done": true}},
		{Type: TypeApprovalRequest, ID: "r1", SessionID: "s1", Data: map[string]any{"tool_name": "shell_exec"}},
		{Type: TypeApprovalResponse, ID: "r1", Data: map[string]any{"approved": true}},
		{Type: TypeCommand, ID: "c1", Data: map[string]any{"command": "status"}},
		{Type: TypeStatus, ID: "h1"},
		{Type: TypeError, ID: "e1", Data: map[string]any{"detail": "boom", "reply_to": "m9"}},
	}
	for _, msg := range cases {
		raw, err := msg.ToWire()
		if err != nil {
			t.Fatalf("ToWire(%s): %v", msg.Type, err)
		}
		got, err := FromWire(raw)
		if err != nil {
			t.Fatalf("FromWire(%s): %v", msg.Type, err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Errorf("round trip %s: got %+v, want %+v", msg.Type, got, msg)
		}
	}
}

func TestEventRoundTrip(t *testing.T) {
	msg := NewEvent(EventGoalCompleted, map[string]any{"goal_id": "g1"})
	raw, err := msg.ToWire()
	if err != nil {
		t.Fatalf("ToWire: %v", err)
	}
	got, err := FromWire(raw)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	ev, ok := got.Event()
	if !ok || ev != EventGoalCompleted {
		t.Errorf("Event() = %q, %v; want %q, true", ev, ok, EventGoalCompleted)
	}
	if got.String("goal_id") != "g1" {
		t.Errorf("goal_id = %q, want g1", got.String("goal_id"))
	}
}

func TestFromWireRejectsUnknownType(t *testing.T) {
	if _, err := FromWire([]byte(`{"type":"bogus","id":"x"}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := FromWire([]byte(`{"id":"x"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := FromWire([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestNewAssignsFreshID(t *testing.T) {
	a, b := New(TypeResponse), New(TypeResponse)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
}
