package supervise

import (
	"context"
	"testing"
	"time"
)

func TestGoAndStop(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	err := s.Go(context.Background(), "ticker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Go() error = %v", err)
	}
	<-started
	if !s.Running("ticker") {
		t.Fatal("task not reported running")
	}

	s.Stop("ticker", time.Second)
	if s.Running("ticker") {
		t.Fatal("task still running after Stop")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	s := New(nil)
	block := make(chan struct{})
	if err := s.Go(context.Background(), "one", func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("Go() error = %v", err)
	}
	if err := s.Go(context.Background(), "one", func(context.Context) error { return nil }); err == nil {
		t.Error("expected duplicate name error")
	}
	close(block)
	s.StopAll(time.Second)
}

func TestPanicContained(t *testing.T) {
	s := New(nil)
	if err := s.Go(context.Background(), "boom", func(context.Context) error {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("Go() error = %v", err)
	}
	deadline := time.After(time.Second)
	for s.Running("boom") {
		select {
		case <-deadline:
			t.Fatal("panicked task never cleared")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
