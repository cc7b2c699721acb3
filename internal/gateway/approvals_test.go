package gateway

import (
	"context"
	"testing"
	"time"
)

func TestApprovalResolvedExactlyOnce(t *testing.T) {
	r := newApprovalRegistry(time.Second, 8)
	ch, err := r.create("r1")
	if err != nil {
		t.Fatalf("create() error = %v", err)
	}

	if !r.resolve("r1", true) {
		t.Fatal("first resolve failed")
	}
	if r.resolve("r1", false) {
		t.Fatal("second resolve succeeded; future resolved twice")
	}
	got, answered := r.wait(context.Background(), "r1", ch, time.Second)
	if !got || !answered {
		t.Errorf("wait() = (%t, %t), want the delivered approval", got, answered)
	}
	if r.count() != 0 {
		t.Errorf("pending count = %d, want 0", r.count())
	}
}

func TestApprovalTimeoutDenies(t *testing.T) {
	r := newApprovalRegistry(time.Hour, 8)
	ch, err := r.create("r2")
	if err != nil {
		t.Fatalf("create() error = %v", err)
	}
	start := time.Now()
	got, answered := r.wait(context.Background(), "r2", ch, 20*time.Millisecond)
	if got {
		t.Error("timed-out approval resolved as approved")
	}
	if answered {
		t.Error("timeout reported as a client answer")
	}
	if time.Since(start) > time.Second {
		t.Error("wait did not respect the per-call timeout")
	}
	// The entry is removed, so a late response finds nothing.
	if r.resolve("r2", true) {
		t.Error("late resolve found a dangling entry")
	}
}

func TestApprovalCancellationRemovesEntry(t *testing.T) {
	r := newApprovalRegistry(time.Hour, 8)
	ch, err := r.create("r3")
	if err != nil {
		t.Fatalf("create() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got, answered := r.wait(ctx, "r3", ch, time.Hour); got || answered {
		t.Error("cancelled wait approved")
	}
	if r.count() != 0 {
		t.Errorf("pending count = %d, want 0", r.count())
	}
}

func TestApprovalCap(t *testing.T) {
	r := newApprovalRegistry(time.Second, 2)
	if _, err := r.create("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.create("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.create("c"); err == nil {
		t.Error("expected cap error")
	}
}

func TestDenyAll(t *testing.T) {
	r := newApprovalRegistry(time.Hour, 8)
	ch1, _ := r.create("x")
	ch2, _ := r.create("y")
	r.denyAll()
	if got := <-ch1; got {
		t.Error("x approved on shutdown")
	}
	if got := <-ch2; got {
		t.Error("y approved on shutdown")
	}
	if r.count() != 0 {
		t.Errorf("pending count = %d, want 0", r.count())
	}
}
