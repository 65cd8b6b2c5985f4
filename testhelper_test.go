package microtask

import (
	"context"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// newTestScheduler starts a scheduler on its own goroutine, waits for the
// loop to come up, and tears it down with the test.
func newTestScheduler(t *testing.T, opts ...SchedulerOption) *Scheduler {
	t.Helper()

	s, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	go func() { _ = s.Run(context.Background()) }()

	deadline := time.Now().Add(testTimeout)
	for s.State() == StateAwake {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not start")
		}
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = s.Shutdown(ctx)
		select {
		case <-s.Done():
		case <-time.After(testTimeout):
			t.Error("scheduler did not terminate during cleanup")
		}
	})

	return s
}

// await blocks until p settles and returns the settled result (value or
// reason).
func await(t *testing.T, p *Promise) Result {
	t.Helper()
	select {
	case res := <-p.ToChannel():
		return res
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for promise to settle")
		return nil
	}
}

// onLoop runs fn as a macrotask and waits for it to complete. Useful for
// assertions that must observe the loop goroutine's synchronous view.
func onLoop(t *testing.T, s *Scheduler, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := s.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for loop task")
	}
}

// recvSignal waits for a signal channel with the standard timeout.
func recvSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for %s", what)
	}
}
