package vcpu

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRecaller struct {
	calls atomic.Int32
}

func (f *fakeRecaller) Recall() { f.calls.Add(1) }

func TestRoundupAllNoEmulatingMembersReturnsImmediately(t *testing.T) {
	c := NewCoordinator()

	s1 := NewAtomicState()
	s1.ForceTransition(StateOn)
	r1 := &fakeRecaller{}
	c.Register(0, s1, r1)

	resume, err := c.RoundupAll(context.Background())
	if err != nil {
		t.Fatalf("RoundupAll: %v", err)
	}

	if got := s1.Load(); got != StateOnRoundedUp {
		t.Fatalf("state = %s, want ON_ROUNDEDUP", got)
	}

	if r1.calls.Load() != 1 {
		t.Fatalf("expected exactly one Recall call, got %d", r1.calls.Load())
	}

	resume()

	if got := s1.Load(); got != StateOn {
		t.Fatalf("after resume, state = %s, want ON", got)
	}
}

func TestRoundupAllWaitsForEmulatingMember(t *testing.T) {
	c := NewCoordinator()

	s := NewAtomicState()
	s.ForceTransition(StateEmulate)
	c.Register(7, s, &fakeRecaller{})

	type result struct {
		resume func()
		err    error
	}

	done := make(chan result, 1)

	go func() {
		resume, err := c.RoundupAll(context.Background())
		done <- result{resume, err}
	}()

	select {
	case <-done:
		t.Fatalf("RoundupAll returned before the emulating member quiesced")
	case <-time.After(20 * time.Millisecond):
	}

	if got := s.Load(); got != StateEmulateRoundedUp {
		t.Fatalf("state = %s, want EMULATE_ROUNDEDUP", got)
	}

	c.NotifyQuiesced(7)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("RoundupAll: %v", r.err)
		}

		r.resume()
	case <-time.After(time.Second):
		t.Fatalf("RoundupAll did not return after NotifyQuiesced")
	}

	if got := s.Load(); got != StateEmulate {
		t.Fatalf("after resume, state = %s, want EMULATE", got)
	}
}

func TestRoundupAllAbortsOnCancelledContext(t *testing.T) {
	c := NewCoordinator()

	s := NewAtomicState()
	s.ForceTransition(StateEmulate)
	c.Register(1, s, &fakeRecaller{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.RoundupAll(ctx); err == nil {
		t.Fatalf("expected error from an already-cancelled context")
	}
}
