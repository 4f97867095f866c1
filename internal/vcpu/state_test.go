package vcpu

import "testing"

func TestAllowedTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateOff, StateOn, true},
		{StateOn, StateOff, true},
		{StateOn, StateEmulate, true},
		{StateEmulate, StateOn, true},
		{StateOff, StateOffRoundedUp, true},
		{StateOffRoundedUp, StateOff, true},
		{StateOn, StateOnRoundedUp, true},
		{StateOnRoundedUp, StateOn, true},
		{StateEmulate, StateEmulateRoundedUp, true},
		{StateEmulateRoundedUp, StateEmulate, true},
		{StateOff, StateEmulate, false},
		{StateOffRoundedUp, StateOn, false},
		{StateEmulateRoundedUp, StateOnRoundedUp, false},
		{StateOnRoundedUp, StateEmulate, false},
	}

	for _, c := range cases {
		if got := allowed(c.from, c.to); got != c.want {
			t.Errorf("allowed(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestAtomicStateTransitionRejectsInvalid(t *testing.T) {
	s := NewAtomicState() // StateOff

	if _, err := s.Transition(StateOff, StateEmulate); err == nil {
		t.Fatalf("expected error transitioning OFF -> EMULATE")
	}

	ok, err := s.Transition(StateOff, StateOn)
	if err != nil || !ok {
		t.Fatalf("OFF -> ON: ok=%v err=%v", ok, err)
	}
}

func TestAtomicStateTransitionFailsOnStaleFrom(t *testing.T) {
	s := NewAtomicState()

	ok, err := s.Transition(StateOn, StateOff) // actually OFF, not ON
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ok {
		t.Fatalf("expected CAS failure on stale from-state")
	}
}

func TestRoundUpAndResumeRoundTrip(t *testing.T) {
	s := NewAtomicState()

	if err := s.RoundUp(); err != nil {
		t.Fatalf("RoundUp: %v", err)
	}

	if got := s.Load(); got != StateOffRoundedUp {
		t.Fatalf("state = %s, want OFF_ROUNDEDUP", got)
	}

	// idempotent
	if err := s.RoundUp(); err != nil {
		t.Fatalf("RoundUp idempotent: %v", err)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if got := s.Load(); got != StateOff {
		t.Fatalf("state = %s, want OFF", got)
	}

	// idempotent
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume idempotent: %v", err)
	}
}
