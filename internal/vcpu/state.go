// Package vcpu implements per-vCPU lifecycle state, feature
// negotiation, the cross-vCPU roundup/quiesce coordinator, and the
// per-exit dispatch wrapper (spec.md §4.4).
//
// There is no equivalent structure in gokvm: machine.Machine.RunOnce
// runs one vCPU's KVM_RUN loop directly with no separate lifecycle state
// machine or cross-vCPU coordination beyond a bare sync.WaitGroup in
// vmm.VMM.Boot. This package is grounded on
// original_source/vcpu/cpu_model's state machine description and
// vcpu_roundup.cpp's coordinator, reimplemented with Go's
// sync/sync.atomic/golang.org/x/sync/errgroup in place of C++
// semaphores, replacing gokvm's WaitGroup-based goroutine fan-in with
// one that captures first error.
package vcpu

import (
	"fmt"
	"sync/atomic"
)

// State is a vCPU's lifecycle state. The zero value is StateOff.
type State int32

const (
	StateOff State = iota
	StateOffRoundedUp
	StateOn
	StateOnRoundedUp
	StateEmulate
	StateEmulateRoundedUp
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateOffRoundedUp:
		return "OFF_ROUNDEDUP"
	case StateOn:
		return "ON"
	case StateOnRoundedUp:
		return "ON_ROUNDEDUP"
	case StateEmulate:
		return "EMULATE"
	case StateEmulateRoundedUp:
		return "EMULATE_ROUNDEDUP"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// RoundedUp reports whether s is one of the three *_ROUNDEDUP states.
func (s State) RoundedUp() bool {
	return s == StateOffRoundedUp || s == StateOnRoundedUp || s == StateEmulateRoundedUp
}

// roundedUpOf and baseOf pair each base state with its rounded-up
// counterpart, per spec.md §3's "X -> X_ROUNDEDUP" transition family.
func roundedUpOf(s State) (State, bool) {
	switch s {
	case StateOff:
		return StateOffRoundedUp, true
	case StateOn:
		return StateOnRoundedUp, true
	case StateEmulate:
		return StateEmulateRoundedUp, true
	default:
		return 0, false
	}
}

func baseOf(s State) (State, bool) {
	switch s {
	case StateOffRoundedUp:
		return StateOff, true
	case StateOnRoundedUp:
		return StateOn, true
	case StateEmulateRoundedUp:
		return StateEmulate, true
	default:
		return 0, false
	}
}

// ErrInvalidTransition is returned by AtomicState.Transition for any pair
// not named in spec.md §3's state-machine invariants.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("vcpu: invalid state transition %s -> %s", e.From, e.To)
}

// allowed reports whether from -> to is one of: X -> X_ROUNDEDUP,
// X_ROUNDEDUP -> X, ON <-> EMULATE, OFF <-> ON.
func allowed(from, to State) bool {
	if ru, ok := roundedUpOf(from); ok && ru == to {
		return true
	}

	if base, ok := baseOf(from); ok && base == to {
		return true
	}

	switch {
	case from == StateOn && to == StateEmulate:
		return true
	case from == StateEmulate && to == StateOn:
		return true
	case from == StateOff && to == StateOn:
		return true
	case from == StateOn && to == StateOff:
		return true
	default:
		return false
	}
}

// AtomicState wraps an atomic.Int32 holding a State, exposing only
// validated transitions.
type AtomicState struct {
	v atomic.Int32
}

// NewAtomicState returns an AtomicState initialized to StateOff.
func NewAtomicState() *AtomicState {
	return &AtomicState{}
}

func (a *AtomicState) Load() State { return State(a.v.Load()) }

// Transition attempts from -> to via CAS, failing with
// ErrInvalidTransition if the pair isn't in the allowed set, or
// reporting a stale 'from' via the returned bool if another goroutine
// changed the state first.
func (a *AtomicState) Transition(from, to State) (bool, error) {
	if !allowed(from, to) {
		return false, &ErrInvalidTransition{From: from, To: to}
	}

	return a.v.CompareAndSwap(int32(from), int32(to)), nil
}

// ForceTransition applies to unconditionally (used only at vCPU
// construction / hard reset, where no concurrent reader can observe an
// inconsistent intermediate value).
func (a *AtomicState) ForceTransition(to State) {
	a.v.Store(int32(to))
}

// RoundUp moves the current state to its *_ROUNDEDUP counterpart. It is
// idempotent: if already rounded up, it succeeds as a no-op.
func (a *AtomicState) RoundUp() error {
	for {
		cur := a.Load()

		if cur.RoundedUp() {
			return nil
		}

		ru, ok := roundedUpOf(cur)
		if !ok {
			return &ErrInvalidTransition{From: cur, To: cur}
		}

		if a.v.CompareAndSwap(int32(cur), int32(ru)) {
			return nil
		}
	}
}

// Resume moves the current state back to its base form. Idempotent.
func (a *AtomicState) Resume() error {
	for {
		cur := a.Load()

		base, ok := baseOf(cur)
		if !ok {
			return nil
		}

		if a.v.CompareAndSwap(int32(cur), int32(base)) {
			return nil
		}
	}
}
