package vcpu

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Recaller is the per-vCPU collaborator a Coordinator uses to force an
// exit from whatever the vCPU is currently blocked on (KVM_RUN, a WFI
// wait) so it observes its *_ROUNDEDUP state promptly instead of at the
// next naturally-occurring exit. Implemented by the owning Vcpu.
type Recaller interface {
	// Recall asks the vCPU to stop running guest code as soon as
	// possible. Must be safe to call from another goroutine.
	Recall()
}

// member is everything the Coordinator needs to track about one vCPU.
type member struct {
	id       int
	state    *AtomicState
	recaller Recaller

	mu       sync.Mutex
	quiesced chan struct{} // closed once this vCPU leaves EMULATE_ROUNDEDUP
}

// Coordinator implements the cross-vCPU roundup/resume barrier: stop
// every vCPU from (re-)entering EMULATE, wait for any vCPU currently
// emulating to finish its current exit and acknowledge, then later
// release them all. Grounded on
// original_source/vcpu/vcpu_roundup/src/vcpu_roundup.cpp's
// GlobalRoundupInfo/do_roundup/Vcpu::Roundup, reimplemented with a
// per-vCPU channel plus golang.org/x/sync/errgroup in place of that
// file's counting semaphores: each member's "I have quiesced" signal is
// a channel close, and RoundupAll fans out one goroutine per pending
// member via errgroup.Group so the first wait failure (e.g. a
// cancelled context) aborts the whole roundup instead of hanging on a
// vCPU that will never respond.
type Coordinator struct {
	roundupMu sync.Mutex // serializes concurrent RoundupAll callers, matching ParallelRoundupInfo's "first caller does the work, rest wait for it"

	mu      sync.Mutex
	members []*member
}

// NewCoordinator returns a Coordinator with no members registered yet.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Register adds a vCPU to the coordinator. Must happen before any
// RoundupAll call that should include it.
func (c *Coordinator) Register(id int, state *AtomicState, recaller Recaller) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.members = append(c.members, &member{id: id, state: state, recaller: recaller})
}

// NotifyQuiesced is called by a vCPU's dispatch loop when it observes
// its own state is EMULATE_ROUNDEDUP and is about to leave EMULATE
// (spec.md §3: "the last vCPU leaving EMULATE_ROUNDEDUP notifies the
// roundup coordinator"). Safe to call even if no roundup is in
// progress (it is then a no-op: no channel is created or closed).
func (c *Coordinator) NotifyQuiesced(id int) {
	c.mu.Lock()
	var m *member

	for _, cand := range c.members {
		if cand.id == id {
			m = cand
			break
		}
	}

	c.mu.Unlock()

	if m == nil {
		return
	}

	m.mu.Lock()
	ch := m.quiesced
	m.quiesced = nil
	m.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}

// RoundupAll performs a full roundup: every registered vCPU is rounded
// up (OFF/ON/EMULATE -> its *_ROUNDEDUP counterpart) and recalled, and
// RoundupAll blocks until every vCPU that was mid-EMULATE has
// quiesced. Returns a Resume func that flips every vCPU back to its
// base state and must be called to release them.
func (c *Coordinator) RoundupAll(ctx context.Context) (resume func(), err error) {
	c.roundupMu.Lock()

	c.mu.Lock()
	members := append([]*member(nil), c.members...)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	for _, m := range members {
		m := m

		wasEmulating := m.state.Load() == StateEmulate

		m.mu.Lock()
		if wasEmulating {
			m.quiesced = make(chan struct{})
		}
		waitCh := m.quiesced
		m.mu.Unlock()

		if err := m.state.RoundUp(); err != nil {
			c.roundupMu.Unlock()
			return nil, fmt.Errorf("vcpu: roundup vcpu %d: %w", m.id, err)
		}

		if m.recaller != nil {
			m.recaller.Recall()
		}

		if wasEmulating {
			g.Go(func() error {
				select {
				case <-waitCh:
					return nil
				case <-gctx.Done():
					return fmt.Errorf("vcpu: roundup vcpu %d: %w", m.id, gctx.Err())
				}
			})
		}
	}

	if err := g.Wait(); err != nil {
		c.roundupMu.Unlock()
		return nil, err
	}

	resumed := false

	return func() {
		if resumed {
			return
		}

		resumed = true

		for _, m := range members {
			_ = m.state.Resume()
		}

		c.roundupMu.Unlock()
	}, nil
}
