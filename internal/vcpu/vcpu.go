package vcpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/bobuhiro11/armvml/internal/gic"
	"github.com/bobuhiro11/armvml/internal/vmmerr"
	"github.com/bobuhiro11/armvml/internal/vtimer"
)

// TimerPPI is the virtual timer's PPI INTID, per the AArch64 generic
// timer architecture (same id gokvm's x86 world has no analogue for;
// ARM assigns INTID 27, PPI 11 of the 16..31 PPI range, to the
// non-secure EL1 virtual timer).
const TimerPPI = 27

// ExitClass categorizes why a vCPU exited into the portal handler, the
// dispatch key for Step's exit-class handler lookup (spec.md §4.4.1
// step 4). Concrete exit-reason decoding (KVM_EXIT_MMIO and friends)
// belongs to internal/hostabi; this package only needs the class.
type ExitClass int

const (
	ExitUnknown ExitClass = iota
	ExitMMIO
	ExitSystemRegister
	ExitPSCI
	ExitWFx
	ExitHypercall
)

// CompletedInjection reports one list register that finished injection
// since the last Step, for update_inj_status (spec.md §4.4.1 step 3).
type CompletedInjection struct {
	VINTID uint32
	Sender uint
	State  gic.ListRegisterState
}

// PortalExit is one call_portal_handler invocation's mutable exit
// state: populated by the caller before Step, consumed and appended to
// by Step's pipeline.
type PortalExit struct {
	Class ExitClass

	// Completed lists list registers the hardware/hypervisor reports as
	// finished (INACTIVE or otherwise retired) since the last Step.
	Completed []CompletedInjection

	// FreeListRegisters is how many list register slots Step may fill
	// via inject_irqs (spec.md §4.4.1 step 5).
	FreeListRegisters int

	// Pending accumulates the list registers Step selected to inject.
	Pending []gic.ListRegister

	// ResetRequested signals a pending CPU reset (e.g. via PSCI
	// CPU_ON/SYSTEM_RESET) that must be applied before the exit-class
	// handler runs.
	ResetRequested bool
}

// ExitHandler handles one exit class. Returning an error aborts Step.
type ExitHandler func(*Vcpu, *PortalExit) error

// Reconfigurer applies a feature's settled (enabled, regs) state to the
// underlying hardware/hypervisor vCPU, called from Step's reconfigure
// step (spec.md §4.4.1 step 6) only when the feature's dirty flag was
// set.
type Reconfigurer interface {
	Reconfigure(feature string, enabled bool, regs uint64)
}

// Resetter applies a register-state reset requested via PSCI or a
// guest-visible reset line.
type Resetter interface {
	ResetRegisters()
}

// Vcpu is one virtual CPU: its lifecycle state, its GIC redistributor
// and virtual timer, and the exit-class handler table that
// call_portal_handler (Step) dispatches through.
type Vcpu struct {
	id          int
	state       *AtomicState
	coordinator *Coordinator
	dist        *gic.Distributor
	redist      *gic.Redistributor
	timer       *vtimer.Timer

	mu           sync.Mutex
	handlers     map[ExitClass]ExitHandler
	features     map[string]*CpuFeature
	reconfigurer Reconfigurer
	resetter     Resetter

	recallMu        sync.Mutex
	recallRequested bool
}

// New returns a Vcpu with id, registering it with coordinator (if
// non-nil) so RoundupAll includes it. dist and redist may be nil for
// tests that do not exercise interrupt injection; timer may be nil for
// tests that do not exercise WFI.
func New(id int, coordinator *Coordinator, dist *gic.Distributor, redist *gic.Redistributor, timer *vtimer.Timer) *Vcpu {
	v := &Vcpu{
		id:          id,
		state:       NewAtomicState(),
		coordinator: coordinator,
		dist:        dist,
		redist:      redist,
		timer:       timer,
		handlers:    make(map[ExitClass]ExitHandler),
		features:    make(map[string]*CpuFeature),
	}

	if coordinator != nil {
		coordinator.Register(id, v.state, v)
	}

	return v
}

func (v *Vcpu) ID() int      { return v.id }
func (v *Vcpu) State() State { return v.state.Load() }

func (v *Vcpu) SetReconfigurer(r Reconfigurer) { v.reconfigurer = r }
func (v *Vcpu) SetResetter(r Resetter)         { v.resetter = r }

// RegisterHandler installs the handler invoked by Step when exit.Class
// == class.
func (v *Vcpu) RegisterHandler(class ExitClass, h ExitHandler) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.handlers[class] = h
}

// Feature returns the named CpuFeature, creating it on first access.
func (v *Vcpu) Feature(name string) *CpuFeature {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, ok := v.features[name]
	if !ok {
		f = &CpuFeature{}
		v.features[name] = f
	}

	return f
}

// Recall implements Coordinator's Recaller by setting a recall flag,
// which beginEmulation clears on each 1ms poll while the vCPU is
// ON_ROUNDEDUP. The flag does not shorten that poll, and it does not
// wake a WaitForInterrupt that is in progress.
func (v *Vcpu) Recall() {
	v.recallMu.Lock()
	v.recallRequested = true
	v.recallMu.Unlock()
}

func (v *Vcpu) clearRecall() bool {
	v.recallMu.Lock()
	defer v.recallMu.Unlock()

	r := v.recallRequested
	v.recallRequested = false

	return r
}

// Power implements the OFF <-> ON transitions (spec.md §3): PSCI
// CPU_ON/CPU_OFF and the boot vCPU's initial power-on go through here.
func (v *Vcpu) Power(on bool) error {
	from, to := StateOn, StateOff
	if on {
		from, to = StateOff, StateOn
	}

	ok, err := v.state.Transition(from, to)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("vcpu %d: power(%v): not in state %s: %w", v.id, on, from, vmmerr.ErrNotRecoverable)
	}

	return nil
}

// Step implements call_portal_handler's seven-step pipeline (spec.md
// §4.4.1): begin_emulation, reset-feature handling, update_inj_status,
// exit-class dispatch, inject_irqs, reconfigure, end_emulation.
func (v *Vcpu) Step(exit *PortalExit) error {
	if err := v.beginEmulation(); err != nil {
		return err
	}

	if exit.ResetRequested {
		v.mu.Lock()
		resetter := v.resetter
		v.mu.Unlock()

		if resetter != nil {
			resetter.ResetRegisters()
		}
	}

	if v.dist != nil {
		for _, c := range exit.Completed {
			v.dist.CompleteInjection(v.id, c.VINTID, c.Sender, c.State)
		}
	}

	v.mu.Lock()
	handler := v.handlers[exit.Class]
	v.mu.Unlock()

	if handler != nil {
		if err := handler(v, exit); err != nil {
			return fmt.Errorf("vcpu %d: exit handler: %w", v.id, err)
		}
	}

	if v.dist != nil {
		for n := 0; n < exit.FreeListRegisters; n++ {
			lr, ok := v.dist.SelectHighestPending(v.id)
			if !ok {
				break
			}

			exit.Pending = append(exit.Pending, lr)
		}
	}

	v.runReconfigure()

	return v.endEmulation()
}

func (v *Vcpu) runReconfigure() {
	v.mu.Lock()
	reconfigurer := v.reconfigurer
	features := make(map[string]*CpuFeature, len(v.features))

	for name, f := range v.features {
		features[name] = f
	}

	v.mu.Unlock()

	if reconfigurer == nil {
		return
	}

	for name, f := range features {
		if dirty, enabled, regs := f.CheckCleanRead(); dirty {
			reconfigurer.Reconfigure(name, enabled, regs)
		}
	}
}

// beginEmulation moves ON -> EMULATE, waiting out an ON_ROUNDEDUP
// window (spec.md §3: a roundup in progress must complete/resume
// before this vCPU may enter EMULATE again).
func (v *Vcpu) beginEmulation() error {
	for {
		cur := v.state.Load()

		switch cur {
		case StateOn:
			ok, err := v.state.Transition(StateOn, StateEmulate)
			if err != nil {
				return err
			}

			if ok {
				return nil
			}
		case StateOnRoundedUp:
			v.clearRecall()
			time.Sleep(time.Millisecond)
		default:
			return fmt.Errorf("vcpu %d: begin_emulation from %s: %w", v.id, cur, vmmerr.ErrNotRecoverable)
		}
	}
}

// endEmulation moves EMULATE -> ON, or EMULATE_ROUNDEDUP -> ON_ROUNDEDUP
// after notifying the coordinator that this vCPU has quiesced (spec.md
// §3: "the last vCPU leaving EMULATE_ROUNDEDUP notifies the roundup
// coordinator").
func (v *Vcpu) endEmulation() error {
	cur := v.state.Load()

	switch cur {
	case StateEmulate:
		return v.transitionOrFail(StateEmulate, StateOn)
	case StateEmulateRoundedUp:
		if v.coordinator != nil {
			v.coordinator.NotifyQuiesced(v.id)
		}

		if err := v.transitionOrFail(StateEmulateRoundedUp, StateEmulate); err != nil {
			return err
		}

		if err := v.transitionOrFail(StateEmulate, StateOn); err != nil {
			return err
		}

		return v.transitionOrFail(StateOn, StateOnRoundedUp)
	default:
		return fmt.Errorf("vcpu %d: end_emulation from %s: %w", v.id, cur, vmmerr.ErrNotRecoverable)
	}
}

func (v *Vcpu) transitionOrFail(from, to State) error {
	ok, err := v.state.Transition(from, to)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("vcpu %d: transition %s -> %s: concurrent state change: %w", v.id, from, to, vmmerr.ErrNotRecoverable)
	}

	return nil
}

// WaitForInterrupt implements spec.md §4.4.4's WFI/WFE handling: block
// until either wake fires (an external event, e.g. an injected IRQ
// line changing) or the virtual timer's deadline passes, whichever is
// first. If no timer is armed, it blocks solely on wake.
func (v *Vcpu) WaitForInterrupt(wake <-chan struct{}) {
	if v.timer == nil {
		<-wake
		return
	}

	deadline, armed := v.timer.WaitDeadline()
	if !armed {
		<-wake
		return
	}

	now := vtimer.Now()

	var wait time.Duration
	if deadline > now {
		wait = time.Duration(deadline - now)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-wake:
	case <-timer.C:
	}
}

// InjectTimerPPI implements vtimer.IRQInjector: raise this vCPU's
// virtual timer PPI line through its owning GIC distributor.
func (v *Vcpu) InjectTimerPPI() {
	if v.dist != nil {
		v.dist.AssertLine(v.id, TimerPPI)
	}
}

// CanReceiveIRQ implements part of gic.Notifier for this vCPU: it may
// receive an interrupt unless its redistributor has gone to sleep
// (WAKER.ProcessorSleep set and acknowledged).
func (v *Vcpu) CanReceiveIRQ() bool {
	if v.redist == nil {
		return true
	}

	return v.redist.CanReceiveIRQ()
}
