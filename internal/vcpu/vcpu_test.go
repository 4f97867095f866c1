package vcpu

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/armvml/internal/gic"
	"github.com/bobuhiro11/armvml/internal/vbus"
)

type fakeNotifier struct {
	notified []int
}

func (f *fakeNotifier) NotifyInterruptPending(vcpu int) { f.notified = append(f.notified, vcpu) }
func (f *fakeNotifier) CanReceiveIRQ(int) bool          { return true }
func (f *fakeNotifier) ResolveAffinity(_, _, _, _ uint8) (int, bool) {
	return 0, false
}

func newTestVcpu(t *testing.T) (*Vcpu, *gic.Distributor) {
	t.Helper()

	n := &fakeNotifier{}
	dist := gic.New(gic.V3, 1, n)

	v := New(0, nil, dist, nil, nil)
	v.state.ForceTransition(StateOn)

	return v, dist
}

func TestVcpuPowerOnOff(t *testing.T) {
	v, _ := newTestVcpu(t)
	v.state.ForceTransition(StateOff)

	if err := v.Power(true); err != nil {
		t.Fatalf("power on: %v", err)
	}

	if got := v.State(); got != StateOn {
		t.Fatalf("state = %s, want ON", got)
	}

	if err := v.Power(false); err != nil {
		t.Fatalf("power off: %v", err)
	}

	if got := v.State(); got != StateOff {
		t.Fatalf("state = %s, want OFF", got)
	}
}

func TestVcpuPowerRejectsWrongState(t *testing.T) {
	v, _ := newTestVcpu(t) // starts ON

	if err := v.Power(true); err == nil {
		t.Fatalf("expected error powering on an already-ON vcpu")
	}
}

func TestVcpuStepRunsThroughBaseTransition(t *testing.T) {
	v, _ := newTestVcpu(t)

	exit := &PortalExit{Class: ExitUnknown}
	if err := v.Step(exit); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if got := v.State(); got != StateOn {
		t.Fatalf("state after Step = %s, want ON", got)
	}
}

func TestVcpuStepDispatchesExitHandler(t *testing.T) {
	v, _ := newTestVcpu(t)

	called := false
	v.RegisterHandler(ExitMMIO, func(vp *Vcpu, e *PortalExit) error {
		called = true
		return nil
	})

	exit := &PortalExit{Class: ExitMMIO}
	if err := v.Step(exit); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if !called {
		t.Fatalf("expected handler to be invoked")
	}
}

func TestVcpuStepPropagatesHandlerError(t *testing.T) {
	v, _ := newTestVcpu(t)

	wantErr := errors.New("boom")
	v.RegisterHandler(ExitHypercall, func(vp *Vcpu, e *PortalExit) error {
		return wantErr
	})

	exit := &PortalExit{Class: ExitHypercall}

	err := v.Step(exit)
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("Step err = %v, want wrapping %v", err, wantErr)
	}
}

func TestVcpuStepCallsResetterOnResetRequested(t *testing.T) {
	v, _ := newTestVcpu(t)

	resetCalls := 0
	v.SetResetter(resetterFunc(func() { resetCalls++ }))

	exit := &PortalExit{Class: ExitUnknown, ResetRequested: true}
	if err := v.Step(exit); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if resetCalls != 1 {
		t.Fatalf("resetCalls = %d, want 1", resetCalls)
	}
}

func TestVcpuStepReconfiguresDirtyFeatures(t *testing.T) {
	v, _ := newTestVcpu(t)

	var gotEnabled bool
	var gotRegs uint64
	calls := 0

	v.SetReconfigurer(reconfigureFunc(func(name string, enabled bool, regs uint64) {
		calls++
		gotEnabled = enabled
		gotRegs = regs
	}))

	v.Feature("sve").Request(true, RequestorVMM, 0x3)

	if err := v.Step(&PortalExit{Class: ExitUnknown}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if calls != 1 {
		t.Fatalf("reconfigure calls = %d, want 1", calls)
	}

	if !gotEnabled || gotRegs != 0x3 {
		t.Fatalf("enabled=%v regs=%#x, want true/0x3", gotEnabled, gotRegs)
	}

	// Second Step with nothing new requested must not reconfigure again.
	if err := v.Step(&PortalExit{Class: ExitUnknown}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if calls != 1 {
		t.Fatalf("reconfigure calls after second Step = %d, want still 1", calls)
	}
}

func TestVcpuInjectTimerPPIAssertsLine(t *testing.T) {
	v, dist := newTestVcpu(t)

	ctlrVal := uint64(1) // Group0 enable
	if _, err := dist.Access(vbus.AccessWrite, vbus.VcpuID(0), vbus.SpaceMMIO, 0x0, nil, &ctlrVal); err != nil {
		t.Fatalf("enable CTLR group0: %v", err)
	}

	enableVal := uint64(1) << TimerPPI
	if _, err := dist.Access(vbus.AccessWrite, vbus.VcpuID(0), vbus.SpaceMMIO, 0x100, nil, &enableVal); err != nil {
		t.Fatalf("enable timer PPI: %v", err)
	}

	v.InjectTimerPPI()

	lr, ok := dist.SelectHighestPending(0)
	if !ok {
		t.Fatalf("expected a pending list register after InjectTimerPPI")
	}

	if lr.VINTID != TimerPPI {
		t.Fatalf("VINTID = %d, want %d", lr.VINTID, TimerPPI)
	}
}

type resetterFunc func()

func (f resetterFunc) ResetRegisters() { f() }

type reconfigureFunc func(name string, enabled bool, regs uint64)

func (f reconfigureFunc) Reconfigure(name string, enabled bool, regs uint64) { f(name, enabled, regs) }
