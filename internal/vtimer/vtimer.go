// Package vtimer implements the per-vCPU virtual timer (spec.md §4.7): a
// time.AfterFunc callback per vCPU scheduled for CNTV_CVAL (minus
// CNTVOFF) that, on firing, raises the timer PPI through the GIC.
//
// Grounded on gokvm's channel-driven worker goroutines
// (virtio.Net.RxThreadEntry/TxThreadEntry's "for range kickChan { ... }"
// pattern and serial.Serial's blocking input-channel reader), adapted
// from a polling/blocking-read loop to a reconfigurable single-shot
// time.Timer: every CNTV_CTL/CNTV_CVAL write resets the wait instead of
// signalling a queue kick.
package vtimer

import (
	"sync"
	"time"
)

// Ctl bits of CNTV_CTL.
const (
	CtlEnabled = 1 << 0
	CtlMasked  = 1 << 1
	CtlPending = 1 << 2 // ISTATUS
)

// IRQInjector is the external collaborator notified when the timer
// fires: asserting the timer PPI on the owning vCPU's GIC redistributor.
// Implemented by internal/vcpu; not implemented here.
type IRQInjector interface {
	InjectTimerPPI()
}

// Timer is one vCPU's virtual timer. The zero value is not usable; use
// New.
type Timer struct {
	injector IRQInjector

	mu     sync.Mutex
	cval   uint64 // absolute host tick deadline, compare against Now()
	ctl    uint32
	offset uint64 // CNTVOFF

	timer   *time.Timer
	stopped bool
}

// Now returns the current host tick count used to compare against cval.
// Overridable so tests can avoid depending on wall-clock time; defaults
// to a nanosecond monotonic clock read via time.Now().UnixNano(), which
// is the unit CNTV_CVAL is expressed in throughout this package.
var Now = func() uint64 { return uint64(time.Now().UnixNano()) }

// New returns a Timer that calls injector.InjectTimerPPI when it fires.
// The timer starts disabled (CtlMasked clear, CtlEnabled clear).
func New(injector IRQInjector) *Timer {
	return &Timer{injector: injector}
}

// SetOffset stores CNTVOFF, the per-vCPU offset subtracted from the
// physical counter to derive the virtual one.
func (t *Timer) SetOffset(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = offset
}

// SetCval stores CNTV_CVAL and reconfigures the pending wait.
func (t *Timer) SetCval(cval uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cval = cval
	t.rearmLocked()
}

// SetCtl stores CNTV_CTL (only the ENABLED and MASKED bits are
// guest-writable; PENDING/ISTATUS is read-only, cleared implicitly when
// the guest disables the timer) and reconfigures the pending wait.
func (t *Timer) SetCtl(ctl uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := t.ctl & CtlPending
	t.ctl = (ctl & (CtlEnabled | CtlMasked)) | pending

	if t.ctl&CtlEnabled == 0 {
		t.ctl &^= CtlPending
	}

	t.rearmLocked()
}

// Ctl returns the current CNTV_CTL value, ISTATUS included.
func (t *Timer) Ctl() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.ctl
}

// Cval returns the current CNTV_CVAL value.
func (t *Timer) Cval() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cval
}

// rearmLocked stops any in-flight wait and, if the timer is enabled and
// not masked, schedules a new one against the current deadline. Must be
// called with t.mu held.
func (t *Timer) rearmLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	if t.stopped || t.ctl&CtlEnabled == 0 || t.ctl&CtlMasked != 0 {
		return
	}

	deadline := t.cval - t.offset
	now := Now()

	var wait time.Duration

	if deadline > now {
		wait = time.Duration(deadline - now)
	}

	t.timer = time.AfterFunc(wait, t.fire)
}

func (t *Timer) fire() {
	t.mu.Lock()

	if t.stopped || t.ctl&CtlEnabled == 0 {
		t.mu.Unlock()

		return
	}

	t.ctl |= CtlPending
	masked := t.ctl&CtlMasked != 0

	t.mu.Unlock()

	if !masked && t.injector != nil {
		t.injector.InjectTimerPPI()
	}
}

// Stop permanently disables the timer and releases its goroutine. Called
// once during vCPU teardown.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// WaitDeadline returns the absolute Now()-comparable deadline WFI should
// block against, and whether one is currently armed (enabled and
// unmasked). Used by internal/vcpu's WFI handler (spec.md §4.4.4) to
// bound a timed wait without duplicating this timer's state.
func (t *Timer) WaitDeadline() (deadline uint64, armed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctl&CtlEnabled == 0 || t.ctl&CtlMasked != 0 {
		return 0, false
	}

	return t.cval - t.offset, true
}
