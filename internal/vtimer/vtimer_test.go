package vtimer

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingInjector struct {
	count atomic.Int32
}

func (c *countingInjector) InjectTimerPPI() { c.count.Add(1) }

func TestTimerFiresWhenDeadlinePassed(t *testing.T) {
	injector := &countingInjector{}
	tm := New(injector)

	origNow := Now
	defer func() { Now = origNow }()

	var now uint64 = 1000
	Now = func() uint64 { return now }

	tm.SetCval(500) // already in the past relative to now
	tm.SetCtl(CtlEnabled)

	deadline := time.After(2 * time.Second)

	for injector.count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timer did not fire for a past deadline")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if tm.Ctl()&CtlPending == 0 {
		t.Fatalf("expected CtlPending set after firing")
	}
}

func TestTimerMaskedSuppressesInjection(t *testing.T) {
	injector := &countingInjector{}
	tm := New(injector)

	tm.SetCval(1)
	tm.SetCtl(CtlEnabled | CtlMasked)

	time.Sleep(20 * time.Millisecond)

	if injector.count.Load() != 0 {
		t.Fatalf("masked timer should not call injector")
	}
}

func TestSetCtlClearsPendingWhenDisabled(t *testing.T) {
	injector := &countingInjector{}
	tm := New(injector)

	tm.SetCval(1)
	tm.SetCtl(CtlEnabled)

	time.Sleep(20 * time.Millisecond)

	tm.SetCtl(0)

	if tm.Ctl()&CtlPending != 0 {
		t.Fatalf("expected pending cleared once timer disabled")
	}
}

func TestWaitDeadlineReflectsOffset(t *testing.T) {
	tm := New(&countingInjector{})

	tm.SetOffset(100)
	tm.SetCval(1100)
	tm.SetCtl(CtlEnabled)

	deadline, armed := tm.WaitDeadline()
	if !armed {
		t.Fatalf("expected armed")
	}

	if deadline != 1000 {
		t.Fatalf("deadline = %d, want 1000", deadline)
	}
}

func TestStopPreventsFurtherFiring(t *testing.T) {
	injector := &countingInjector{}
	tm := New(injector)

	tm.SetCval(1)
	tm.SetCtl(CtlEnabled)
	tm.Stop()

	time.Sleep(20 * time.Millisecond)

	if injector.count.Load() != 0 {
		t.Fatalf("stopped timer should not fire")
	}
}
