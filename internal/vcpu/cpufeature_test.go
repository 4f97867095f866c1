package vcpu

import "testing"

func TestCpuFeatureCombinesRequesters(t *testing.T) {
	var f CpuFeature

	f.Request(true, RequestorVMM, 0b001)
	f.Request(true, RequestorVMI, 0b010)

	enabled, regs := f.Read()
	if !enabled {
		t.Fatalf("expected enabled")
	}

	if regs != 0b011 {
		t.Fatalf("regs = %#x, want 0b011", regs)
	}
}

func TestCpuFeatureDisabledWhenNeitherRequests(t *testing.T) {
	var f CpuFeature

	enabled, regs := f.Read()
	if enabled || regs != 0 {
		t.Fatalf("expected disabled/zero by default, got enabled=%v regs=%#x", enabled, regs)
	}
}

func TestCpuFeatureOneRequesterEnoughToEnable(t *testing.T) {
	var f CpuFeature

	f.Request(true, RequestorVMI, 0xFF)
	f.Request(false, RequestorVMM, 0)

	enabled, regs := f.Read()
	if !enabled {
		t.Fatalf("expected enabled via VMI alone")
	}

	if regs != 0xFF {
		t.Fatalf("regs = %#x, want 0xff", regs)
	}
}

func TestCpuFeatureIsRequestedBy(t *testing.T) {
	var f CpuFeature

	f.Request(true, RequestorVMM, 0)

	if !f.IsRequestedBy(RequestorVMM) {
		t.Fatalf("expected VMM requested")
	}

	if f.IsRequestedBy(RequestorVMI) {
		t.Fatalf("expected VMI not requested")
	}
}

func TestCpuFeatureCheckCleanRead(t *testing.T) {
	var f CpuFeature

	if dirty, _, _ := f.CheckCleanRead(); dirty {
		t.Fatalf("expected clean before any request")
	}

	f.Request(true, RequestorVMM, 1)

	dirty, enabled, regs := f.CheckCleanRead()
	if !dirty || !enabled || regs != 1 {
		t.Fatalf("dirty=%v enabled=%v regs=%#x, want true/true/1", dirty, enabled, regs)
	}

	if dirty, _, _ := f.CheckCleanRead(); dirty {
		t.Fatalf("expected clean immediately after CheckCleanRead consumed it")
	}
}
