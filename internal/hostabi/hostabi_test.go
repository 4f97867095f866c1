package hostabi

import "testing"

func TestFromECMapsKnownCodes(t *testing.T) {
	cases := []struct {
		ec   uint32
		want ExitKind
	}{
		{0x01, ExitWFx},
		{0x03, ExitMCRMRC},
		{0x05, ExitMCRMRC},
		{0x08, ExitVMRS},
		{0x17, ExitSMC64},
		{0x18, ExitMSRMRS},
		{0x20, ExitInstructionAbort},
		{0x24, ExitDataAbort},
		{0x32, ExitSoftwareStep},
		{0x38, ExitBKPT},
		{0x3C, ExitBRK},
		{0x7F, ExitUnknown},
	}

	for _, c := range cases {
		if got := FromEC(c.ec); got != c.want {
			t.Errorf("FromEC(%#x) = %s, want %s", c.ec, got, c.want)
		}
	}
}

func TestExitKindString(t *testing.T) {
	if ExitWFx.String() != "WFX" {
		t.Fatalf("String() = %q", ExitWFx.String())
	}

	if ExitKind(999).String() != "UNKNOWN" {
		t.Fatalf("unknown kind String() = %q", ExitKind(999).String())
	}
}

func TestSanitizePlatformIDRegistersMasksFeatureBits(t *testing.T) {
	raw := PlatformIDRegisters{
		IDAA64PFR0:  0xFFFFFFFFFFFFFFFF,
		IDAA64PFR1:  0xFFFFFFFFFFFFFFFF,
		IDAA64MMFR1: 0xFFFFFFFFFFFFFFFF,
		IDAA64MMFR2: 0xFFFFFFFFFFFFFFFF,
	}

	out := SanitizePlatformIDRegisters(raw)

	if out.IDAA64PFR0&maskIDAA64PFR0 != 0 {
		t.Fatalf("PFR0 RAS/etc bits not cleared: %#x", out.IDAA64PFR0)
	}

	if out.IDAA64PFR1&maskIDAA64PFR1 != 0 {
		t.Fatalf("PFR1 MPAM bits not cleared: %#x", out.IDAA64PFR1)
	}

	if out.IDAA64MMFR1&maskIDAA64MMFR1 != 0 {
		t.Fatalf("MMFR1 VH bits not cleared: %#x", out.IDAA64MMFR1)
	}

	if out.IDAA64MMFR2&(0xF<<24) != 0 {
		t.Fatalf("MMFR2 NV bits not cleared: %#x", out.IDAA64MMFR2)
	}

	// Fields untouched by the mask set must survive unchanged.
	if out.IDAA64PFR0&^maskIDAA64PFR0 != raw.IDAA64PFR0&^maskIDAA64PFR0 {
		t.Fatalf("non-masked PFR0 bits altered")
	}
}
