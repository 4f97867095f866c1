// Package hostabi defines the interfaces the VMM core consumes from its
// host-hypervisor boundary (spec.md §6): the per-exit register view, the
// exit-class enumeration, and the PSCI/SIP firmware collaborator. None
// of these are implemented here — a real host integration backs them
// with whatever the underlying hypervisor ioctl/hypercall ABI provides,
// the same way gokvm's kvm.VCPU wraps raw KVM ioctls behind typed
// Go methods that the rest of the tree calls without knowing the ioctl
// numbers.
package hostabi

// ExitKind enumerates the exit classes the core handles, keyed off the
// ESR_EL2 EC field (spec.md §6.1's table) plus three synthetic classes
// that do not correspond to an architectural EC value: the VCPU's first
// entry, an explicit recall request, and a virtual-timer expiry.
//
//go:generate stringer -type=ExitKind
type ExitKind uint

const (
	ExitUnknown ExitKind = iota
	ExitWFx              // EC 0x01: WFI/WFE
	ExitMCRMRC           // EC 0x03, 0x05: MCR/MRC
	ExitVMRS             // EC 0x08: VMRS
	ExitSMC64            // EC 0x17: SMC64 (PSCI or SIP)
	ExitMSRMRS           // EC 0x18: MSR/MRS
	ExitInstructionAbort // EC 0x20: instruction abort, lower EL
	ExitDataAbort        // EC 0x24: data abort, lower EL
	ExitSoftwareStep     // EC 0x32: software step
	ExitBKPT             // EC 0x38: BKPT, forwarded as an exception
	ExitBRK              // EC 0x3C: BRK, forwarded as an exception
	ExitStartup          // synthetic: first entry of a VCPU
	ExitRecall           // synthetic: request-to-stop, no-op at dispatch
	ExitVtimer           // synthetic: assert the vtimer PPI on this VCPU
)

func (k ExitKind) String() string {
	switch k {
	case ExitUnknown:
		return "UNKNOWN"
	case ExitWFx:
		return "WFX"
	case ExitMCRMRC:
		return "MCR_MRC"
	case ExitVMRS:
		return "VMRS"
	case ExitSMC64:
		return "SMC64"
	case ExitMSRMRS:
		return "MSR_MRS"
	case ExitInstructionAbort:
		return "INSTRUCTION_ABORT"
	case ExitDataAbort:
		return "DATA_ABORT"
	case ExitSoftwareStep:
		return "SOFTWARE_STEP"
	case ExitBKPT:
		return "BKPT"
	case ExitBRK:
		return "BRK"
	case ExitStartup:
		return "STARTUP"
	case ExitRecall:
		return "RECALL"
	case ExitVtimer:
		return "VTIMER"
	default:
		return "UNKNOWN"
	}
}

// ESR EC field values the ExitKind constants above correspond to,
// per spec.md §6.1's table. FromEC classifies a raw ESR_EL2.EC value
// read out of a RegisterView.
const (
	ecWFx              = 0x01
	ecMCR              = 0x03
	ecMRC              = 0x05
	ecVMRS             = 0x08
	ecSMC64            = 0x17
	ecMSRMRS           = 0x18
	ecInstructionAbort = 0x20
	ecDataAbort        = 0x24
	ecSoftwareStep     = 0x32
	ecBKPT             = 0x38
	ecBRK              = 0x3C
)

// FromEC classifies a raw ESR_EL2.EC field value into the ExitKind it
// maps to, or ExitUnknown if the core has no handler for it.
func FromEC(ec uint32) ExitKind {
	switch ec {
	case ecWFx:
		return ExitWFx
	case ecMCR, ecMRC:
		return ExitMCRMRC
	case ecVMRS:
		return ExitVMRS
	case ecSMC64:
		return ExitSMC64
	case ecMSRMRS:
		return ExitMSRMRS
	case ecInstructionAbort:
		return ExitInstructionAbort
	case ecDataAbort:
		return ExitDataAbort
	case ecSoftwareStep:
		return ExitSoftwareStep
	case ecBKPT:
		return ExitBKPT
	case ecBRK:
		return ExitBRK
	default:
		return ExitUnknown
	}
}

// EL1Reg names one of the EL1 system registers RegisterView exposes
// through a single indexed getter/setter pair rather than a method per
// register, the way internal/msrbus keys registers by an encoded id
// instead of a struct field per MSR — appropriate here for the same
// reason spec.md §9 gives for msrbus: "variant-per-kind is not
// appropriate" for an open, sparse register set.
type EL1Reg int

const (
	EL1SCTLR EL1Reg = iota
	EL1TTBR0
	EL1TTBR1
	EL1TCR
	EL1MAIR
	EL1AMAIR
	EL1VBAR
	EL1CONTEXTIDR
	EL1TPIDR
	EL1SP
	EL1ELR
	EL1SPSR
	EL1ESR
	EL1FAR
	EL1AFSR0
	EL1AFSR1
)

// RegisterView is the per-exit register accessor the core consumes
// (spec.md §6.1): typed GPR, EL2, EL1, GIC list-register, and virtual
// timer accessors, plus an out-mask of registers with pending writes
// the host must commit before VM resume.
type RegisterView interface {
	GPR(i int) uint64
	SetGPR(i int, v uint64)

	EL2ELR() uint64
	SetEL2ELR(v uint64)
	EL2SPSR() uint64
	SetEL2SPSR(v uint64)
	EL2ESR() uint64
	EL2FAR() uint64
	EL2HPFAR() uint64
	EL2HCR() uint64
	SetEL2HCR(v uint64)

	EL1(reg EL1Reg) uint64
	SetEL1(reg EL1Reg, v uint64)

	GICLR(i int) uint64
	SetGICLR(i int, v uint64)
	GICELRSR() uint64

	TimerCtl() uint64
	SetTimerCtl(v uint64)
	TimerCval() uint64
	SetTimerCval(v uint64)
	TimerVoff() uint64

	// OutMask reports which registers carry a pending write, as a
	// bitmask the host ABI layer defines the encoding of; the core only
	// ORs bits into it via the Set* calls above and never interprets it
	// directly. ClearOutMask is called once the host has committed the
	// pending writes.
	OutMask() uint64
	ClearOutMask()
}

// PlatformIDRegisters is the startup register snapshot spec.md §6.2
// describes: ID_AA64* feature registers plus the AArch32 ID values
// carried at startup. SanitizePlatformIDRegisters clears selected
// feature fields before storage.
type PlatformIDRegisters struct {
	IDAA64PFR0  uint64
	IDAA64PFR1  uint64
	IDAA64DFR0  uint64
	IDAA64DFR1  uint64
	IDAA64ISAR0 uint64
	IDAA64ISAR1 uint64
	IDAA64MMFR0 uint64
	IDAA64MMFR1 uint64
	IDAA64MMFR2 uint64
	IDAA64ZFR0  uint64

	// AArch32ID holds the packed 32-bit AArch32 ID register pairs
	// carried in x16..x24 at startup.
	AArch32ID [9]uint64

	MVFR0, MVFR1, MVFR2 uint64

	// CCSIDR holds the per-level/type cache size ID pairs carried across
	// EL1_SP/TPIDR/CONTEXTIDR/ELR/SPSR/ESR/FAR/AFSR0/AFSR1/TTBR0/TTBR1/
	// TCR/MAIR/AMAIR at startup.
	CCSIDR [13]uint64

	CTR   uint64 // carried in EL1_VBAR at startup
	CLIDR uint64 // carried in EL1_SCTLR at startup
}

// The masks below are the 4-bit ID register fields cleared from a
// sanitized PlatformIDRegisters snapshot: ID_AA64PFR0's SVE, RAS and
// bits 8-11; ID_AA64PFR1's MPAM and bits 8-11; ID_AA64MMFR1's VH; and
// (in SanitizePlatformIDRegisters) ID_AA64MMFR2's NV. The AMU,
// LORegions and Enhanced-Virt-Traps fields are not cleared.
const (
	maskIDAA64PFR0 = 0xF<<32 | 0xF<<28 | 0xF<<8 // SVE (bits 32-35), RAS (28-31), bits 8-11
	maskIDAA64PFR1 = 0xF<<20 | 0xF<<8 // MPAM (20-23), bits 8-11
	maskIDAA64MMFR1 = 0xF<<4 // VH (4-7)
)

// SanitizePlatformIDRegisters clears the feature fields listed above out
// of raw, freshly-read ID register values before they are stored. The
// AArch32 ID, MVFR, CCSIDR, CTR and CLIDR values are copied through
// unchanged; no stand-in values are substituted for them. Masking is
// conservative: it clears fields wholesale rather
// than attempting partial-field arithmetic, since an all-zero feature
// field universally means "not implemented" in the ARM ID register
// scheme.
func SanitizePlatformIDRegisters(raw PlatformIDRegisters) PlatformIDRegisters {
	out := raw

	out.IDAA64PFR0 &^= maskIDAA64PFR0
	out.IDAA64PFR1 &^= maskIDAA64PFR1
	out.IDAA64MMFR1 &^= maskIDAA64MMFR1

	// Nested-Virt and Enhanced-Virt-Traps live in ID_AA64MMFR4/ID_AA64MMFR2;
	// this core does not track those registers separately from MMFR2, so
	// the carve-out is applied to the one field SPEC_FULL actually stores.
	out.IDAA64MMFR2 &^= 0xF << 24 // NV field

	return out
}

// Firmware is the PSCI/SIP firmware external collaborator (spec.md
// §6.3): given a calling VCPU and an SMC64 function id plus its four
// argument registers, it returns up to four result words. PSCI
// NOT_SUPPORTED is a valid, non-error return value (spec.md §7); Call
// only returns an error for a firmware-internal failure, never for an
// unrecognized function id.
type Firmware interface {
	Call(vcpuID int, fnID uint32, args [4]uint64) (results [4]uint64, err error)
}
