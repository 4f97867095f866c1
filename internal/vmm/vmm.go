// Package vmm wires the address space, buses, GIC, per-vCPU timers, vCPU
// state machines, and virtio console into one VM, and supervises the
// per-vCPU run loop (spec.md §3/§4.4).
//
// Grounded on gokvm's vmm.VMM: an embedding struct holding a *machine.Machine
// plus its flag.Config, with Init/Setup/Boot lifecycle methods. This
// package generalizes that into a multi-bus, multi-device wiring (GICD,
// per-vCPU GICR, optional ITS, virtio-console) where gokvm.machine.Machine
// only ever had one fixed x86 device set (8250 serial, PCI, PIT, PIC)
// wired directly into machine.New.
package vmm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/armvml/internal/gic"
	"github.com/bobuhiro11/armvml/internal/guestmem"
	"github.com/bobuhiro11/armvml/internal/msrbus"
	"github.com/bobuhiro11/armvml/internal/vbus"
	"github.com/bobuhiro11/armvml/internal/vcpu"
	"github.com/bobuhiro11/armvml/internal/virtio"
	"github.com/bobuhiro11/armvml/internal/virtioconsole"
	"github.com/bobuhiro11/armvml/internal/vmmerr"
	"github.com/bobuhiro11/armvml/internal/vmmlog"
	"github.com/bobuhiro11/armvml/internal/vtimer"
)

// Guest-physical memory map. There is no address map in spec.md (the
// document leaves placement to the implementation); these follow the
// common AArch64 "virt" board layout closely enough to be a believable
// default without claiming to match any specific board.
const (
	RAMBase = 0x4000_0000

	GICDBase = 0x0800_0000
	GICDSize = 0x1_0000

	// GICRStride is RD_base (64K) + SGI_base (64K) per redistributor.
	GICRBase   = 0x0808_0000
	GICRStride = 0x2_0000

	GITSBase = 0x0808_0000 + 0x10*GICRStride // placed past the largest plausible redistributor bank
	GITSSize = 0x2_0000

	VirtioConsoleBase = 0x0a00_0000
	VirtioConsoleSize = 0x200

	// consoleSPI is the SPI INTID wired to the virtio-console transport's
	// queue/config interrupt.
	consoleSPI = gic.MinSPI + 16
)

// Config selects the shape of the VM vmm.New builds.
type Config struct {
	NCPUs      int
	GICVersion gic.Version
	MemSize    uint64

	ConsoleCols uint16
	ConsoleRows uint16

	Trace    bool
	LogLevel vmmlog.Level
}

// spiLine adapts a Distributor SPI id to virtio.IRQLine. Deassert ignores
// the cpu argument the same way Distributor.deassertLine does for SPI ids
// (routing already resolved it at assert time).
type spiLine struct {
	dist *gic.Distributor
	id   uint32
}

func (s *spiLine) AssertLevel()   { s.dist.AssertSPI(s.id) }
func (s *spiLine) DeassertLevel() { s.dist.DeassertLine(0, s.id) }

// timerInjector adapts one vCPU's virtual timer fire callback directly to
// the distributor, sidestepping the vtimer.New/vcpu.New construction-order
// cycle (the timer must exist before the Vcpu that would otherwise supply
// InjectTimerPPI).
type timerInjector struct {
	dist *gic.Distributor
	cpu  int
}

func (t *timerInjector) InjectTimerPPI() { t.dist.AssertLine(t.cpu, vcpu.TimerPPI) }

// VM is one fully wired virtual machine: its buses, address space,
// interrupt controller, per-vCPU state, and virtio console.
type VM struct {
	cfg Config
	log *vmmlog.Logger

	Bus    *vbus.Bus
	MSRBus *msrbus.Bus
	Mem    *guestmem.AddressSpace

	Dist    *gic.Distributor
	Redists []*gic.Redistributor
	ITS     *gic.ITS // nil when cfg.GICVersion == gic.V2

	Timers []*vtimer.Timer

	Coordinator *vcpu.Coordinator
	Set         *vcpu.Set
	Vcpus       []*vcpu.Vcpu
	Wake        []<-chan struct{}

	Console          *virtioconsole.Console
	ConsoleTransport *virtio.Device
}

// New constructs a VM per cfg, addressing guest RAM through mapper. The
// returned VM's devices are registered on Bus but guest RAM is not yet
// mapped; call Map before Boot.
func New(cfg Config, mapper guestmem.HostMapper) (*VM, error) {
	if cfg.NCPUs <= 0 {
		return nil, fmt.Errorf("vmm: NCPUs must be positive, got %d: %w", cfg.NCPUs, vmmerr.ErrInvalidParameter)
	}

	lg := vmmlog.New(cfg.LogLevel)

	vm := &VM{
		cfg:         cfg,
		log:         lg,
		Bus:         vbus.New(vbus.SpaceMMIO),
		MSRBus:      msrbus.New(),
		Mem:         guestmem.New("ram", RAMBase, cfg.MemSize, guestmem.CredRead|guestmem.CredWrite|guestmem.CredExec, mapper),
		Coordinator: vcpu.NewCoordinator(),
		Set:         vcpu.NewSet(),
	}

	vm.Bus.SetLogger(lg)
	vm.Bus.SetTrace(cfg.Trace)
	vm.MSRBus.SetTrace(cfg.Trace)

	vm.Dist = gic.New(cfg.GICVersion, cfg.NCPUs, vm.Set)
	if err := vm.Bus.RegisterDevice(GICDBase, GICDSize, vm.Dist); err != nil {
		return nil, fmt.Errorf("vmm: register gicd: %w", err)
	}

	vm.Set.SetAffinityResolver(func(aff0, aff1, aff2, aff3 uint8) (int, bool) {
		if aff1 != 0 || aff2 != 0 || aff3 != 0 {
			return 0, false
		}

		cpu := int(aff0)
		if cpu < 0 || cpu >= cfg.NCPUs {
			return 0, false
		}

		return cpu, true
	})

	if cfg.GICVersion == gic.V3 {
		vm.ITS = gic.NewITS(vm.Dist, vm.Mem)
		if err := vm.Bus.RegisterDevice(GITSBase, GITSSize, vm.ITS); err != nil {
			return nil, fmt.Errorf("vmm: register its: %w", err)
		}
	}

	for i := 0; i < cfg.NCPUs; i++ {
		redist := gic.NewRedistributor(i, i == cfg.NCPUs-1, vm.Dist)
		if err := vm.Bus.RegisterDevice(GICRBase+uint64(i)*GICRStride, GICRStride, redist); err != nil {
			return nil, fmt.Errorf("vmm: register gicr%d: %w", i, err)
		}

		vm.Redists = append(vm.Redists, redist)

		timer := vtimer.New(&timerInjector{dist: vm.Dist, cpu: i})
		vm.Timers = append(vm.Timers, timer)

		v := vcpu.New(i, vm.Coordinator, vm.Dist, redist, timer)
		vm.Vcpus = append(vm.Vcpus, v)
		vm.Wake = append(vm.Wake, vm.Set.Add(v))
	}

	vm.Console = virtioconsole.New(vm.Mem, cfg.ConsoleCols, cfg.ConsoleRows)
	vm.ConsoleTransport = virtio.NewDevice(vm.Console, &spiLine{dist: vm.Dist, id: consoleSPI}, vm.Mem)
	vm.Console.AttachTransport(vm.ConsoleTransport)

	if err := vm.Bus.RegisterDevice(VirtioConsoleBase, VirtioConsoleSize, vm.ConsoleTransport); err != nil {
		return nil, fmt.Errorf("vmm: register virtio-console: %w", err)
	}

	return vm, nil
}

// Map obtains the host mapping for guest RAM. Must be called once before
// any vCPU runs.
func (vm *VM) Map() error {
	return vm.Mem.Map()
}

// Reset restores every bus-registered device and MSR register to its
// power-on state.
func (vm *VM) Reset() {
	vm.Bus.Reset()
	vm.MSRBus.ResetAll()

	for _, t := range vm.Timers {
		t.SetCtl(0)
	}
}

// Shutdown tears down every device and releases guest RAM. Idempotent.
func (vm *VM) Shutdown() error {
	vm.Bus.Shutdown()

	for _, t := range vm.Timers {
		t.Stop()
	}

	return vm.Mem.Destruct()
}

// Driver is the host-hypervisor run primitive external collaborator
// (spec.md's "portal" glue, explicitly out of scope for this core): given
// a vCPU, it actually executes guest code until an exit, decodes that
// exit into a vcpu.PortalExit, and drives vcpu.Step. RunVCPU is expected
// to loop internally until ctx is done or an unrecoverable error occurs,
// the same way gokvm's StartVCPU's goroutine body loops over RunOnce.
type Driver interface {
	RunVCPU(ctx context.Context, v *vcpu.Vcpu) error
}

// Boot spawns one goroutine per vCPU, each driven by driver.RunVCPU, and
// blocks until every goroutine returns. The first error cancels ctx for
// the rest (errgroup), replacing gokvm's Boot bare sync.WaitGroup (which
// has no way to stop sibling goroutines on one CPU's fatal error) with
// golang.org/x/sync/errgroup's first-error propagation, per SPEC_FULL's
// ambient-stack note for this package.
func (vm *VM) Boot(ctx context.Context, driver Driver) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, v := range vm.Vcpus {
		v := v

		g.Go(func() error {
			if err := driver.RunVCPU(gctx, v); err != nil {
				return fmt.Errorf("vmm: vcpu %d: %w", v.ID(), err)
			}

			return nil
		})
	}

	return g.Wait()
}
