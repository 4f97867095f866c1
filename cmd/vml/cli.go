package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/bobuhiro11/armvml/internal/gic"
	"github.com/bobuhiro11/armvml/internal/vmm"
	"github.com/bobuhiro11/armvml/internal/vmmlog"
)

// CLI is kong's root command struct. Grounded on gokvm's flag/runs.go,
// which parses a CLI{ Boot BootCMD; Probe ProbeCMD } the same way via
// kong.Parse/kong.Name/kong.Description/kong.UsageOnError -- the BootCMD/
// ProbeCMD types runs.go calls Run() on could not be found anywhere in
// that repo's own source, so their field sets here are reconstructed for
// this core's own config surface rather than copied.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Wire a VM from the given configuration and report its layout."`
	Probe ProbeCMD `cmd:"" help:"Report this build's GIC/ITS/vCPU capabilities."`
}

// BootCMD wires guest RAM size, vCPU count, GICv2/v3 selection, console
// geometry, and trace verbosity (SPEC_FULL.md §1.3).
type BootCMD struct {
	NCPUs      int    `help:"Number of vCPUs." default:"1" short:"c"`
	GICVersion string `help:"GIC version: v2 or v3." default:"v3" short:"g"`
	MemSize    string `help:"Guest RAM size, as num[gGmMkK]." default:"256m" short:"m"`

	ConsoleCols uint16 `help:"Console terminal columns." default:"80"`
	ConsoleRows uint16 `help:"Console terminal rows." default:"24"`

	Trace bool `help:"Log every VBus/MSR-bus access." default:"false"`

	Profile    bool   `help:"Wrap VM construction in a CPU profile (pkg/profile)." default:"false"`
	FgprofAddr string `help:"Serve an fgprof wall-clock profile at this address; empty disables it." default:""`
}

// ProbeCMD reports the GIC version / ITS support this build offers, the
// way gokvm's ProbeCMD.Run calls probe.KVMCapabilities to report host KVM
// feature support.
type ProbeCMD struct{}

func parseGICVersion(s string) (gic.Version, error) {
	switch s {
	case "v2", "V2", "2":
		return gic.V2, nil
	case "v3", "V3", "3":
		return gic.V3, nil
	default:
		return 0, fmt.Errorf("unknown GIC version %q, want v2 or v3", s)
	}
}

// Run builds the VM per the given flags, maps guest RAM, prints a
// one-line summary of what was wired, and tears it back down. Actually
// driving guest execution needs a vmm.Driver backed by real ARM
// virtualization hardware, which is the "low-level portal glue" spec.md
// explicitly places outside this core's scope (§1) -- this build has no
// such Driver to hand Boot, so Run stops at the wiring-and-report step
// rather than fabricate one.
func (b *BootCMD) Run() error {
	version, err := parseGICVersion(b.GICVersion)
	if err != nil {
		return err
	}

	memSize, err := parseSize(b.MemSize, "m")
	if err != nil {
		return err
	}

	cfg := vmm.Config{
		NCPUs:       b.NCPUs,
		GICVersion:  version,
		MemSize:     memSize,
		ConsoleCols: b.ConsoleCols,
		ConsoleRows: b.ConsoleRows,
		Trace:       b.Trace,
		LogLevel:    vmmlog.LevelInfo,
	}

	run := func() error {
		mapper := &anonMapper{}

		vm, err := vmm.New(cfg, mapper)
		if err != nil {
			return err
		}

		if err := vm.Map(); err != nil {
			return err
		}

		defer vm.Shutdown() //nolint:errcheck

		fmt.Printf("wired VM: %d vCPU(s), GIC %s, %d MiB RAM, console %dx%d\n",
			cfg.NCPUs, version, cfg.MemSize>>20, cfg.ConsoleCols, cfg.ConsoleRows)
		fmt.Printf("no host run driver in this build; guest code was not executed\n")

		return nil
	}

	return withProfiling(b.Profile, b.FgprofAddr, run)
}

// Run reports this build's static capabilities: both GIC versions are
// always implemented, ITS only backs GICv3, and the virtio-console device
// id matches spec.md §4.6.
func (p *ProbeCMD) Run() error {
	fmt.Printf("gic versions supported: %s, %s\n", gic.V2, gic.V3)
	fmt.Printf("its supported: yes (gic v3 only)\n")
	fmt.Printf("virtio console device id: 3\n")

	return nil
}

// parseArgs runs kong against os.Args[1:], dispatching to BootCMD.Run or
// ProbeCMD.Run.
func parseArgs(args []string) error {
	c := CLI{}

	parser, err := kong.New(&c,
		kong.Name("vml"),
		kong.Description("vml wires and reports on a small ARM VMM core"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return ctx.Run()
}
