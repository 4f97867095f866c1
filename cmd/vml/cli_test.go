package main

import (
	"testing"

	"github.com/alecthomas/kong"

	"github.com/bobuhiro11/armvml/internal/gic"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		unit string
		want uint64
	}{
		{"256m", "g", 256 << 20},
		{"1g", "g", 1 << 30},
		{"512", "m", 512 << 20},
		{"4k", "g", 4 << 10},
	}

	for _, c := range cases {
		got, err := parseSize(c.in, c.unit)
		if err != nil {
			t.Fatalf("parseSize(%q,%q): %v", c.in, c.unit, err)
		}

		if got != c.want {
			t.Fatalf("parseSize(%q,%q) = %d, want %d", c.in, c.unit, got, c.want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	if _, err := parseSize("", "g"); err == nil {
		t.Fatalf("expected error for empty size string")
	}

	if _, err := parseSize("abc", "g"); err == nil {
		t.Fatalf("expected error for non-numeric size string")
	}
}

func TestParseGICVersion(t *testing.T) {
	cases := map[string]gic.Version{
		"v2": gic.V2,
		"V2": gic.V2,
		"2":  gic.V2,
		"v3": gic.V3,
		"V3": gic.V3,
		"3":  gic.V3,
	}

	for in, want := range cases {
		got, err := parseGICVersion(in)
		if err != nil {
			t.Fatalf("parseGICVersion(%q): %v", in, err)
		}

		if got != want {
			t.Fatalf("parseGICVersion(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := parseGICVersion("v4"); err == nil {
		t.Fatalf("expected error for unknown GIC version")
	}
}

func TestCLIParsesBootFlags(t *testing.T) {
	c := CLI{}

	parser, err := kong.New(&c)
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}

	ctx, err := parser.Parse([]string{"boot", "-c", "4", "-g", "v2", "-m", "512m"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if ctx.Command() != "boot" {
		t.Fatalf("Command() = %q, want boot", ctx.Command())
	}

	if c.Boot.NCPUs != 4 || c.Boot.GICVersion != "v2" || c.Boot.MemSize != "512m" {
		t.Fatalf("parsed BootCMD = %+v", c.Boot)
	}
}

func TestCLIParsesProbe(t *testing.T) {
	c := CLI{}

	parser, err := kong.New(&c)
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}

	ctx, err := parser.Parse([]string{"probe"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if ctx.Command() != "probe" {
		t.Fatalf("Command() = %q, want probe", ctx.Command())
	}
}
