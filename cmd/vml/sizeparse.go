package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseSize parses a size string as num[gGmMkK], the multiplier being
// optional and defaulting to unit when absent. Lifted near-verbatim from
// gokvm's flag.ParseSize, generalized to return a uint64 since guest RAM
// size here is unsigned throughout guestmem/vmm rather than gokvm's int.
func parseSize(s, unit string) (uint64, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return 0, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 64)
	if err != nil {
		return 0, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return amt << 30, nil
	case "M", "m":
		return amt << 20, nil
	case "K", "k":
		return amt << 10, nil
	case "":
		return amt, nil
	}

	return 0, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
