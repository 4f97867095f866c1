package main

import (
	"log"
	"net/http"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
)

// withProfiling wraps fn the way a profiling flag would wrap gokvm's
// vmm.Boot (SPEC_FULL.md §1.4): an fgprof wall-clock handler served on
// fgprofAddr for the VM wiring/console/timer goroutine mix, and/or a CPU
// profile via pkg/profile, both optional and independent.
func withProfiling(enableCPUProfile bool, fgprofAddr string, fn func() error) error {
	if fgprofAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/fgprof", fgprof.Handler())

		srv := &http.Server{Addr: fgprofAddr, Handler: mux}

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("fgprof: %v", err)
			}
		}()

		defer srv.Close() //nolint:errcheck
	}

	if enableCPUProfile {
		stop := profile.Start(profile.CPUProfile, profile.Quiet)
		defer stop.Stop()
	}

	return fn()
}
