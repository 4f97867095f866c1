// Command vml is the CLI entrypoint for the ARM VMM core: a boot
// subcommand that wires a VM per the given configuration, and a probe
// subcommand that reports this build's GIC/ITS capabilities.
//
// Grounded on gokvm's main.go, a thin "parse args, log.Fatal on error"
// wrapper around flag.Parse.
package main

import (
	"log"
	"os"
)

func main() {
	if err := parseArgs(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
