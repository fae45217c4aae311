// pwkd is the privacy witness kernel daemon: it owns the sealed log,
// the zone allowlist, the per-bucket correlation-token key, and the
// contract-enforcement boundary that turns untrusted module output
// into trusted, sealed-log-bound events.
//
//	pwkd init    Initialize state directory, device key, and config
//	pwkd run     Run the ingest loop against stdin
//	pwkd status  Show configuration and sealed-log status
//	pwkd help    Show this help message
//	pwkd version Show version information
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/kmay89/pwk/internal/sandbox"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

func main() {
	sandbox.MaybeRunWorker()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "help", "-h", "--help":
		usage()
	case "version", "-v", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`pwkd - Privacy Witness Kernel daemon

USAGE:
    pwkd <command> [options]

COMMANDS:
    init      Initialize state directory, device key, and zone allowlist
    run       Run the ingest loop, reading candidate frames from stdin
    status    Show configuration and sealed-log status
    help      Show this help message
    version   Show version information`)
}

func printVersion() {
	fmt.Printf("pwkd %s\n", Version)
	fmt.Printf("  Build:    %s\n", BuildTime)
	fmt.Printf("  Commit:   %s\n", Commit)
	fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
}
