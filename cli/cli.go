// Package cli implements the scout command line: the serve loop plus
// operator subcommands for plugins, the credential vault, and the CMDB.
package cli

import (
	"flag"
	"fmt"
	"os"

	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Run executes the CLI and returns the exit code.
// 0 = success, 1 = operation failed, 2 = usage error.
func Run(args []string) int {
	fs := flag.NewFlagSet("scout", flag.ContinueOnError)
	var versionFlag bool
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scout <command> [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve     Run the discovery server\n")
		fmt.Fprintf(os.Stderr, "  plugin    List, validate, or scaffold plugins\n")
		fmt.Fprintf(os.Stderr, "  vault     Manage stored credentials\n")
		fmt.Fprintf(os.Stderr, "  memory    Inspect and edit the CMDB\n")
		fmt.Fprintf(os.Stderr, "  version   Print version and exit\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if versionFlag {
		printVersion()
		return 0
	}

	remaining := fs.Args()
	if len(remaining) == 0 {
		fs.Usage()
		return 2
	}

	// Subcommands re-init from config; until then only errors surface.
	log.Init(log.Config{Level: log.ErrorLevel})
	server.Version = version

	switch remaining[0] {
	case "serve":
		return runServe(remaining[1:])
	case "plugin":
		return runPlugin(remaining[1:])
	case "vault":
		return runVault(remaining[1:])
	case "memory":
		return runMemory(remaining[1:])
	case "version":
		printVersion()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", remaining[0])
		fmt.Fprintln(os.Stderr, "Usage: scout <command> [flags]")
		return 2
	}
}

func printVersion() {
	fmt.Printf("scout %s (commit: %s, built: %s)\n", version, commit, date)
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
