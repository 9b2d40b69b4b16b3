// Command gatehouse runs the intent intake and admission pipeline.
package main

import (
	"fmt"
	"io"
	"os"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommands. Exit codes: 0 ok, 1 runtime error,
// 2 usage.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stderr)
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "gatehouse "+version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			// Bare flags go to serve, the default subcommand.
			return runServe(args[1:], stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `gatehouse — intent intake and admission pipeline

Usage:
  gatehouse [serve]    run the intake service (default)
  gatehouse export     ship audit JSONL files to the archive backend
  gatehouse doctor     probe configuration, store, and logs directory
  gatehouse version    print the version

Configuration comes from GATEHOUSE_* environment variables, optionally
layered over a YAML profile (-profile or GATEHOUSE_PROFILE).`)
}
