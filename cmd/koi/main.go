// Command koi runs the processor node: a server exposing the HTTP surface,
// plus local subcommands for ingestion, artifact resolution, provenance
// inspection, and ledger reporting.
package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes reported to the shell.
const (
	exitOK          = 0
	exitError       = 1
	exitValidation  = 2
	exitBudget      = 3
	exitUnavailable = 4
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return exitValidation
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "ingest":
		return runIngest(args[2:], stdout, stderr)
	case "resolve":
		return runResolve(args[2:], stdout, stderr)
	case "provenance":
		return runProvenance(args[2:], stdout, stderr)
	case "forget":
		return runForget(args[2:], stdout, stderr)
	case "ontology":
		return runOntology(args[2:], stdout, stderr)
	case "report":
		return runReport(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitValidation
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "koi - knowledge processor node")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  koi <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve        Run the HTTP server")
	fmt.Fprintln(w, "  ingest       Ingest a file (--source <rid> [--id <original-id>] [--type <content-type>])")
	fmt.Fprintln(w, "  resolve      Resolve a RID or CID to its artifact")
	fmt.Fprintln(w, "  provenance   Print the receipt chain for a RID")
	fmt.Fprintln(w, "  forget       Remove a RID's store mapping (receipts are kept)")
	fmt.Fprintln(w, "  ontology     Register an ontology version for entity extraction")
	fmt.Fprintln(w, "  report       Summarize ledger activity by day")
	fmt.Fprintln(w, "  help         Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from KOI_* environment variables; KOI_CONFIG names")
	fmt.Fprintln(w, "an optional YAML profile.")
	fmt.Fprintln(w, "")
}
