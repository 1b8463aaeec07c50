// Package main provides lifectl, the operational toolbox for Lifestream.
//
// Every tool works by appending events to the ledger; the pipeline then
// carries the correction through the same path as any capture. The only
// direct writes are the derived-row clears before a retry and the
// destructive bus reset.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/lifestream-io/lifestream/internal/admin"
	"github.com/lifestream-io/lifestream/internal/api/middleware"
	"github.com/lifestream-io/lifestream/internal/bus"
	"github.com/lifestream-io/lifestream/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "lifectl"
)

// Exit codes. Usage mistakes are the operator's to fix; infrastructure
// failures are the environment's.
const (
	exitOK    = 0
	exitUsage = 1
	exitInfra = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()

		return exitUsage
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()

		return exitOK
	case "-version", "--version", "version":
		fmt.Printf("%s v%s\n", name, version)

		return exitOK
	}

	// Optional .env for local runs; variables already set take precedence.
	_ = godotenv.Load()

	command, rest := args[0], args[1:]

	switch command {
	case "set-visibility":
		return runSetVisibility(rest)
	case "retry-failed":
		return runRetryFailed(rest)
	case "recover-stuck":
		return runRecoverStuck(rest)
	case "reset-bus":
		return runResetBus(rest)
	case "hash-token":
		return runHashToken(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()

		return exitUsage
	}
}

func runSetVisibility(args []string) int {
	fs := flag.NewFlagSet("set-visibility", flag.ContinueOnError)

	var params admin.VisibilityParams

	fs.StringVar(&params.SubjectID, "subject-id", "", "single link subject to change")
	fs.BoolVar(&params.All, "all", false, "select every link, optionally narrowed by -status")
	fs.StringVar(&params.Status, "status", "", "with -all, only links in this status")
	fs.StringVar(&params.Visibility, "visibility", "", "target visibility: public or private")
	fs.BoolVar(&params.DryRun, "dry-run", false, "print the plan without appending")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	tools, cleanup, code := openTools(false)
	if code != exitOK {
		return code
	}

	defer cleanup()

	report, err := tools.SetVisibility(context.Background(), params)
	if err != nil {
		return fail(err)
	}

	printReport(report)

	return exitOK
}

func runRetryFailed(args []string) int {
	fs := flag.NewFlagSet("retry-failed", flag.ContinueOnError)

	var params admin.RetryParams

	fs.StringVar(&params.SubjectID, "subject-id", "", "retry only this link subject")
	fs.IntVar(&params.Limit, "limit", admin.DefaultRetryLimit, "most links one run touches")
	fs.IntVar(&params.MaxRetries, "max-retries", admin.DefaultMaxRetries,
		"only links that failed at least this many times")
	fs.BoolVar(&params.DryRun, "dry-run", false, "print the plan without writing")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	tools, cleanup, code := openTools(false)
	if code != exitOK {
		return code
	}

	defer cleanup()

	report, err := tools.RetryFailed(context.Background(), params)
	if err != nil {
		return fail(err)
	}

	printReport(report)

	return exitOK
}

func runRecoverStuck(args []string) int {
	fs := flag.NewFlagSet("recover-stuck", flag.ContinueOnError)

	var params admin.RecoverParams

	fs.StringVar(&params.SubjectID, "subject-id", "", "recover only this link subject")
	fs.BoolVar(&params.All, "all", false, "recover every stuck link")
	fs.BoolVar(&params.DryRun, "dry-run", false, "print the plan without appending")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	tools, cleanup, code := openTools(false)
	if code != exitOK {
		return code
	}

	defer cleanup()

	report, err := tools.RecoverStuck(context.Background(), params)
	if err != nil {
		return fail(err)
	}

	printReport(report)

	return exitOK
}

func runResetBus(args []string) int {
	fs := flag.NewFlagSet("reset-bus", flag.ContinueOnError)

	confirmed := fs.Bool("yes", false, "confirm deleting and recreating every topic")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	tools, cleanup, code := openTools(true)
	if code != exitOK {
		return code
	}

	defer cleanup()

	report, err := tools.ResetBus(context.Background(), *confirmed)
	if err != nil {
		return fail(err)
	}

	fmt.Printf("reset-bus: topics recreated, bookkeeping cleared, %d event(s) queued for re-forwarding\n",
		report.EventsUnmarked)

	return exitOK
}

// runHashToken turns a plaintext ingest token into the bcrypt hash the
// capture service expects in its environment. Needs no database or broker.
func runHashToken(args []string) int {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)

	token := fs.String("token", "", "ingest token to hash")

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	hash, err := middleware.HashIngestToken(*token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)

		return exitUsage
	}

	fmt.Printf("%s=%s\n", middleware.TokenHashEnvVar, hash)

	return exitOK
}

// openTools wires the tool set against the shared database. The bus admin
// client is attached only when the command needs it; the event tools run
// without any broker configured.
func openTools(withBroker bool) (*admin.Tools, func(), int) {
	dbConn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to connect to database: %v\n", name, err)

		return nil, nil, exitInfra
	}

	cleanup := func() { _ = dbConn.Close() }

	selector, err := storage.NewReadStore(dbConn)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "%s: failed to create read store: %v\n", name, err)

		return nil, nil, exitInfra
	}

	ledger, err := storage.NewLedger(dbConn)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "%s: failed to create event ledger: %v\n", name, err)

		return nil, nil, exitInfra
	}

	projections, err := storage.NewProjectionStore(dbConn)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "%s: failed to create projection store: %v\n", name, err)

		return nil, nil, exitInfra
	}

	var broker admin.Broker

	if withBroker {
		busAdmin, err := bus.NewAdmin(bus.LoadConfig())
		if err != nil {
			cleanup()
			fmt.Fprintf(os.Stderr, "%s: failed to create bus admin client: %v\n", name, err)

			return nil, nil, exitInfra
		}

		broker = busAdmin
	}

	tools, err := admin.NewTools(selector, ledger, projections, broker)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "%s: failed to assemble tools: %v\n", name, err)

		return nil, nil, exitInfra
	}

	return tools, cleanup, exitOK
}

// fail prints the error and maps it to an exit code.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)

	if errors.Is(err, admin.ErrUsage) {
		return exitUsage
	}

	return exitInfra
}

// printReport renders a tool run for the operator. Dry runs list the plan;
// real runs list what landed.
func printReport(report *admin.Report) {
	if report.DryRun {
		fmt.Printf("%s: would append %d event(s)\n", report.Tool, report.Planned)

		for _, emission := range report.Emissions {
			if emission.EventID != "" {
				fmt.Printf("  %s  %s  %s\n", emission.EventType, emission.SubjectID, emission.EventID)
			} else {
				fmt.Printf("  %s  %s\n", emission.EventType, emission.SubjectID)
			}
		}

		return
	}

	fmt.Printf("%s: appended %d event(s), skipped %d duplicate(s)\n",
		report.Tool, report.Appended, report.Duplicates)

	for _, emission := range report.Emissions {
		marker := "appended"
		if emission.Duplicate {
			marker = "duplicate"
		}

		fmt.Printf("  %s  %s  %s\n", marker, emission.EventType, emission.SubjectID)
	}
}

// printUsage displays usage information
func printUsage() {
	fmt.Printf(`%s v%s - Operational Toolbox for Lifestream

USAGE:
    %s COMMAND [OPTIONS]

COMMANDS:
    set-visibility  Toggle link visibility by appending visibility events
    retry-failed    Re-emit link.added for links that exhausted their retries
    recover-stuck   Rebuild enrichment events for links stuck before publish
    reset-bus       Recreate all topics and queue a full replay (requires -yes)
    hash-token      Print the bcrypt hash for LIFESTREAM_INGEST_TOKEN_HASH

COMMAND OPTIONS:
    set-visibility  -subject-id <id> | -all [-status <s>]
                    -visibility public|private
    retry-failed    [-subject-id <id>] [-limit N] [-max-retries N]
    recover-stuck   -subject-id <id> | -all
    reset-bus       -yes
    hash-token      -token <plaintext>

    set-visibility, retry-failed, and recover-stuck accept -dry-run to
    print the plan without writing.

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL   PostgreSQL connection string (REQUIRED)
    KAFKA_BROKERS  Broker list, only needed by reset-bus

EXIT CODES:
    0  success
    1  usage error
    2  infrastructure failure

EXAMPLES:
    %s set-visibility -subject-id link:1a2b3c4d5e6f7a8b -visibility private
    %s set-visibility -all -status published -visibility public -dry-run
    %s retry-failed -max-retries 3
    %s recover-stuck -all
    %s reset-bus -yes
`, name, version, name, name, name, name, name, name)
}
