package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/basket/inbox-labeler/internal/config"
	"github.com/basket/inbox-labeler/internal/orchestrator"
	"github.com/basket/inbox-labeler/internal/telemetry"
)

type syncOnceReport struct {
	Tick  orchestrator.TickStats  `json:"tick"`
	Retry *orchestrator.TickStats `json:"retry,omitempty"`
}

// runSyncOnceCommand runs a single tick, then a retry pass unless -no-retry.
// Logs go to the log file only so stdout carries the report.
func runSyncOnceCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sync-once", flag.ContinueOnError)
	noRetry := fs.Bool("no-retry", false, "skip the retry pass")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		return usageError("usage: labeler sync-once [-no-retry] [-json]")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(telemetry.Options{HomeDir: cfg.HomeDir, Level: level, Quiet: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	var report syncOnceReport
	code := 0
	report.Tick, err = rt.orch.Tick(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync: %v\n", err)
		code = 1
	}
	if !*noRetry && ctx.Err() == nil {
		retry, err := rt.orch.RetryFailedTasks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "retry: %v\n", err)
			code = 1
		}
		report.Retry = &retry
	}

	if *jsonOutput {
		if err := writeJSONTo(os.Stdout, report); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return code
	}
	renderSyncReport(os.Stdout, report)
	return code
}

func renderSyncReport(w io.Writer, r syncOnceReport) {
	line := func(name string, s orchestrator.TickStats) string {
		return fmt.Sprintf("%-5s seen=%d eligible=%d classified=%d retrying=%d failed=%d skipped=%d (%s)",
			name, s.Seen, s.Eligible, s.Classified, s.Retrying, s.Failed, s.Skipped, s.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w, titleStyle.Render("Sync pass"))
	fmt.Fprintln(w, line("tick", r.Tick))
	if r.Retry != nil {
		fmt.Fprintln(w, line("retry", *r.Retry))
	}
	if r.Tick.Failed > 0 || (r.Retry != nil && r.Retry.Failed > 0) {
		fmt.Fprintln(w, warnStyle.Render("some tasks failed permanently; see `labeler errors`"))
	}
}
