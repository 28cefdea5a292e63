package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/inbox-labeler/internal/config"
	"github.com/basket/inbox-labeler/internal/cron"
	"github.com/basket/inbox-labeler/internal/gateway"
	"github.com/basket/inbox-labeler/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	name := os.Args[0]
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Poll the inbox, classify and label new tasks
  %s daemon                   Same as above

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s stats [-json]            Show task counts from the local database
  %s errors [-n N] [-json]    Show the most recent error log entries
  %s reset <task-id>          Clear a failed task so the next sync retries it
  %s sync-once [-no-retry]    Run one sync pass and one retry pass, then exit
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, name, name, name, name, name, name, name, name, name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LABELER_HOME            Data directory (default: ~/.labeler)
  TODOIST_API_TOKEN       Todoist API token (required)
  GEMINI_API_KEY          Key for the google provider
  ANTHROPIC_API_KEY       Key for the anthropic provider
  OPENAI_API_KEY          Key for the openai provider
  LABELER_VOCABULARY      Comma-separated labels, overrides config.yaml

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Inspect failures:       %s errors -n 5
  Run diagnostics:        %s doctor
`, name, name, name, name)
}

func main() {
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "stats":
			os.Exit(runStatsCommand(ctx, args[1:]))
		case "errors":
			os.Exit(runErrorsCommand(ctx, args[1:]))
		case "reset":
			os.Exit(runResetCommand(ctx, args[1:]))
		case "sync-once":
			os.Exit(runSyncOnceCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG_INVALID", err)
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(telemetry.Options{HomeDir: cfg.HomeDir, Level: level, Quiet: quiet})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_fingerprint", cfg.Fingerprint())
	if !cfg.FileFound {
		logger.Warn("config.yaml not found; running from defaults and environment", "path", config.ConfigPath(cfg.HomeDir))
	}
	if !isLoopback(cfg.BindAddr) && cfg.Gateway.AuthToken == "" {
		logger.Warn("gateway bound to a non-loopback address without an auth token", "bind_addr", cfg.BindAddr)
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, reasonCode(err, "E_RUNTIME_INIT"), err)
	}
	defer rt.Close(ctx)

	reload := newReloader(cfg, logger, level, rt.orch, rt.bus)
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			_ = reload.Apply(ev.Path)
		}
	}()

	var rateLimit *gateway.RateLimitMiddleware
	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		rateLimit = gateway.NewRateLimitMiddleware(rl.RequestsPerMinute, rl.BurstSize)
		rateLimit.StartEviction(ctx, time.Minute, 10*time.Minute)
	}
	gw := gateway.New(gateway.Config{
		Store:        rt.store,
		Bus:          rt.bus,
		Logger:       logger,
		Tracer:       rt.telemetry.Tracer,
		Busy:         rt.orch.Busy,
		Fingerprint:  reload.Fingerprint,
		Version:      Version,
		AuthToken:    cfg.Gateway.AuthToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
		RateLimit:    rateLimit,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Port in use. Stop the other process or change bind_addr in config.yaml.", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched := cron.NewScheduler(cron.Config{
		Runner:        rt.orch,
		Logger:        logger,
		PollInterval:  cfg.PollInterval(),
		RetrySchedule: cfg.RetrySchedule,
		Purger:        rt.store,
		Retention:     time.Duration(cfg.ErrorRetentionDays) * 24 * time.Hour,
	})
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	logger.Info("startup phase", "phase", "scheduler_started",
		"poll_interval", cfg.PollInterval().String(), "retry_schedule", cfg.RetrySchedule)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let an in-flight pass finish before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"labeler","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Err == syscall.EADDRINUSE
	}
	return strings.Contains(err.Error(), "address already in use")
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: labeler daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: labeler daemon [--help]")
	fmt.Fprintln(w, "       labeler -quiet")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the inbox labeler in the foreground until interrupted.")
}
