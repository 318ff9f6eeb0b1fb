package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-drover/internal/config"
	"github.com/basket/go-drover/internal/console"
	"github.com/basket/go-drover/internal/cron"
	droverotel "github.com/basket/go-drover/internal/otel"
	"github.com/basket/go-drover/internal/persistence"
	"github.com/basket/go-drover/internal/registry"
	"github.com/basket/go-drover/internal/task"
	"github.com/basket/go-drover/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                    Start the console (full screen on a terminal,
                          line mode when stdin is piped)

DAEMON MODE:
  %s -daemon            Run schedules and the archive watcher without console input

SUBCOMMANDS:
  %s list [-json]       Load the task archive once and print its tasks
  %s history [-json] [-n N]
                          Show recent runs and registry generations
  %s doctor [-json]     Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DROVER_HOME             Data directory (default: ~/.drover)
  DROVER_ARCHIVE          Task archive path (default: $DROVER_HOME/tasks.zip)
  DROVER_NAMESPACE        Archive namespace holding task manifests (default: tasks)
  DROVER_LOG_LEVEL        debug, info, warn or error
  DROVER_WATCH_ARCHIVE    Reload automatically when the archive changes
  DROVER_NO_TUI           Set to 1 to use line mode on a terminal
`)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd()) && os.Getenv("DROVER_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run without console input (schedules and watcher only)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "list":
			os.Exit(runListCommand(ctx, args[1:], os.Stdout))
		case "history":
			os.Exit(runHistoryCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	mode := modeLine
	switch {
	case *daemon:
		mode = modeDaemon
	case interactive:
		mode = modeTUI
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// The full-screen console owns stderr's terminal too; keep logs in the file.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, mode == modeTUI)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "archive", cfg.ArchivePath, "mode", mode.String())

	if err := run(ctx, stop, cfg, logger, mode); err != nil {
		fatalStartup(logger, "E_RUNTIME", err)
	}
}

type runMode int

const (
	modeLine runMode = iota
	modeTUI
	modeDaemon
)

func (m runMode) String() string {
	switch m {
	case modeTUI:
		return "tui"
	case modeDaemon:
		return "daemon"
	default:
		return "line"
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *slog.Logger, mode runMode) error {
	otelProvider, err := droverotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := droverotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	var store *persistence.Store
	if cfg.History() {
		store, err = openHistory(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var (
		out task.Output
		tui *console.TUI
	)
	switch mode {
	case modeTUI:
		tui = console.NewTUI()
		out = tui
	default:
		out = console.NewWriter(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	}

	rt, err := newRuntime(cfg, logger, runtimeOptions{
		Out:     out,
		Store:   store,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
	})
	if err != nil {
		return err
	}
	go rt.queue.Run(ctx)

	// A missing or broken archive is not fatal; "reload" can retry.
	if err := rt.registry.Build(ctx); err != nil {
		logger.Warn("initial task scan failed", "error", err)
	}
	logger.Info("startup phase", "phase", "registry_ready", "generation", rt.registry.Generation(), "tasks", len(rt.registry.Descriptors()))

	if len(cfg.Schedules) > 0 {
		sched, err := cron.NewScheduler(cron.Config{
			Schedules:  cfg.Schedules,
			Dispatcher: rt.registry,
			Prefix:     cfg.CommandPrefix,
			Logger:     logger,
			Tracer:     otelProvider.Tracer,
		})
		if err != nil {
			return fmt.Errorf("schedules: %w", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	watcher := config.NewWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("file watcher unavailable", "error", err)
	} else {
		go forwardReloads(ctx, watcher.Events(), rt.registry, cfg.WatchArchive, logger)
	}

	shell := console.NewShell(console.Config{
		Prefix:     cfg.CommandPrefix,
		Dispatcher: rt.registry,
		Bus:        rt.bus,
		Out:        out,
		Logger:     logger,
	})
	switch mode {
	case modeTUI:
		go func() {
			if err := tui.Run(ctx, shell, stop); err != nil && ctx.Err() == nil {
				logger.Error("console exited with error", "error", err)
			}
			stop()
		}()
	case modeLine:
		go func() {
			if err := console.RunLines(ctx, os.Stdin, shell); err != nil {
				logger.Error("console input failed", "error", err)
			}
			// EOF on piped input ends the session.
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	drain := time.Duration(cfg.DrainTimeoutSeconds)*time.Second + time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("registry shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func openHistory(ctx context.Context, cfg config.Config, logger *slog.Logger) (*persistence.Store, error) {
	store, err := persistence.Open(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if n, err := store.CloseOpenRuns(ctx); err != nil {
		logger.Warn("close interrupted runs failed", "error", err)
	} else if n > 0 {
		logger.Info("closed interrupted runs", "count", n)
	}
	if cfg.HistoryRetentionDays > 0 {
		res, err := store.RunRetention(ctx, cfg.HistoryRetentionDays)
		if err != nil {
			logger.Warn("history retention failed", "error", err)
		} else if res.PurgedRuns > 0 || res.PurgedGenerations > 0 {
			logger.Info("history retention",
				"purged_runs", res.PurgedRuns,
				"purged_generations", res.PurgedGenerations,
			)
		}
	}
	return store, nil
}

// forwardReloads turns archive change events into a registry reload.
// Config changes are only logged; they take effect on restart.
func forwardReloads(ctx context.Context, events <-chan config.ReloadEvent, reg *registry.Registry, watchArchive bool, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case config.ChangeArchive:
				if !watchArchive {
					logger.Debug("archive changed; auto reload disabled", "path", ev.Path)
					continue
				}
				logger.Info("archive changed; reloading", "path", ev.Path)
				if err := reg.Dispatch(ctx, []string{registry.VerbReload}); err != nil {
					logger.Warn("auto reload failed", "error", err)
				}
			case config.ChangeConfig:
				logger.Info("config.yaml changed; restart to apply", "path", ev.Path)
			}
		}
	}
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","run_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
