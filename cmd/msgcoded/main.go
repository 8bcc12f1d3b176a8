// msgcoded is the long-running daemon that bridges one local message source
// to per-conversation coding sessions: it owns the bridge subprocess, dedups
// and serializes inbound events per conversation, and fires scheduled jobs
// through the same pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/42atom/msgcode/internal/config"
	"github.com/42atom/msgcode/internal/cursor"
	"github.com/42atom/msgcode/internal/jobs"
	"github.com/42atom/msgcode/internal/lane"
	otelPkg "github.com/42atom/msgcode/internal/otel"
	"github.com/42atom/msgcode/internal/routing"
	"github.com/42atom/msgcode/internal/session"
	"github.com/42atom/msgcode/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                  Run the daemon in the foreground
  %s -version         Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MSGCODE_HOME                    Data directory (default: ~/.msgcode)
  MSGCODE_LOG_LEVEL               Log level override (debug|info|warn|error)
  MSGCODE_BRIDGE_COMMAND          Bridge subprocess command override
  MSGCODE_SESSION_COMMAND         Session executor command override
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	quietFlag := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("msgcoded", Version)
		return
	}

	// File logs always; stdout copy only when someone is watching.
	quiet := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	cursors, err := cursor.Open(config.CursorsPath(cfg.HomeDir), logger)
	if err != nil {
		fatalStartup(logger, "E_CURSOR_OPEN", err)
	}
	jobStore, err := jobs.Open(config.JobsPath(cfg.HomeDir), logger)
	if err != nil {
		fatalStartup(logger, "E_JOBS_OPEN", err)
	}
	runLog := jobs.NewRunLog(config.RunsPath(cfg.HomeDir), cfg.Jobs.RunLogWarnBytes, logger)
	routes := routing.NewTable(cfg.Routes)
	logger.Info("startup phase", "phase", "stores_opened", "routes", len(cfg.Routes))

	runner, err := session.New(cfg.Session, logger, otelProvider.Tracer)
	if err != nil {
		fatalStartup(logger, "E_SESSION_INIT", err)
	}

	// The bridge restarts across its lifetime; the sender indirection lets
	// everything built below keep one stable handle.
	sender := &bridgeSender{}

	startedAt := time.Now()
	coord := lane.New(lane.Options{
		Classifier:    lane.NewPrefixClassifier(cfg.Lane.FastCommands),
		Cursors:       cursors,
		Routes:        routes,
		Deliver:       runner,
		Reply:         sender,
		Fast:          makeFastHandler(routes, jobStore, startedAt),
		AckDelay:      cfg.AckDelay(),
		AckText:       cfg.Lane.AckText,
		RecordTTL:     time.Duration(cfg.Lane.FastRecordTTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Lane.SweepIntervalSeconds) * time.Second,
		Logger:        logger,
		Tracer:        otelProvider.Tracer,
		Metrics:       metrics,
	})
	defer coord.Stop()

	sched, err := jobs.NewScheduler(jobs.Options{
		Store:         jobStore,
		Runs:          runLog,
		Routes:        routes,
		Lanes:         coord,
		Deliver:       runner,
		Send:          sender,
		StuckTimeout:  cfg.StuckTimeout(),
		MaxTimerDelay: time.Duration(cfg.Jobs.MaxTimerMinutes) * time.Minute,
		Logger:        logger,
		Tracer:        otelProvider.Tracer,
		Metrics:       metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_armed", "jobs", len(sched.Jobs()))

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_WATCHER_START", err)
	}
	go handleReloads(ctx, watcher, cfg, sched, logger)

	supervisor := &bridgeSupervisor{
		cfg:     cfg,
		cursors: cursors,
		handler: coord,
		sender:  sender,
		logger:  logger,
		tracer:  otelProvider.Tracer,
		metrics: metrics,
	}
	if err := supervisor.Run(ctx); err != nil {
		fatalStartup(logger, "E_BRIDGE_SUPERVISOR", err)
	}

	logger.Info("shutdown signal received")
	logger.Info("shutdown complete", "uptime", time.Since(startedAt).Round(time.Second).String())
}

// handleReloads reacts to on-disk edits of the watched files. Job file edits
// reload the scheduler; config edits only take effect after a restart and are
// surfaced so the operator knows.
func handleReloads(ctx context.Context, w *config.Watcher, cfg config.Config, sched *jobs.Scheduler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch ev.Path {
			case config.JobsPath(cfg.HomeDir):
				if err := sched.Reload(); err != nil {
					logger.Error("job file reload failed, keeping previous jobs", "error", err)
				} else {
					logger.Info("job file reloaded")
				}
			case config.ConfigPath(cfg.HomeDir):
				fresh, err := config.Load()
				if err != nil {
					logger.Error("edited config does not load", "error", err)
					continue
				}
				if fresh.Fingerprint() != cfg.Fingerprint() {
					logger.Warn("config.yaml changed on disk, restart to apply")
				}
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
			`{"timestamp":"%s","level":"ERROR","component":"daemon","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

var _ lane.ReplySender = (*bridgeSender)(nil)
var _ jobs.Sender = (*bridgeSender)(nil)
