package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/vietdev99/claude-mem-sub001/internal/audit"
	"github.com/vietdev99/claude-mem-sub001/internal/bus"
	"github.com/vietdev99/claude-mem-sub001/internal/config"
	"github.com/vietdev99/claude-mem-sub001/internal/cron"
	"github.com/vietdev99/claude-mem-sub001/internal/gateway"
	"github.com/vietdev99/claude-mem-sub001/internal/observability"
	"github.com/vietdev99/claude-mem-sub001/internal/otel"
	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/session"
	"github.com/vietdev99/claude-mem-sub001/internal/telemetry"
	"github.com/vietdev99/claude-mem-sub001/internal/worker"
)

// Startup failures exit with a code per reason so supervisors can tell a bad
// config from a busy port.
var startupExitCodes = map[string]int{
	"E_CONFIG_LOAD":      3,
	"E_LOGGER_INIT":      3,
	"E_STORE_OPEN":       4,
	"E_AUDIT_INIT":       4,
	"E_RECOVERY_SWEEP":   4,
	"E_LISTENER_BIND":    5,
	"E_OTEL_INIT":        6,
	"E_CRON_SCHEDULE":    6,
	"E_CONFIG_WATCHER":   6,
	"E_WORKER_INIT":      3,
	"E_MANAGER_INIT":     1,
	"E_GATEWAY_INIT":     1,
	"E_SERVER_TERMINATE": 1,
}

var serveQuiet bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue daemon",
	Long: `Run the queue daemon in the foreground.

On start the daemon resets items orphaned by a previous run and starts
consumers for every session with pending work before it accepts requests.
SIGINT or SIGTERM stops intake and drains in-flight items within
drain_timeout_seconds.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveQuiet, "quiet", false, "log to logs/system.jsonl only (default when stderr is not a terminal)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}

	quiet := serveQuiet || !isatty.IsTerminal(os.Stderr.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && cfg.APIToken == "" {
		if h := strings.ToLower(strings.TrimSpace(host)); h != "127.0.0.1" && h != "localhost" && h != "::1" {
			logger.Warn("listening beyond loopback without api_token", "bind_addr", cfg.BindAddr)
		}
	}

	tp, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, nil, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	store, err := persistence.Open(cfg.DBPath, storeOptions(cfg))
	if err != nil {
		fatalStartup(logger, nil, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if version, checksum, err := store.SchemaVersion(ctx); err == nil {
		logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath,
			"schema_version", version, "schema_checksum", checksum)
	}

	auditLog, err := audit.Open(cfg.HomeDir, store.DB())
	if err != nil {
		fatalStartup(logger, nil, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)
	eventBus := bus.New()

	w, err := newWorker(cfg.WorkerMode)
	if err != nil {
		fatalStartup(logger, auditLog, "E_WORKER_INIT", err)
	}
	mgr, err := session.New(session.Config{
		Store:         store,
		Worker:        w,
		Logger:        logger,
		Bus:           eventBus,
		Metrics:       metrics,
		Tracer:        tp.Tracer,
		Audit:         auditLog,
		ItemTimeout:   cfg.ItemTimeout(),
		MaxQueueDepth: cfg.Queue.MaxQueueDepth,
	})
	if err != nil {
		fatalStartup(logger, auditLog, "E_MANAGER_INIT", err)
	}

	recovery := recoveryOptions(cfg)
	startup := recovery
	startup.Trigger = "startup"
	report, err := mgr.Recover(ctx, startup)
	if err != nil {
		fatalStartup(logger, auditLog, "E_RECOVERY_SWEEP", err)
	}
	logger.Info("startup phase", "phase", "recovered",
		"reset", report.Reset, "started", report.Started, "deferred", report.Deferred)

	if cfg.SweepEnabled() {
		sched, err := cron.NewScheduler(cron.Config{
			Sweeper:  mgr,
			Logger:   logger,
			Schedule: cfg.Recovery.SweepSchedule,
			Options:  recovery,
		})
		if err != nil {
			fatalStartup(logger, auditLog, "E_CRON_SCHEDULE", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	watcher := config.NewWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_CONFIG_WATCHER", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if ev.Err != nil {
				logger.Error("config.yaml no longer loads; the next start will fail", "path", ev.Path, "error", ev.Err)
				continue
			}
			logger.Warn("config.yaml changed; restart to apply", "path", ev.Path, "changed", ev.Changed)
		}
	}()

	gw, err := gateway.New(gateway.Config{
		Manager:           mgr,
		Store:             store,
		Bus:               eventBus,
		Metrics:           metrics,
		Logger:            logger,
		AuthToken:         cfg.APIToken,
		AllowOrigins:      cfg.AllowedOrigins,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		Recovery:          recovery,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		fatalStartup(logger, auditLog, "E_GATEWAY_INIT", err)
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		fatalStartup(logger, auditLog, "E_LISTENER_BIND", err)
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("startup phase", "phase", "listening", "addr", ln.Addr().String())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			auditLog.Record(ctx, audit.Entry{
				Actor:   "runtime",
				Action:  "runtime.serve",
				Target:  "E_SERVER_TERMINATE",
				Outcome: audit.OutcomeError,
				Detail:  err.Error(),
			})
			runErr = err
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("http drain incomplete", "error", err)
	}
	if err := mgr.Shutdown(drainCtx); err != nil {
		// Items still in flight stay processing; the next startup sweep
		// returns them to pending.
		logger.Warn("consumer drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

func newWorker(mode string) (worker.Worker, error) {
	switch mode {
	case "", "passthrough":
		return worker.Passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", mode)
	}
}

func storeOptions(cfg config.Config) persistence.Options {
	retries := cfg.Queue.MaxRetries
	if retries == 0 {
		retries = persistence.NoRetries // configured as 0: fail on first error
	}
	return persistence.Options{MaxRetries: retries}
}

func recoveryOptions(cfg config.Config) session.RecoveryOptions {
	delay := cfg.StartDelay()
	if delay == 0 {
		delay = -1 // configured as 0: no spacing
	}
	return session.RecoveryOptions{
		StuckThreshold: cfg.StuckThreshold(),
		MaxSessions:    cfg.Recovery.MaxSessions,
		StartDelay:     delay,
	}
}

func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), audit.Entry{
		Actor:   "runtime",
		Action:  "runtime.startup",
		Target:  reasonCode,
		Outcome: audit.OutcomeError,
		Detail:  message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	code, ok := startupExitCodes[reasonCode]
	if !ok {
		code = 1
	}
	os.Exit(code)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is in use. Stop the other claude-mem (\"lsof -i :%s\") or change bind_addr in config.yaml.", port, port)
}
