package config

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// ChangeEvent reports an edit to config.yaml. Config is immutable once
// loaded, so a change only takes effect after a restart. Err is set when the
// edited file no longer loads; Changed is empty in that case.
type ChangeEvent struct {
	Path    string
	Changed []string
	Err     error
}

// Watcher re-reads config.yaml after edits and reports which settings now
// differ from the running configuration.
type Watcher struct {
	current Config
	logger  *slog.Logger
	events  chan ChangeEvent
}

func NewWatcher(current Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		current: current,
		logger:  logger.With("component", "config"),
		events:  make(chan ChangeEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start watches the home directory until ctx is cancelled. The directory is
// watched rather than the file so editors that replace on save are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.current.HomeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := ConfigPath(w.current.HomeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)

		// A single save often arrives as several events; settle first.
		debounce := time.NewTimer(reloadDebounce)
		debounce.Stop()
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce.Reset(reloadDebounce)
				}
			case <-debounce.C:
				w.reload(target)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(path string) {
	next, err := LoadFrom(w.current.HomeDir)
	ev := ChangeEvent{Path: path, Err: err}
	if err == nil {
		ev.Changed = ChangedKeys(w.current, next)
		if len(ev.Changed) == 0 {
			return
		}
	}
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("config change event dropped", "path", path)
	}
}

// ChangedKeys lists the config.yaml keys whose values differ between a and b.
func ChangedKeys(a, b Config) []string {
	var out []string
	add := func(key string, differs bool) {
		if differs {
			out = append(out, key)
		}
	}
	add("bind_addr", a.BindAddr != b.BindAddr)
	add("log_level", a.LogLevel != b.LogLevel)
	add("db_path", a.DBPath != b.DBPath)
	add("worker_mode", a.WorkerMode != b.WorkerMode)
	add("drain_timeout_seconds", a.DrainTimeoutSeconds != b.DrainTimeoutSeconds)
	add("metrics_namespace", a.MetricsNamespace != b.MetricsNamespace)
	add("api_token", a.APIToken != b.APIToken)
	add("allowed_origins", !slices.Equal(a.AllowedOrigins, b.AllowedOrigins))
	add("max_body_bytes", a.MaxBodyBytes != b.MaxBodyBytes)
	add("queue.max_retries", a.Queue.MaxRetries != b.Queue.MaxRetries)
	add("queue.item_timeout_seconds", a.Queue.ItemTimeoutSeconds != b.Queue.ItemTimeoutSeconds)
	add("queue.max_queue_depth", a.Queue.MaxQueueDepth != b.Queue.MaxQueueDepth)
	add("recovery.stuck_threshold_seconds", a.Recovery.StuckThresholdSeconds != b.Recovery.StuckThresholdSeconds)
	add("recovery.max_sessions", a.Recovery.MaxSessions != b.Recovery.MaxSessions)
	add("recovery.start_delay_ms", a.Recovery.StartDelayMillis != b.Recovery.StartDelayMillis)
	add("recovery.sweep_schedule", a.Recovery.SweepSchedule != b.Recovery.SweepSchedule)
	add("telemetry", a.Telemetry != b.Telemetry)
	return out
}
