package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabstream/internal/browser"
	"github.com/dgnsrekt/tabstream/internal/cdp"
	"github.com/dgnsrekt/tabstream/internal/clock"
	"github.com/dgnsrekt/tabstream/internal/config"
	"github.com/dgnsrekt/tabstream/internal/conn"
	"github.com/dgnsrekt/tabstream/internal/dispatch"
	"github.com/dgnsrekt/tabstream/internal/snapshot"
	"github.com/dgnsrekt/tabstream/internal/transport"
)

const statusLogInterval = time.Minute

func main() {
	envFile := pflag.String("env-file", "", "dotenv file to load before reading the environment (default ./.env)")
	filtersPath := pflag.String("filters", "", "YAML inventory filter file (overrides TABSTREAM_FILTERS)")
	logLevel := pflag.String("log-level", "", "debug, info, warn or error (overrides TABSTREAM_LOG_LEVEL)")
	launch := pflag.Bool("launch-browser", false, "start a browser with remote debugging if none is listening")
	pflag.Parse()

	cfg, err := config.LoadStreamer(*envFile)
	if err != nil {
		slog.Error("failed to load tabstream config", "error", err)
		os.Exit(1)
	}
	if *filtersPath != "" {
		cfg.FiltersPath = *filtersPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *launch {
		cfg.LaunchBrowser = true
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tabstream config loaded",
		"cdp_url", cfg.CDPURL(),
		"listener_addr", cfg.ListenerAddr,
		"listener_path", cfg.ListenerPath,
		"periodic_interval_ms", cfg.PeriodicIntervalMS,
		"backoff_floor_ms", cfg.BackoffFloorMS,
		"backoff_ceiling_ms", cfg.BackoffCeilingMS,
		"backoff_factor", cfg.BackoffFactor,
		"filters", cfg.FiltersPath,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	var exclude []string
	filters, err := config.LoadFilters(cfg.FiltersPath)
	switch {
	case err == nil:
		exclude = filters.Exclude
		slog.Info("inventory filters loaded", "path", cfg.FiltersPath, "exclude", len(exclude))
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("no inventory filter file", "path", cfg.FiltersPath)
	default:
		slog.Error("failed to load inventory filters", "path", cfg.FiltersPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.BrowserProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	clk := clock.Real()
	provider := cdp.NewProvider(cdp.Options{
		HTTPBase:    cfg.CDPURL(),
		Timeout:     cfg.CDPTimeout(),
		PIDCacheTTL: cfg.PIDCacheTTL(),
		Exclude:     exclude,
		Clock:       clk,
	})
	defer provider.Close()

	// The browser may come up after us; the builder reconnects on demand.
	if err := provider.Connect(ctx); err != nil {
		slog.Warn("browser DevTools not reachable yet", "cdp_url", cfg.CDPURL(), "error", err)
	}

	builder := snapshot.NewBuilder(provider, clk)

	var dispatcher *dispatch.Dispatcher
	manager, err := conn.NewManager(conn.Options{
		Dialer: transport.NewWebSocketDialer(cfg.ListenerAddr, cfg.ListenerPath),
		Policy: conn.Policy{
			Floor:   cfg.BackoffFloor(),
			Ceiling: cfg.BackoffCeiling(),
			Factor:  cfg.BackoffFactor,
		},
		Clock:         clk,
		OnEstablished: func() { dispatcher.Trigger(dispatch.ConnectionEstablished) },
		OnResync:      func() { dispatcher.Trigger(dispatch.RemoteResyncRequest) },
		Greeting:      true,
	})
	if err != nil {
		slog.Error("invalid connection settings", "error", err)
		os.Exit(1)
	}
	dispatcher = dispatch.New(builder, manager, dispatch.Options{
		Interval: cfg.PeriodicInterval(),
		Clock:    clk,
		Changes:  provider.Changes(),
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		logStatus(ctx, manager, dispatcher)
	}()

	slog.Info("tabstream running", "listener", "ws://"+cfg.ListenerAddr+cfg.ListenerPath)
	<-ctx.Done()
	slog.Info("tabstream shutting down")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Error("tabstream shutdown timed out")
	}
}

func logStatus(ctx context.Context, m *conn.Manager, d *dispatch.Dispatcher) {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := m.Status()
			ds := d.Stats()
			slog.Info("tabstream status",
				"state", st.State.String(),
				"backoff_ms", st.Backoff.Milliseconds(),
				"attempts", st.Attempts,
				"opens", st.Opens,
				"triggers", ds.Triggers,
				"sent", ds.Sent,
				"send_dropped", ds.SendDropped,
				"capture_failed", ds.CaptureFailed,
				"trigger_dropped", ds.TriggerDropped,
			)
		}
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
