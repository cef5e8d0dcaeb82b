package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabstream/internal/api"
	"github.com/dgnsrekt/tabstream/internal/config"
	"github.com/dgnsrekt/tabstream/internal/netutil"
	"github.com/dgnsrekt/tabstream/internal/notify"
	"github.com/dgnsrekt/tabstream/internal/procstat"
	"github.com/dgnsrekt/tabstream/internal/relay"
	"github.com/dgnsrekt/tabstream/internal/sink"
	"github.com/dgnsrekt/tabstream/internal/storage"
)

func main() {
	envFile := pflag.String("env-file", "", "dotenv file to load before reading the environment (default ./.env)")
	logLevel := pflag.String("log-level", "", "debug, info, warn or error (overrides TABSINK_LOG_LEVEL)")
	bind := pflag.String("bind", "", "listen address (overrides TABSINK_BIND_ADDR)")
	pflag.Parse()

	cfg, err := config.LoadSink(*envFile)
	if err != nil {
		slog.Error("failed to load tabsink config", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *bind != "" {
		cfg.BindAddr = *bind
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tabsink config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"data_dir", cfg.DataDir,
		"max_file_size_mb", cfg.MaxFileSizeMB,
		"buffer_size", cfg.BufferSize,
		"resync_interval_ms", cfg.ResyncIntervalMS,
		"resync_per_minute", cfg.ResyncPerMinute,
		"ntfy_enabled", cfg.NtfyURL != "",
		"process_stats", cfg.ProcessStats,
		"browser_process", cfg.BrowserProcess,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind listener", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	bindAddr := ln.Addr().String()

	recorder := storage.NewWriterRegistry(cfg.DataDir, "snapshots", cfg.BufferSize, cfg.MaxFileSizeMB)
	broker := relay.NewBroker()
	var tracker *procstat.Tracker
	if cfg.ProcessStats {
		tracker = procstat.NewTracker(procstat.NewSystemSampler(cfg.BrowserProcess))
	}
	hub := sink.NewHub(sink.Options{
		Recorder:  recorder,
		Broker:    broker,
		Notifier:  notify.New(cfg.NtfyURL, nil),
		Processes: tracker,
	})

	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ResyncPerMinute)), cfg.ResyncPerMinute)
	h := api.NewServer(hub, api.Options{Streams: hub, Broker: broker, ResyncLimiter: limiter})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Request contexts derive from ctx so open SSE streams end on shutdown.
	srv := &http.Server{Handler: h, BaseContext: func(net.Listener) context.Context { return ctx }}
	go hub.RunResync(ctx, cfg.ResyncInterval())

	go func() {
		slog.Info("tabsink listening", "addr", bindAddr, "stream", "ws://"+bindAddr+"/", "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tabsink server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("tabsink shutdown failed", "error", err)
	}
	hub.Close()
	if err := recorder.Close(); err != nil {
		slog.Error("failed to close snapshot files", "error", err)
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
