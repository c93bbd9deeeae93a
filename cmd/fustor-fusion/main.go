package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fustor/fustor/internal/config"
	"github.com/fustor/fustor/internal/fusion"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/view"
)

func main() {
	_ = godotenv.Load()

	home := os.Getenv("FUSTOR_HOME")
	if home == "" {
		home = "/etc/fustor"
	}
	configPath := flag.String("config", filepath.Join(home, "fusion.yaml"), "fusion config file")
	flag.Parse()

	cfg, err := config.LoadFusion(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := buildLogger(cfg.Logging)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Receiver tuning: the first receiver that sets a knob wins, the rest
	// fall back to package defaults.
	var sessTimeout, cleanup time.Duration
	var queueSize int
	for _, rcfg := range cfg.Receivers {
		if rcfg.SessionTimeoutSec > 0 && sessTimeout == 0 {
			sessTimeout = time.Duration(rcfg.SessionTimeoutSec) * time.Second
		}
		if rcfg.CleanupIntervalSec > 0 && cleanup == 0 {
			cleanup = time.Duration(rcfg.CleanupIntervalSec) * time.Second
		}
		if rcfg.QueueBatchSize > 0 && queueSize == 0 {
			queueSize = rcfg.QueueBatchSize
		}
	}

	// Views and their single-writer workers.
	views := make(map[string]*view.View)
	gate := make(map[string]bool)
	for id, vcfg := range cfg.Views {
		opts := view.Options{
			HotFileThreshold: time.Duration(vcfg.HotFileThresholdSec) * time.Second,
			SuspectTTL:       time.Duration(vcfg.SuspectTTLSec) * time.Second,
		}
		v := view.New(id, opts, queueSize, log, reg)
		v.Start()
		views[id] = v
		gate[id] = vcfg.GateOnSnapshot
		defer v.Stop()
	}

	sessions := session.NewManager(sessTimeout, cleanup, log)
	go sessions.Run(ctx)

	// Ingest pipes bound to views.
	pipes := make(map[string]*fusion.Pipe)
	for id, pcfg := range cfg.Pipes {
		if pcfg.Disabled {
			continue
		}
		v, ok := views[pcfg.View]
		if !ok {
			fmt.Fprintf(os.Stderr, "pipe %s names unknown view %s\n", id, pcfg.View)
			os.Exit(1)
		}
		pipes[id] = fusion.NewPipe(id, v, reg)
	}

	hub := fusion.NewHub(log)
	defer hub.Close()

	ingress := fusion.NewIngress(sessions, pipes, cfg.APIKeys, hub, log)
	server := fusion.NewServer(ingress, sessions, views, gate, hub, reg, log)

	port := cfg.Port
	if port == 0 {
		port = 8040
	}
	log.Info("fusion starting", "port", port, "views", len(views), "pipes", len(pipes))
	if err := server.Start(ctx, port); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
	log.Info("fusion stopped")
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
