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

	"github.com/joho/godotenv"

	"github.com/fustor/fustor/internal/config"
)

func main() {
	_ = godotenv.Load()

	home := os.Getenv("FUSTOR_HOME")
	if home == "" {
		home = "/etc/fustor"
	}
	configDir := flag.String("config", filepath.Join(home, "agent"), "agent config directory")
	flag.Parse()

	cfg, err := config.LoadAgentDir(*configDir)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := newHost(cfg, *configDir, log)
	if err := host.Start(ctx); err != nil {
		log.Error("agent start failed", "error", err)
		os.Exit(1)
	}
	log.Info("agent started", "agent", cfg.AgentID, "pipes", cfg.EnabledPipes())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info("reload requested")
			if err := host.Reload(ctx); err != nil {
				log.Error("reload failed, keeping previous configuration", "error", err)
			}
		default:
			log.Info("shutting down", "signal", sig)
			host.Stop()
			return
		}
	}
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
