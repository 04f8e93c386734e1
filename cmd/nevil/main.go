// Command nevil is the conversational audio core of the Nevil robot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nevil-robotics/nevil/internal/app"
	"github.com/nevil-robotics/nevil/internal/config"
	"github.com/nevil-robotics/nevil/internal/observe"
)

var version = "dev" // overridden at build time via -ldflags

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "nevil: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "nevil: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so that config hot reload can change it
	// without rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("nevil starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "nevil",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.ApplyConfig(d)
	})
	if err != nil {
		slog.Error("config watcher failed", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)
	slog.Info("ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdown(application)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	if !shutdown(application) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdown tears the application down with a bounded grace period.
func shutdown(application *app.App) bool {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return false
	}
	return true
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Nevil — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", orDefault(cfg.Session.Model, "gpt-4o-realtime-preview"))
	printRow("Voice", orDefault(cfg.Session.Voice, "(session default)"))
	printRow("Capture", orDefault(cfg.Audio.CaptureDevice, "default"))
	printRow("Playback", orDefault(cfg.Audio.PlaybackDevice, "default"))
	if cfg.Audio.GateOnSilenceEnabled() {
		printRow("Turn detection", "client VAD")
	} else {
		printRow("Turn detection", "server VAD")
	}
	if cfg.Memory.PostgresDSN != "" {
		printRow("Memory", "postgres")
	} else {
		printRow("Memory", "(disabled)")
	}
	printRow("MCP servers", fmt.Sprintf("%d", len(cfg.MCP.Servers)))
	if cfg.Server.AdminAddr != "" {
		printRow("Admin addr", cfg.Server.AdminAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", name, value)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
