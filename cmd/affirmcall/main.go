// Command affirmcall is the main entry point for the affirmation call server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/affirmcall/internal/app"
	"github.com/MrWong99/affirmcall/internal/config"
	"github.com/MrWong99/affirmcall/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

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
			fmt.Fprintf(os.Stderr, "affirmcall: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "affirmcall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("affirmcall starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Secrets ───────────────────────────────────────────────────────────────
	if config.HasSecretRefs(cfg) {
		ps, err := config.OpenParamStore(ctx, cfg.Store.DynamoRegion)
		if err != nil {
			slog.Error("failed to open parameter store", "err", err)
			return 1
		}
		if err := config.ResolveSecrets(ctx, cfg, ps); err != nil {
			slog.Error("failed to resolve secrets", "err", err)
			return 1
		}
		slog.Info("secrets resolved from parameter store")
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	exporter, err := observe.NewTraceExporter(ctx, observe.TraceConfig{
		Exporter:     cfg.Server.TraceExporter,
		OTLPEndpoint: cfg.Server.OTLPEndpoint,
		OTLPInsecure: cfg.Server.OTLPInsecure,
	})
	if err != nil {
		slog.Error("failed to create trace exporter", "err", err)
		return 1
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		TraceExporter:  exporter,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(&level),
		app.WithConfigPath(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       affirmcall, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Telephony", cfg.Telephony.Name, "")
	printProvider("TTS", chainNames(cfg.Providers.TTS), "")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", chainNames(cfg.Providers.LLM), "")
	printProvider("Store", string(cfg.Store.Backend), "")
	printProvider("Events", string(cfg.Events.Backend), "")
	fmt.Printf("║  Max turns       : %-19d ║\n", cfg.CallFlow.MaxTurns)
	fmt.Printf("║  Prewarm phrases : %-19d ║\n", len(cfg.Prewarm.Phrases))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func chainNames(entries []config.ProviderEntry) string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return strings.Join(names, ">")
}
