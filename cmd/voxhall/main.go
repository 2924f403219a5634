// Command voxhall is the main entry point for the Voxhall call runtime.
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

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/voxhall/voxhall/internal/app"
	"github.com/voxhall/voxhall/internal/call"
	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/observe"
	"github.com/voxhall/voxhall/internal/resilience"
	"github.com/voxhall/voxhall/internal/tenant"
	"github.com/voxhall/voxhall/pkg/provider/llm"
	"github.com/voxhall/voxhall/pkg/provider/llm/anyllm"
	llmopenai "github.com/voxhall/voxhall/pkg/provider/llm/openai"
	"github.com/voxhall/voxhall/pkg/provider/stt"
	"github.com/voxhall/voxhall/pkg/provider/stt/deepgram"
	"github.com/voxhall/voxhall/pkg/provider/tts"
	"github.com/voxhall/voxhall/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/voxhall/voxhall/pkg/provider/tts/openai"
	"github.com/voxhall/voxhall/pkg/provider/vad/energy"
)

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
			fmt.Fprintf(os.Stderr, "voxhall: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxhall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxhall starting",
		"config", *configPath,
		"media_addr", cfg.Server.MediaListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxhall"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, cleanup, err := buildProviders(ctx, cfg, metrics)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates every provider named in cfg, wraps them in
// their resilience chains, and connects the tenant store and artifact sink.
// The returned cleanup closes owned resources (the Postgres pool) and may be
// non-nil even on error.
func buildProviders(ctx context.Context, cfg *config.Config, metrics *observe.Metrics) (*app.Providers, func(), error) {
	ps := &app.Providers{Metrics: metrics}
	cleanup := func() {}
	ccfg := resilience.ChainConfig{}

	// ── ASR ───────────────────────────────────────────────────────────────────
	asr, err := buildASR(cfg.Providers.ASR)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
	}
	ps.ASR = resilience.NewSTTChain(cfg.Providers.ASR.Name, asr, ccfg)
	slog.Info("provider created", "kind", "asr", "name", cfg.Providers.ASR.Name)

	// ── TTS chain: primary → secondary → last resort ──────────────────────────
	primary, err := buildTTS(cfg.Providers.TTSPrimary)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTSPrimary.Name, err)
	}
	chain := resilience.NewTTSChain(primary, ccfg)
	chain.OnFallback = func(from, to string) {
		metrics.RecordVoiceFallback(context.Background(), from, to)
	}
	for _, entry := range []config.ProviderEntry{cfg.Providers.TTSSecondary, cfg.Providers.TTSLastResort} {
		if entry.Name == "" {
			continue
		}
		p, err := buildTTS(entry)
		if err != nil {
			return nil, cleanup, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		chain.Add(p)
	}
	ps.TTS = chain
	slog.Info("provider created", "kind", "tts", "name", chain.Name())

	// ── LLM ───────────────────────────────────────────────────────────────────
	model, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = resilience.NewLLMChain(cfg.Providers.LLM.Name, model, ccfg)
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	// ── VAD ───────────────────────────────────────────────────────────────────
	ps.VAD = energy.New()

	// ── Tenant store ──────────────────────────────────────────────────────────
	switch {
	case cfg.Tenants.PostgresDSN != "":
		pool, err := pgxpool.New(ctx, cfg.Tenants.PostgresDSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect tenant database: %w", err)
		}
		cleanup = pool.Close
		store := tenant.NewPostgresStore(pool)
		mctx, mcancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.Migrate(mctx)
		mcancel()
		if err != nil {
			return nil, cleanup, err
		}
		ps.Tenants = store
		slog.Info("tenant store connected", "backend", "postgres")
	case cfg.Tenants.StaticPath != "":
		store, err := tenant.LoadStaticFile(cfg.Tenants.StaticPath)
		if err != nil {
			return nil, cleanup, err
		}
		ps.Tenants = store
		slog.Info("tenant store loaded", "backend", "static", "path", cfg.Tenants.StaticPath, "tenants", store.Len())
	default:
		return nil, cleanup, errors.New("tenants: either postgres_dsn or static_path is required")
	}

	// ── Artifact sink ─────────────────────────────────────────────────────────
	if cfg.Artifact.SinkURL != "" {
		ps.Sink = call.NewHTTPSink(cfg.Artifact.SinkURL, nil)
		slog.Info("artifact sink configured", "url", cfg.Artifact.SinkURL)
	} else {
		slog.Warn("no artifact sink configured, artifacts are logged only")
	}

	return ps, cleanup, nil
}

func buildASR(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown asr provider %q", entry.Name)
	}
}

func buildTTS(entry config.ProviderEntry) (tts.Provider, error) {
	switch entry.Name {
	case "elevenlabs":
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		p, err := elevenlabs.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		var opts []ttsopenai.Option
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		p, err := ttsopenai.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}

func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		p, err := llmopenai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "anthropic", "gemini", "groq", "ollama":
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New(entry.Name, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxhall — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS primary", cfg.Providers.TTSPrimary.Name, cfg.Providers.TTSPrimary.Model)
	printProvider("TTS secondary", cfg.Providers.TTSSecondary.Name, "")
	printProvider("TTS last resort", cfg.Providers.TTSLastResort.Name, "")
	backend := "static"
	if cfg.Tenants.PostgresDSN != "" {
		backend = "postgres"
	}
	fmt.Printf("║  Tenant store    : %-19s ║\n", backend)
	if cfg.Server.MediaListenAddr != "" {
		fmt.Printf("║  Media addr      : %-19s ║\n", cfg.Server.MediaListenAddr)
	}
	if cfg.Server.AdminListenAddr != "" {
		fmt.Printf("║  Admin addr      : %-19s ║\n", cfg.Server.AdminListenAddr)
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
	fmt.Printf("║  %-15s : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
