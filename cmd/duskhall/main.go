// Command duskhall is the main entry point for the Duskhall game-master server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/mwalden/duskhall/internal/config"
	"github.com/mwalden/duskhall/internal/dm"
	"github.com/mwalden/duskhall/internal/game"
	"github.com/mwalden/duskhall/internal/health"
	"github.com/mwalden/duskhall/internal/observe"
	"github.com/mwalden/duskhall/internal/resilience"
	"github.com/mwalden/duskhall/internal/server"
	"github.com/mwalden/duskhall/internal/store/memory"
	"github.com/mwalden/duskhall/internal/store/postgres"
	"github.com/mwalden/duskhall/pkg/provider/llm"
	"github.com/mwalden/duskhall/pkg/provider/llm/anyllm"
	oaillm "github.com/mwalden/duskhall/pkg/provider/llm/openai"
	"github.com/mwalden/duskhall/pkg/provider/stt"
	"github.com/mwalden/duskhall/pkg/provider/stt/deepgram"
	"github.com/mwalden/duskhall/pkg/provider/stt/scribe"
	"github.com/mwalden/duskhall/pkg/provider/tts"
	"github.com/mwalden/duskhall/pkg/provider/tts/coqui"
	"github.com/mwalden/duskhall/pkg/provider/tts/elevenlabs"
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
			fmt.Fprintf(os.Stderr, "duskhall: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duskhall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("duskhall starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "duskhall",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Store ─────────────────────────────────────────────────────────────────
	st, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return 1
	}
	defer st.Close()

	// ── Adventures + game service ─────────────────────────────────────────────
	adventures, err := cfg.LoadAdventures()
	if err != nil {
		slog.Error("failed to load adventures", "err", err)
		return 1
	}
	if len(adventures) == 0 {
		slog.Warn("no adventures configured, sessions cannot be created")
	}
	svc := game.NewService(st, adventures, game.WithLogger(logger), game.WithMetrics(metrics))

	// ── Game master agent ─────────────────────────────────────────────────────
	var agent *dm.Agent
	if providers.llm != nil {
		agent, err = dm.New(svc, providers.llm, dm.WithLogger(logger), dm.WithMetrics(metrics))
		if err != nil {
			slog.Error("failed to create game master", "err", err)
			return 1
		}
	} else {
		slog.Warn("no llm provider configured, message and voice endpoints disabled")
	}

	// ── HTTP gateway ──────────────────────────────────────────────────────────
	checker := health.New(health.Checker{
		Name:  "store",
		Check: st.Ping,
	})

	srvCfg := server.Config{
		Game:   svc,
		STT:    providers.stt,
		TTS:    providers.tts,
		Voice:  voiceSpec(cfg.Voice),
		Stream: streamConfig(cfg.Voice),
		Tokens: providers.tokens,
	}
	if agent != nil {
		srvCfg.DM = agent
	}

	srv, err := server.New(srvCfg,
		server.WithLogger(logger),
		server.WithHealth(checker),
	)
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	// Log level changes apply live; everything else requires a restart.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.AdventuresChanged || diff.VoiceChanged {
			slog.Warn("config change requires restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg, len(adventures))
	slog.Info("server ready — press Ctrl+C to shut down")

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var cert, key string
		if cfg.Server.TLS != nil {
			cert, key = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
		}
		return srv.ListenAndServe(gctx, cfg.Server.ListenAddr, cert, key)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds the constructed provider chain per capability plus the
// transcription credential source, when the primary STT provider offers one.
type providerSet struct {
	llm    llm.Provider
	stt    stt.Provider
	tts    tts.Provider
	tokens server.TokenMinter
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The native openai implementation uses the official SDK; every other
	// vendor goes through any-llm's unified client.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{"anthropic", "gemini", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// anyllm is the escape hatch: the vendor comes from options.provider, so
	// any backend any-llm supports can be configured without a dedicated name.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		vendor := optString(entry.Options, "provider")
		if vendor == "" {
			return nil, errors.New("anyllm provider requires options.provider")
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(vendor, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("scribe", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []scribe.Option
		if entry.Model != "" {
			opts = append(opts, scribe.WithModel(entry.Model))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate != 0 {
			opts = append(opts, scribe.WithSampleRate(rate))
		}
		return scribe.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})
}

// fallbackConfig builds the circuit breaker policy for one provider chain,
// tagged with the capability so its request metrics are attributable.
func fallbackConfig(kind string, metrics *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Kind:    kind,
		Metrics: metrics,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		},
	}
}

// buildProviders instantiates the configured provider chains. Each chain is
// the primary wrapped with its fallbacks behind a circuit breaker.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*providerSet, error) {
	ps := &providerSet{}

	if chain := cfg.Providers.LLM; chain.Name != "" {
		primary, err := reg.CreateLLM(chain.ProviderEntry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", chain.Name, err)
		}
		fb := resilience.NewLLMFallback(primary, chain.Name, fallbackConfig("llm", metrics))
		for _, entry := range chain.Fallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.llm = fb
		slog.Info("provider chain ready", "kind", "llm", "primary", chain.Name, "fallbacks", len(chain.Fallbacks))
	}

	if chain := cfg.Providers.STT; chain.Name != "" {
		primary, err := reg.CreateSTT(chain.ProviderEntry)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", chain.Name, err)
		}
		if minter, ok := primary.(server.TokenMinter); ok {
			ps.tokens = minter
		}
		fb := resilience.NewSTTFallback(primary, chain.Name, fallbackConfig("stt", metrics))
		for _, entry := range chain.Fallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.stt = fb
		slog.Info("provider chain ready", "kind", "stt", "primary", chain.Name, "fallbacks", len(chain.Fallbacks))
	}

	if chain := cfg.Providers.TTS; chain.Name != "" {
		primary, err := reg.CreateTTS(chain.ProviderEntry)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", chain.Name, err)
		}
		fb := resilience.NewTTSFallback(primary, chain.Name, fallbackConfig("tts", metrics))
		for _, entry := range chain.Fallbacks {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.tts = fb
		slog.Info("provider chain ready", "kind", "tts", "primary", chain.Name, "fallbacks", len(chain.Fallbacks))
	}

	return ps, nil
}

// buildStore opens the configured session store.
func buildStore(ctx context.Context, cfg *config.Config) (game.Store, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		return postgres.New(ctx, cfg.Store.PostgresDSN)
	default:
		return memory.New(), nil
	}
}

// ── Config conversion ─────────────────────────────────────────────────────────

// voiceSpec converts the voice config block to the narrator VoiceSpec.
func voiceSpec(vc config.VoiceConfig) tts.VoiceSpec {
	return tts.VoiceSpec{
		ID:              vc.VoiceID,
		Stability:       vc.Stability,
		SimilarityBoost: vc.SimilarityBoost,
		Style:           vc.Style,
		SpeakerBoost:    vc.SpeakerBoost,
	}
}

// streamConfig converts the voice config block to STT endpointing hints.
func streamConfig(vc config.VoiceConfig) stt.StreamConfig {
	return stt.StreamConfig{
		Language:      vc.Language,
		CommitSilence: vc.CommitSilence.Std(),
		MinSpeech:     vc.MinSpeech.Std(),
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, adventureCount int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Duskhall — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Store           : %-19s ║\n", cfg.Store.Driver)
	fmt.Printf("║  Adventures      : %-19d ║\n", adventureCount)
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

// ── Helpers ───────────────────────────────────────────────────────────────────

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

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an int value from a provider Options map. YAML decodes
// numbers as int, so only that case is handled.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok {
		return 0
	}
	return n
}
