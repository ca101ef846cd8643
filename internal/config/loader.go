package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mwalden/duskhall/internal/game"
)

// ValidProviderNames lists known provider names per capability.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm", "anthropic", "ollama", "gemini", "mistral", "groq"},
	"stt": {"scribe", "deepgram"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path, applies DUSKHALL_*
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment overrides: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied; useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAdventures returns the full adventure catalogue: inline definitions plus
// any *.yaml files found in the configured directory, sorted by id. Directory
// files each hold a single adventure document.
func (c *Config) LoadAdventures() ([]game.Adventure, error) {
	advs := slices.Clone(c.Adventures.Inline)

	if dir := c.Adventures.Dir; dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("config: read adventure dir %q: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			adv, err := loadAdventureFile(path)
			if err != nil {
				return nil, err
			}
			advs = append(advs, adv)
		}
	}

	sort.Slice(advs, func(i, j int) bool { return advs[i].ID < advs[j].ID })
	return advs, nil
}

func loadAdventureFile(path string) (game.Adventure, error) {
	f, err := os.Open(path)
	if err != nil {
		return game.Adventure{}, fmt.Errorf("config: open adventure %q: %w", path, err)
	}
	defer f.Close()

	var adv game.Adventure
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&adv); err != nil {
		return game.Adventure{}, fmt.Errorf("config: parse adventure %q: %w", path, err)
	}
	return adv, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Store
	if cfg.Store.Driver != "" && !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.driver is postgres"))
	}

	// Provider name validation — warn for unknown provider names.
	validateChain("llm", cfg.Providers.LLM)
	validateChain("stt", cfg.Providers.STT)
	validateChain("tts", cfg.Providers.TTS)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the game master will not be able to narrate")
	}

	// Voice
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"voice.stability", cfg.Voice.Stability},
		{"voice.similarity_boost", cfg.Voice.SimilarityBoost},
		{"voice.style", cfg.Voice.Style},
	} {
		if f.value < 0 || f.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", f.name, f.value))
		}
	}
	if cfg.Voice.CommitSilence < 0 {
		errs = append(errs, fmt.Errorf("voice.commit_silence %v must not be negative", cfg.Voice.CommitSilence))
	}
	if cfg.Voice.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("voice.min_speech %v must not be negative", cfg.Voice.MinSpeech))
	}

	// Inline adventures. Directory files are validated the same way when the
	// catalogue is assembled at startup.
	idsSeen := make(map[string]int, len(cfg.Adventures.Inline))
	for i, adv := range cfg.Adventures.Inline {
		prefix := fmt.Sprintf("adventures.inline[%d]", i)
		errs = append(errs, validateAdventure(prefix, adv)...)
		if adv.ID != "" {
			if prev, ok := idsSeen[adv.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of adventures.inline[%d]", prefix, adv.ID, prev))
			}
			idsSeen[adv.ID] = i
		}
	}

	return errors.Join(errs...)
}

// ValidateAdventures checks a fully assembled catalogue (inline + directory)
// for per-adventure problems and duplicate ids.
func ValidateAdventures(advs []game.Adventure) error {
	var errs []error
	idsSeen := make(map[string]int, len(advs))
	for i, adv := range advs {
		prefix := fmt.Sprintf("adventures[%d]", i)
		errs = append(errs, validateAdventure(prefix, adv)...)
		if adv.ID != "" {
			if prev, ok := idsSeen[adv.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of adventures[%d]", prefix, adv.ID, prev))
			}
			idsSeen[adv.ID] = i
		}
	}
	return errors.Join(errs...)
}

func validateAdventure(prefix string, adv game.Adventure) []error {
	var errs []error
	if adv.ID == "" {
		errs = append(errs, fmt.Errorf("%s.id is required", prefix))
	}
	if adv.SystemPrompt == "" {
		errs = append(errs, fmt.Errorf("%s.system_prompt is required", prefix))
	}
	if adv.MinPlayers < 0 {
		errs = append(errs, fmt.Errorf("%s.min_players %d must not be negative", prefix, adv.MinPlayers))
	}
	if adv.MaxPlayers != 0 && adv.MaxPlayers < adv.MinPlayers {
		errs = append(errs, fmt.Errorf("%s.max_players %d is below min_players %d", prefix, adv.MaxPlayers, adv.MinPlayers))
	}
	if len(adv.Scenes) == 0 {
		slog.Warn("adventure has no scenes; changeScene will be unavailable", "adventure", adv.ID)
	}
	return errs
}

// validateChain warns about unknown provider names in a chain, primary and
// fallbacks alike.
func validateChain(kind string, chain ProviderChain) {
	validateProviderName(kind, chain.Name)
	for _, fb := range chain.Fallbacks {
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
