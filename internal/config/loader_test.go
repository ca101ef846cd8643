package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mwalden/duskhall/internal/config"
	"github.com/mwalden/duskhall/internal/game"
)

func TestValidate_MultipleErrors(t *testing.T) {
	yaml := `
server:
  log_level: loud
store:
  driver: postgres
voice:
  stability: 2.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "postgres_dsn", "voice.stability"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  listen_addr: ":8080"
providers:
  llm:
    name: openai
    api_key: from-file
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DUSKHALL_LISTEN_ADDR", ":9090")
	t.Setenv("DUSKHALL_LLM_API_KEY", "from-env")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want env override", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.APIKey != "from-env" {
		t.Errorf("llm api_key = %q, want env override", cfg.Providers.LLM.APIKey)
	}
	if cfg.Providers.LLM.Name != "openai" {
		t.Errorf("llm name = %q, file value should survive", cfg.Providers.LLM.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadAdventures_DirAndInline(t *testing.T) {
	dir := t.TempDir()
	adv := `
id: crypt
title: The Crypt
system_prompt: You are the keeper of the crypt.
min_players: 1
scenes:
  - The gate
`
	if err := os.WriteFile(filepath.Join(dir, "crypt.yaml"), []byte(adv), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-YAML files are skipped.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Adventures: config.AdventuresConfig{
			Dir: dir,
			Inline: []game.Adventure{
				{ID: "manor", SystemPrompt: "manor prompt"},
			},
		},
	}
	advs, err := cfg.LoadAdventures()
	if err != nil {
		t.Fatalf("LoadAdventures: %v", err)
	}
	if len(advs) != 2 {
		t.Fatalf("got %d adventures, want 2", len(advs))
	}
	// Sorted by id.
	if advs[0].ID != "crypt" || advs[1].ID != "manor" {
		t.Errorf("ids = %q, %q", advs[0].ID, advs[1].ID)
	}
	if advs[0].Title != "The Crypt" || len(advs[0].Scenes) != 1 {
		t.Errorf("crypt = %+v", advs[0])
	}
}

func TestLoadAdventures_BadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Adventures: config.AdventuresConfig{Dir: dir}}
	if _, err := cfg.LoadAdventures(); err == nil {
		t.Fatal("expected error for malformed adventure file")
	}
}

func TestValidateAdventures_DuplicateAcrossSources(t *testing.T) {
	err := config.ValidateAdventures([]game.Adventure{
		{ID: "manor", SystemPrompt: "a"},
		{ID: "manor", SystemPrompt: "b"},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	for _, kind := range []string{"llm", "stt", "tts"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known provider names for %q", kind)
		}
	}
}
