package elevenlabs

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mwalden/duskhall/pkg/provider/tts"
)

// ── websocket text messages ──────────────────────────────────────────

func TestBuildWSMessage(t *testing.T) {
	t.Run("carries voice settings", func(t *testing.T) {
		data, err := buildWSMessage("Hello there", &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75})
		if err != nil {
			t.Fatalf("buildWSMessage: %v", err)
		}
		var msg textMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Text != "Hello there" {
			t.Errorf("text = %q", msg.Text)
		}
		if msg.VoiceSettings == nil {
			t.Fatal("voice settings dropped")
		}
		if msg.VoiceSettings.Stability != 0.5 || msg.VoiceSettings.SimilarityBoost != 0.75 {
			t.Errorf("settings = %+v", msg.VoiceSettings)
		}
	})

	t.Run("omits voice settings when nil", func(t *testing.T) {
		data, err := buildWSMessage("Flush", nil)
		if err != nil {
			t.Fatalf("buildWSMessage: %v", err)
		}
		var msg textMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Text != "Flush" {
			t.Errorf("text = %q", msg.Text)
		}
		if msg.VoiceSettings != nil {
			t.Errorf("voice_settings should be omitted, got %+v", msg.VoiceSettings)
		}
	})

	// The flush command is an empty text field and nothing else.
	t.Run("flush is bare empty text", func(t *testing.T) {
		data, err := buildWSMessage("", nil)
		if err != nil {
			t.Fatalf("buildWSMessage: %v", err)
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got, ok := raw["text"]; !ok || string(got) != `""` {
			t.Errorf("text field = %s (present=%v)", got, ok)
		}
		if _, ok := raw["voice_settings"]; ok {
			t.Error("flush message must not carry voice_settings")
		}
	})
}

func TestBuildURLForVoice(t *testing.T) {
	u := buildURLForVoice("voice-abc123", "eleven_flash_v2_5")
	if !strings.HasPrefix(u, "wss://") {
		t.Errorf("not a websocket URL: %s", u)
	}
	for _, part := range []string{"voice-abc123", "eleven_flash_v2_5"} {
		if !strings.Contains(u, part) {
			t.Errorf("URL missing %q: %s", part, u)
		}
	}
}

// ── voice list parsing ───────────────────────────────────────────────

func TestParseVoicesResponse(t *testing.T) {
	t.Run("labels and category land in metadata", func(t *testing.T) {
		profiles, err := parseVoicesResponse([]byte(`{
			"voices": [
				{"voice_id": "abc123", "name": "Rachel", "category": "premade",
				 "labels": {"gender": "female", "accent": "american"}},
				{"voice_id": "def456", "name": "Adam", "category": "premade",
				 "labels": {"gender": "male"}}
			]
		}`))
		if err != nil {
			t.Fatalf("parseVoicesResponse: %v", err)
		}
		if len(profiles) != 2 {
			t.Fatalf("got %d profiles, want 2", len(profiles))
		}

		rachel := profiles[0]
		if rachel.ID != "abc123" || rachel.Name != "Rachel" || rachel.Provider != "elevenlabs" {
			t.Errorf("profile = %+v", rachel)
		}
		if rachel.Metadata["gender"] != "female" || rachel.Metadata["category"] != "premade" {
			t.Errorf("metadata = %v", rachel.Metadata)
		}
		if profiles[1].ID != "def456" {
			t.Errorf("second profile ID = %q", profiles[1].ID)
		}
	})

	t.Run("empty list", func(t *testing.T) {
		profiles, err := parseVoicesResponse([]byte(`{"voices":[]}`))
		if err != nil {
			t.Fatalf("parseVoicesResponse: %v", err)
		}
		if len(profiles) != 0 {
			t.Errorf("got %d profiles, want 0", len(profiles))
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := parseVoicesResponse([]byte(`{invalid`)); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("empty category stays out of metadata", func(t *testing.T) {
		profiles, err := parseVoicesResponse([]byte(`{
			"voices": [{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}]
		}`))
		if err != nil {
			t.Fatalf("parseVoicesResponse: %v", err)
		}
		if len(profiles) != 1 {
			t.Fatalf("got %d profiles, want 1", len(profiles))
		}
		if _, ok := profiles[0].Metadata["category"]; ok {
			t.Errorf("metadata = %v, category should be absent", profiles[0].Metadata)
		}
	})
}

// ── voice spec mapping ───────────────────────────────────────────────

func TestSettingsFor(t *testing.T) {
	t.Run("zero spec gets the stock settings", func(t *testing.T) {
		vs := settingsFor(tts.VoiceSpec{ID: "v1"})
		if vs.Stability != 0.5 || vs.SimilarityBoost != 0.75 {
			t.Errorf("settings = %+v", vs)
		}
	})

	t.Run("explicit values pass through", func(t *testing.T) {
		vs := settingsFor(tts.VoiceSpec{
			ID:              "v1",
			Stability:       0.3,
			SimilarityBoost: 0.9,
			Style:           0.4,
			SpeakerBoost:    true,
		})
		if vs.Stability != 0.3 || vs.SimilarityBoost != 0.9 || vs.Style != 0.4 {
			t.Errorf("settings = %+v", vs)
		}
		if !vs.UseSpeakerBoost {
			t.Error("speaker boost not carried over")
		}
	})
}

// ── construction ─────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Run("rejects empty API key", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("expected error for empty API key")
		}
	})

	t.Run("defaults", func(t *testing.T) {
		p, err := New("key")
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if p.model != defaultModel || p.outputFormat != defaultOutputFmt {
			t.Errorf("defaults = %q/%q", p.model, p.outputFormat)
		}
	})

	t.Run("options override defaults", func(t *testing.T) {
		p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if p.model != "eleven_multilingual_v2" || p.outputFormat != "pcm_24000" {
			t.Errorf("options = %q/%q", p.model, p.outputFormat)
		}
	})
}
