package scribe

import (
	"net/url"
	"testing"
	"time"

	"github.com/mwalden/duskhall/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	}.Normalized()

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model_id", defaultModel, q.Get("model_id"))
	assertEqual(t, "encoding", "pcm_s16le", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "language_code", "en", q.Get("language_code"))
	assertEqual(t, "vad_silence_threshold_secs", "1.5", q.Get("vad_silence_threshold_secs"))
	assertEqual(t, "vad_min_speech_secs", "0.5", q.Get("vad_min_speech_secs"))
}

func TestBuildURL_CustomVAD(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate:    16000,
		CommitSilence: 2 * time.Second,
		MinSpeech:     250 * time.Millisecond,
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "vad_silence_threshold_secs", "2", q.Get("vad_silence_threshold_secs"))
	assertEqual(t, "vad_min_speech_secs", "0.25", q.Get("vad_min_speech_secs"))
}

func TestBuildURL_NoLanguage(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	if _, ok := u.Query()["language_code"]; ok {
		t.Error("expected no language_code param when none provided")
	}
}

// ---- JSON parsing tests ----

func TestParseScribeResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "final_transcript",
		"text": "We search the altar",
		"confidence": 0.92,
		"words": [
			{"text": "We", "start": 0.1, "end": 0.3, "confidence": 0.95},
			{"text": "search", "start": 0.4, "end": 0.8, "confidence": 0.9}
		]
	}`)

	tr, ok := parseScribeResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for final_transcript message")
	}
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "We search the altar", tr.Text)
	if tr.Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %f", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	if tr.Words[1].Start != time.Duration(0.4*float64(time.Second)) {
		t.Errorf("unexpected word start: %v", tr.Words[1].Start)
	}
}

func TestParseScribeResponse_Partial(t *testing.T) {
	raw := []byte(`{"type":"partial_transcript","text":"We sea","confidence":0.6}`)

	tr, ok := parseScribeResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for partial result")
	}
	assertEqual(t, "text", "We sea", tr.Text)
}

func TestParseScribeResponse_Committed(t *testing.T) {
	raw := []byte(`{"type":"committed_transcript","text":"We search"}`)

	tr, ok := parseScribeResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !tr.IsFinal {
		t.Error("expected committed_transcript to be final")
	}
}

func TestParseScribeResponse_UnknownType(t *testing.T) {
	raw := []byte(`{"type":"session_started","session_id":"abc"}`)
	_, ok := parseScribeResponse(raw)
	if ok {
		t.Error("expected ok=false for unknown message type")
	}
}

func TestParseScribeResponse_InvalidJSON(t *testing.T) {
	_, ok := parseScribeResponse([]byte(`{invalid`))
	if ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Options(t *testing.T) {
	p, err := New("key", WithModel("scribe_v2"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", "scribe_v2", p.model)
	if p.sampleRate != 48000 {
		t.Errorf("expected sampleRate 48000, got %d", p.sampleRate)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
