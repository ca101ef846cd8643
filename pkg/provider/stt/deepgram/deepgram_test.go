package deepgram

import (
	"net/url"
	"testing"
	"time"

	"github.com/mwalden/duskhall/pkg/provider/stt"
)

// queryOf builds the stream URL for cfg and returns its query parameters.
func queryOf(t *testing.T, p *Provider, cfg stt.StreamConfig) url.Values {
	t.Helper()
	raw, err := p.streamURL(cfg)
	if err != nil {
		t.Fatalf("streamURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u.Query()
}

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
		if p.model != defaultModel || p.language != defaultLanguage || p.sampleRate != defaultSampleRate {
			t.Errorf("defaults = %q/%q/%d", p.model, p.language, p.sampleRate)
		}
	})
}

func TestStreamURL(t *testing.T) {
	t.Run("normalized config", func(t *testing.T) {
		p, _ := New("test-key")
		q := queryOf(t, p, stt.StreamConfig{
			SampleRate: 16000,
			Channels:   1,
			Language:   "en",
		}.Normalized())

		want := map[string]string{
			"model":           "nova-3",
			"language":        "en",
			"punctuate":       "true",
			"interim_results": "true",
			"sample_rate":     "16000",
			"channels":        "1",
			"endpointing":     "1500",
		}
		for key, val := range want {
			if got := q.Get(key); got != val {
				t.Errorf("%s = %q, want %q", key, got, val)
			}
		}
	})

	t.Run("provider options fill empty config fields", func(t *testing.T) {
		p, _ := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
		q := queryOf(t, p, stt.StreamConfig{})

		if got := q.Get("model"); got != "base" {
			t.Errorf("model = %q", got)
		}
		if got := q.Get("language"); got != "de-DE" {
			t.Errorf("language = %q", got)
		}
		if got := q.Get("sample_rate"); got != "48000" {
			t.Errorf("sample_rate = %q", got)
		}
	})

	t.Run("stream config wins over provider defaults", func(t *testing.T) {
		p, _ := New("key", WithLanguage("en"))
		q := queryOf(t, p, stt.StreamConfig{Language: "fr-FR", SampleRate: 16000})
		if got := q.Get("language"); got != "fr-FR" {
			t.Errorf("language = %q, want fr-FR", got)
		}
	})

	t.Run("commit silence maps to endpointing ms", func(t *testing.T) {
		p, _ := New("key")
		q := queryOf(t, p, stt.StreamConfig{
			SampleRate:    16000,
			CommitSilence: 800 * time.Millisecond,
		})
		if got := q.Get("endpointing"); got != "800" {
			t.Errorf("endpointing = %q, want 800", got)
		}
	})
}

func TestTranscriptFromEvent(t *testing.T) {
	t.Run("final result with word timings", func(t *testing.T) {
		tr, ok := transcriptFromEvent([]byte(`{
			"type": "Results",
			"is_final": true,
			"channel": {
				"alternatives": [{
					"transcript": "I open the door",
					"confidence": 0.95,
					"words": [
						{"word": "I", "start": 0.1, "end": 0.2, "confidence": 0.97},
						{"word": "open", "start": 0.3, "end": 0.5, "confidence": 0.93},
						{"word": "the", "start": 0.6, "end": 0.7, "confidence": 0.99},
						{"word": "door", "start": 0.8, "end": 1.0, "confidence": 0.95}
					]
				}]
			}
		}`))
		if !ok {
			t.Fatal("valid Results message rejected")
		}
		if !tr.IsFinal || tr.Text != "I open the door" || tr.Confidence != 0.95 {
			t.Errorf("transcript = %+v", tr)
		}
		if len(tr.Words) != 4 {
			t.Fatalf("got %d words, want 4", len(tr.Words))
		}
		if tr.Words[0].Word != "I" || tr.Words[0].Start != time.Duration(0.1*float64(time.Second)) {
			t.Errorf("word[0] = %+v", tr.Words[0])
		}
	})

	t.Run("interim result", func(t *testing.T) {
		tr, ok := transcriptFromEvent([]byte(`{
			"type": "Results",
			"is_final": false,
			"channel": {"alternatives": [{"transcript": "I open", "confidence": 0.7, "words": []}]}
		}`))
		if !ok {
			t.Fatal("valid interim message rejected")
		}
		if tr.IsFinal || tr.Text != "I open" {
			t.Errorf("transcript = %+v", tr)
		}
	})

	t.Run("skipped messages", func(t *testing.T) {
		skipped := map[string][]byte{
			"metadata event":     []byte(`{"type":"Metadata","request_id":"abc"}`),
			"empty alternatives": []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`),
			"invalid JSON":       []byte(`{invalid`),
		}
		for name, raw := range skipped {
			if _, ok := transcriptFromEvent(raw); ok {
				t.Errorf("%s should be skipped", name)
			}
		}
	})
}
