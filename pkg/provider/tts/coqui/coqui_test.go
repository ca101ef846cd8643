package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mwalden/duskhall/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────

// wavFixture builds a minimal RIFF/WAVE file (mono, 16 kHz, 16-bit) wrapping
// the given PCM payload.
func wavFixture(pcm []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(4+24+8+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, le, uint32(16))
	binary.Write(&buf, le, uint16(1))     // PCM
	binary.Write(&buf, le, uint16(1))     // mono
	binary.Write(&buf, le, uint32(16000)) // sample rate
	binary.Write(&buf, le, uint32(32000)) // byte rate
	binary.Write(&buf, le, uint16(2))     // block align
	binary.Write(&buf, le, uint16(16))    // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, le, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): %v", serverURL, err)
	}
	return p
}

// fragmentChan returns a closed channel preloaded with the given fragments.
func fragmentChan(fragments ...string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

func drain(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

// ── construction ─────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002")
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002/")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
	})

	t.Run("options", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002",
			WithLanguage("de"),
			WithTimeout(5*time.Second),
			WithAPIMode(APIModeXTTS),
			WithOutputSampleRate(48000),
		)
		if p.language != "de" {
			t.Errorf("language = %q, want de", p.language)
		}
		if p.httpClient.Timeout != 5*time.Second {
			t.Errorf("timeout = %v, want 5s", p.httpClient.Timeout)
		}
		if p.apiMode != APIModeXTTS {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeXTTS)
		}
		if p.outputRate != 48000 {
			t.Errorf("outputRate = %d, want 48000", p.outputRate)
		}
	})
}

// ── Synthesize ───────────────────────────────────────────────────────

func TestSynthesize_Standard(t *testing.T) {
	wav := wavFixture([]byte{0x11, 0x22, 0x33, 0x44})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != standardTTSPath {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if got := q.Get("text"); got != "The dragon stirs." {
			t.Errorf("text param = %q", got)
		}
		if got := q.Get("speaker_id"); got != "p225" {
			t.Errorf("speaker_id param = %q", got)
		}
		if got := q.Get("language_id"); got != "en" {
			t.Errorf("language_id param = %q", got)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	audio, err := p.Synthesize(context.Background(), "The dragon stirs.", tts.VoiceSpec{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.MIMEType != "audio/wav" {
		t.Errorf("MIMEType = %q, want audio/wav", audio.MIMEType)
	}
	if !bytes.Equal(audio.Data, wav) {
		t.Error("Synthesize should return the WAV response unchanged")
	}
}

func TestSynthesize_Validation(t *testing.T) {
	t.Run("empty text", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002")
		if _, err := p.Synthesize(context.Background(), "", tts.VoiceSpec{ID: "p225"}); err == nil {
			t.Fatal("expected error for empty text")
		}
	})

	t.Run("xtts requires voice ID", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002", WithAPIMode(APIModeXTTS))
		if _, err := p.Synthesize(context.Background(), "Hello.", tts.VoiceSpec{}); err == nil {
			t.Fatal("expected error for missing voice ID in XTTS mode")
		}
	})

	t.Run("server error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		p := mustNew(t, srv.URL)
		_, err := p.Synthesize(context.Background(), "Hello.", tts.VoiceSpec{ID: "p225"})
		if err == nil {
			t.Fatal("expected error on 500")
		}
		if !strings.Contains(err.Error(), "coqui:") {
			t.Errorf("error %q missing coqui: prefix", err)
		}
	})
}

func TestSoundEffect_NotSupported(t *testing.T) {
	p := mustNew(t, "http://localhost:5002")
	_, err := p.SoundEffect(context.Background(), "a door creaking open", 3*time.Second)
	if err == nil {
		t.Fatal("expected error from SoundEffect")
	}
	if !strings.Contains(err.Error(), "not supported") {
		t.Errorf("error %q should mention not supported", err)
	}
}

// ── SynthesizeStream ─────────────────────────────────────────────────

func TestSynthesizeStream_XTTS(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x42}, 100)
	wav := wavFixture(pcm)

	var (
		mu       sync.Mutex
		payloads []xttsPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != xttsSynthPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body xttsPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		mu.Lock()
		payloads = append(payloads, body)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	audioCh, err := p.SynthesizeStream(context.Background(),
		fragmentChan("Hello world. ", "Goodbye now!"),
		tts.VoiceSpec{ID: "narrator"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	got := drain(audioCh)
	if len(got) != 2*len(pcm) {
		t.Errorf("streamed %d PCM bytes, want %d", len(got), 2*len(pcm))
	}
	for i, b := range got {
		if b != 0x42 {
			t.Fatalf("pcm[%d] = %#02x, want 0x42", i, b)
		}
	}

	if len(payloads) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(payloads))
	}
	for _, body := range payloads {
		if body.SpeakerWav != "narrator" {
			t.Errorf("speaker_wav = %q, want narrator", body.SpeakerWav)
		}
		if body.Language != defaultLanguage {
			t.Errorf("language = %q, want %q", body.Language, defaultLanguage)
		}
	}
}

func TestSynthesizeStream_AssemblesSentences(t *testing.T) {
	wav := wavFixture([]byte{0x01, 0x02})

	var (
		mu    sync.Mutex
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body xttsPayload
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		texts = append(texts, body.Text)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	audioCh, err := p.SynthesizeStream(context.Background(),
		fragmentChan("Hello ", "world. ", "Are ", "you ", "there?"),
		tts.VoiceSpec{ID: "spk"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	drain(audioCh)

	// Requests run concurrently, so arrival order is not fixed.
	want := map[string]bool{"Hello world.": true, "Are you there?": true}
	if len(texts) != len(want) {
		t.Fatalf("server saw %d sentences, want %d: %v", len(texts), len(want), texts)
	}
	for _, txt := range texts {
		if !want[txt] {
			t.Errorf("unexpected sentence %q", txt)
		}
	}
}

func TestSynthesizeStream_FlushesTrailingFragment(t *testing.T) {
	wav := wavFixture([]byte{0x01, 0x02})

	var (
		mu    sync.Mutex
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body xttsPayload
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		texts = append(texts, body.Text)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	audioCh, err := p.SynthesizeStream(context.Background(),
		fragmentChan("no terminal punctuation"),
		tts.VoiceSpec{ID: "spk"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	drain(audioCh)

	if len(texts) != 1 || texts[0] != "no terminal punctuation" {
		t.Errorf("server saw %v, want the unterminated tail", texts)
	}
}

func TestSynthesizeStream_VoiceValidation(t *testing.T) {
	t.Run("xtts rejects empty voice", func(t *testing.T) {
		p := mustNew(t, "http://localhost:8002", WithAPIMode(APIModeXTTS))
		if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceSpec{}); err == nil {
			t.Fatal("expected error for empty voice ID")
		}
	})

	t.Run("standard allows empty voice", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002")
		ch, err := p.SynthesizeStream(context.Background(), fragmentChan(), tts.VoiceSpec{})
		if err != nil {
			t.Fatalf("standard mode should accept empty voice ID: %v", err)
		}
		drain(ch)
	})
}

func TestSynthesizeStream_ClosesOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write(wavFixture([]byte{0x01, 0x02}))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := mustNew(t, srv.URL)
	audioCh, err := p.SynthesizeStream(ctx, fragmentChan("Never synthesised."), tts.VoiceSpec{ID: "spk"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	done := make(chan struct{})
	go func() {
		drain(audioCh)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("audio channel did not close after cancellation")
	}
}

func TestSynthesizeStream_ClosesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	audioCh, err := p.SynthesizeStream(context.Background(), fragmentChan("A sentence."), tts.VoiceSpec{ID: "spk"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if got := drain(audioCh); len(got) != 0 {
		t.Errorf("got %d PCM bytes on server error, want none", len(got))
	}
}

// ── sentence splitting ───────────────────────────────────────────────

func TestSentenceSplitter(t *testing.T) {
	t.Run("sentences across fragments", func(t *testing.T) {
		var sp sentenceSplitter
		if got := sp.Feed("Hello "); got != nil {
			t.Errorf("Feed mid-sentence = %v, want nil", got)
		}
		if got := sp.Feed("world. How are "); !reflect.DeepEqual(got, []string{"Hello world."}) {
			t.Errorf("Feed = %v, want [Hello world.]", got)
		}
		if got := sp.Feed("you? Fine"); !reflect.DeepEqual(got, []string{"How are you?"}) {
			t.Errorf("Feed = %v, want [How are you?]", got)
		}
		if tail := sp.Flush(); tail != "Fine" {
			t.Errorf("Flush = %q, want Fine", tail)
		}
	})

	t.Run("multiple sentences in one fragment", func(t *testing.T) {
		var sp sentenceSplitter
		got := sp.Feed("One. Two! Three? ")
		if !reflect.DeepEqual(got, []string{"One.", "Two!", "Three?"}) {
			t.Errorf("Feed = %v", got)
		}
	})

	t.Run("flush resets", func(t *testing.T) {
		var sp sentenceSplitter
		sp.Feed("partial")
		sp.Flush()
		if tail := sp.Flush(); tail != "" {
			t.Errorf("second Flush = %q, want empty", tail)
		}
	})
}

func TestBoundaryIndex(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"period at end", "Hello.", 5},
		{"period then space", "Hello. World", 5},
		{"exclamation", "Hello!", 5},
		{"question", "Hello?", 5},
		{"no boundary", "Hello", -1},
		{"decimal is not a boundary", "3.14 is pi", -1},
		{"abbreviation is a boundary", "Dr. Smith", 2},
		{"first of several", "First. Second.", 5},
		{"empty", "", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := boundaryIndex(tt.input); got != tt.want {
				t.Errorf("boundaryIndex(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

// ── ListVoices ───────────────────────────────────────────────────────

func TestListVoices_XTTS(t *testing.T) {
	speakers := map[string]any{
		"speaker_bob":   map[string]any{},
		"speaker_alice": map[string]any{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != xttsSpeakersPath {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(speakers)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].ID != "speaker_alice" || voices[1].ID != "speaker_bob" {
		t.Errorf("voices not sorted: %q, %q", voices[0].ID, voices[1].ID)
	}
	for _, v := range voices {
		if v.Provider != "coqui" {
			t.Errorf("voice %q Provider = %q", v.ID, v.Provider)
		}
		if v.Metadata["type"] != "studio" {
			t.Errorf("voice %q type = %q, want studio", v.ID, v.Metadata["type"])
		}
	}
}

func TestListVoices_Standard(t *testing.T) {
	serve := func(details modelDetails) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != standardInfoPath {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(details)
		}))
	}

	t.Run("multi-speaker model", func(t *testing.T) {
		srv := serve(modelDetails{
			ModelName: "tts_models/en/vctk/vits",
			Speakers:  []string{"p226", "p225"},
		})
		defer srv.Close()

		p := mustNew(t, srv.URL)
		voices, err := p.ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 2 {
			t.Fatalf("got %d voices, want 2", len(voices))
		}
		if voices[0].ID != "p225" || voices[1].ID != "p226" {
			t.Errorf("voices not sorted: %q, %q", voices[0].ID, voices[1].ID)
		}
		if voices[0].Metadata["model_name"] != "tts_models/en/vctk/vits" {
			t.Errorf("model_name = %q", voices[0].Metadata["model_name"])
		}
	})

	t.Run("single-speaker model", func(t *testing.T) {
		srv := serve(modelDetails{ModelName: "tts_models/en/ljspeech/vits"})
		defer srv.Close()

		p := mustNew(t, srv.URL)
		voices, err := p.ListVoices(context.Background())
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 1 {
			t.Fatalf("got %d voices, want 1", len(voices))
		}
		if voices[0].ID != "tts_models/en/ljspeech/vits" {
			t.Errorf("voice ID = %q, want model name", voices[0].ID)
		}
		if voices[0].Metadata["type"] != "single-speaker" {
			t.Errorf("type = %q, want single-speaker", voices[0].Metadata["type"])
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		p := mustNew(t, srv.URL)
		if _, err := p.ListVoices(context.Background()); err == nil {
			t.Fatal("expected error on server failure")
		}
	})
}

// ── WAV decoding and resampling ──────────────────────────────────────

func TestDecodeWAVHeader(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		pcm := []byte{0x01, 0x02, 0x03, 0x04}
		wav := wavFixture(pcm)
		format, err := decodeWAVHeader(wav)
		if err != nil {
			t.Fatalf("decodeWAVHeader: %v", err)
		}
		if format.dataOffset != len(wav)-len(pcm) {
			t.Errorf("dataOffset = %d, want %d", format.dataOffset, len(wav)-len(pcm))
		}
		if format.sampleRate != 16000 {
			t.Errorf("sampleRate = %d, want 16000", format.sampleRate)
		}
		if format.channels != 1 {
			t.Errorf("channels = %d, want 1", format.channels)
		}
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		truncated := []byte{0x01, 0x02}
		notRIFF := append([]byte("XXXX"), make([]byte, 40)...)
		notWAVE := append([]byte("RIFF\x00\x00\x00\x00XXXX"), make([]byte, 32)...)
		for _, wav := range [][]byte{truncated, notRIFF, notWAVE} {
			if _, err := decodeWAVHeader(wav); err == nil {
				t.Errorf("decodeWAVHeader(%q...) succeeded, want error", wav[:4])
			}
		}
	})

	t.Run("missing data chunk", func(t *testing.T) {
		var buf bytes.Buffer
		buf.WriteString("RIFF\x00\x00\x00\x00WAVE")
		buf.WriteString("fmt ")
		binary.Write(&buf, binary.LittleEndian, uint32(4))
		buf.Write(make([]byte, 4))
		if _, err := decodeWAVHeader(buf.Bytes()); err == nil {
			t.Fatal("expected error when data chunk is absent")
		}
	})
}

func TestResamplePCM16(t *testing.T) {
	t.Run("same rate passthrough", func(t *testing.T) {
		pcm := []byte{0x01, 0x00, 0x02, 0x00}
		if got := resamplePCM16(pcm, 16000, 16000); !bytes.Equal(got, pcm) {
			t.Error("same-rate resample modified the input")
		}
	})

	t.Run("upsample doubles sample count", func(t *testing.T) {
		if got := resamplePCM16(make([]byte, 8), 16000, 32000); len(got) != 16 {
			t.Errorf("resampled length = %d bytes, want 16", len(got))
		}
	})

	t.Run("downsample halves sample count", func(t *testing.T) {
		if got := resamplePCM16(make([]byte, 16), 32000, 16000); len(got) != 8 {
			t.Errorf("resampled length = %d bytes, want 8", len(got))
		}
	})

	t.Run("constant signal stays constant", func(t *testing.T) {
		// 0x0040 little-endian samples survive interpolation unchanged.
		pcm := bytes.Repeat([]byte{0x40, 0x00}, 8)
		got := resamplePCM16(pcm, 16000, 48000)
		for i := 0; i+1 < len(got); i += 2 {
			if got[i] != 0x40 || got[i+1] != 0x00 {
				t.Fatalf("sample %d = %#02x%02x, want 0x0040", i/2, got[i+1], got[i])
			}
		}
	})
}
