// Package coqui implements tts.Provider against a self-hosted Coqui TTS
// server. Two server flavours are supported: the standard Coqui TTS image
// (GET /api/tts, voice catalogue via GET /details) and the XTTS v2 API
// server (POST /tts_to_audio/, catalogue via GET /studio_speakers).
//
// Both servers are batch-only: one HTTP round trip per utterance. To keep
// narration latency low, SynthesizeStream splits incoming text into
// sentences and synthesises a few sentences ahead of playback, emitting
// decoded PCM in the original order.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mwalden/duskhall/pkg/provider/tts"
	"github.com/mwalden/duskhall/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	xttsSynthPath    = "/tts_to_audio/"
	xttsSpeakersPath = "/studio_speakers"
	standardTTSPath  = "/api/tts"
	standardInfoPath = "/details"

	// lookahead bounds how many sentences may be in synthesis at once.
	lookahead = 4

	streamBuf    = 256
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server flavour the provider talks to.
type APIMode string

const (
	// APIModeXTTS targets the XTTS v2 API server.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server. Default.
	APIModeStandard APIMode = "standard"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent with every synthesis request.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode selects the server flavour. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate resamples streamed PCM to the given rate, e.g. 48000
// for browser playback. Zero leaves audio at the model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// Provider is a Coqui-backed tts.Provider. Safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int
}

// New returns a Provider targeting the Coqui server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// xttsPayload is the POST body for /tts_to_audio/.
type xttsPayload struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// modelDetails is the GET /details response of the standard server.
// Speakers is empty for single-speaker models.
type modelDetails struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// requireVoice validates the voice for the configured mode. XTTS always
// needs an ID; the standard server works without one on single-speaker
// models.
func (p *Provider) requireVoice(voice tts.VoiceSpec) error {
	if p.apiMode == APIModeXTTS && voice.ID == "" {
		return errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
	}
	return nil
}

// Synthesize renders the full text in one request and returns the server's
// WAV response unchanged. Streamed playback should use SynthesizeStream,
// which strips headers and emits raw PCM.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceSpec) (tts.Audio, error) {
	if text == "" {
		return tts.Audio{}, errors.New("coqui: text must not be empty")
	}
	if err := p.requireVoice(voice); err != nil {
		return tts.Audio{}, err
	}
	wav, err := p.fetchWAV(ctx, text, voice)
	if err != nil {
		return tts.Audio{}, err
	}
	return tts.Audio{Data: wav, MIMEType: "audio/wav"}, nil
}

// synthJob tracks one in-flight sentence. done is closed once pcm/err are set.
type synthJob struct {
	pcm  []byte
	err  error
	done chan struct{}
}

// SynthesizeStream assembles text fragments into sentences and synthesises
// each over HTTP, with up to lookahead sentences in flight at once. Decoded
// PCM is emitted on the returned channel in sentence order, in chunks of at
// most pcmChunkSize bytes.
//
// The channel closes when all text is synthesised, on the first synthesis
// error, or when ctx is cancelled. Callers must drain it.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceSpec) (<-chan []byte, error) {
	if err := p.requireVoice(voice); err != nil {
		return nil, err
	}

	out := make(chan []byte, streamBuf)
	go p.runStream(ctx, text, voice, out)
	return out, nil
}

func (p *Provider) runStream(ctx context.Context, text <-chan string, voice tts.VoiceSpec, out chan<- []byte) {
	defer close(out)

	// The buffered jobs channel doubles as the concurrency limit: the
	// feeder blocks once lookahead sentences are in flight.
	jobs := make(chan *synthJob, lookahead)

	go func() {
		defer close(jobs)
		var split sentenceSplitter
		start := func(sentence string) bool {
			j := &synthJob{done: make(chan struct{})}
			go func() {
				j.pcm, j.err = p.synthesizeSentence(ctx, sentence, voice)
				close(j.done)
			}()
			select {
			case jobs <- j:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					if tail := split.Flush(); tail != "" {
						start(tail)
					}
					return
				}
				for _, s := range split.Feed(fragment) {
					if !start(s) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Emit completed jobs in FIFO order. A failed sentence ends the stream;
	// callers check ctx.Err() to tell cancellation from synthesis failure.
	for j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			return
		}
		if j.err != nil {
			return
		}
		for pcm := j.pcm; len(pcm) > 0; {
			n := min(pcmChunkSize, len(pcm))
			select {
			case out <- pcm[:n]:
			case <-ctx.Done():
				return
			}
			pcm = pcm[n:]
		}
	}
}

// SoundEffect is not supported; Coqui servers synthesise speech only.
func (p *Provider) SoundEffect(ctx context.Context, description string, duration time.Duration) (tts.Audio, error) {
	return tts.Audio{}, errors.New("coqui: sound effect generation is not supported")
}

// synthesizeSentence fetches one sentence and returns raw PCM with the WAV
// header stripped, resampled when an output rate is configured.
func (p *Provider) synthesizeSentence(ctx context.Context, sentence string, voice tts.VoiceSpec) ([]byte, error) {
	wav, err := p.fetchWAV(ctx, sentence, voice)
	if err != nil {
		return nil, err
	}
	format, err := decodeWAVHeader(wav)
	if err != nil {
		return nil, err
	}
	pcm := wav[format.dataOffset:]
	if p.outputRate > 0 && format.sampleRate != p.outputRate && format.channels == 1 {
		pcm = resamplePCM16(pcm, format.sampleRate, p.outputRate)
	}
	return pcm, nil
}

func (p *Provider) fetchWAV(ctx context.Context, text string, voice tts.VoiceSpec) ([]byte, error) {
	if p.apiMode == APIModeXTTS {
		body, err := json.Marshal(xttsPayload{
			Text:       text,
			SpeakerWav: voice.ID,
			Language:   p.language,
		})
		if err != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
		}
		return p.call(ctx, http.MethodPost, xttsSynthPath, body, "audio/wav")
	}

	params := url.Values{}
	params.Set("text", text)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	return p.call(ctx, http.MethodGet, standardTTSPath+"?"+params.Encode(), nil, "audio/wav")
}

// call performs one HTTP request against the server and returns the response
// body. path carries any query string; body may be nil for GETs.
func (p *Provider) call(ctx context.Context, method, path string, body []byte, accept string) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.serverURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("coqui: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", method, path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read response: %w", err)
	}
	return data, nil
}

// ListVoices returns the server's voice catalogue, sorted by ID. For the
// standard server this is one profile per speaker, or a single profile named
// after the model when the model has no speaker list.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if p.apiMode == APIModeXTTS {
		data, err := p.call(ctx, http.MethodGet, xttsSpeakersPath, nil, "application/json")
		if err != nil {
			return nil, err
		}
		// Only the keys matter; the per-speaker blobs are opaque.
		var speakers map[string]json.RawMessage
		if err := json.Unmarshal(data, &speakers); err != nil {
			return nil, fmt.Errorf("coqui: decode studio speakers: %w", err)
		}
		names := make([]string, 0, len(speakers))
		for name := range speakers {
			names = append(names, name)
		}
		return voiceProfiles(names, map[string]string{"type": "studio"}), nil
	}

	data, err := p.call(ctx, http.MethodGet, standardInfoPath, nil, "application/json")
	if err != nil {
		return nil, err
	}
	var details modelDetails
	if err := json.Unmarshal(data, &details); err != nil {
		return nil, fmt.Errorf("coqui: decode details response: %w", err)
	}

	if len(details.Speakers) > 0 {
		return voiceProfiles(details.Speakers, map[string]string{
			"type":       "speaker",
			"model_name": details.ModelName,
		}), nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return voiceProfiles([]string{name}, map[string]string{
		"type":       "single-speaker",
		"model_name": name,
	}), nil
}

// voiceProfiles maps a set of voice names to sorted VoiceProfiles sharing
// the given metadata.
func voiceProfiles(names []string, metadata map[string]string) []types.VoiceProfile {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	profiles := make([]types.VoiceProfile, 0, len(sorted))
	for _, name := range sorted {
		md := make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: md,
		})
	}
	return profiles
}

// sentenceSplitter accumulates text fragments and yields complete sentences.
// A sentence ends at '.', '!' or '?' followed by whitespace or end of input,
// so decimals like "3.14" stay intact. Abbreviations are not special-cased.
type sentenceSplitter struct {
	buf strings.Builder
}

// Feed appends a fragment and returns any sentences completed by it,
// whitespace-trimmed, in order.
func (sp *sentenceSplitter) Feed(fragment string) []string {
	sp.buf.WriteString(fragment)
	var out []string
	for {
		s := sp.buf.String()
		i := boundaryIndex(s)
		if i < 0 {
			return out
		}
		sp.buf.Reset()
		sp.buf.WriteString(s[i+1:])
		if sentence := strings.TrimSpace(s[:i+1]); sentence != "" {
			out = append(out, sentence)
		}
	}
}

// Flush returns the trailing partial sentence, if any, and resets the splitter.
func (sp *sentenceSplitter) Flush() string {
	tail := strings.TrimSpace(sp.buf.String())
	sp.buf.Reset()
	return tail
}

func boundaryIndex(s string) int {
	for off := 0; off < len(s); {
		i := strings.IndexAny(s[off:], ".!?")
		if i < 0 {
			return -1
		}
		i += off
		if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
			return i
		}
		off = i + 1
	}
	return -1
}

// wavFormat is the audio format pulled from a RIFF/WAVE header.
type wavFormat struct {
	dataOffset int
	sampleRate int
	channels   int
}

// decodeWAVHeader walks the RIFF chunks in wav and returns the location of
// the PCM payload and the format from the "fmt " chunk. Chunk walking avoids
// assuming the canonical 44-byte header; some servers emit extra chunks.
func decodeWAVHeader(wav []byte) (wavFormat, error) {
	if len(wav) < 12 {
		return wavFormat{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavFormat{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavFormat{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var format wavFormat
	haveFmt := false
	for offset := 12; offset+8 <= len(wav); {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fields := wav[offset+8:]
				format.channels = int(binary.LittleEndian.Uint16(fields[2:4]))
				format.sampleRate = int(binary.LittleEndian.Uint32(fields[4:8]))
				haveFmt = true
			}
		case "data":
			format.dataOffset = offset + 8
			if !haveFmt {
				format.sampleRate = 22050
				format.channels = 1
			}
			return format, nil
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		offset += 8 + chunkSize + chunkSize%2
	}
	return wavFormat{}, errors.New("coqui: WAV response missing data chunk")
}

// resamplePCM16 converts 16-bit little-endian mono PCM from srcRate to
// dstRate by linear interpolation.
func resamplePCM16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}
		sample := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}
