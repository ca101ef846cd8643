package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mwalden/duskhall/pkg/provider/llm"
	"github.com/mwalden/duskhall/pkg/provider/stt"
	"github.com/mwalden/duskhall/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factoryTable holds the registered constructors for one provider capability.
// kind is only used in error messages ("llm", "stt", "tts").
type factoryTable[P any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]func(ProviderEntry) (P, error)
}

func (t *factoryTable[P]) register(name string, factory func(ProviderEntry) (P, error)) {
	t.mu.Lock()
	t.m[name] = factory
	t.mu.Unlock()
}

func (t *factoryTable[P]) create(entry ProviderEntry) (P, error) {
	t.mu.RLock()
	factory, ok := t.m[entry.Name]
	t.mu.RUnlock()
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, t.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names to their constructor functions for each
// capability. It is safe for concurrent use.
type Registry struct {
	llm factoryTable[llm.Provider]
	stt factoryTable[stt.Provider]
	tts factoryTable[tts.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: factoryTable[llm.Provider]{kind: "llm", m: map[string]func(ProviderEntry) (llm.Provider, error){}},
		stt: factoryTable[stt.Provider]{kind: "stt", m: map[string]func(ProviderEntry) (stt.Provider, error){}},
		tts: factoryTable[tts.Provider]{kind: "tts", m: map[string]func(ProviderEntry) (tts.Provider, error){}},
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.llm.register(name, factory)
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.stt.register(name, factory)
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.tts.register(name, factory)
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(entry)
}
