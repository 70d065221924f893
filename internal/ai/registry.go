// Package ai wires the provider registry and the routing layer that adds
// fallback behaviour on top of individual vendor clients.
package ai

import (
	"fmt"
	"os"
	"sync"

	"github.com/plurapp/ai-engine/internal/ai/byteplus"
	"github.com/plurapp/ai-engine/internal/ai/gemini"
	"github.com/plurapp/ai-engine/internal/ai/openai"
	"github.com/plurapp/ai-engine/internal/ai/provider"
)

// ModelConfig maps a logical model key to a concrete vendor, model name and
// the environment variable holding its credential.
type ModelConfig struct {
	Provider  string `yaml:"provider"`
	ModelName string `yaml:"model_name"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// RouteConfig names the primary and fallback model keys for a capability.
type RouteConfig struct {
	Default  string `yaml:"default"`
	Fallback string `yaml:"fallback"`
}

// Config selects providers per capability.
type Config struct {
	LLM    RouteConfig            `yaml:"llm"`
	Image  RouteConfig            `yaml:"image"`
	Models map[string]ModelConfig `yaml:"models"`
}

// DefaultConfig mirrors the production provider setup.
func DefaultConfig() Config {
	return Config{
		LLM:   RouteConfig{Default: "gemini_flash", Fallback: "gemini_pro"},
		Image: RouteConfig{Default: "seedream", Fallback: "seedream"},
		Models: map[string]ModelConfig{
			"gemini_flash": {Provider: "gemini", ModelName: "gemini-1.5-flash", APIKeyEnv: "GOOGLE_AI_API_KEY"},
			"gemini_pro":   {Provider: "gemini", ModelName: "gemini-1.5-pro", APIKeyEnv: "GOOGLE_AI_API_KEY"},
			"seedream":     {Provider: "byteplus", ModelName: "seedream-4-5-251128", APIKeyEnv: "BYTEPLUS_API_KEY"},
			"openai":       {Provider: "openai", ModelName: "dall-e-3", APIKeyEnv: "OPENAI_API_KEY"},
		},
	}
}

// Registry constructs provider clients lazily and caches them for the life
// of the process. It is built once at startup and passed by reference, so
// tests can seed it with fakes.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	text  map[string]provider.TextProvider
	image map[string]provider.ImageProvider
}

// NewRegistry creates an empty registry over the given configuration.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:   cfg,
		text:  make(map[string]provider.TextProvider),
		image: make(map[string]provider.ImageProvider),
	}
}

// RegisterText seeds the cache with a pre-built text provider.
func (r *Registry) RegisterText(key string, p provider.TextProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text[key] = p
}

// RegisterImage seeds the cache with a pre-built image provider.
func (r *Registry) RegisterImage(key string, p provider.ImageProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.image[key] = p
}

// TextProvider returns the cached client for key, constructing it on first
// use.
func (r *Registry) TextProvider(key string) (provider.TextProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.text[key]; ok {
		return p, nil
	}

	cfg, apiKey, err := r.resolve(key)
	if err != nil {
		return nil, err
	}

	var p provider.TextProvider
	switch cfg.Provider {
	case "gemini":
		p = gemini.New(apiKey, cfg.ModelName)
	default:
		return nil, fmt.Errorf("unknown text provider kind: %s", cfg.Provider)
	}

	r.text[key] = p
	return p, nil
}

// ImageProvider returns the cached client for key, constructing it on first
// use.
func (r *Registry) ImageProvider(key string) (provider.ImageProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.image[key]; ok {
		return p, nil
	}

	cfg, apiKey, err := r.resolve(key)
	if err != nil {
		return nil, err
	}

	var p provider.ImageProvider
	switch cfg.Provider {
	case "byteplus":
		p = byteplus.New(apiKey, cfg.ModelName)
	case "openai":
		p = openai.New(apiKey, cfg.ModelName)
	default:
		return nil, fmt.Errorf("unknown image provider kind: %s", cfg.Provider)
	}

	r.image[key] = p
	return p, nil
}

// ModelName reports the configured model for a key, for job metadata.
func (r *Registry) ModelName(key string) string {
	if cfg, ok := r.cfg.Models[key]; ok {
		return cfg.ModelName
	}
	return ""
}

func (r *Registry) resolve(key string) (ModelConfig, string, error) {
	cfg, ok := r.cfg.Models[key]
	if !ok {
		return ModelConfig{}, "", fmt.Errorf("model config not found: %s", key)
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return ModelConfig{}, "", fmt.Errorf("missing API key: %s", cfg.APIKeyEnv)
	}
	return cfg, apiKey, nil
}
