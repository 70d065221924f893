package ai

import (
	"context"
	"fmt"

	"github.com/plurapp/ai-engine/internal/ai/provider"
	"github.com/plurapp/ai-engine/internal/metrics"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// CallMeta describes which provider actually served a routed call. The
// dispatcher records it onto the job metadata for observability.
type CallMeta struct {
	ProviderUsed string
	FallbackUsed bool
}

// Router calls the primary provider for a capability and falls back once to
// the configured secondary on transient failure. Fatal errors (validation
// or policy rejections) propagate immediately without a fallback attempt.
type Router struct {
	registry *Registry
	cfg      Config
	log      *logger.Logger
}

// NewRouter constructs a router over the registry.
func NewRouter(registry *Registry, cfg Config, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewDefault("ai-router")
	}
	return &Router{registry: registry, cfg: cfg, log: log}
}

func (r *Router) GenerateText(ctx context.Context, prompt string, opts *provider.TextOptions) (string, CallMeta, error) {
	return r.routeText(ctx, "generate_text", func(ctx context.Context, p provider.TextProvider) (string, error) {
		return p.GenerateText(ctx, prompt, opts)
	})
}

func (r *Router) AnalyzeImage(ctx context.Context, imageBase64, prompt string) (string, CallMeta, error) {
	return r.routeText(ctx, "analyze_image", func(ctx context.Context, p provider.TextProvider) (string, error) {
		return p.AnalyzeImage(ctx, imageBase64, prompt)
	})
}

func (r *Router) Chat(ctx context.Context, messages []provider.Message, opts *provider.TextOptions) (string, CallMeta, error) {
	return r.routeText(ctx, "chat", func(ctx context.Context, p provider.TextProvider) (string, error) {
		return p.Chat(ctx, messages, opts)
	})
}

func (r *Router) GenerateImage(ctx context.Context, prompt string, opts provider.ImageOptions) ([][]byte, CallMeta, error) {
	primaryKey := r.cfg.Image.Default
	fallbackKey := r.cfg.Image.Fallback

	primary, err := r.registry.ImageProvider(primaryKey)
	if err != nil {
		return nil, CallMeta{}, err
	}

	result, err := primary.GenerateImage(ctx, prompt, opts)
	metrics.RecordProviderCall(primaryKey, "generate_image", err == nil)
	if err == nil {
		return result, CallMeta{ProviderUsed: primaryKey}, nil
	}
	if provider.IsFatal(err) || primaryKey == fallbackKey {
		return nil, CallMeta{ProviderUsed: primaryKey}, err
	}

	r.log.WithError(err).WithField("provider", primaryKey).Warn("primary image provider failed, attempting fallback")
	metrics.RecordProviderFallback("generate_image")

	fallback, fbErr := r.registry.ImageProvider(fallbackKey)
	if fbErr != nil {
		return nil, CallMeta{ProviderUsed: primaryKey}, fmt.Errorf("image generation failed: %v (fallback unavailable: %v)", err, fbErr)
	}
	result, fbErr = fallback.GenerateImage(ctx, prompt, opts)
	metrics.RecordProviderCall(fallbackKey, "generate_image", fbErr == nil)
	if fbErr != nil {
		return nil, CallMeta{ProviderUsed: fallbackKey, FallbackUsed: true},
			fmt.Errorf("image generation failed: %v (primary %s: %v)", fbErr, primaryKey, err)
	}
	return result, CallMeta{ProviderUsed: fallbackKey, FallbackUsed: true}, nil
}

func (r *Router) routeText(ctx context.Context, capability string, call func(context.Context, provider.TextProvider) (string, error)) (string, CallMeta, error) {
	primaryKey := r.cfg.LLM.Default
	fallbackKey := r.cfg.LLM.Fallback

	primary, err := r.registry.TextProvider(primaryKey)
	if err != nil {
		return "", CallMeta{}, err
	}

	result, err := call(ctx, primary)
	metrics.RecordProviderCall(primaryKey, capability, err == nil)
	if err == nil {
		return result, CallMeta{ProviderUsed: primaryKey}, nil
	}
	if provider.IsFatal(err) || primaryKey == fallbackKey {
		return "", CallMeta{ProviderUsed: primaryKey}, err
	}

	r.log.WithError(err).WithField("provider", primaryKey).Warnf("primary provider failed for %s, attempting fallback", capability)
	metrics.RecordProviderFallback(capability)

	fallback, fbErr := r.registry.TextProvider(fallbackKey)
	if fbErr != nil {
		return "", CallMeta{ProviderUsed: primaryKey}, fmt.Errorf("ai generation failed: %v (fallback unavailable: %v)", err, fbErr)
	}
	result, fbErr = call(ctx, fallback)
	metrics.RecordProviderCall(fallbackKey, capability, fbErr == nil)
	if fbErr != nil {
		return "", CallMeta{ProviderUsed: fallbackKey, FallbackUsed: true},
			fmt.Errorf("ai generation failed: %v (primary %s: %v)", fbErr, primaryKey, err)
	}
	return result, CallMeta{ProviderUsed: fallbackKey, FallbackUsed: true}, nil
}
