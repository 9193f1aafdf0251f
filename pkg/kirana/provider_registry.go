package kirana

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/kirana/pkg/configutil"
	"github.com/harunnryd/kirana/pkg/llm"
	"github.com/harunnryd/kirana/pkg/providers/gemini"
	"github.com/harunnryd/kirana/pkg/providers/mock"
	"github.com/harunnryd/kirana/pkg/providers/openai"
)

type BackendFactory func(ctx context.Context, cfg Config) (llm.Backend, error)

// ProviderRegistry maps provider names to backend factories. The builtin
// providers are pre-registered; callers can add or replace entries before
// building the engine.
type ProviderRegistry struct {
	backends map[string]BackendFactory
}

func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{backends: make(map[string]BackendFactory)}
	r.RegisterBackend("mock", func(context.Context, Config) (llm.Backend, error) {
		return mock.New(), nil
	})
	r.RegisterBackend("openai", buildOpenAI)
	r.RegisterBackend("gemini", buildGemini)
	return r
}

func (r *ProviderRegistry) RegisterBackend(name string, factory BackendFactory) {
	r.backends[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildBackend(ctx context.Context, provider string, cfg Config) (llm.Backend, error) {
	fn := r.backends[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("backend provider not registered: %s", provider)
	}
	return fn(ctx, cfg)
}

type openAISettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

func buildOpenAI(_ context.Context, cfg Config) (llm.Backend, error) {
	var settings openAISettings
	if err := configutil.DecodeSettings(cfg.Backend.Settings, &settings); err != nil {
		return nil, fmt.Errorf("openai settings: %w", err)
	}
	if err := configutil.RequireString(settings.APIKey, "backend.settings.api_key"); err != nil {
		return nil, err
	}
	model := cfg.Backend.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	adapter := openai.NewAdapter(settings.APIKey, model)
	if settings.BaseURL != "" {
		adapter.BaseURL = settings.BaseURL
	}
	return adapter, nil
}

type geminiSettings struct {
	APIKey string `mapstructure:"api_key"`
}

func buildGemini(ctx context.Context, cfg Config) (llm.Backend, error) {
	var settings geminiSettings
	if err := configutil.DecodeSettings(cfg.Backend.Settings, &settings); err != nil {
		return nil, fmt.Errorf("gemini settings: %w", err)
	}
	if err := configutil.RequireString(settings.APIKey, "backend.settings.api_key"); err != nil {
		return nil, err
	}
	model := cfg.Backend.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	adapter, err := gemini.NewAdapter(ctx, settings.APIKey, model)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}
