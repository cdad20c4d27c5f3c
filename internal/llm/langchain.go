package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// LangchainProvider is the "external-llm-b" provider: a differently-shaped
// integration than AnthropicProvider, going through langchaingo's generic
// llms.Model interface against an OpenAI-compatible endpoint. This
// demonstrates the provider-order fallback chain working across two
// unrelated client libraries, per spec §4.3 step 2.
type LangchainProvider struct {
	model   llms.Model
	limiter *rate.Limiter
}

// NewLangchainProvider builds a provider against an OpenAI-compatible
// endpoint (baseURL may point at a self-hosted gateway).
func NewLangchainProvider(apiKey, baseURL string, rps float64) (*LangchainProvider, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: build langchain provider: %w", err)
	}
	return &LangchainProvider{model: m, limiter: rate.NewLimiter(rate.Limit(rps), 1)}, nil
}

func (p *LangchainProvider) Name() string { return ProviderExternalLLMB }

func (p *LangchainProvider) ProposeFix(ctx context.Context, trigger model.Event) (model.Fix, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return model.Fix{}, fmt.Errorf("llm: langchain rate limit wait: %w", err)
	}

	prompt := buildFixPrompt(trigger)
	text, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt)
	if err != nil {
		return model.Fix{}, fmt.Errorf("llm: langchain call failed: %w", err)
	}

	var fix model.Fix
	if err := json.Unmarshal([]byte(extractJSON(text)), &fix); err != nil {
		return model.Fix{}, fmt.Errorf("llm: langchain response was not a valid fix: %w", err)
	}
	return fix, nil
}
