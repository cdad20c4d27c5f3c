package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// AnthropicProvider is the "external-llm-a" provider of §3/§4.3: it drafts a
// Fix by asking Claude to return the fix schema as JSON, then relies on the
// caller (proposer) to run it back through model.ValidateFix per §4.3 step 3.
type AnthropicProvider struct {
	client  anthropic.Client
	model   anthropic.Model
	limiter *rate.Limiter
}

// NewAnthropicProvider builds a provider using apiKey, rate limited to
// rps requests/second to stay inside provider quotas.
func NewAnthropicProvider(apiKey string, rps float64) *AnthropicProvider {
	return &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.ModelClaude3_5HaikuLatest,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (p *AnthropicProvider) Name() string { return ProviderExternalLLMA }

func (p *AnthropicProvider) ProposeFix(ctx context.Context, trigger model.Event) (model.Fix, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return model.Fix{}, fmt.Errorf("llm: anthropic rate limit wait: %w", err)
	}

	prompt := buildFixPrompt(trigger)

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return model.Fix{}, fmt.Errorf("llm: anthropic call failed: %w", err)
	}

	text := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	var fix model.Fix
	if err := json.Unmarshal([]byte(extractJSON(text)), &fix); err != nil {
		return model.Fix{}, fmt.Errorf("llm: anthropic response was not a valid fix: %w", err)
	}
	return fix, nil
}
