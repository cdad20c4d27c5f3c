// Package llm implements the fix proposer's generator chain (§4.3 steps
// 1-3): "Attempt the primary generator (external LLM, rules engine, etc. —
// provider order configurable; fallback to a deterministic rule set on any
// failure)." Each provider is wrapped in its own circuit breaker so a
// degraded provider fails fast instead of stalling the whole chain.
package llm

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/Rayyan0080/crisisgrid/internal/logging"
	"github.com/Rayyan0080/crisisgrid/internal/model"
)

// ProviderName identifies one of the configurable generators (§4.3 step 2,
// spec §3 Fix.source).
const (
	ProviderRules        = "rules"
	ProviderExternalLLMA = "external-llm-a"
	ProviderExternalLLMB = "external-llm-b"
)

// Provider synthesizes a draft Fix from a triggering Event. Providers other
// than the rules engine may fail (network, rate limit, malformed response);
// the Chain treats any error as "try the next provider".
type Provider interface {
	Name() string
	ProposeFix(ctx context.Context, trigger model.Event) (model.Fix, error)
}

// Chain tries providers in the configured order, falling back deterministically
// per §4.3. The last provider in a properly configured chain is always the
// rules engine, which never returns an error.
type Chain struct {
	log       *logging.Logger
	providers []namedBreaker
}

type namedBreaker struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// NewChain builds a Chain. order must name providers present in byName;
// unknown names are skipped with a warning (misconfiguration should not be
// fatal here — the rules provider always remains reachable directly).
func NewChain(log *logging.Logger, order []string, byName map[string]Provider) *Chain {
	c := &Chain{log: log}
	for _, name := range order {
		p, ok := byName[name]
		if !ok {
			log.WithFields(map[string]interface{}{"provider": name}).Warn("llm: unknown provider in provider order, skipping")
			continue
		}
		settings := gobreaker.Settings{
			Name:        "llm-" + name,
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		c.providers = append(c.providers, namedBreaker{provider: p, breaker: gobreaker.NewCircuitBreaker(settings)})
	}
	return c
}

// Propose walks the chain in order, returning the first successful Fix. If
// every provider errors (which should not happen when a rules provider is
// configured last), it returns the last error.
func (c *Chain) Propose(ctx context.Context, trigger model.Event) (model.Fix, error) {
	var lastErr error
	for _, nb := range c.providers {
		result, err := nb.breaker.Execute(func() (interface{}, error) {
			return nb.provider.ProposeFix(ctx, trigger)
		})
		if err != nil {
			c.log.WithError(err).WithFields(map[string]interface{}{"provider": nb.provider.Name()}).
				Warn("llm: provider failed, falling back")
			lastErr = err
			continue
		}
		fix := result.(model.Fix)
		fix.Source = model.FixSource(nb.provider.Name())
		return fix, nil
	}
	return model.Fix{}, fmt.Errorf("llm: all providers exhausted: %w", lastErr)
}
