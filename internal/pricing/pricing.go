// Package pricing converts token usage into credits using the per-model
// price list of the provider catalog.
package pricing

import (
	"fmt"

	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/shopspring/decimal"
)

// defaultMaxTokens is assumed when the caller leaves max_tokens unset, so
// the reservation stays a conservative upper bound.
const defaultMaxTokens = 1024

var thousand = decimal.NewFromInt(1000)

// EstimateTokens is the conservative pre-call token estimate: prompt plus
// system text at the rough 4-chars-per-token heuristic, plus the full
// completion budget.
func EstimateTokens(req *provider.Request) int {
	promptTokens := (len(req.Prompt) + len(req.SystemPrompt) + 3) / 4
	completion := req.MaxTokens
	if completion <= 0 {
		completion = defaultMaxTokens
	}
	return promptTokens + completion
}

// Cost prices a token count against one model entry: base price per 1000
// tokens with the markup percentage applied on top.
func Cost(price models.ModelPrice, tokens int) decimal.Decimal {
	base := price.PricePer1K.Mul(decimal.NewFromInt(int64(tokens))).Div(thousand)
	markup := base.Mul(price.MarkupPercent).Div(decimal.NewFromInt(100))
	return base.Add(markup)
}

// EstimateCredits returns the reservation amount for a request: the token
// estimate priced at the most expensive candidate provider, since the
// serving provider is not known until after routing.
func EstimateCredits(snapshot []models.ProviderConfig, req *provider.Request) (decimal.Decimal, error) {
	tokens := EstimateTokens(req)
	worst := decimal.Zero
	found := false
	for _, p := range snapshot {
		if !p.IsActive {
			continue
		}
		for _, m := range p.Models {
			if m.Model != req.Model {
				continue
			}
			found = true
			if c := Cost(m, tokens); c.GreaterThan(worst) {
				worst = c
			}
		}
	}
	if !found {
		return decimal.Zero, fmt.Errorf("no price for model %q", req.Model)
	}
	return worst, nil
}

// ActualCredits prices the provider-reported usage against the provider
// that actually served the request.
func ActualCredits(snapshot []models.ProviderConfig, providerID, model string, totalTokens int) (decimal.Decimal, error) {
	for _, p := range snapshot {
		if p.ID != providerID {
			continue
		}
		for _, m := range p.Models {
			if m.Model == model {
				return Cost(m, totalTokens), nil
			}
		}
	}
	return decimal.Zero, fmt.Errorf("no price for model %q on provider %q", model, providerID)
}
