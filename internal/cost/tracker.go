package cost

import (
	"errors"
	"sync"
)

// Increment is the usage added by one metered call.
type Increment struct {
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add returns the sum of two increments.
func (i Increment) Add(o Increment) Increment {
	return Increment{
		TokensInput:  i.TokensInput + o.TokensInput,
		TokensOutput: i.TokensOutput + o.TokensOutput,
		CostUSD:      i.CostUSD + o.CostUSD,
	}
}

// Zero reports whether the increment carries no usage.
func (i Increment) Zero() bool {
	return i.TokensInput == 0 && i.TokensOutput == 0 && i.CostUSD == 0
}

// Tracker accumulates usage for one job run. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pricing *Pricing
	totals  Increment
}

// NewTracker starts a tracker from base, which is usually the totals already
// recorded on the job.
func NewTracker(p *Pricing, base Increment) *Tracker {
	if p == nil {
		p = DefaultPricing()
	}
	return &Tracker{pricing: p, totals: base}
}

// Record adds actual usage and returns its increment. Usage of a model
// missing from the table still counts tokens, costs nothing and returns
// ErrUnknownModel alongside the increment.
func (t *Tracker) Record(tokensIn, tokensOut int64, model string) (Increment, error) {
	inc := Increment{TokensInput: tokensIn, TokensOutput: tokensOut}
	var priceErr error
	if tokensIn != 0 || tokensOut != 0 {
		usd, err := t.pricing.Cost(model, tokensIn, tokensOut)
		if err != nil && !errors.Is(err, ErrUnknownModel) {
			return Increment{}, err
		}
		inc.CostUSD = usd
		priceErr = err
	}

	t.mu.Lock()
	t.totals = t.totals.Add(inc)
	t.mu.Unlock()
	return inc, priceErr
}

// Totals returns the accumulated usage.
func (t *Tracker) Totals() Increment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}
