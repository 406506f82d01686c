// Package cost estimates and accumulates spend on metered provider calls.
// Prices live in a pricing table that can be loaded from YAML; the tracker
// itself knows no model names.
package cost

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// ErrUnknownModel signals a model missing from the pricing table.
var ErrUnknownModel = errors.New("unknown model")

// ModelPrice is the USD price per one million tokens.
type ModelPrice struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// TokenEstimate is the expected token usage of one item of a job type.
type TokenEstimate struct {
	Input  int64 `yaml:"input" json:"input"`
	Output int64 `yaml:"output" json:"output"`
}

// Pricing holds the per-model prices and per-job-type estimates.
type Pricing struct {
	Models        map[string]ModelPrice           `yaml:"models"`
	DefaultModels map[store.JobType]string        `yaml:"default_models"`
	PerItem       map[store.JobType]TokenEstimate `yaml:"per_item"`
}

// DefaultPricing returns the built-in table.
func DefaultPricing() *Pricing {
	return &Pricing{
		Models: map[string]ModelPrice{
			"text-embedding-3-small": {InputPerMillion: 0.02},
			"text-embedding-3-large": {InputPerMillion: 0.13},
			"gpt-4.1-nano":           {InputPerMillion: 0.10, OutputPerMillion: 0.40},
			"gpt-4.1-mini":           {InputPerMillion: 0.40, OutputPerMillion: 1.60},
			"gpt-4o-mini":            {InputPerMillion: 0.15, OutputPerMillion: 0.60},
			"gpt-4o":                 {InputPerMillion: 2.50, OutputPerMillion: 10.00},
		},
		DefaultModels: map[store.JobType]string{
			store.JobEmbed:  "text-embedding-3-small",
			store.JobDigest: "gpt-4.1-mini",
		},
		PerItem: map[store.JobType]TokenEstimate{
			store.JobEmbed:  {Input: 1200},
			store.JobDigest: {Input: 400, Output: 120},
		},
	}
}

// LoadPricing overlays the YAML file at path on the defaults. An empty path
// returns the defaults.
func LoadPricing(path string) (*Pricing, error) {
	p := DefaultPricing()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var overlay Pricing
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	for name, price := range overlay.Models {
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return nil, fmt.Errorf("negative price for model %q", name)
		}
		p.Models[name] = price
	}
	for jobType, model := range overlay.DefaultModels {
		p.DefaultModels[jobType] = model
	}
	for jobType, est := range overlay.PerItem {
		p.PerItem[jobType] = est
	}
	return p, nil
}

// Price returns the model's price.
func (p *Pricing) Price(model string) (ModelPrice, error) {
	price, ok := p.Models[model]
	if !ok {
		return ModelPrice{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return price, nil
}

// Cost prices a token count for a model.
func (p *Pricing) Cost(model string, tokensIn, tokensOut int64) (float64, error) {
	price, err := p.Price(model)
	if err != nil {
		return 0, err
	}
	return (float64(tokensIn)*price.InputPerMillion + float64(tokensOut)*price.OutputPerMillion) / 1_000_000, nil
}

// DefaultModel returns the model a job type is priced with, or "" when the
// job type is not metered.
func (p *Pricing) DefaultModel(jobType store.JobType) string {
	return p.DefaultModels[jobType]
}

// Estimate is a projected spend for a job.
type Estimate struct {
	JobType      store.JobType `json:"job_type"`
	Model        string        `json:"model,omitempty"`
	Items        int64         `json:"items"`
	TokensInput  int64         `json:"tokens_input"`
	TokensOutput int64         `json:"tokens_output"`
	CostUSD      float64       `json:"cost_usd"`
}

// Estimate projects the spend of running jobType over count items. An empty
// model selects the job type's default. Unmetered job types cost nothing.
func (p *Pricing) Estimate(jobType store.JobType, count int64, model string) (Estimate, error) {
	if count < 0 {
		return Estimate{}, fmt.Errorf("item count must not be negative")
	}
	if model == "" {
		model = p.DefaultModel(jobType)
	}
	out := Estimate{JobType: jobType, Model: model, Items: count}
	per, metered := p.PerItem[jobType]
	if !metered || model == "" {
		return out, nil
	}
	out.TokensInput = per.Input * count
	out.TokensOutput = per.Output * count
	usd, err := p.Cost(model, out.TokensInput, out.TokensOutput)
	if err != nil {
		return Estimate{}, err
	}
	out.CostUSD = usd
	return out, nil
}
