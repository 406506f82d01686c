package cost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func TestEstimate(t *testing.T) {
	t.Parallel()

	p := DefaultPricing()
	tests := []struct {
		name     string
		jobType  store.JobType
		count    int64
		model    string
		wantIn   int64
		wantOut  int64
		wantCost float64
	}{
		{name: "embed default model", jobType: store.JobEmbed, count: 1000, wantIn: 1_200_000, wantCost: 0.024},
		{name: "embed large model", jobType: store.JobEmbed, count: 1000, model: "text-embedding-3-large", wantIn: 1_200_000, wantCost: 0.156},
		{name: "digest", jobType: store.JobDigest, count: 100, wantIn: 40_000, wantOut: 12_000, wantCost: 0.016 + 0.0192},
		{name: "import is free", jobType: store.JobImport, count: 500},
		{name: "fetch is free", jobType: store.JobFetch, count: 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			est, err := p.Estimate(tc.jobType, tc.count, tc.model)
			require.NoError(t, err)
			require.Equal(t, tc.count, est.Items)
			require.Equal(t, tc.wantIn, est.TokensInput)
			require.Equal(t, tc.wantOut, est.TokensOutput)
			require.InDelta(t, tc.wantCost, est.CostUSD, 1e-9)
		})
	}
}

func TestEstimateErrors(t *testing.T) {
	t.Parallel()

	p := DefaultPricing()
	_, err := p.Estimate(store.JobEmbed, 10, "mystery-model")
	require.ErrorIs(t, err, ErrUnknownModel)
	_, err = p.Estimate(store.JobEmbed, -1, "")
	require.Error(t, err)
}

func TestLoadPricingOverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	body := `models:
  local-embed:
    input_per_million: 0
  gpt-4o:
    input_per_million: 2.0
    output_per_million: 8.0
default_models:
  embed: local-embed
per_item:
  digest:
    input: 500
    output: 100
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := LoadPricing(path)
	require.NoError(t, err)
	require.Equal(t, "local-embed", p.DefaultModel(store.JobEmbed))
	require.Equal(t, ModelPrice{InputPerMillion: 2.0, OutputPerMillion: 8.0}, p.Models["gpt-4o"])
	require.Equal(t, ModelPrice{InputPerMillion: 0.02}, p.Models["text-embedding-3-small"])
	require.Equal(t, TokenEstimate{Input: 500, Output: 100}, p.PerItem[store.JobDigest])

	est, err := p.Estimate(store.JobEmbed, 10, "")
	require.NoError(t, err)
	require.Zero(t, est.CostUSD)
}

func TestLoadPricingRejectsBadInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := LoadPricing(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	negative := filepath.Join(dir, "negative.yaml")
	require.NoError(t, os.WriteFile(negative, []byte("models:\n  x:\n    input_per_million: -1\n"), 0o600))
	_, err = LoadPricing(negative)
	require.Error(t, err)

	p, err := LoadPricing("")
	require.NoError(t, err)
	require.Equal(t, DefaultPricing(), p)
}

func TestTrackerAccumulates(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultPricing(), Increment{TokensInput: 10, CostUSD: 1})
	inc, err := tr.Record(1_000_000, 0, "text-embedding-3-small")
	require.NoError(t, err)
	require.InDelta(t, 0.02, inc.CostUSD, 1e-12)

	inc, err = tr.Record(1_000_000, 1_000_000, "gpt-4.1-mini")
	require.NoError(t, err)
	require.InDelta(t, 2.0, inc.CostUSD, 1e-12)

	inc, err = tr.Record(500, 5, "unpriced")
	require.ErrorIs(t, err, ErrUnknownModel)
	require.Equal(t, Increment{TokensInput: 500, TokensOutput: 5}, inc)

	_, err = tr.Record(0, 0, "")
	require.NoError(t, err)

	total := tr.Totals()
	require.Equal(t, int64(2_000_510), total.TokensInput)
	require.Equal(t, int64(1_000_005), total.TokensOutput)
	require.InDelta(t, 3.02, total.CostUSD, 1e-9)
}
