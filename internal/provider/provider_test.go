package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-jobs/internal/retry"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want retry.Class
	}{
		{"API returned unexpected status code: 429: You exceeded your current quota", retry.ClassQuota},
		{"insufficient_quota", retry.ClassQuota},
		{"Your credit balance is too low", retry.ClassQuota},
		{"status 401: Incorrect API key provided", retry.ClassQuota},
		{"API returned unexpected status code: 429: Rate limit reached", retry.ClassRateLimited},
		{"too many requests", retry.ClassRateLimited},
		{"status 503: service unavailable", retry.ClassTransient},
		{"read: connection reset by peer", retry.ClassTransient},
		{"anthropic: overloaded_error", retry.ClassTransient},
		{"invalid request: messages must not be empty", retry.ClassClient},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, Classify(errors.New(tc.msg)), tc.msg)
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wrap(OpenAI, nil))
	require.Equal(t, context.Canceled, Wrap(OpenAI, context.Canceled))

	err := Wrap(OpenAI, errors.New("429 too many requests"))
	class, _ := retry.DefaultClassifier(err)
	require.Equal(t, retry.ClassRateLimited, class)
	require.Same(t, err, Wrap(Ollama, err), "already tagged errors are kept")
	require.Contains(t, err.Error(), "openai: ")
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	require.Zero(t, EstimateTokens(""))
	require.Equal(t, int64(1), EstimateTokens("abc"))
	require.Equal(t, int64(2), EstimateTokens("abcde"))
	require.Equal(t, int64(1), EstimateTokens("äöü"))
}

func TestConstructorsValidateConfig(t *testing.T) {
	t.Parallel()

	_, err := NewEmbedder(Config{Provider: Anthropic, Model: "x"}, nil)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = NewEmbedder(Config{Provider: OpenAI, Model: "x"}, nil)
	require.Error(t, err)
	_, err = NewEmbedder(Config{Provider: "cohere"}, nil)
	require.Error(t, err)
	_, err = NewGenerator(Config{Provider: Anthropic, Model: "x"})
	require.Error(t, err)
	_, err = NewGenerator(Config{Provider: "mystery"})
	require.Error(t, err)
}

func openAIStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			_, _ = fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4.1-mini",
				"choices":[{"index":0,"message":{"role":"assistant","content":"{\"name\":\"Go\"}"},"finish_reason":"stop"}],
				"usage":{"prompt_tokens":42,"completion_tokens":7,"total_tokens":49}}`)
		case "/v1/embeddings":
			var req struct {
				Input []string `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			data := make([]map[string]any, len(req.Input))
			for i := range req.Input {
				data[i] = map[string]any{"object": "embedding", "index": i, "embedding": []float32{0.1, 0.2, 0.3}}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"object": "list", "model": "text-embedding-3-small", "data": data,
				"usage": map[string]int{"prompt_tokens": 3, "total_tokens": 3},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeneratorReportsUsage(t *testing.T) {
	t.Parallel()

	srv := openAIStub(t)
	gen, err := NewGenerator(Config{Provider: OpenAI, Model: "gpt-4.1-mini", APIKey: "test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	require.Equal(t, "gpt-4.1-mini", gen.Model())

	out, err := gen.Generate(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Equal(t, `{"name":"Go"}`, out.Text)
	require.Equal(t, Usage{TokensInput: 42, TokensOutput: 7}, out.Usage)
}

func TestEmbedderEstimatesUsage(t *testing.T) {
	t.Parallel()

	srv := openAIStub(t)
	emb, err := NewEmbedder(Config{
		Provider:  OpenAI,
		Model:     "text-embedding-3-small",
		APIKey:    "test",
		BaseURL:   srv.URL + "/v1",
		Dimension: 3,
	}, nil)
	require.NoError(t, err)

	out, err := emb.Embed(context.Background(), []string{"first chunk", "second"})
	require.NoError(t, err)
	require.Len(t, out.Vectors, 2)
	require.Equal(t, int64(3+2), out.Usage.TokensInput)

	empty, err := emb.Embed(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, empty.Vectors)
}
