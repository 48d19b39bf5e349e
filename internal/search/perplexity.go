package search

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/smartbroker/internal/resilience"
	"github.com/sells-group/smartbroker/pkg/jina"
	"github.com/sells-group/smartbroker/pkg/perplexity"
)

const perplexitySystemPrompt = `You are an expert web search assistant that provides accurate, up-to-date information.
Use your web search capability to find the most current information available.
Always include relevant details like dates, numbers, and facts.
For companies, include the company's location, website and the people involved when available.
For news, include the publication date and source when available.
Be concise but thorough, focusing on answering exactly what was asked.`

// PerplexityBackend answers queries with Perplexity's online models.
type PerplexityBackend struct {
	client perplexity.Client
	apiKey string
	model  string
}

// NewPerplexityBackend wraps a Perplexity client. The key is only checked
// for presence so a missing credential fails as a configuration error.
func NewPerplexityBackend(client perplexity.Client, apiKey, model string) *PerplexityBackend {
	return &PerplexityBackend{client: client, apiKey: apiKey, model: model}
}

// Name implements Backend.
func (b *PerplexityBackend) Name() string { return "perplexity" }

// Search implements Backend.
func (b *PerplexityBackend) Search(ctx context.Context, query string) (*Result, error) {
	if b.apiKey == "" {
		return nil, &resilience.ConfigurationError{Field: "perplexity.key", Reason: "missing API key"}
	}

	resp, err := b.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: b.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: perplexitySystemPrompt},
			{Role: "user", Content: query},
		},
	})
	if err != nil {
		return nil, classify(b.Name(), err)
	}

	return &Result{
		Text:  resp.Content(),
		Links: append([]string(nil), resp.Links()...),
		Usage: Usage{Tokens: resp.Usage.PromptTokens + resp.Usage.CompletionTokens},
	}, nil
}

// classify converts a vendor error into a resilience.UpstreamError.
func classify(service string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrapf(err, "search: %s", service)
	}

	status := 0
	var pe *perplexity.APIError
	var je *jina.APIError
	switch {
	case errors.As(err, &pe):
		status = pe.StatusCode
	case errors.As(err, &je):
		status = je.StatusCode
	}
	return resilience.NewUpstreamError(service, status, err)
}
