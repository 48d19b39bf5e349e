package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/smartbroker/internal/resilience"
	"github.com/sells-group/smartbroker/pkg/jina"
)

const (
	jinaMaxResults     = 5
	jinaMaxContentRune = 1500
)

// JinaBackend answers queries with Jina's search endpoint, rendering the top
// results as prose for the model.
type JinaBackend struct {
	client jina.Client
	apiKey string
}

// NewJinaBackend wraps a Jina client.
func NewJinaBackend(client jina.Client, apiKey string) *JinaBackend {
	return &JinaBackend{client: client, apiKey: apiKey}
}

// Name implements Backend.
func (b *JinaBackend) Name() string { return "jina" }

// Search implements Backend.
func (b *JinaBackend) Search(ctx context.Context, query string) (*Result, error) {
	if b.apiKey == "" {
		return nil, &resilience.ConfigurationError{Field: "jina.key", Reason: "missing API key"}
	}

	resp, err := b.client.Search(ctx, query)
	if err != nil {
		return nil, classify(b.Name(), err)
	}

	if len(resp.Data) == 0 {
		return &Result{Text: "No results found."}, nil
	}

	var sb strings.Builder
	links := make([]string, 0, jinaMaxResults)
	for i, r := range resp.Data {
		if i == jinaMaxResults {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Title)
		body := r.Description
		if r.Content != "" {
			body = r.Content
		}
		if body = truncate(strings.TrimSpace(body), jinaMaxContentRune); body != "" {
			sb.WriteString(body)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
		if r.URL != "" {
			links = append(links, r.URL)
		}
	}

	return &Result{
		Text:  strings.TrimSpace(sb.String()),
		Links: links,
		Usage: Usage{Tokens: resp.Tokens()},
	}, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
