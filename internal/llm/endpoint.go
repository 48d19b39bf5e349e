// Package llm adapts the Anthropic Messages API to the protocol engine's
// Endpoint contract.
package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/smartbroker/internal/cost"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/protocol"
	"github.com/sells-group/smartbroker/internal/resilience"
	"github.com/sells-group/smartbroker/pkg/anthropic"
)

const (
	service          = "anthropic"
	defaultMaxTokens = 1024
)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithMaxTokens caps each reply.
func WithMaxTokens(n int64) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(e *Endpoint) {
		e.temperature = &t
	}
}

// WithRetry retries rate-limited and transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Endpoint) {
		e.retry = &cfg
	}
}

// WithBreaker routes calls through a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Endpoint) {
		e.breaker = cb
	}
}

// WithCostLogging prices each reply and logs its cost attribution.
func WithCostLogging(calc *cost.Calculator) Option {
	return func(e *Endpoint) {
		e.calc = calc
	}
}

// Endpoint sends research transcripts to Claude.
type Endpoint struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature *float64
	retry       *resilience.RetryConfig
	breaker     *resilience.CircuitBreaker
	calc        *cost.Calculator

	mu    sync.Mutex
	total anthropic.TokenUsage
}

// New creates an endpoint for one model.
func New(client anthropic.Client, model string, opts ...Option) *Endpoint {
	e := &Endpoint{client: client, model: model, maxTokens: defaultMaxTokens}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Model returns the model name used for cost attribution.
func (e *Endpoint) Model() string {
	return e.model
}

// Usage returns the tokens consumed by every successful Send so far.
func (e *Endpoint) Usage() anthropic.TokenUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// Cost prices u at this endpoint's model rates. It is 0 without a calculator.
func (e *Endpoint) Cost(u anthropic.TokenUsage) float64 {
	if e.calc == nil {
		return 0
	}
	return e.calc.Claude(e.model, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
}

// Send implements protocol.Endpoint. The system prompt is marked cacheable
// since every turn of every attempt repeats it.
func (e *Endpoint) Send(ctx context.Context, system string, transcript []model.Turn) (protocol.Completion, error) {
	req := anthropic.MessageRequest{
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
		Messages:    toMessages(transcript),
	}
	if system != "" {
		req.System = []anthropic.SystemBlock{{Text: system, CacheControl: &anthropic.CacheControl{}}}
	}

	resp, err := e.call(ctx, req)
	if err != nil {
		return protocol.Completion{}, err
	}

	e.mu.Lock()
	e.total = e.total.Add(resp.Usage)
	e.mu.Unlock()
	if e.calc != nil {
		resp.Usage.LogCost(e.model, "turn", e.Cost(resp.Usage))
	}

	return protocol.Completion{
		Text: resp.Text(),
		Usage: model.Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}, nil
}

func (e *Endpoint) call(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	send := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := e.client.CreateMessage(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	}

	guarded := send
	if e.breaker != nil {
		guarded = func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return resilience.ExecuteVal(ctx, e.breaker, send)
		}
	}
	if e.retry == nil {
		return guarded(ctx)
	}
	return resilience.DoVal(ctx, *e.retry, guarded)
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrap(err, "llm: request cancelled")
	}
	status := 0
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return resilience.NewUpstreamError(service, status, err)
}

func toMessages(transcript []model.Turn) []anthropic.Message {
	out := make([]anthropic.Message, len(transcript))
	for i, t := range transcript {
		out[i] = anthropic.Message{Role: t.Role, Content: t.Content}
	}
	return out
}
