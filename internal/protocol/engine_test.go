package protocol

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/resilience"
	"github.com/sells-group/smartbroker/internal/search"
)

// scriptedEndpoint replays canned replies and records every transcript it
// receives.
type scriptedEndpoint struct {
	replies     []string
	errAt       int
	err         error
	calls       int
	transcripts [][]model.Turn
}

func (s *scriptedEndpoint) Send(_ context.Context, _ string, transcript []model.Turn) (Completion, error) {
	s.calls++
	s.transcripts = append(s.transcripts, append([]model.Turn(nil), transcript...))
	if s.err != nil && s.calls == s.errAt {
		return Completion{}, s.err
	}
	if len(s.replies) == 0 {
		return Completion{}, errors.New("script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return Completion{Text: r, Usage: model.Usage{InputTokens: 100, OutputTokens: 10}}, nil
}

type fakeTool struct {
	queries []string
	err     error
	cached  bool
}

func (f *fakeTool) Search(_ context.Context, q string) (*search.Result, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return &search.Result{
		Text:  "results about " + q,
		Links: []string{"https://example.com/" + strings.ReplaceAll(q, " ", "-")},
		Usage: search.Usage{Cached: f.cached, Tokens: 7},
	}, nil
}

func TestEngine_TerminalOnFirstReply(t *testing.T) {
	ep := &scriptedEndpoint{replies: []string{"positive_result\nFinal Answer: YES\nConfidence: HIGH"}}
	tool := &fakeTool{}
	e := NewEngine(ep, tool)

	out, err := e.Run(context.Background(), e.System(), "research prompt", Hooks{})
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeAnswered, out.Kind)
	assert.True(t, out.Positive)
	assert.Contains(t, out.Text, "Final Answer: YES")
	assert.Zero(t, out.ToolCalls)
	assert.Empty(t, tool.queries)
	assert.Equal(t, int64(100), out.Usage.InputTokens)
	assert.Len(t, out.Transcript, 2)
}

func TestEngine_ToolLoopFeedsResultsBack(t *testing.T) {
	ep := &scriptedEndpoint{replies: []string{
		"tool_use\nsearch_web(\"acme owner\")",
		"negative_result\nFinal Answer: NO",
	}}
	tool := &fakeTool{cached: true}

	var requested []string
	var results []*search.Result
	e := NewEngine(ep, tool)
	out, err := e.Run(context.Background(), e.System(), "research prompt", Hooks{
		OnToolRequested: func(q string) { requested = append(requested, q) },
		OnToolResult:    func(_ string, r *search.Result) { results = append(results, r) },
	})
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeAnswered, out.Kind)
	assert.False(t, out.Positive)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, []string{"acme owner"}, requested)
	require.Len(t, results, 1)

	assert.Equal(t, 1, out.Usage.SearchCalls)
	assert.Equal(t, 1, out.Usage.CachedSearches)
	assert.Equal(t, 7, out.Usage.SearchTokens)
	assert.Equal(t, int64(200), out.Usage.InputTokens)

	require.Len(t, ep.transcripts, 2)
	second := ep.transcripts[1]
	require.Len(t, second, 3)
	assert.Equal(t, model.RoleUser, second[2].Role)
	assert.Contains(t, second[2].Content, `Search results for "acme owner"`)
	assert.Contains(t, second[2].Content, "1. https://example.com/acme-owner")
	assert.Contains(t, second[2].Content, "You have 2 searches left.")
}

func TestEngine_BudgetExhaustion(t *testing.T) {
	ep := &scriptedEndpoint{replies: []string{
		"tool_use\nsearch_web(\"q1\")",
		"tool_use\nsearch_web(\"q2\")",
		"tool_use\nsearch_web(\"q3\")",
		"positive_result\nFinal Answer: YES",
	}}
	tool := &fakeTool{}
	e := NewEngine(ep, tool)

	out, err := e.Run(context.Background(), e.System(), "p", Hooks{})
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeBudgetExhausted, out.Kind)
	assert.Equal(t, 3, out.ToolCalls)
	assert.Equal(t, []string{"q1", "q2", "q3"}, tool.queries)
	assert.Equal(t, 3, ep.calls, "no model call after the last search")
}

func TestEngine_CustomBudget(t *testing.T) {
	ep := &scriptedEndpoint{replies: []string{
		"tool_use\nsearch_web(\"q1\")",
		"tool_use\nsearch_web(\"q2\")",
	}}
	tool := &fakeTool{}
	e := NewEngine(ep, tool, WithToolBudget(1))

	out, err := e.Run(context.Background(), e.System(), "p", Hooks{})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeBudgetExhausted, out.Kind)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, 1, e.ToolBudget())

	assert.Equal(t, DefaultToolBudget, NewEngine(ep, tool, WithToolBudget(0)).ToolBudget())
}

func TestEngine_ReparseOnce(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		ep := &scriptedEndpoint{replies: []string{
			"I think the answer is yes.",
			"positive_result\nFinal Answer: YES",
		}}
		e := NewEngine(ep, &fakeTool{})

		out, err := e.Run(context.Background(), e.System(), "p", Hooks{})
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeAnswered, out.Kind)
		assert.Equal(t, 1, out.Reparses)
		last := ep.transcripts[1]
		assert.Contains(t, last[len(last)-1].Content, "did not follow the reply protocol")
	})

	t.Run("second failure ends attempt", func(t *testing.T) {
		ep := &scriptedEndpoint{replies: []string{
			"no tag here",
			"still no tag",
			"positive_result\nFinal Answer: YES",
		}}
		e := NewEngine(ep, &fakeTool{})

		out, err := e.Run(context.Background(), e.System(), "p", Hooks{})
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeParseFailed, out.Kind)
		assert.Equal(t, 1, out.Reparses)
		assert.Equal(t, 2, ep.calls)
	})

	t.Run("reparse allowance is per attempt", func(t *testing.T) {
		ep := &scriptedEndpoint{replies: []string{
			"garbled",
			"tool_use\nsearch_web(\"q1\")",
			"garbled again",
		}}
		e := NewEngine(ep, &fakeTool{})

		out, err := e.Run(context.Background(), e.System(), "p", Hooks{})
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeParseFailed, out.Kind)
		assert.Equal(t, 1, out.ToolCalls)
		assert.Equal(t, 3, ep.calls)
	})
}

func TestEngine_EndpointError(t *testing.T) {
	upstream := resilience.NewUpstreamError("anthropic", 401, errors.New("invalid x-api-key"))
	ep := &scriptedEndpoint{
		replies: []string{"tool_use\nsearch_web(\"q1\")"},
		err:     upstream,
		errAt:   2,
	}
	e := NewEngine(ep, &fakeTool{})

	out, err := e.Run(context.Background(), e.System(), "p", Hooks{})
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	require.NotNil(t, out)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, int64(100), out.Usage.InputTokens)
}

func TestEngine_ToolError(t *testing.T) {
	ep := &scriptedEndpoint{replies: []string{"tool_use\nsearch_web(\"q1\")"}}
	tool := &fakeTool{err: resilience.NewUpstreamError("perplexity", 503, errors.New("down"))}
	e := NewEngine(ep, tool)

	_, err := e.Run(context.Background(), e.System(), "p", Hooks{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), `protocol: search "q1"`)
}

func TestEngine_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ep := &scriptedEndpoint{replies: []string{"positive_result\nFinal Answer: YES"}}
	e := NewEngine(ep, &fakeTool{})

	_, err := e.Run(ctx, e.System(), "p", Hooks{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ep.calls)
}

func TestEngine_SystemMentionsBudget(t *testing.T) {
	e := NewEngine(&scriptedEndpoint{}, &fakeTool{}, WithToolBudget(2))
	assert.Contains(t, e.System(), "at most 2 times")
}
