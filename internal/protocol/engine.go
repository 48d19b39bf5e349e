package protocol

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/prompt"
	"github.com/sells-group/smartbroker/internal/search"
)

// DefaultToolBudget is the number of searches allowed per attempt.
const DefaultToolBudget = 3

// Completion is one model reply.
type Completion struct {
	Text  string
	Usage model.Usage
}

// Endpoint sends a transcript to the LLM and returns its reply.
type Endpoint interface {
	Send(ctx context.Context, system string, transcript []model.Turn) (Completion, error)
}

// Tool executes a search requested by the model.
type Tool interface {
	Search(ctx context.Context, query string) (*search.Result, error)
}

// Hooks observe tool activity during an attempt. Nil fields are ignored.
type Hooks struct {
	OnToolRequested func(query string)
	OnToolResult    func(query string, res *search.Result)
}

// Outcome is the terminal state of one attempt.
type Outcome struct {
	Kind model.Outcome
	// Positive is set when the terminal reply was tagged positive_result.
	Positive   bool
	Text       string
	ToolCalls  int
	Reparses   int
	Usage      model.Usage
	Transcript []model.Turn
}

// Option configures an Engine.
type Option func(*Engine)

// WithToolBudget overrides the per-attempt search budget. Values below 1
// keep the default.
func WithToolBudget(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.budget = n
		}
	}
}

// Engine runs the request/response loop. An Engine holds no per-attempt
// state and may run attempts concurrently.
type Engine struct {
	endpoint Endpoint
	tool     Tool
	budget   int
}

// NewEngine creates an engine over an LLM endpoint and a search tool.
func NewEngine(endpoint Endpoint, tool Tool, opts ...Option) *Engine {
	e := &Engine{endpoint: endpoint, tool: tool, budget: DefaultToolBudget}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ToolBudget returns the per-attempt search budget.
func (e *Engine) ToolBudget() int {
	return e.budget
}

// System returns the system instructions the engine's attempts run under.
func (e *Engine) System() string {
	return prompt.System(e.budget)
}

// Run drives one attempt from the initial research prompt to a terminal
// outcome. Budget exhaustion and repeated parse failures are outcomes, not
// errors. Endpoint and tool failures end the attempt with an error; the
// returned Outcome then carries the usage consumed so far.
func (e *Engine) Run(ctx context.Context, system, researchPrompt string, hooks Hooks) (*Outcome, error) {
	out := &Outcome{
		Transcript: []model.Turn{{Role: model.RoleUser, Content: researchPrompt}},
	}

	for {
		if err := ctx.Err(); err != nil {
			return out, eris.Wrap(err, "protocol: attempt cancelled")
		}

		comp, err := e.endpoint.Send(ctx, system, out.Transcript)
		if err != nil {
			return out, eris.Wrap(err, "protocol: send transcript")
		}
		out.Usage.Add(comp.Usage)
		out.Transcript = append(out.Transcript, model.Turn{Role: model.RoleAssistant, Content: comp.Text})

		switch r := Parse(comp.Text).(type) {
		case PositiveResult:
			out.Kind = model.OutcomeAnswered
			out.Positive = true
			out.Text = r.Text
			return out, nil

		case NegativeResult:
			out.Kind = model.OutcomeAnswered
			out.Text = r.Text
			return out, nil

		case ToolCall:
			if hooks.OnToolRequested != nil {
				hooks.OnToolRequested(r.Query)
			}
			res, err := e.tool.Search(ctx, r.Query)
			if err != nil {
				return out, eris.Wrapf(err, "protocol: search %q", r.Query)
			}
			out.ToolCalls++
			out.Usage.SearchCalls++
			out.Usage.SearchTokens += res.Usage.Tokens
			if res.Usage.Cached {
				out.Usage.CachedSearches++
			}
			if hooks.OnToolResult != nil {
				hooks.OnToolResult(r.Query, res)
			}

			if out.ToolCalls >= e.budget {
				out.Kind = model.OutcomeBudgetExhausted
				out.Text = comp.Text
				return out, nil
			}
			out.Transcript = append(out.Transcript, model.Turn{
				Role:    model.RoleUser,
				Content: prompt.ToolResult(r.Query, res.Text, res.Links, e.budget-out.ToolCalls),
			})

		case Unparseable:
			if out.Reparses > 0 {
				zap.L().Debug("protocol: second unparseable reply", zap.String("reason", r.Reason))
				out.Kind = model.OutcomeParseFailed
				out.Text = comp.Text
				return out, nil
			}
			zap.L().Debug("protocol: requesting restatement", zap.String("reason", r.Reason))
			out.Reparses++
			out.Transcript = append(out.Transcript, model.Turn{Role: model.RoleUser, Content: prompt.Reparse()})
		}
	}
}
