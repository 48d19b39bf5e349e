package investigate

import (
	"context"
	"time"

	"github.com/sells-group/smartbroker/internal/cost"
	"github.com/sells-group/smartbroker/internal/interpret"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/prompt"
	"github.com/sells-group/smartbroker/internal/protocol"
)

// Researcher answers one question about one entity.
type Researcher interface {
	Research(ctx context.Context, e model.Entity, q model.Question, facts map[string]string, hooks protocol.Hooks) (model.Answer, error)
}

// EngineResearcher researches through the protocol engine and interprets
// the terminal reply.
type EngineResearcher struct {
	engine  *protocol.Engine
	costs   *cost.Calculator
	model   string
	backend string
	now     func() time.Time
}

// NewResearcher creates a researcher. costs may be nil, in which case
// attempts are not priced; model and backend name the rates to apply.
func NewResearcher(engine *protocol.Engine, costs *cost.Calculator, model, backend string) *EngineResearcher {
	return &EngineResearcher{
		engine:  engine,
		costs:   costs,
		model:   model,
		backend: backend,
		now:     time.Now,
	}
}

// Research runs one attempt. On error the returned answer still carries the
// usage and cost consumed before the failure.
func (r *EngineResearcher) Research(ctx context.Context, e model.Entity, q model.Question, facts map[string]string, hooks protocol.Hooks) (model.Answer, error) {
	out, err := r.engine.Run(ctx, r.engine.System(), prompt.Build(e, q, facts), hooks)

	a := model.Answer{
		QuestionID:   q.ID,
		Value:        model.AnswerUnknown,
		Confidence:   model.ConfidenceLow,
		ResearchedAt: r.now(),
	}
	if out != nil {
		a.ToolCalls = out.ToolCalls
		a.Reparses = out.Reparses
		a.Usage = out.Usage
	}
	if r.costs != nil {
		a.CostUSD = r.costs.Attempt(r.model, r.backend, a.Usage)
	}
	if err != nil {
		a.Outcome = model.OutcomeError
		a.Error = err.Error()
		return a, err
	}

	in := interpret.NotFound()
	if out.Kind == model.OutcomeAnswered {
		in = interpret.Interpret(out.Text, q)
	}
	a.Outcome = out.Kind
	a.Value = in.Answer
	a.Confidence = in.Confidence
	a.Evidence = in.Evidence
	a.Sources = in.Sources
	a.IdentityVerified = in.IdentityVerified
	return a, nil
}
