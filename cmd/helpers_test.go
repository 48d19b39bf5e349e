package main

import (
	"context"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/sells-group/smartbroker/internal/config"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/protocol"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// yesResearcher answers every yes/no question YES, every free-form question
// with a name, and NO for entities listed in no.
type yesResearcher struct {
	no    map[string]bool
	calls atomic.Int32
}

func (r *yesResearcher) Research(_ context.Context, e model.Entity, q model.Question, _ map[string]string, _ protocol.Hooks) (model.Answer, error) {
	r.calls.Add(1)
	v := model.PositiveYes
	switch {
	case q.IsFreeForm():
		v = "Jane Doe"
	case r.no[e.ID]:
		v = model.AnswerNo
	}
	return model.Answer{
		QuestionID: q.ID,
		Value:      v,
		Confidence: model.ConfidenceHigh,
		Outcome:    model.OutcomeAnswered,
		Evidence:   "found it",
		ToolCalls:  1,
		CostUSD:    0.001,
	}, nil
}

func testQuestions() []model.Question {
	return []model.Question{
		{ID: "software", Text: "Does it sell software?", PositiveAnswer: model.PositiveYes, Disqualifying: true, CostRank: 1},
		{ID: "bootstrapped", Text: "Is it bootstrapped?", PositiveAnswer: model.PositiveYes, Disqualifying: true, CostRank: 2},
	}
}

func testEntities() []model.Entity {
	return []model.Entity{
		{ID: "a", Name: "Acme Software", Identifiers: model.Identifiers{Domain: "acme.example"}},
		{ID: "b", Name: "Beta Services"},
	}
}

// withConfig installs a default configuration for the test.
func withConfig(t *testing.T) *config.Config {
	t.Helper()
	prev := cfg
	cfg = &config.Config{
		Investigation: config.InvestigationConfig{Concurrency: 1, MinPromoteConfidence: "MEDIUM", ToolBudget: 3},
		Store:         config.StoreConfig{Driver: "none"},
		Search:        config.SearchConfig{Provider: "perplexity"},
	}
	t.Cleanup(func() { cfg = prev })
	return cfg
}
