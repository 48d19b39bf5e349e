package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// Answer tokens shared by the interpreter and the scheduler.
const (
	// PositiveYes is the positive-answer token of yes/no questions.
	PositiveYes = "YES"
	// AnswerNo is recorded when a yes/no reply carries no affirmative language.
	AnswerNo = "NO"
	// AnswerUnknown is the sentinel for "no answer found".
	AnswerUnknown = "unknown"
	// FreeForm is the positive-answer sentinel of value questions: any
	// answer other than AnswerUnknown is positive.
	FreeForm = "*"
)

// Format selects how the interpreter reads a terminal reply.
type Format string

// Answer formats.
const (
	FormatYesNo  Format = "yes_no"
	FormatName   Format = "name"
	FormatNumber Format = "number"
	FormatText   Format = "text"
)

// Question is one criterion applied to every entity of a run.
type Question struct {
	ID             string `json:"id" yaml:"id" validate:"required"`
	Text           string `json:"text" yaml:"text" validate:"required"`
	PositiveAnswer string `json:"positive_answer" yaml:"positive_answer" validate:"required"`
	Disqualifying  bool   `json:"disqualifying" yaml:"disqualifying"`
	Format         Format `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=yes_no name number text"`

	// CostRank orders questions: lower ranks are researched first across
	// all entities.
	CostRank int `json:"cost_rank" yaml:"cost_rank" validate:"gte=0"`

	Description          string `json:"description,omitempty" yaml:"description,omitempty"`
	SearchGuidance       string `json:"search_guidance,omitempty" yaml:"search_guidance,omitempty"`
	DisqualificationRule string `json:"disqualification_rule,omitempty" yaml:"disqualification_rule,omitempty"`
	ExamplePositive      string `json:"example_positive,omitempty" yaml:"example_positive,omitempty"`
	ExampleNegative      string `json:"example_negative,omitempty" yaml:"example_negative,omitempty"`

	// FactKey stores an accepted answer in the run's fact table.
	FactKey string `json:"fact_key,omitempty" yaml:"fact_key,omitempty"`
	// UsesFacts lists fact keys the prompt must cross-reference.
	UsesFacts []string `json:"uses_facts,omitempty" yaml:"uses_facts,omitempty"`
	// PromoteTo names the identifier an accepted answer may enrich.
	PromoteTo string `json:"promote_to,omitempty" yaml:"promote_to,omitempty" validate:"omitempty,oneof=location domain person size revenue linkedin notes"`
}

// IsFreeForm reports whether any known value counts as positive.
func (q Question) IsFreeForm() bool {
	return q.PositiveAnswer == FreeForm
}

// AnswerFormat returns the explicit format, defaulting to yes/no for
// token questions and text for free-form ones.
func (q Question) AnswerFormat() Format {
	if q.Format != "" {
		return q.Format
	}
	if q.IsFreeForm() {
		return FormatText
	}
	return FormatYesNo
}

// Accepts reports whether value is a positive answer to q.
func (q Question) Accepts(value string) bool {
	v := strings.TrimSpace(value)
	if q.IsFreeForm() {
		return v != "" && !strings.EqualFold(v, AnswerUnknown)
	}
	return strings.EqualFold(v, q.PositiveAnswer)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the question's required fields.
func (q Question) Validate() error {
	if err := validate.Struct(q); err != nil {
		return eris.Wrapf(err, "model: invalid question %q", q.ID)
	}
	return nil
}

// ValidateQuestions validates every question and rejects duplicate IDs.
func ValidateQuestions(qs []Question) error {
	if len(qs) == 0 {
		return eris.New("model: empty question set")
	}
	seen := make(map[string]bool, len(qs))
	for _, q := range qs {
		if err := q.Validate(); err != nil {
			return err
		}
		if seen[q.ID] {
			return eris.New(fmt.Sprintf("model: duplicate question id %q", q.ID))
		}
		seen[q.ID] = true
	}
	return nil
}

// SortByCost returns a copy of qs ordered by ascending CostRank. Questions
// with equal rank keep their configured order.
func SortByCost(qs []Question) []Question {
	out := make([]Question, len(qs))
	copy(out, qs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CostRank < out[j].CostRank
	})
	return out
}

// FindQuestion returns the question with the given ID.
func FindQuestion(qs []Question, id string) (Question, bool) {
	for _, q := range qs {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}
