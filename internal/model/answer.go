package model

import (
	"strings"
	"time"
)

// Confidence is the interpreter's confidence tier.
type Confidence string

// Confidence tiers, lowest first.
const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Rank orders confidence tiers (LOW=0, MEDIUM=1, HIGH=2).
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether c is at or above min.
func (c Confidence) AtLeast(min Confidence) bool {
	return c.Rank() >= min.Rank()
}

// ParseConfidence maps "high", "Medium", ... to a tier. Unknown input is LOW.
func ParseConfidence(s string) Confidence {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return ConfidenceHigh
	case "MEDIUM":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Outcome is how a research attempt ended.
type Outcome string

// Attempt outcomes.
const (
	OutcomeAnswered        Outcome = "answered"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
	OutcomeParseFailed     Outcome = "parse_failed"
	OutcomeError           Outcome = "error"
)

// Usage is the upstream consumption of one attempt.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	SearchCalls      int   `json:"search_calls"`
	CachedSearches   int   `json:"cached_searches"`
	SearchTokens     int   `json:"search_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.SearchCalls += other.SearchCalls
	u.CachedSearches += other.CachedSearches
	u.SearchTokens += other.SearchTokens
}

// Answer is the recorded result of one (entity, question) attempt.
type Answer struct {
	QuestionID       string     `json:"question_id"`
	Value            string     `json:"value"`
	Confidence       Confidence `json:"confidence"`
	Evidence         string     `json:"evidence,omitempty"`
	Sources          []string   `json:"sources,omitempty"`
	ToolCalls        int        `json:"tool_calls"`
	Reparses         int        `json:"reparses,omitempty"`
	Outcome          Outcome    `json:"outcome"`
	IdentityVerified bool       `json:"identity_verified"`
	Error            string     `json:"error,omitempty"`
	Usage            Usage      `json:"usage"`
	CostUSD          float64    `json:"cost_usd"`
	ResearchedAt     time.Time  `json:"researched_at"`
}

// Failed reports whether the attempt ended in an error rather than an answer.
func (a Answer) Failed() bool {
	return a.Outcome == OutcomeError
}

// ErrorAnswer is the marker recorded when an attempt fails.
func ErrorAnswer(questionID string, err error, at time.Time) Answer {
	return Answer{
		QuestionID:   questionID,
		Value:        AnswerUnknown,
		Confidence:   ConfidenceLow,
		Outcome:      OutcomeError,
		Error:        err.Error(),
		ResearchedAt: at,
	}
}
