package model

import "time"

// EventType names a lifecycle event on the progress channel.
type EventType string

// Lifecycle events.
const (
	EventRunStarted         EventType = "run_started"
	EventQuestionStarted    EventType = "question_started"
	EventEntityStarted      EventType = "entity_started"
	EventEntitySkipped      EventType = "entity_skipped"
	EventEntityDisqualified EventType = "entity_disqualified"
	EventEntityQualified    EventType = "entity_qualified"
	EventToolRequested      EventType = "tool_requested"
	EventToolResult         EventType = "tool_result"
	EventFinalResult        EventType = "final_result"
	EventError              EventType = "error"
	EventRunCompleted       EventType = "run_completed"
)

// Skip reasons carried by EventEntitySkipped.
const (
	SkipDisqualified    = "disqualified"
	SkipAlreadyAnswered = "already_answered"
)

// Event is an advisory progress notification. Consumers must not rely on
// delivery; the engine never waits for them.
type Event struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"run_id"`
	EntityID   string    `json:"entity_id,omitempty"`
	EntityName string    `json:"entity_name,omitempty"`
	QuestionID string    `json:"question_id,omitempty"`
	Query      string    `json:"query,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Answer     *Answer   `json:"answer,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
	// Seq increases by one for every event published in the process.
	Seq uint64 `json:"seq"`
}

// AttemptResult is the structured record emitted to the result sink for
// every completed (entity, question) attempt.
type AttemptResult struct {
	RunID         string     `json:"run_id"`
	EntityID      string     `json:"entity_id"`
	EntityName    string     `json:"entity_name"`
	NotionPageID  string     `json:"notion_page_id,omitempty"`
	QuestionID    string     `json:"question_id"`
	QuestionText  string     `json:"question_text"`
	Answer        string     `json:"answer"`
	Confidence    Confidence `json:"confidence"`
	Evidence      string     `json:"evidence,omitempty"`
	Sources       []string   `json:"sources,omitempty"`
	ToolCallCount int        `json:"tool_call_count"`
	Outcome       Outcome    `json:"outcome"`
	Status        Status     `json:"status"`
	CostUSD       float64    `json:"cost_usd"`
	Error         string     `json:"error,omitempty"`
	CompletedAt   time.Time  `json:"completed_at"`
}

// NewAttemptResult flattens an answer for the sink.
func NewAttemptResult(runID string, e Entity, q Question, a Answer, status Status) AttemptResult {
	return AttemptResult{
		RunID:         runID,
		EntityID:      e.ID,
		EntityName:    e.Name,
		NotionPageID:  e.NotionPageID,
		QuestionID:    q.ID,
		QuestionText:  q.Text,
		Answer:        a.Value,
		Confidence:    a.Confidence,
		Evidence:      a.Evidence,
		Sources:       append([]string(nil), a.Sources...),
		ToolCallCount: a.ToolCalls,
		Outcome:       a.Outcome,
		Status:        status,
		CostUSD:       a.CostUSD,
		Error:         a.Error,
		CompletedAt:   a.ResearchedAt,
	}
}

// ToAnswer rebuilds the answer an attempt recorded. Usage and reparse
// counts are not persisted and come back zero.
func (r AttemptResult) ToAnswer() Answer {
	return Answer{
		QuestionID:   r.QuestionID,
		Value:        r.Answer,
		Confidence:   r.Confidence,
		Evidence:     r.Evidence,
		Sources:      append([]string(nil), r.Sources...),
		ToolCalls:    r.ToolCallCount,
		Outcome:      r.Outcome,
		Error:        r.Error,
		CostUSD:      r.CostUSD,
		ResearchedAt: r.CompletedAt,
	}
}
