package model

import "time"

// Mode selects the scheduler's iteration shape.
type Mode string

// Run modes.
const (
	// ModeColumn researches questions across all remaining entities.
	ModeColumn Mode = "column"
	// ModeCell researches exactly one (entity, question) pair.
	ModeCell Mode = "cell"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run lifecycle states.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary is the persisted header of a run.
type RunSummary struct {
	ID           string    `json:"id"`
	Mode         Mode      `json:"mode"`
	Status       RunStatus `json:"status"`
	QuestionIDs  []string  `json:"question_ids"`
	Entities     int       `json:"entities"`
	Qualified    int       `json:"qualified"`
	Disqualified int       `json:"disqualified"`
	Attempts     int       `json:"attempts"`
	CostUSD      float64   `json:"cost_usd"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
