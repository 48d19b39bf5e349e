package model

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a research attempt's transcript. Transcripts live
// only for the duration of an attempt.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
