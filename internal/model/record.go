package model

// Status is an entity's derived elimination status.
type Status string

// Entity statuses.
const (
	StatusInProgress   Status = "in_progress"
	StatusDisqualified Status = "disqualified"
	StatusQualified    Status = "qualified"
)

// ResultRecord is the per-entity result table row of a run.
type ResultRecord struct {
	EntityID       string   `json:"entity_id"`
	Status         Status   `json:"status"`
	Answers        []Answer `json:"answers"`
	DisqualifiedBy string   `json:"disqualified_by,omitempty"`
}

// NewResultRecord returns an in-progress record with no answers.
func NewResultRecord(entityID string) *ResultRecord {
	return &ResultRecord{EntityID: entityID, Status: StatusInProgress}
}

// Put records a, replacing any earlier answer to the same question.
func (r *ResultRecord) Put(a Answer) {
	for i := range r.Answers {
		if r.Answers[i].QuestionID == a.QuestionID {
			r.Answers[i] = a
			return
		}
	}
	r.Answers = append(r.Answers, a)
}

// Answer returns the recorded answer for a question.
func (r *ResultRecord) Answer(questionID string) (Answer, bool) {
	for _, a := range r.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

// Disqualified reports whether the entity is out of the run.
func (r *ResultRecord) Disqualified() bool {
	return r.Status == StatusDisqualified
}

// Qualifies reports whether every question has a successful answer and every
// disqualifying question was answered positively.
func (r *ResultRecord) Qualifies(questions []Question) bool {
	if r.Disqualified() {
		return false
	}
	for _, q := range questions {
		a, ok := r.Answer(q.ID)
		if !ok || a.Failed() {
			return false
		}
		if q.Disqualifying && !q.Accepts(a.Value) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (r *ResultRecord) Clone() ResultRecord {
	out := *r
	out.Answers = make([]Answer, len(r.Answers))
	for i, a := range r.Answers {
		a.Sources = append([]string(nil), a.Sources...)
		out.Answers[i] = a
	}
	return out
}
