// Package investigate schedules research attempts across entities and
// questions, eliminating entities as soon as a disqualifying answer arrives.
package investigate

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/smartbroker/internal/model"
)

// RunOptions selects the shape of a run.
type RunOptions struct {
	Mode model.Mode `json:"mode"`
	// QuestionID restricts a column run to one question. Required in cell mode.
	QuestionID string `json:"question_id,omitempty"`
	// EntityID names the entity of a cell run.
	EntityID string `json:"entity_id,omitempty"`
}

// Cursor is the scheduler's position in a column run.
type Cursor struct {
	Question int `json:"question"`
	Entity   int `json:"entity"`
}

// RunState is the mutable state of one investigation. It is owned by the
// scheduler that runs it; other goroutines read it through Snapshot.
type RunState struct {
	ID        string
	Mode      model.Mode
	Questions []model.Question
	CreatedAt time.Time

	questionID string
	entityID   string

	mu       sync.Mutex
	entities []model.Entity
	index    map[string]int
	records  map[string]*model.ResultRecord
	facts    map[string]map[string]string
	inFlight map[string]bool
	cursor   Cursor
	status   model.RunStatus
	active   bool
	started  bool
	attempts int
	costUSD  float64
	err      string
}

func newRunState(entities []model.Entity, questions []model.Question, opts RunOptions, now time.Time) (*RunState, error) {
	if err := model.ValidateQuestions(questions); err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = model.ModeColumn
	}

	st := &RunState{
		ID:         uuid.New().String(),
		Mode:       mode,
		Questions:  model.SortByCost(questions),
		CreatedAt:  now,
		questionID: opts.QuestionID,
		entityID:   opts.EntityID,
		entities:   append([]model.Entity(nil), entities...),
		index:      make(map[string]int, len(entities)),
		records:    make(map[string]*model.ResultRecord, len(entities)),
		facts:      make(map[string]map[string]string, len(entities)),
		inFlight:   make(map[string]bool),
		status:     model.RunStatusRunning,
	}

	for i, e := range st.entities {
		if e.ID == "" {
			return nil, eris.Errorf("investigate: entity %d (%q) has no id", i, e.Name)
		}
		if _, dup := st.index[e.ID]; dup {
			return nil, eris.Errorf("investigate: duplicate entity id %q", e.ID)
		}
		st.index[e.ID] = i
		st.records[e.ID] = model.NewResultRecord(e.ID)
		st.facts[e.ID] = make(map[string]string)
	}

	switch mode {
	case model.ModeCell:
		if opts.EntityID == "" || opts.QuestionID == "" {
			return nil, eris.New("investigate: cell mode requires an entity and a question")
		}
		if _, ok := st.index[opts.EntityID]; !ok {
			return nil, eris.Errorf("investigate: unknown entity %q", opts.EntityID)
		}
	case model.ModeColumn:
	default:
		return nil, eris.Errorf("investigate: unknown mode %q", mode)
	}
	if opts.QuestionID != "" {
		if _, ok := model.FindQuestion(st.Questions, opts.QuestionID); !ok {
			return nil, eris.Errorf("investigate: unknown question %q", opts.QuestionID)
		}
	}
	return st, nil
}

// Restore rebuilds a run from its persisted header and attempts so that
// later cells and resumes see its earlier results. Attempts replay in order;
// those naming an entity or question outside the given sets are ignored.
// The restored run drives as a column run over questions.
func Restore(run model.RunSummary, entities []model.Entity, questions []model.Question, attempts []model.AttemptResult, minPromote model.Confidence) (*RunState, error) {
	st, err := newRunState(entities, questions, RunOptions{Mode: model.ModeColumn}, run.CreatedAt)
	if err != nil {
		return nil, err
	}
	st.ID = run.ID
	st.started = true
	if run.Status != "" && run.Status != model.RunStatusRunning && run.Status != model.RunStatusPaused {
		st.status = run.Status
	} else {
		// A run persisted as running was interrupted without a final header.
		st.status = model.RunStatusCancelled
	}

	for _, a := range attempts {
		q, ok := model.FindQuestion(st.Questions, a.QuestionID)
		if !ok {
			continue
		}
		if _, ok := st.index[a.EntityID]; !ok {
			continue
		}
		st.commit(a.EntityID, q, a.ToAnswer(), minPromote)
	}
	return st, nil
}

// Status returns the run's lifecycle state.
func (st *RunState) Status() model.RunStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// Record returns a copy of an entity's result record.
func (st *RunState) Record(entityID string) (model.ResultRecord, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.records[entityID]
	if !ok {
		return model.ResultRecord{}, false
	}
	return rec.Clone(), true
}

// Entity returns the run's copy of an entity, including enriched identifiers.
func (st *RunState) Entity(entityID string) (model.Entity, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	i, ok := st.index[entityID]
	if !ok {
		return model.Entity{}, false
	}
	return st.entities[i], true
}

func (st *RunState) entityCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entities)
}

// begin marks the run active. A run can be driven by one Run call at a time.
func (st *RunState) begin() (first bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active {
		return false, eris.Errorf("investigate: run %s is already active", st.ID)
	}
	st.active = true
	st.status = model.RunStatusRunning
	st.err = ""
	first = !st.started
	st.started = true
	return first, nil
}

// acquire marks the run active for a single-cell attempt. It returns the
// status to restore afterwards and whether the run had never started.
func (st *RunState) acquire() (prev model.RunStatus, first bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active {
		return "", false, eris.Errorf("investigate: run %s is already active", st.ID)
	}
	prev = st.status
	first = !st.started
	st.active = true
	st.started = true
	st.status = model.RunStatusRunning
	return prev, first, nil
}

// finishCell ends a single-cell attempt. A run that existed before keeps its
// status unless the attempt failed fatally.
func (st *RunState) finishCell(prev model.RunStatus, first, cancelled bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active = false
	switch {
	case err != nil && !cancelled:
		st.status = model.RunStatusFailed
		st.err = err.Error()
	case first && cancelled:
		st.status = model.RunStatusCancelled
	case first:
		st.status = model.RunStatusCompleted
	default:
		st.status = prev
	}
}

func (st *RunState) indexOf(entityID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.index[entityID]
}

func (st *RunState) finish(status model.RunStatus, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active = false
	st.status = status
	if err != nil {
		st.err = err.Error()
	}
}

func (st *RunState) setStatus(status model.RunStatus) {
	st.mu.Lock()
	st.status = status
	st.mu.Unlock()
}

func (st *RunState) position() Cursor {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cursor
}

func (st *RunState) advanceEntity() {
	st.mu.Lock()
	st.cursor.Entity++
	st.mu.Unlock()
}

func (st *RunState) finishQuestion() {
	st.mu.Lock()
	st.cursor.Question++
	st.cursor.Entity = 0
	st.mu.Unlock()
}

func (st *RunState) completeQuestion() {
	st.mu.Lock()
	st.cursor.Entity = len(st.entities)
	st.mu.Unlock()
}

// pending returns the entity at position i with its fact table, or a skip
// reason when no attempt should be made for question q.
func (st *RunState) pending(i int, q model.Question, skipAnswered bool) (model.Entity, string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	e := st.entities[i]
	rec := st.records[e.ID]
	if rec.Disqualified() {
		return e, model.SkipDisqualified
	}
	if skipAnswered {
		if a, ok := rec.Answer(q.ID); ok && !a.Failed() {
			return e, model.SkipAlreadyAnswered
		}
	}
	return e, ""
}

// claim reserves an entity for one attempt. It fails when the entity is
// disqualified or already has an attempt in flight.
func (st *RunState) claim(entityID string) (model.Entity, map[string]string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.records[entityID].Disqualified() || st.inFlight[entityID] {
		return model.Entity{}, nil, false
	}
	st.inFlight[entityID] = true

	facts := make(map[string]string, len(st.facts[entityID]))
	for k, v := range st.facts[entityID] {
		facts[k] = v
	}
	return st.entities[st.index[entityID]], facts, true
}

func (st *RunState) release(entityID string) {
	st.mu.Lock()
	delete(st.inFlight, entityID)
	st.mu.Unlock()
}

// commit records a completed attempt and derives the entity's status.
// Returns the new status and whether it changed.
func (st *RunState) commit(entityID string, q model.Question, a model.Answer, minPromote model.Confidence) (model.Status, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	rec := st.records[entityID]
	rec.Put(a)
	st.attempts++
	st.costUSD += a.CostUSD

	if !a.Failed() && q.Accepts(a.Value) {
		if q.FactKey != "" {
			st.facts[entityID][q.FactKey] = a.Value
		}
		if q.PromoteTo != "" && a.Confidence.AtLeast(minPromote) {
			e := &st.entities[st.index[entityID]]
			e.Identifiers.Enrich(q.PromoteTo, a.Value)
		}
	}

	prev := rec.Status
	if prev == model.StatusDisqualified {
		return prev, false
	}
	switch {
	case q.Disqualifying && !a.Failed() && !q.Accepts(a.Value):
		rec.Status = model.StatusDisqualified
		rec.DisqualifiedBy = q.ID
	case rec.Qualifies(st.Questions):
		rec.Status = model.StatusQualified
	default:
		rec.Status = model.StatusInProgress
	}
	return rec.Status, rec.Status != prev
}

// Summary returns the persisted header of the run.
func (st *RunState) Summary() model.RunSummary {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.summaryLocked()
}

func (st *RunState) summaryLocked() model.RunSummary {
	s := model.RunSummary{
		ID:        st.ID,
		Mode:      st.Mode,
		Status:    st.status,
		Entities:  len(st.entities),
		Attempts:  st.attempts,
		CostUSD:   st.costUSD,
		Error:     st.err,
		CreatedAt: st.CreatedAt,
	}
	for _, q := range st.Questions {
		if st.questionID == "" || q.ID == st.questionID {
			s.QuestionIDs = append(s.QuestionIDs, q.ID)
		}
	}
	for _, rec := range st.records {
		switch rec.Status {
		case model.StatusQualified:
			s.Qualified++
		case model.StatusDisqualified:
			s.Disqualified++
		}
	}
	return s
}

// Snapshot is a deep copy of a run for rendering and export.
type Snapshot struct {
	Summary   model.RunSummary             `json:"summary"`
	Questions []model.Question             `json:"questions"`
	Entities  []model.Entity               `json:"entities"`
	Records   []model.ResultRecord         `json:"records"`
	Facts     map[string]map[string]string `json:"facts"`
	Cursor    Cursor                       `json:"cursor"`
}

// Snapshot returns a copy of the run that shares no memory with it.
func (st *RunState) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := Snapshot{
		Summary:   st.summaryLocked(),
		Questions: append([]model.Question(nil), st.Questions...),
		Entities:  append([]model.Entity(nil), st.entities...),
		Records:   make([]model.ResultRecord, 0, len(st.entities)),
		Facts:     make(map[string]map[string]string, len(st.facts)),
		Cursor:    st.cursor,
	}
	for _, e := range st.entities {
		snap.Records = append(snap.Records, st.records[e.ID].Clone())
	}
	for id, facts := range st.facts {
		cp := make(map[string]string, len(facts))
		for k, v := range facts {
			cp[k] = v
		}
		snap.Facts[id] = cp
	}
	return snap
}
