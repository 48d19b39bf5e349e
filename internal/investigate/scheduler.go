package investigate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/protocol"
	"github.com/sells-group/smartbroker/internal/resilience"
	"github.com/sells-group/smartbroker/internal/search"
)

// Sink receives run headers and completed attempts. Sink failures are
// logged and never stop a run.
type Sink interface {
	RunStarted(ctx context.Context, run model.RunSummary) error
	Attempt(ctx context.Context, result model.AttemptResult) error
	RunFinished(ctx context.Context, run model.RunSummary) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSink sets the result sink.
func WithSink(s Sink) Option {
	return func(sc *Scheduler) { sc.sink = s }
}

// WithGate interposes a pause gate before every dispatch.
func WithGate(g *Gate) Option {
	return func(sc *Scheduler) { sc.gate = g }
}

// WithConcurrency sets how many entities of one question may be researched
// at once. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(sc *Scheduler) {
		if n > 0 {
			sc.concurrency = n
		}
	}
}

// WithMinPromoteConfidence sets the confidence an accepted answer needs
// before it may enrich an entity's identifiers.
func WithMinPromoteConfidence(c model.Confidence) Option {
	return func(sc *Scheduler) { sc.minPromote = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(sc *Scheduler) { sc.now = now }
}

// Scheduler runs investigations. A Scheduler holds no run state and may
// drive several runs concurrently.
type Scheduler struct {
	researcher  Researcher
	sink        Sink
	gate        *Gate
	concurrency int
	minPromote  model.Confidence
	now         func() time.Time
}

// New creates a scheduler over a researcher.
func New(r Researcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		researcher:  r,
		gate:        NewGate(false),
		concurrency: 1,
		minPromote:  model.ConfidenceMedium,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Gate returns the scheduler's pause gate.
func (s *Scheduler) Gate() *Gate {
	return s.gate
}

// Start creates a run over a copy of entities. Questions are ordered by
// ascending cost rank; equal ranks keep their configured order.
func (s *Scheduler) Start(entities []model.Entity, questions []model.Question, opts RunOptions) (*RunState, error) {
	return newRunState(entities, questions, opts, s.now().UTC())
}

// Run drives st until it completes, fails or ctx ends. A cancelled run keeps
// its cursor and results; calling Run again resumes it.
func (s *Scheduler) Run(ctx context.Context, st *RunState) error {
	if st.Status() == model.RunStatusCompleted {
		return nil
	}
	first, err := st.begin()
	if err != nil {
		return err
	}
	log := zap.L().With(zap.String("run_id", st.ID), zap.String("mode", string(st.Mode)))

	if first && s.sink != nil {
		if err := s.sink.RunStarted(ctx, st.Summary()); err != nil {
			log.Warn("investigate: sink run start failed", zap.Error(err))
		}
	}
	s.publish(st, model.Event{Type: model.EventRunStarted})
	log.Info("investigate: run started",
		zap.Int("entities", st.entityCount()),
		zap.Int("questions", len(st.Questions)),
	)

	if st.Mode == model.ModeCell {
		err = s.runCell(ctx, st)
	} else {
		err = s.runColumns(ctx, st)
	}

	switch {
	case err == nil:
		st.finish(model.RunStatusCompleted, nil)
		s.publish(st, model.Event{Type: model.EventRunCompleted})
	case ctx.Err() != nil:
		st.finish(model.RunStatusCancelled, nil)
	default:
		st.finish(model.RunStatusFailed, err)
	}

	summary := st.Summary()
	if s.sink != nil {
		if serr := s.sink.RunFinished(context.WithoutCancel(ctx), summary); serr != nil {
			log.Warn("investigate: sink run finish failed", zap.Error(serr))
		}
	}
	log.Info("investigate: run finished",
		zap.String("status", string(summary.Status)),
		zap.Int("attempts", summary.Attempts),
		zap.Int("qualified", summary.Qualified),
		zap.Int("disqualified", summary.Disqualified),
		zap.Float64("cost_usd", summary.CostUSD),
	)
	return err
}

func (s *Scheduler) runColumns(ctx context.Context, st *RunState) error {
	for {
		cur := st.position()
		if cur.Question >= len(st.Questions) {
			return nil
		}
		q := st.Questions[cur.Question]
		if st.questionID != "" && q.ID != st.questionID {
			st.finishQuestion()
			continue
		}

		if cur.Entity == 0 {
			s.publish(st, model.Event{Type: model.EventQuestionStarted, QuestionID: q.ID})
		}

		var err error
		if s.concurrency > 1 {
			err = s.runQuestionParallel(ctx, st, q)
		} else {
			err = s.runQuestion(ctx, st, q)
		}
		if err != nil {
			return err
		}
		st.finishQuestion()
	}
}

// runQuestion visits entities in ingestion order, one attempt at a time.
func (s *Scheduler) runQuestion(ctx context.Context, st *RunState, q model.Question) error {
	for {
		i := st.position().Entity
		if i >= st.entityCount() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "investigate: run cancelled")
		}

		e, reason := st.pending(i, q, true)
		if reason != "" {
			s.skip(st, e, q, reason)
			st.advanceEntity()
			continue
		}
		if err := s.wait(ctx, st); err != nil {
			return err
		}
		if err := s.dispatch(ctx, st, e.ID, q); err != nil {
			return err
		}
		st.advanceEntity()
	}
}

// runQuestionParallel dispatches the entities of one question through a
// bounded worker group. Resuming rescans from the first entity and relies on
// the already-answered skip.
func (s *Scheduler) runQuestionParallel(ctx context.Context, st *RunState, q model.Question) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var dispatchErr error
	for i := range st.entityCount() {
		if err := gctx.Err(); err != nil {
			break
		}
		e, reason := st.pending(i, q, true)
		if reason != "" {
			s.skip(st, e, q, reason)
			continue
		}
		if err := s.wait(gctx, st); err != nil {
			dispatchErr = err
			break
		}
		id := e.ID
		g.Go(func() error {
			return s.dispatch(gctx, st, id, q)
		})
	}

	err := g.Wait()
	if err == nil {
		err = dispatchErr
	}
	if err == nil && ctx.Err() != nil {
		err = eris.Wrap(ctx.Err(), "investigate: run cancelled")
	}
	if err != nil {
		return err
	}
	st.completeQuestion()
	return nil
}

func (s *Scheduler) runCell(ctx context.Context, st *RunState) error {
	q, _ := model.FindQuestion(st.Questions, st.questionID)
	return s.cell(ctx, st, st.entityID, q)
}

// cell makes at most one attempt for (entityID, q), honouring the entity's
// standing in st: a disqualified entity is skipped.
func (s *Scheduler) cell(ctx context.Context, st *RunState, entityID string, q model.Question) error {
	s.publish(st, model.Event{Type: model.EventQuestionStarted, QuestionID: q.ID})

	e, reason := st.pending(st.indexOf(entityID), q, false)
	if reason != "" {
		s.skip(st, e, q, reason)
		return nil
	}
	if err := s.wait(ctx, st); err != nil {
		return err
	}
	return s.dispatch(ctx, st, e.ID, q)
}

// RunCell researches one (entity, question) pair inside an existing run, so
// the run's earlier results apply: an entity the run already disqualified
// is skipped without an attempt. The run's cursor is left alone and a column
// run over st can still continue or resume afterwards.
func (s *Scheduler) RunCell(ctx context.Context, st *RunState, entityID, questionID string) error {
	q, ok := model.FindQuestion(st.Questions, questionID)
	if !ok {
		return eris.Errorf("investigate: unknown question %q", questionID)
	}
	if _, ok := st.Entity(entityID); !ok {
		return eris.Errorf("investigate: unknown entity %q", entityID)
	}

	prev, first, err := st.acquire()
	if err != nil {
		return err
	}
	log := zap.L().With(zap.String("run_id", st.ID), zap.String("entity", entityID), zap.String("question", questionID))
	if first && s.sink != nil {
		if err := s.sink.RunStarted(ctx, st.Summary()); err != nil {
			log.Warn("investigate: sink run start failed", zap.Error(err))
		}
	}

	err = s.cell(ctx, st, entityID, q)
	st.finishCell(prev, first, ctx.Err() != nil, err)

	if s.sink != nil {
		if serr := s.sink.RunFinished(context.WithoutCancel(ctx), st.Summary()); serr != nil {
			log.Warn("investigate: sink run finish failed", zap.Error(serr))
		}
	}
	if err == nil {
		log.Info("investigate: cell complete")
	}
	return err
}

func (s *Scheduler) wait(ctx context.Context, st *RunState) error {
	if !s.gate.Enabled() {
		return nil
	}
	st.setStatus(model.RunStatusPaused)
	err := s.gate.Wait(ctx)
	st.setStatus(model.RunStatusRunning)
	return eris.Wrap(err, "investigate: paused run cancelled")
}

// dispatch claims the entity, researches it and commits the answer. The
// claim re-checks disqualification immediately before the attempt.
func (s *Scheduler) dispatch(ctx context.Context, st *RunState, entityID string, q model.Question) error {
	e, facts, ok := st.claim(entityID)
	if !ok {
		return nil
	}
	defer st.release(entityID)

	log := zap.L().With(
		zap.String("run_id", st.ID),
		zap.String("entity", e.Name),
		zap.String("question", q.ID),
	)
	s.publish(st, model.Event{Type: model.EventEntityStarted, EntityID: e.ID, EntityName: e.Name, QuestionID: q.ID})

	hooks := protocol.Hooks{
		OnToolRequested: func(query string) {
			s.publish(st, model.Event{Type: model.EventToolRequested, EntityID: e.ID, EntityName: e.Name, QuestionID: q.ID, Query: query})
		},
		OnToolResult: func(query string, res *search.Result) {
			recordToolCall(res.Usage.Cached)
			s.publish(st, model.Event{Type: model.EventToolResult, EntityID: e.ID, EntityName: e.Name, QuestionID: q.ID, Query: query, Cached: res.Usage.Cached})
		},
	}

	a, err := s.researcher.Research(ctx, e, q, facts, hooks)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrapf(err, "investigate: attempt %s/%s interrupted", e.ID, q.ID)
		}
		s.publish(st, model.Event{Type: model.EventError, EntityID: e.ID, EntityName: e.Name, QuestionID: q.ID, Error: err.Error()})
		if resilience.IsFatal(err) {
			log.Error("investigate: fatal error, aborting run", zap.Error(err))
			return err
		}
		log.Warn("investigate: attempt failed", zap.Error(err))

		failed := model.ErrorAnswer(q.ID, err, s.now())
		failed.ToolCalls = a.ToolCalls
		failed.Usage = a.Usage
		failed.CostUSD = a.CostUSD
		a = failed
	}
	if a.QuestionID == "" {
		a.QuestionID = q.ID
	}
	if a.ResearchedAt.IsZero() {
		a.ResearchedAt = s.now()
	}

	status, changed := st.commit(e.ID, q, a, s.minPromote)
	recordAttempt(q, a)

	ans := a
	s.publish(st, model.Event{Type: model.EventFinalResult, EntityID: e.ID, EntityName: e.Name, QuestionID: q.ID, Answer: &ans})
	log.Debug("investigate: attempt complete",
		zap.String("answer", a.Value),
		zap.String("confidence", string(a.Confidence)),
		zap.String("outcome", string(a.Outcome)),
		zap.Int("tool_calls", a.ToolCalls),
	)

	if changed {
		switch status {
		case model.StatusDisqualified:
			statusTransitionsTotal.WithLabelValues(string(status)).Inc()
			s.publish(st, model.Event{Type: model.EventEntityDisqualified, EntityID: e.ID, EntityName: e.Name, QuestionID: q.ID, Reason: a.Value})
			log.Info("investigate: entity disqualified", zap.String("answer", a.Value))
		case model.StatusQualified:
			statusTransitionsTotal.WithLabelValues(string(status)).Inc()
			s.publish(st, model.Event{Type: model.EventEntityQualified, EntityID: e.ID, EntityName: e.Name, QuestionID: q.ID})
			log.Info("investigate: entity qualified")
		}
	}

	if s.sink != nil {
		result := model.NewAttemptResult(st.ID, e, q, a, status)
		if err := s.sink.Attempt(context.WithoutCancel(ctx), result); err != nil {
			log.Warn("investigate: sink attempt failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) skip(st *RunState, e model.Entity, q model.Question, reason string) {
	skipsTotal.WithLabelValues(reason).Inc()
	s.publish(st, model.Event{Type: model.EventEntitySkipped, EntityID: e.ID, EntityName: e.Name, QuestionID: q.ID, Reason: reason})
}

func (s *Scheduler) publish(st *RunState, evt model.Event) {
	evt.RunID = st.ID
	evt.Time = s.now()
	publish(evt)
}
