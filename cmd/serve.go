package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/smartbroker/internal/config"
	"github.com/sells-group/smartbroker/internal/ingest"
	"github.com/sells-group/smartbroker/internal/investigate"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/resilience"
	"github.com/sells-group/smartbroker/internal/sink"
	"github.com/sells-group/smartbroker/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for starting, stepping and inspecting runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		defaults := func(ctx context.Context) ([]model.Question, error) {
			return loadQuestions(ctx, env.Notion, "")
		}
		m := newRunManager(ctx, env.scheduler, defaults, env.Store)
		m.breakers = env.Breakers

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(m),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		m.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// startRequest is the body of POST /runs.
type startRequest struct {
	Entities    []model.Entity   `json:"entities"`
	Questions   []model.Question `json:"questions,omitempty"`
	QuestionIDs []string         `json:"question_ids,omitempty"`
	Mode        model.Mode       `json:"mode,omitempty"`
	EntityID    string           `json:"entity_id,omitempty"`
	QuestionID  string           `json:"question_id,omitempty"`
	Pause       bool             `json:"pause,omitempty"`
}

// managedRun is one run owned by the server.
type managedRun struct {
	state  *investigate.RunState
	sched  *investigate.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *managedRun) running() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// runManager owns the runs started through the API. Runs outlive the
// request that started them and stop when the server's context ends.
type runManager struct {
	base         context.Context
	newScheduler func(*investigate.Gate) *investigate.Scheduler
	defaults     func(context.Context) ([]model.Question, error)
	store        store.Store
	breakers     *resilience.ServiceBreakers // nil hides breaker states

	mu   sync.Mutex
	runs map[string]*managedRun
	subs map[string]map[chan model.Event]struct{}
	wg   sync.WaitGroup
}

func newRunManager(base context.Context, newScheduler func(*investigate.Gate) *investigate.Scheduler, defaults func(context.Context) ([]model.Question, error), st store.Store) *runManager {
	m := &runManager{
		base:         base,
		newScheduler: newScheduler,
		defaults:     defaults,
		store:        st,
		runs:         map[string]*managedRun{},
		subs:         map[string]map[chan model.Event]struct{}{},
	}
	investigate.Subscribe(m.fanOut)
	return m
}

func (m *runManager) start(ctx context.Context, req startRequest) (*managedRun, error) {
	if err := ingest.Validate(req.Entities); err != nil {
		return nil, err
	}
	questions := req.Questions
	if len(questions) == 0 {
		qs, err := m.defaults(ctx)
		if err != nil {
			return nil, err
		}
		questions = qs
	}
	if len(req.QuestionIDs) > 0 {
		var selected []model.Question
		for _, id := range req.QuestionIDs {
			q, ok := model.FindQuestion(questions, id)
			if !ok {
				return nil, eris.Errorf("unknown question %q", id)
			}
			selected = append(selected, q)
		}
		questions = selected
	}

	sched := m.newScheduler(investigate.NewGate(req.Pause))
	st, err := sched.Start(req.Entities, questions, investigate.RunOptions{
		Mode:       req.Mode,
		EntityID:   req.EntityID,
		QuestionID: req.QuestionID,
	})
	if err != nil {
		return nil, err
	}

	r := &managedRun{state: st, sched: sched}
	m.mu.Lock()
	m.runs[st.ID] = r
	m.launchLocked(r, r.run)
	m.mu.Unlock()
	return r, nil
}

func (r *managedRun) run(ctx context.Context) error {
	return r.sched.Run(ctx, r.state)
}

// launchLocked drives r with fn in the background. m.mu must be held.
func (m *runManager) launchLocked(r *managedRun, fn func(context.Context) error) {
	ctx, cancel := context.WithCancel(m.base)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer cancel()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("run failed", zap.String("run_id", r.state.ID), zap.Error(err))
		}
	}()
}

func (m *runManager) get(id string) (*managedRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	return r, ok
}

// resume restarts a cancelled or failed run from its cursor.
func (m *runManager) resume(id string) (*managedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errRunNotFound
	}
	if r.running() {
		return nil, eris.New("run is still active")
	}
	if r.state.Status() == model.RunStatusCompleted {
		return nil, eris.New("run already completed")
	}
	m.launchLocked(r, r.run)
	return r, nil
}

// cell researches one pair inside an existing run, honouring its earlier
// results.
func (m *runManager) cell(id, entityID, questionID string) (*managedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, errRunNotFound
	}
	if r.running() {
		return nil, eris.New("run is still active")
	}
	if _, ok := r.state.Entity(entityID); !ok {
		return nil, eris.Wrapf(errInvalidCell, "unknown entity %q", entityID)
	}
	if _, ok := model.FindQuestion(r.state.Questions, questionID); !ok {
		return nil, eris.Wrapf(errInvalidCell, "unknown question %q", questionID)
	}
	m.launchLocked(r, func(ctx context.Context) error {
		return r.sched.RunCell(ctx, r.state, entityID, questionID)
	})
	return r, nil
}

func (m *runManager) list() []model.RunSummary {
	m.mu.Lock()
	out := make([]model.RunSummary, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.state.Summary())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *runManager) subscribe(id string) chan model.Event {
	ch := make(chan model.Event, 64)
	m.mu.Lock()
	if m.subs[id] == nil {
		m.subs[id] = map[chan model.Event]struct{}{}
	}
	m.subs[id][ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *runManager) unsubscribe(id string, ch chan model.Event) {
	m.mu.Lock()
	delete(m.subs[id], ch)
	if len(m.subs[id]) == 0 {
		delete(m.subs, id)
	}
	m.mu.Unlock()
}

// fanOut forwards an event to the run's stream subscribers, dropping it for
// subscribers that are not keeping up.
func (m *runManager) fanOut(evt model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[evt.RunID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *runManager) wait() {
	m.wg.Wait()
}

var (
	errRunNotFound = eris.New("run not found")
	errInvalidCell = eris.New("invalid cell")
)

// newRouter builds the HTTP API.
func newRouter(m *runManager) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", m.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", m.handleStart)
		r.Get("/", m.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", m.handleSnapshot)
			r.Get("/report", m.handleReport)
			r.Get("/events", m.handleEvents)
			r.Post("/continue", m.handleContinue)
			r.Post("/pause", m.handlePause)
			r.Post("/cancel", m.handleCancel)
			r.Post("/resume", m.handleResume)
			r.Post("/cell", m.handleCell)
		})
	})
	return r
}

func (m *runManager) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := m.start(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, run.state.Summary())
}

func (m *runManager) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "store" {
		if m.store == nil {
			writeError(w, http.StatusNotFound, "run history is not persisted")
			return
		}
		runs, err := m.store.ListRuns(r.Context(), store.RunFilter{Status: model.RunStatus(r.URL.Query().Get("status"))})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, runs)
		return
	}
	writeJSON(w, http.StatusOK, m.list())
}

func (m *runManager) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	run, ok := m.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errRunNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, run.state.Snapshot())
}

// handleReport renders a live run or, failing that, a persisted one.
func (m *runManager) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var report sink.Report
	if run, ok := m.get(id); ok {
		report = sink.ReportFromSnapshot(run.state.Snapshot())
	} else if m.store != nil {
		summary, err := m.store.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, errRunNotFound.Error())
			return
		}
		attempts, err := m.store.ListAttempts(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		report = sink.ReportFromAttempts(*summary, attempts)
	} else {
		writeError(w, http.StatusNotFound, errRunNotFound.Error())
		return
	}

	if r.URL.Query().Get("format") == "xlsx" {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=smartbroker-%s.xlsx", truncateID(id)))
		if err := sink.WriteXLSX(w, report); err != nil {
			zap.L().Error("write xlsx report", zap.String("run_id", id), zap.Error(err))
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := sink.WriteJSON(w, report); err != nil {
		zap.L().Error("write json report", zap.String("run_id", id), zap.Error(err))
	}
}

// handleEvents streams the run's lifecycle events as server-sent events
// until the run stops or the client goes away.
func (m *runManager) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := m.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errRunNotFound.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := m.subscribe(id)
	defer m.unsubscribe(id, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	m.mu.Lock()
	done := run.done
	m.mu.Unlock()

	for {
		select {
		case evt := <-ch:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-done:
			_, _ = fmt.Fprintf(w, "event: end\ndata: {\"status\":%q}\n\n", run.state.Status())
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (m *runManager) handleContinue(w http.ResponseWriter, r *http.Request) {
	run, ok := m.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errRunNotFound.Error())
		return
	}
	run.sched.Gate().Continue()
	writeJSON(w, http.StatusOK, map[string]any{"status": run.state.Status(), "waiting": run.sched.Gate().Waiting()})
}

func (m *runManager) handlePause(w http.ResponseWriter, r *http.Request) {
	run, ok := m.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errRunNotFound.Error())
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run.sched.Gate().SetEnabled(body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"pause": body.Enabled})
}

func (m *runManager) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, ok := m.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errRunNotFound.Error())
		return
	}
	m.mu.Lock()
	cancel, done := run.cancel, run.done
	m.mu.Unlock()
	cancel()
	<-done
	writeJSON(w, http.StatusOK, run.state.Summary())
}

func (m *runManager) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := m.resume(chi.URLParam(r, "id"))
	switch {
	case eris.Is(err, errRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, run.state.Summary())
	}
}

func (m *runManager) handleCell(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntityID   string `json:"entity_id"`
		QuestionID string `json:"question_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := m.cell(chi.URLParam(r, "id"), body.EntityID, body.QuestionID)
	switch {
	case eris.Is(err, errRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case eris.Is(err, errInvalidCell):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, run.state.Summary())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	Status   string            `json:"status"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// handleHealth reports liveness plus the state of each upstream breaker.
// The server stays healthy while a breaker is open; runs fail fast instead.
func (m *runManager) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if m.breakers != nil {
		states := m.breakers.States()
		resp.Breakers = make(map[string]string, len(states))
		for service, state := range states {
			resp.Breakers[service] = state.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
