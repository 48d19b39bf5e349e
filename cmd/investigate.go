package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/smartbroker/internal/config"
	"github.com/sells-group/smartbroker/internal/investigate"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/sink"
)

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Research every entity against the question set, cheapest question first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeInvestigate)
		if err != nil {
			return err
		}
		defer env.Close()

		entitiesPath, _ := cmd.Flags().GetString("entities")
		questionsPath, _ := cmd.Flags().GetString("questions")
		questionID, _ := cmd.Flags().GetString("question")
		step, _ := cmd.Flags().GetBool("step")
		output, _ := cmd.Flags().GetString("output")
		if cmd.Flags().Changed("concurrency") {
			cfg.Investigation.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		}

		entities, err := loadEntities(ctx, env.Notion, entitiesPath)
		if err != nil {
			return err
		}
		questions, err := loadQuestions(ctx, env.Notion, questionsPath)
		if err != nil {
			return err
		}

		return runInvestigation(ctx, env, entities, questions, investigate.RunOptions{
			Mode:       model.ModeColumn,
			QuestionID: questionID,
		}, step || cfg.Investigation.Pause, output)
	},
}

var cellCmd = &cobra.Command{
	Use:   "cell",
	Short: "Research exactly one entity against one question",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeInvestigate)
		if err != nil {
			return err
		}
		defer env.Close()

		entitiesPath, _ := cmd.Flags().GetString("entities")
		entityID, _ := cmd.Flags().GetString("entity")
		questionsPath, _ := cmd.Flags().GetString("questions")
		questionID, _ := cmd.Flags().GetString("question")
		if questionID == "" {
			return eris.New("--question is required")
		}

		var entities []model.Entity
		if entitiesPath != "" || (cfg.Notion.LeadDB != "" && entityID != "") {
			entities, err = loadEntities(ctx, env.Notion, entitiesPath)
			if err != nil {
				return err
			}
		} else {
			e := adHocEntity(cmd)
			if e.Name == "" {
				return eris.New("pass --entities with --entity, or describe the entity with --name")
			}
			entities = []model.Entity{e}
			entityID = e.ID
		}

		questions, err := loadQuestions(ctx, env.Notion, questionsPath)
		if err != nil {
			return err
		}

		if runID, _ := cmd.Flags().GetString("run"); runID != "" {
			return runCellInRun(ctx, env, runID, entities, questions, entityID, questionID)
		}

		return runInvestigation(ctx, env, entities, questions, investigate.RunOptions{
			Mode:       model.ModeCell,
			EntityID:   entityID,
			QuestionID: questionID,
		}, false, "")
	},
}

// adHocEntity builds a single entity from command-line flags.
func adHocEntity(cmd *cobra.Command) model.Entity {
	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return strings.TrimSpace(v)
	}
	e := model.Entity{ID: "1", Name: get("name")}
	e.Identifiers.Enrich(model.IdentDomain, get("domain"))
	e.Identifiers.Enrich(model.IdentLocation, get("location"))
	e.Identifiers.Enrich(model.IdentLinkedIn, get("linkedin"))
	e.Identifiers.Enrich(model.IdentNotes, get("notes"))
	return e
}

// runInvestigation starts and drives one run, printing progress to stderr
// and the result table to stdout.
func runInvestigation(ctx context.Context, env *investigateEnv, entities []model.Entity, questions []model.Question, opts investigate.RunOptions, step bool, output string) error {
	gate := investigate.NewGate(step)
	sched := env.scheduler(gate)

	st, err := sched.Start(entities, questions, opts)
	if err != nil {
		return err
	}

	p := newProgressPrinter(os.Stderr, st.ID, step)
	investigate.Subscribe(p.handle)
	if step {
		go readContinue(ctx, os.Stdin, gate)
	}

	runErr := sched.Run(ctx, st)
	p.wait()
	env.logUsage("run")

	snap := st.Snapshot()
	formatResults(os.Stdout, snap)

	if output != "" {
		if err := writeReport(output, sink.ReportFromSnapshot(snap)); err != nil {
			return err
		}
		zap.L().Info("report written", zap.String("path", output))
	}

	if runErr != nil && ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "Run %s cancelled; results so far are saved.\n", truncateID(st.ID))
		return nil
	}
	return runErr
}

// runCellInRun researches one pair inside a persisted run. The run's
// earlier attempts are replayed first, so an entity it disqualified is
// skipped.
func runCellInRun(ctx context.Context, env *investigateEnv, runID string, entities []model.Entity, questions []model.Question, entityID, questionID string) error {
	if env.Store == nil {
		return eris.New("--run needs a store; set store.driver to sqlite or postgres")
	}
	summary, err := env.Store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "load run %s", runID)
	}
	attempts, err := env.Store.ListAttempts(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "load attempts for run %s", runID)
	}

	st, err := investigate.Restore(*summary, entities, questions, attempts, cfg.Investigation.MinPromote())
	if err != nil {
		return err
	}
	sched := env.scheduler(investigate.NewGate(false))

	p := newProgressPrinter(os.Stderr, st.ID, false)
	investigate.Subscribe(p.handle)
	err = sched.RunCell(ctx, st, entityID, questionID)
	p.wait()
	env.logUsage("cell")

	formatResults(os.Stdout, st.Snapshot())
	if err != nil && ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "Run %s cancelled; results so far are saved.\n", truncateID(st.ID))
		return nil
	}
	return err
}

// readContinue releases the gate once per line read from r.
func readContinue(ctx context.Context, r io.Reader, gate *investigate.Gate) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		gate.Continue()
	}
	// Stdin closed: stop pausing so the run can finish.
	gate.SetEnabled(false)
}

// writeReport writes a report as XLSX or JSON depending on the extension.
func writeReport(path string, r sink.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "create report file")
	}
	defer f.Close() //nolint:errcheck

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return sink.WriteXLSX(f, r)
	case ".json":
		return sink.WriteJSON(f, r)
	default:
		return eris.Errorf("unsupported report format %q (use .xlsx or .json)", filepath.Ext(path))
	}
}

// progressDrain bounds how long the printer waits for trailing events.
const progressDrain = 250 * time.Millisecond

// progressPrinter renders lifecycle events of one run as console lines.
type progressPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	runID string
	step  bool
	done  chan struct{}
	once  sync.Once
}

func newProgressPrinter(out io.Writer, runID string, step bool) *progressPrinter {
	return &progressPrinter{out: out, runID: runID, step: step, done: make(chan struct{})}
}

func (p *progressPrinter) handle(evt model.Event) {
	if evt.RunID != p.runID {
		return
	}
	zap.L().Debug("run event",
		zap.String("run_id", evt.RunID),
		zap.String("type", string(evt.Type)),
		zap.String("entity", evt.EntityID),
		zap.String("question", evt.QuestionID),
	)
	p.mu.Lock()
	defer p.mu.Unlock()

	switch evt.Type {
	case model.EventRunStarted:
		if p.step {
			fmt.Fprintln(p.out, "Step mode: press Enter to research the next entity.")
		}
	case model.EventQuestionStarted:
		fmt.Fprintf(p.out, "\n== %s\n", evt.QuestionID)
	case model.EventEntityStarted:
		fmt.Fprintf(p.out, "-> %s\n", evt.EntityName)
	case model.EventToolRequested:
		fmt.Fprintf(p.out, "   search: %s\n", evt.Query)
	case model.EventToolResult:
		if evt.Cached {
			fmt.Fprintf(p.out, "   (cached) %s\n", evt.Query)
		}
	case model.EventFinalResult:
		if evt.Answer != nil {
			fmt.Fprintf(p.out, "   %s: %s [%s]\n", evt.EntityName, evt.Answer.Value, evt.Answer.Confidence)
		}
		if p.step {
			fmt.Fprintln(p.out, "Press Enter to continue...")
		}
	case model.EventEntitySkipped:
		fmt.Fprintf(p.out, "   skip %s (%s)\n", evt.EntityName, evt.Reason)
	case model.EventEntityDisqualified:
		fmt.Fprintf(p.out, "   x %s disqualified by %s\n", evt.EntityName, evt.QuestionID)
	case model.EventEntityQualified:
		fmt.Fprintf(p.out, "   + %s qualified\n", evt.EntityName)
	case model.EventError:
		fmt.Fprintf(p.out, "   ! %s: %s\n", evt.EntityName, evt.Error)
	case model.EventRunCompleted:
		p.once.Do(func() { close(p.done) })
	}
}

// wait gives in-flight events a moment to drain after the run returns.
func (p *progressPrinter) wait() {
	select {
	case <-p.done:
	case <-time.After(progressDrain):
	}
}

// formatResults writes the result table of a run to w.
func formatResults(out io.Writer, snap investigate.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	header := []string{"ENTITY", "STATUS"}
	for _, q := range snap.Questions {
		header = append(header, strings.ToUpper(q.ID))
	}
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))

	for i, rec := range snap.Records {
		name := snap.Entities[i].Name
		if r := []rune(name); len(r) > 30 {
			name = string(r[:27]) + "..."
		}
		cells := []string{name, string(rec.Status)}
		for _, q := range snap.Questions {
			a, ok := rec.Answer(q.ID)
			switch {
			case !ok:
				cells = append(cells, "-")
			case a.Failed():
				cells = append(cells, "error")
			default:
				cells = append(cells, a.Value)
			}
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()

	s := snap.Summary
	fmt.Fprintf(out, "\nRun %s %s: %d qualified, %d disqualified of %d; %d attempts, $%.4f\n",
		truncateID(s.ID), s.Status, s.Qualified, s.Disqualified, s.Entities, s.Attempts, s.CostUSD)
}

func init() {
	for _, c := range []*cobra.Command{investigateCmd, cellCmd} {
		c.Flags().String("entities", "", "entity list (.csv, .xlsx or .json); defaults to the notion lead database")
		c.Flags().String("questions", "", "question file (.json or .yaml); defaults to config, notion, then built-in criteria")
	}
	investigateCmd.Flags().String("question", "", "research only this question across all entities")
	investigateCmd.Flags().Bool("step", false, "pause before every attempt until Enter is pressed")
	investigateCmd.Flags().Int("concurrency", 1, "entities researched at once per question")
	investigateCmd.Flags().StringP("output", "o", "", "write the result table to a .xlsx or .json file")

	cellCmd.Flags().String("entity", "", "entity ID within --entities")
	cellCmd.Flags().String("run", "", "research the cell inside this persisted run, honouring its earlier results")
	cellCmd.Flags().String("question", "", "question ID to research")
	cellCmd.Flags().String("name", "", "company name for a one-off entity")
	cellCmd.Flags().String("domain", "", "website domain for a one-off entity")
	cellCmd.Flags().String("location", "", "location for a one-off entity")
	cellCmd.Flags().String("linkedin", "", "LinkedIn URL for a one-off entity")
	cellCmd.Flags().String("notes", "", "additional information for a one-off entity")

	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(cellCmd)
}
