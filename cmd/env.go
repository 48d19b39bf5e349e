package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/smartbroker/internal/config"
	"github.com/sells-group/smartbroker/internal/cost"
	"github.com/sells-group/smartbroker/internal/ingest"
	"github.com/sells-group/smartbroker/internal/investigate"
	"github.com/sells-group/smartbroker/internal/llm"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/protocol"
	"github.com/sells-group/smartbroker/internal/registry"
	"github.com/sells-group/smartbroker/internal/resilience"
	"github.com/sells-group/smartbroker/internal/search"
	"github.com/sells-group/smartbroker/internal/sink"
	"github.com/sells-group/smartbroker/internal/store"
	anthropicpkg "github.com/sells-group/smartbroker/pkg/anthropic"
	"github.com/sells-group/smartbroker/pkg/jina"
	"github.com/sells-group/smartbroker/pkg/notion"
	"github.com/sells-group/smartbroker/pkg/perplexity"
)

// investigateEnv holds the clients and collaborators shared by the
// investigate, cell and serve commands.
type investigateEnv struct {
	Store      store.Store // nil when the store driver is none
	Notion     notion.Client
	Search     *search.Adapter
	Researcher investigate.Researcher
	Sink       investigate.Sink
	LLM        *llm.Endpoint
	Breakers   *resilience.ServiceBreakers
}

// Close releases resources held by the environment.
func (e *investigateEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// logUsage logs the Claude tokens spent since the environment was built.
func (e *investigateEnv) logUsage(phase string) {
	if e.LLM == nil {
		return
	}
	u := e.LLM.Usage()
	u.LogCost(e.LLM.Model(), phase, e.LLM.Cost(u))
}

// scheduler builds a scheduler over the shared researcher. Each run gets
// its own gate so pausing one run never blocks another.
func (e *investigateEnv) scheduler(gate *investigate.Gate) *investigate.Scheduler {
	opts := []investigate.Option{
		investigate.WithGate(gate),
		investigate.WithConcurrency(cfg.Investigation.Concurrency),
		investigate.WithMinPromoteConfidence(cfg.Investigation.MinPromote()),
	}
	if e.Sink != nil {
		opts = append(opts, investigate.WithSink(e.Sink))
	}
	return investigate.New(e.Researcher, opts...)
}

// initEnv validates credentials and wires the store, the search tool, the
// LLM endpoint and the result sinks. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*investigateEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	env := &investigateEnv{Store: st}
	if cfg.Notion.Token != "" {
		env.Notion = notion.NewClient(cfg.Notion.Token)
	}

	env.Breakers = resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))
	calc := cost.NewCalculator(cfg.Pricing)

	backend := newSearchBackend(cfg)
	searchOpts := []search.Option{
		search.WithTTL(cfg.Search.CacheTTL),
		search.WithCacheSize(cfg.Search.CacheSize),
		search.WithRateLimit(cfg.Search.RatePerSec),
		search.WithRetry(resilience.FromRetryConfig(backend.Name(), cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)),
		search.WithBreaker(env.Breakers.Get(backend.Name())),
	}
	if st != nil {
		searchOpts = append(searchOpts, search.WithPersistentCache(st))
	}
	env.Search = search.New(backend, searchOpts...)

	env.LLM = llm.New(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model,
		llm.WithMaxTokens(cfg.Anthropic.MaxTokens),
		llm.WithTemperature(cfg.Anthropic.Temperature),
		llm.WithRetry(resilience.FromRetryConfig("anthropic", cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)),
		llm.WithBreaker(env.Breakers.Get("anthropic")),
		llm.WithCostLogging(calc),
	)
	engine := protocol.NewEngine(env.LLM, env.Search, protocol.WithToolBudget(cfg.Investigation.ToolBudget))
	env.Researcher = investigate.NewResearcher(engine, calc, env.LLM.Model(), backend.Name())

	var sinks sink.Multi
	if st != nil {
		sinks = append(sinks, sink.NewStore(st))
	}
	if env.Notion != nil && cfg.Notion.WriteBack {
		sinks = append(sinks, sink.NewNotion(env.Notion, sink.DefaultNotionConfig()))
	}
	if len(sinks) > 0 {
		env.Sink = sinks
	}

	zap.L().Info("investigation environment ready",
		zap.String("model", env.LLM.Model()),
		zap.String("search", backend.Name()),
		zap.String("store", cfg.Store.Driver),
		zap.Int("sinks", len(sinks)),
	)
	return env, nil
}

func newSearchBackend(c *config.Config) search.Backend {
	if c.Search.Provider == "jina" {
		var opts []jina.Option
		if c.Jina.SearchBaseURL != "" {
			opts = append(opts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
		}
		return search.NewJinaBackend(jina.NewClient(c.Jina.Key, opts...), c.Jina.Key)
	}
	client := perplexity.NewClient(c.Perplexity.Key,
		perplexity.WithBaseURL(c.Perplexity.BaseURL),
		perplexity.WithModel(c.Perplexity.Model),
	)
	return search.NewPerplexityBackend(client, c.Perplexity.Key, c.Perplexity.Model)
}

// loadQuestions picks the question set: an explicit file, the configured
// file, the Notion question database, then the built-in criteria.
func loadQuestions(ctx context.Context, client notion.Client, path string) ([]model.Question, error) {
	if path == "" {
		path = cfg.Investigation.QuestionsFile
	}
	switch {
	case path != "":
		return registry.LoadQuestionsFromFile(path)
	case client != nil && cfg.Notion.QuestionDB != "":
		qs, err := registry.LoadQuestionRegistry(ctx, client, cfg.Notion.QuestionDB)
		if err != nil {
			return nil, err
		}
		if len(qs) == 0 {
			return nil, eris.New("notion question registry has no active questions")
		}
		return qs, nil
	default:
		zap.L().Debug("using built-in criteria")
		return registry.DefaultQuestions(), nil
	}
}

// loadEntities reads the entity list from a file, or from the Notion lead
// database when no file is given.
func loadEntities(ctx context.Context, client notion.Client, path string) ([]model.Entity, error) {
	if path != "" {
		return ingest.LoadEntities(ctx, path)
	}
	if client != nil && cfg.Notion.LeadDB != "" {
		entities, err := registry.LoadLeads(ctx, client, cfg.Notion.LeadDB, cfg.Notion.LeadStatus)
		if err != nil {
			return nil, err
		}
		if err := ingest.Validate(entities); err != nil {
			return nil, err
		}
		return entities, nil
	}
	return nil, eris.New("no entities: pass --entities or configure notion.lead_db")
}
