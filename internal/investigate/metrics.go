package investigate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/smartbroker/internal/model"
)

var (
	// attemptsTotal counts completed attempts.
	// Labels: question, outcome (answered, budget_exhausted, parse_failed, error)
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartbroker",
		Subsystem: "investigate",
		Name:      "attempts_total",
		Help:      "Research attempts by question and outcome",
	}, []string{"question", "outcome"})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartbroker",
		Subsystem: "investigate",
		Name:      "tool_calls_total",
		Help:      "Search tool calls made by the model",
	}, []string{"cached"})

	// statusTransitionsTotal counts entities reaching a terminal status.
	statusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartbroker",
		Subsystem: "investigate",
		Name:      "status_transitions_total",
		Help:      "Entity status transitions by target status",
	}, []string{"status"})

	skipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartbroker",
		Subsystem: "investigate",
		Name:      "skips_total",
		Help:      "Entities skipped without an attempt, by reason",
	}, []string{"reason"})

	costUSDTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "smartbroker",
		Subsystem: "investigate",
		Name:      "cost_usd_total",
		Help:      "Estimated upstream spend in USD",
	})
)

func recordAttempt(q model.Question, a model.Answer) {
	attemptsTotal.WithLabelValues(q.ID, string(a.Outcome)).Inc()
	costUSDTotal.Add(a.CostUSD)
}

func recordToolCall(cached bool) {
	label := "false"
	if cached {
		label = "true"
	}
	toolCallsTotal.WithLabelValues(label).Inc()
}
