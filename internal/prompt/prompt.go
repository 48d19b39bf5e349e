// Package prompt assembles the research prompts sent to the LLM. Every
// function is pure: output depends only on the arguments.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/smartbroker/internal/model"
)

// ToolName is the only tool the protocol exposes.
const ToolName = "search_web"

// NotExactMatch is written by the model when search results describe a
// different business than the one under investigation.
const NotExactMatch = "NOT_EXACT_MATCH"

const systemTemplate = `You are the SmartBroker investigation assistant, an expert at researching small private software companies for acquisition screening. You answer one question about one company at a time, using a web search tool as your only source of information.

REPLY PROTOCOL
The first line of every reply must be exactly one of these tags, alone on the line:
tool_use
positive_result
negative_result

To search the web, reply with the tool_use tag followed by exactly one call:
tool_use
%[1]s("your search query")

You may search at most %[2]d times for a question. Make every query specific: include the company name and one or more identifiers.

When you can answer, reply with positive_result if the criterion is met or the requested value was found, or negative_result if it is not met or could not be found, followed by these labeled lines:
Final Answer: <the answer>
Confidence: HIGH, MEDIUM or LOW
Evidence: <one or two sentences citing what you found>
Sources:
- <url>

IDENTITY CHECK
Use the identifiers provided to confirm that search results describe the exact company under investigation. If the results describe a different business with a similar name, search again specifically for the exact company. If you still cannot confirm the company's identity, reply negative_result with "Final Answer: %[3]s".

Be efficient. Do not spend searches on information that is unlikely to be found.`

// System returns the protocol instructions for a tool budget.
func System(toolBudget int) string {
	return fmt.Sprintf(systemTemplate, ToolName, toolBudget, NotExactMatch)
}

// Build composes the research prompt for one entity and question. facts maps
// fact keys discovered by earlier questions to their values.
func Build(e model.Entity, q model.Question, facts map[string]string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Company: %s\n", e.Name)
	if fields := e.Identifiers.Fields(); len(fields) > 0 {
		b.WriteString("\nIdentifiers (use these to confirm results describe this exact company):\n")
		for _, f := range fields {
			fmt.Fprintf(&b, "- %s: %s\n", f.Label, f.Value)
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", q.Text)
	writeSection(&b, "Description", q.Description)
	writeSection(&b, "Search guidance", q.SearchGuidance)
	writeSection(&b, "Disqualification rule", q.DisqualificationRule)
	writeSection(&b, "Example of a positive answer", q.ExamplePositive)
	writeSection(&b, "Example of a negative answer", q.ExampleNegative)

	writeFacts(&b, q, facts)

	b.WriteString("\n")
	b.WriteString(formatInstruction(q))
	return b.String()
}

func writeSection(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, value)
}

func writeFacts(b *strings.Builder, q model.Question, facts map[string]string) {
	keys := make([]string, 0, len(facts))
	for k, v := range facts {
		if strings.TrimSpace(v) != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	b.WriteString("\nFacts established by earlier research:\n")
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", humanize(k), facts[k])
	}

	for _, k := range q.UsesFacts {
		v := strings.TrimSpace(facts[k])
		if v == "" {
			continue
		}
		fmt.Fprintf(b, "Cross-reference: this question depends on the %s found earlier (%q). Use it in your searches and confirm your answer refers to it.\n", humanize(k), v)
	}
}

func formatInstruction(q model.Question) string {
	switch q.AnswerFormat() {
	case model.FormatName:
		return "Answer format: give the full personal name (first and last) on the Final Answer line, or \"unknown\" if it cannot be found."
	case model.FormatNumber:
		return "Answer format: give a single number on the Final Answer line (an estimate is acceptable if labeled by your confidence), or \"unknown\" if it cannot be found."
	case model.FormatText:
		return "Answer format: give a short phrase on the Final Answer line, or \"unknown\" if it cannot be found."
	default:
		return fmt.Sprintf("Answer format: the positive answer is %s. Write \"Final Answer: %s\" only if the criterion is met; otherwise write \"Final Answer: %s\".", q.PositiveAnswer, q.PositiveAnswer, model.AnswerNo)
	}
}

// ToolResult formats a search result as the next user turn.
func ToolResult(query, text string, links []string, remaining int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n\n%s\n", query, strings.TrimSpace(text))
	if len(links) > 0 {
		b.WriteString("\nSources:\n")
		for i, l := range links {
			fmt.Fprintf(&b, "%d. %s\n", i+1, l)
		}
	}
	if remaining == 1 {
		b.WriteString("\nYou have 1 search left. The question closes as not found after it, so answer now if you can.")
	} else {
		fmt.Fprintf(&b, "\nYou have %d searches left.", remaining)
	}
	return b.String()
}

// Reparse asks the model to restate a reply that did not follow the protocol.
func Reparse() string {
	return "Your last reply did not follow the reply protocol. Restate it now: the first line must be exactly tool_use, positive_result or negative_result. " +
		"For tool_use include one " + ToolName + "(\"query\") call; for a result include the Final Answer, Confidence, Evidence and Sources lines."
}

func humanize(key string) string {
	return strings.ReplaceAll(strings.TrimSpace(key), "_", " ")
}
