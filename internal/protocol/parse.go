// Package protocol drives the bounded tool-use conversation with the LLM for
// a single (entity, question) attempt.
package protocol

import (
	"regexp"
	"strings"

	"github.com/sells-group/smartbroker/internal/prompt"
)

// Response-type tags accepted on the first line of a reply.
const (
	TagToolUse        = "tool_use"
	TagPositiveResult = "positive_result"
	TagNegativeResult = "negative_result"
)

// Reply is the parsed form of one model reply: exactly one of ToolCall,
// PositiveResult, NegativeResult or Unparseable.
type Reply interface {
	reply()
}

// ToolCall requests one search.
type ToolCall struct {
	Tool  string
	Query string
}

// PositiveResult is a terminal reply tagged positive_result. Text is the
// whole reply.
type PositiveResult struct {
	Text string
}

// NegativeResult is a terminal reply tagged negative_result. Text is the
// whole reply.
type NegativeResult struct {
	Text string
}

// Unparseable is a reply with neither a valid tag nor a tool call.
type Unparseable struct {
	Reason string
}

func (ToolCall) reply()       {}
func (PositiveResult) reply() {}
func (NegativeResult) reply() {}
func (Unparseable) reply()    {}

var (
	callPattern = regexp.MustCompile(`(?is)\b` + prompt.ToolName + `\s*\(\s*(?:query\s*=\s*)?(?:"([^"]+)"|'([^']+)')\s*\)`)
	linePattern = regexp.MustCompile(`(?im)^\s*` + prompt.ToolName + `\s*:\s*(.+?)\s*$`)
	tagTrim     = strings.NewReplacer("*", " ", "`", " ", "#", " ", "[", " ", "]", " ", ":", " ", ".", " ", ",", " ", ";", " ", "-", " ")
)

// Parse classifies a model reply. It never fails; malformed input yields
// Unparseable.
func Parse(text string) Reply {
	text = strings.TrimSpace(text)
	if text == "" {
		return Unparseable{Reason: "empty reply"}
	}

	tag := firstLineTag(text)
	query, hasCall := extractQuery(text)

	switch tag {
	case TagPositiveResult:
		return PositiveResult{Text: text}
	case TagNegativeResult:
		return NegativeResult{Text: text}
	case TagToolUse:
		if !hasCall {
			return Unparseable{Reason: "tool_use reply without a " + prompt.ToolName + " call"}
		}
	}

	if hasCall {
		return ToolCall{Tool: prompt.ToolName, Query: query}
	}
	return Unparseable{Reason: "missing response tag"}
}

func firstLineTag(text string) string {
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(tagTrim.Replace(line))
		if len(fields) == 0 {
			continue
		}
		return strings.ToLower(fields[0])
	}
	return ""
}

func extractQuery(text string) (string, bool) {
	if m := callPattern.FindStringSubmatch(text); m != nil {
		q := m[1]
		if q == "" {
			q = m[2]
		}
		if q = strings.TrimSpace(q); q != "" {
			return q, true
		}
	}
	if m := linePattern.FindStringSubmatch(text); m != nil {
		q := strings.Trim(strings.TrimSpace(m[1]), `"'`)
		if q != "" {
			return q, true
		}
	}
	return "", false
}
