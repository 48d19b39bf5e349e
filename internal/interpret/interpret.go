// Package interpret turns a terminal model reply into a structured answer.
// Interpretation is a pure function of the reply text and the question: it
// never fails and falls back to unknown with LOW confidence.
package interpret

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/prompt"
)

// Interpretation is the structured form of a terminal reply.
type Interpretation struct {
	Answer           string
	Confidence       model.Confidence
	Evidence         string
	Sources          []string
	IdentityVerified bool
}

const nameWord = `[\p{Lu}][\p{L}.'-]*`

var (
	finalAnswerPattern = regexp.MustCompile(`(?im)^[\s*#>_-]*final[ \t]+answer[\s*_]*[:\-][\s*_]*(.*)$`)
	confidencePattern  = regexp.MustCompile(`(?i)confidence[\s*_]*[:\-]?[\s*_]*(high|medium|low)\b`)
	bareConfidence     = regexp.MustCompile(`\b(HIGH|MEDIUM)\b`)
	yesPattern         = regexp.MustCompile(`(?i)\byes\b`)
	numberPattern      = regexp.MustCompile(`(?i)[$€£]?\d[\d,]*(?:\.\d+)?(?:[ \t]*(?:thousand|million|billion|k|m|b)\b)?\+?`)
	urlPattern         = regexp.MustCompile(`https?://[^\s)\]>"']+`)
	sectionHeader      = regexp.MustCompile(`(?im)^[\s*#_-]*(evidence|sources?|confidence|final[ \t]+answer)[\s*_]*:[\s*_]*(.*)$`)
	listPrefix         = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b[Tt]he[ \t]+(?:[a-z]+[ \t]+)?(?:owner|founder|co-founder|CEO|president)[ \t]+(?:is|was|appears to be)[ \t]+(` + nameWord + `(?:[ \t]+` + nameWord + `){0,3})`),
		regexp.MustCompile(`(` + nameWord + `(?:[ \t]+` + nameWord + `){0,3})[ \t]+is[ \t]+the[ \t]+(?:current[ \t]+|sole[ \t]+)?(?:owner|founder|co-founder|CEO|president)\b`),
		regexp.MustCompile(`\b[Nn]ame:[ \t]*(` + nameWord + `(?:[ \t]+` + nameWord + `){0,3})`),
		regexp.MustCompile(`\b[Ff]ound:[ \t]*(` + nameWord + `(?:[ \t]+` + nameWord + `){0,3})`),
	}

	nameParticles = map[string]bool{
		"de": true, "da": true, "del": true, "der": true, "di": true, "du": true,
		"la": true, "le": true, "van": true, "von": true, "bin": true, "and": true,
	}
)

// Interpret extracts answer, confidence, evidence and sources from text.
func Interpret(text string, q model.Question) Interpretation {
	out := Interpretation{
		Answer:           model.AnswerUnknown,
		Confidence:       confidence(text),
		Evidence:         section(text, "evidence"),
		Sources:          sources(text),
		IdentityVerified: true,
	}

	if strings.Contains(text, prompt.NotExactMatch) {
		out.IdentityVerified = false
		out.Confidence = model.ConfidenceLow
		return out
	}

	final, hasFinal := finalAnswer(text)
	switch q.AnswerFormat() {
	case model.FormatYesNo:
		out.Answer = yesNo(text, q)
	case model.FormatName:
		out.Answer = name(text, final, hasFinal)
	case model.FormatNumber:
		out.Answer = number(final, hasFinal)
	default:
		if hasFinal && !isToken(final) {
			out.Answer = final
		}
	}

	if out.Answer == model.AnswerUnknown && q.AnswerFormat() != model.FormatYesNo {
		out.Confidence = model.ConfidenceLow
	}
	return out
}

// NotFound is the interpretation recorded when an attempt ended without a
// terminal reply.
func NotFound() Interpretation {
	return Interpretation{
		Answer:           model.AnswerUnknown,
		Confidence:       model.ConfidenceLow,
		IdentityVerified: true,
	}
}

func yesNo(text string, q model.Question) string {
	if yesPattern.MatchString(text) || strings.Contains(strings.ToLower(text), "positive_result") {
		return q.PositiveAnswer
	}
	return model.AnswerNo
}

func name(text, final string, hasFinal bool) string {
	// "Jane Doe (founder)" or "Jane Doe, CEO" keep only the name.
	if i := strings.IndexAny(final, "(,"); i > 0 {
		final = strings.TrimSpace(final[:i])
	}
	if hasFinal && !isToken(final) && looksLikeName(final) {
		return final
	}
	for _, p := range namePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		candidate := strings.TrimRight(m[1], ".")
		if !isToken(candidate) && looksLikeName(candidate) {
			return candidate
		}
	}
	return model.AnswerUnknown
}

func number(final string, hasFinal bool) string {
	if !hasFinal || isToken(final) {
		return model.AnswerUnknown
	}
	if m := numberPattern.FindString(final); m != "" {
		return strings.TrimSpace(m)
	}
	return model.AnswerUnknown
}

// finalAnswer returns the cleaned value of the first "Final Answer:" line.
func finalAnswer(text string) (string, bool) {
	m := finalAnswerPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(m[1])
	v = strings.Trim(v, "*_`\"'")
	v = strings.TrimRight(v, ".")
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func isToken(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "no", "unknown", "n/a", "none", "not found", "unclear":
		return true
	}
	return false
}

// looksLikeName reports whether v is capitalized like a personal name.
func looksLikeName(v string) bool {
	words := strings.Fields(v)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	for i, w := range words {
		if strings.IndexFunc(w, unicode.IsDigit) >= 0 {
			return false
		}
		first := []rune(w)[0]
		if unicode.IsUpper(first) {
			continue
		}
		if i == 0 || i == len(words)-1 || !nameParticles[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

func confidence(text string) model.Confidence {
	if m := confidencePattern.FindStringSubmatch(text); m != nil {
		return model.ParseConfidence(m[1])
	}
	if m := bareConfidence.FindString(text); m != "" {
		return model.ParseConfidence(m)
	}
	return model.ConfidenceLow
}

// section returns the text of a labeled section up to the next label.
func section(text, label string) string {
	lines := strings.Split(text, "\n")
	var body []string
	in := false
	for _, line := range lines {
		if m := sectionHeader.FindStringSubmatch(line); m != nil {
			if in {
				break
			}
			if strings.EqualFold(m[1], label) {
				in = true
				if rest := strings.TrimSpace(m[2]); rest != "" {
					body = append(body, rest)
				}
			}
			continue
		}
		if in {
			body = append(body, line)
		}
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

func sources(text string) []string {
	lines := strings.Split(text, "\n")
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	in := false
	found := false
	for _, line := range lines {
		if m := sectionHeader.FindStringSubmatch(line); m != nil {
			label := strings.ToLower(m[1])
			if in {
				break
			}
			if label == "sources" || label == "source" {
				in, found = true, true
				for _, part := range strings.Split(m[2], ",") {
					add(listPrefix.ReplaceAllString(part, ""))
				}
			}
			continue
		}
		if in {
			if strings.TrimSpace(line) == "" {
				continue
			}
			add(listPrefix.ReplaceAllString(line, ""))
		}
	}
	if found {
		return out
	}
	for _, u := range urlPattern.FindAllString(text, -1) {
		add(strings.TrimRight(u, ".,;"))
	}
	return out
}
