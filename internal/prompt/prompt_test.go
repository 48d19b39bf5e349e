package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/smartbroker/internal/model"
)

func testEntity() model.Entity {
	return model.Entity{
		ID:   "e1",
		Name: "Acme Dental Software",
		Identifiers: model.Identifiers{
			Location: "Boise, ID",
			Domain:   "acmedental.example",
		},
	}
}

func TestBuild_IncludesIdentifiersAndGuidance(t *testing.T) {
	q := model.Question{
		ID:                   "vc",
		Text:                 "Is the company bootstrapped with no venture capital?",
		PositiveAnswer:       model.PositiveYes,
		Description:          "Funding history",
		SearchGuidance:       "Check Crunchbase and press releases",
		DisqualificationRule: "Any institutional VC round disqualifies",
		ExamplePositive:      "Founded 1998, self-funded",
		ExampleNegative:      "Raised a $10M Series A",
	}

	got := Build(testEntity(), q, nil)

	for _, want := range []string{
		"Company: Acme Dental Software",
		"- Location: Boise, ID",
		"- Website: acmedental.example",
		"Question: Is the company bootstrapped with no venture capital?",
		"Description: Funding history",
		"Search guidance: Check Crunchbase and press releases",
		"Disqualification rule: Any institutional VC round disqualifies",
		"Example of a positive answer: Founded 1998, self-funded",
		"Example of a negative answer: Raised a $10M Series A",
		`"Final Answer: YES"`,
		`"Final Answer: NO"`,
	} {
		assert.Contains(t, got, want)
	}
	assert.NotContains(t, got, "Known associated person", "empty identifiers are omitted")
	assert.NotContains(t, got, "Facts established")
}

func TestBuild_OmitsMissingOptionalFields(t *testing.T) {
	q := model.Question{ID: "q", Text: "Is it software?", PositiveAnswer: model.PositiveYes}
	got := Build(model.Entity{ID: "e", Name: "Bare Co"}, q, map[string]string{"empty": "  "})

	assert.NotContains(t, got, "Identifiers")
	assert.NotContains(t, got, "Description:")
	assert.NotContains(t, got, "Search guidance:")
	assert.NotContains(t, got, "Facts established")
}

func TestBuild_FreeFormInstructions(t *testing.T) {
	tests := []struct {
		format model.Format
		want   string
	}{
		{model.FormatName, "full personal name"},
		{model.FormatNumber, "single number"},
		{model.FormatText, "short phrase"},
		{"", "short phrase"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			q := model.Question{ID: "q", Text: "Who owns it?", PositiveAnswer: model.FreeForm, Format: tt.format}
			got := Build(testEntity(), q, nil)
			assert.Contains(t, got, tt.want)
			assert.NotContains(t, got, "the positive answer is")
		})
	}
}

func TestBuild_CrossReferencesFacts(t *testing.T) {
	q := model.Question{
		ID:             "owner_age",
		Text:           "Are the owners 50 or older?",
		PositiveAnswer: model.PositiveYes,
		UsesFacts:      []string{"owner_name", "missing_fact"},
	}
	facts := map[string]string{"owner_name": "Jane Doe", "employee_count": "12"}

	got := Build(testEntity(), q, facts)

	assert.Contains(t, got, "- employee count: 12")
	assert.Contains(t, got, "- owner name: Jane Doe")
	assert.Contains(t, got, `Cross-reference: this question depends on the owner name found earlier ("Jane Doe")`)
	assert.NotContains(t, got, "missing fact")
	assert.Less(t, strings.Index(got, "employee count"), strings.Index(got, "owner name"), "facts are sorted")
}

func TestBuild_Deterministic(t *testing.T) {
	q := model.Question{ID: "q", Text: "Q?", PositiveAnswer: model.PositiveYes, UsesFacts: []string{"b", "a"}}
	facts := map[string]string{"a": "1", "b": "2", "c": "3"}
	first := Build(testEntity(), q, facts)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Build(testEntity(), q, facts))
	}
}

func TestSystem(t *testing.T) {
	got := System(3)
	assert.Contains(t, got, "tool_use\npositive_result\nnegative_result")
	assert.Contains(t, got, `search_web("your search query")`)
	assert.Contains(t, got, "at most 3 times")
	assert.Contains(t, got, "NOT_EXACT_MATCH")
}

func TestToolResult(t *testing.T) {
	got := ToolResult("acme owner", "  Jane Doe founded Acme.  ", []string{"https://a.example", "https://b.example"}, 2)
	assert.Equal(t, "Search results for \"acme owner\":\n\nJane Doe founded Acme.\n\nSources:\n1. https://a.example\n2. https://b.example\n\nYou have 2 searches left.", got)

	last := ToolResult("q", "t", nil, 1)
	assert.Contains(t, last, "You have 1 search left.")
	assert.Contains(t, last, "answer now")
	assert.NotContains(t, last, "Sources:")
}

func TestReparse(t *testing.T) {
	assert.Contains(t, Reparse(), "tool_use, positive_result or negative_result")
	assert.Contains(t, Reparse(), "search_web(")
}
