package registry

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/pkg/notion"
)

// StatusActive is the Notion status of questions that take part in runs.
const StatusActive = "Active"

// LoadQuestionRegistry queries the Notion question database for all active
// questions. Malformed pages are logged and skipped.
func LoadQuestionRegistry(ctx context.Context, client notion.Client, dbID string) ([]model.Question, error) {
	pages, err := notion.QueryByStatus(ctx, client, dbID, StatusActive)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load question registry")
	}

	var questions []model.Question
	for _, p := range pages {
		q, err := parseQuestionPage(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed question page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		questions = append(questions, q)
	}

	return questions, nil
}

func parseQuestionPage(p notionapi.Page) (model.Question, error) {
	q := model.Question{
		ID:                   notion.Text(p, "Key"),
		Text:                 notion.Text(p, "Question"),
		PositiveAnswer:       notion.Text(p, "Positive Answer"),
		Disqualifying:        notion.Checkbox(p, "Disqualifying"),
		Format:               model.Format(strings.ToLower(notion.Text(p, "Format"))),
		Description:          notion.Text(p, "Description"),
		SearchGuidance:       notion.Text(p, "Search Guidance"),
		DisqualificationRule: notion.Text(p, "Disqualification Rule"),
		ExamplePositive:      notion.Text(p, "Example Positive"),
		ExampleNegative:      notion.Text(p, "Example Negative"),
		FactKey:              notion.Text(p, "Fact Key"),
		UsesFacts:            notion.MultiSelect(p, "Uses Facts"),
		PromoteTo:            strings.ToLower(notion.Text(p, "Promote To")),
	}
	if q.ID == "" {
		q.ID = string(p.ID)
	}
	if q.PositiveAnswer == "" {
		q.PositiveAnswer = model.PositiveYes
	}
	if rank, ok := notion.Number(p, "Cost Rank"); ok {
		q.CostRank = int(rank)
	}

	if q.Text == "" {
		return q, eris.New("missing Question property")
	}
	if err := q.Validate(); err != nil {
		return q, err
	}
	return q, nil
}
