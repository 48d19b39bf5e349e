package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/registry"
	"github.com/sells-group/smartbroker/pkg/notion"
)

// NotionConfig names the lead-page properties the sink writes.
type NotionConfig struct {
	StatusProperty         string
	DisqualifiedByProperty string
	InvestigatedProperty   string
	// AnswerProperties maps question IDs to rich_text properties that
	// receive accepted answers (for example owner_name -> "Owner").
	AnswerProperties map[string]string
	// StatusNames maps entity statuses to Notion status option names.
	StatusNames map[model.Status]string
}

// DefaultNotionConfig returns the lead database layout.
func DefaultNotionConfig() NotionConfig {
	return NotionConfig{
		StatusProperty:         "Status",
		DisqualifiedByProperty: "Disqualified By",
		InvestigatedProperty:   "Last Investigated",
		AnswerProperties: map[string]string{
			registry.FactOwnerName: "Owner",
		},
		StatusNames: map[model.Status]string{
			model.StatusDisqualified: "Disqualified",
			model.StatusQualified:    "Qualified",
		},
	}
}

// NotionSink writes entity status and selected answers back to lead pages.
// Attempts on entities without a Notion page are ignored.
type NotionSink struct {
	client notion.Client
	cfg    NotionConfig
}

// NewNotion creates a Notion sink.
func NewNotion(client notion.Client, cfg NotionConfig) *NotionSink {
	return &NotionSink{client: client, cfg: cfg}
}

func (s *NotionSink) RunStarted(context.Context, model.RunSummary) error { return nil }

func (s *NotionSink) RunFinished(context.Context, model.RunSummary) error { return nil }

func (s *NotionSink) Attempt(ctx context.Context, res model.AttemptResult) error {
	if res.NotionPageID == "" {
		return nil
	}

	props := notionapi.Properties{}
	if prop, ok := s.cfg.AnswerProperties[res.QuestionID]; ok && res.Outcome == model.OutcomeAnswered && res.Answer != model.AnswerUnknown {
		props[prop] = notionapi.RichTextProperty{
			RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: res.Answer}}},
		}
	}
	if name, ok := s.cfg.StatusNames[res.Status]; ok && s.cfg.StatusProperty != "" {
		props[s.cfg.StatusProperty] = notionapi.StatusProperty{
			Status: notionapi.Status{Name: name},
		}
		if res.Status == model.StatusDisqualified && s.cfg.DisqualifiedByProperty != "" {
			props[s.cfg.DisqualifiedByProperty] = notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: res.QuestionText}}},
			}
		}
		if s.cfg.InvestigatedProperty != "" {
			now := notionapi.Date(time.Now())
			props[s.cfg.InvestigatedProperty] = notionapi.DateProperty{
				Date: &notionapi.DateObject{Start: &now},
			}
		}
	}
	if len(props) == 0 {
		return nil
	}

	if _, err := s.client.UpdatePage(ctx, res.NotionPageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sink: update notion page %s", res.NotionPageID))
	}
	zap.L().Debug("sink: notion page updated",
		zap.String("page_id", res.NotionPageID),
		zap.String("entity", res.EntityName),
		zap.String("status", string(res.Status)),
	)
	return nil
}
