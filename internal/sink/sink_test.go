package sink

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/smartbroker/internal/investigate"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/store"
	"github.com/sells-group/smartbroker/pkg/notion/mocks"
)

type countingSink struct {
	started, attempts, finished int
	err                         error
}

func (c *countingSink) RunStarted(context.Context, model.RunSummary) error {
	c.started++
	return c.err
}

func (c *countingSink) Attempt(context.Context, model.AttemptResult) error {
	c.attempts++
	return c.err
}

func (c *countingSink) RunFinished(context.Context, model.RunSummary) error {
	c.finished++
	return c.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := &countingSink{}
	bad := &countingSink{err: errors.New("boom")}
	m := Multi{ok, bad}
	ctx := context.Background()

	require.Error(t, m.RunStarted(ctx, model.RunSummary{}))
	require.Error(t, m.Attempt(ctx, model.AttemptResult{}))
	require.Error(t, m.RunFinished(ctx, model.RunSummary{}))
	assert.Equal(t, 1, ok.started)
	assert.Equal(t, 1, ok.attempts)
	assert.Equal(t, 1, ok.finished)

	assert.NoError(t, Multi{ok}.Attempt(ctx, model.AttemptResult{}))
}

func TestStoreSink_RoundTrip(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	s := NewStore(st)
	ctx := context.Background()
	run := model.RunSummary{ID: "run-1", Mode: model.ModeColumn, Status: model.RunStatusRunning, QuestionIDs: []string{"q1"}, Entities: 1}

	require.NoError(t, s.RunStarted(ctx, run))
	require.NoError(t, s.Attempt(ctx, model.AttemptResult{RunID: "run-1", EntityID: "e1", QuestionID: "q1", Answer: "YES", Outcome: model.OutcomeAnswered}))
	run.Status = model.RunStatusCompleted
	run.Attempts = 1
	require.NoError(t, s.RunFinished(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	attempts, err := st.ListAttempts(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	err = s.RunFinished(ctx, model.RunSummary{ID: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink: update run")
}

func TestNotionSink_WritesStatusOnTransition(t *testing.T) {
	client := mocks.NewMockClient(t)
	cfg := DefaultNotionConfig()
	s := NewNotion(client, cfg)

	client.On("UpdatePage", mock.Anything, "page-1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		status, ok := req.Properties["Status"].(notionapi.StatusProperty)
		if !ok || status.Status.Name != "Disqualified" {
			return false
		}
		by, ok := req.Properties["Disqualified By"].(notionapi.RichTextProperty)
		if !ok || by.RichText[0].Text.Content != "Is it bootstrapped?" {
			return false
		}
		_, ok = req.Properties["Last Investigated"].(notionapi.DateProperty)
		return ok
	})).Return(&notionapi.Page{}, nil).Once()

	err := s.Attempt(context.Background(), model.AttemptResult{
		NotionPageID: "page-1",
		QuestionID:   "bootstrapped",
		QuestionText: "Is it bootstrapped?",
		Answer:       "NO",
		Outcome:      model.OutcomeAnswered,
		Status:       model.StatusDisqualified,
	})
	require.NoError(t, err)
}

func TestNotionSink_WritesAcceptedAnswers(t *testing.T) {
	client := mocks.NewMockClient(t)
	s := NewNotion(client, DefaultNotionConfig())

	client.On("UpdatePage", mock.Anything, "page-2", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		owner, ok := req.Properties["Owner"].(notionapi.RichTextProperty)
		_, hasStatus := req.Properties["Status"]
		return ok && owner.RichText[0].Text.Content == "Jane Doe" && !hasStatus
	})).Return(&notionapi.Page{}, nil).Once()

	require.NoError(t, s.Attempt(context.Background(), model.AttemptResult{
		NotionPageID: "page-2", QuestionID: "owner_name", Answer: "Jane Doe",
		Outcome: model.OutcomeAnswered, Status: model.StatusInProgress,
	}))
}

func TestNotionSink_Skips(t *testing.T) {
	client := mocks.NewMockClient(t)
	cfg := DefaultNotionConfig()
	cfg.AnswerProperties = map[string]string{"owner_name": "Owner"}
	s := NewNotion(client, cfg)
	ctx := context.Background()

	tests := []struct {
		name string
		res  model.AttemptResult
	}{
		{"no page", model.AttemptResult{Status: model.StatusQualified}},
		{"in progress", model.AttemptResult{NotionPageID: "p", QuestionID: "software", Status: model.StatusInProgress}},
		{"unknown answer", model.AttemptResult{NotionPageID: "p", QuestionID: "owner_name", Answer: model.AnswerUnknown, Outcome: model.OutcomeAnswered, Status: model.StatusInProgress}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, s.Attempt(ctx, tt.res))
		})
	}
	client.AssertNotCalled(t, "UpdatePage", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotionSink_Error(t *testing.T) {
	client := mocks.NewMockClient(t)
	s := NewNotion(client, DefaultNotionConfig())

	client.On("UpdatePage", mock.Anything, "page-3", mock.Anything).Return(nil, errors.New("rate limited")).Once()

	err := s.Attempt(context.Background(), model.AttemptResult{NotionPageID: "page-3", Status: model.StatusQualified})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update notion page page-3")
}

var _ investigate.Sink = (*StoreSink)(nil)
var _ investigate.Sink = (*NotionSink)(nil)
