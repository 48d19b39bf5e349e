package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/smartbroker/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_CreateRunDuplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, testRun("dup")))
	err := st.CreateRun(ctx, testRun("dup"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run dup")
}

func TestSQLite_NilQuestionIDs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := testRun("cell")
	run.Mode = model.ModeCell
	run.QuestionIDs = nil
	require.NoError(t, st.CreateRun(ctx, run))

	got, err := st.GetRun(ctx, "cell")
	require.NoError(t, err)
	assert.Empty(t, got.QuestionIDs)
	assert.Equal(t, model.ModeCell, got.Mode)
}

func TestSQLite_ListRunsOffset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, st.CreateRun(ctx, testRun(id)))
	}

	page, err := st.ListRuns(ctx, RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestSQLite_ConcurrentAttempts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, testRun("conc")))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- st.SaveAttempt(ctx, model.AttemptResult{
				RunID:      "conc",
				EntityID:   "e",
				QuestionID: string(rune('a' + i)),
				Answer:     "NO",
				Outcome:    model.OutcomeAnswered,
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := st.ListAttempts(ctx, "conc")
	require.NoError(t, err)
	assert.Len(t, got, 20)
	assert.False(t, got[0].CompletedAt.IsZero())
}
