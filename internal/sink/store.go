package sink

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/store"
)

// StoreSink persists run headers and attempts.
type StoreSink struct {
	store store.Store
}

// NewStore creates a sink over a store.
func NewStore(s store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) RunStarted(ctx context.Context, run model.RunSummary) error {
	return eris.Wrap(s.store.CreateRun(ctx, run), "sink: create run")
}

func (s *StoreSink) Attempt(ctx context.Context, res model.AttemptResult) error {
	return eris.Wrap(s.store.SaveAttempt(ctx, res), "sink: save attempt")
}

func (s *StoreSink) RunFinished(ctx context.Context, run model.RunSummary) error {
	return eris.Wrap(s.store.UpdateRun(ctx, run), "sink: update run")
}
