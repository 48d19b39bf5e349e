// Package sink persists and publishes the results of investigation runs.
package sink

import (
	"context"

	"go.uber.org/multierr"

	"github.com/sells-group/smartbroker/internal/investigate"
	"github.com/sells-group/smartbroker/internal/model"
)

var _ investigate.Sink = (Multi)(nil)

// Multi fans every call out to each sink and joins their errors.
type Multi []investigate.Sink

func (m Multi) RunStarted(ctx context.Context, run model.RunSummary) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.RunStarted(ctx, run))
	}
	return err
}

func (m Multi) Attempt(ctx context.Context, res model.AttemptResult) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Attempt(ctx, res))
	}
	return err
}

func (m Multi) RunFinished(ctx context.Context, run model.RunSummary) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.RunFinished(ctx, run))
	}
	return err
}
