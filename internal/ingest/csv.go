package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/smartbroker/internal/model"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
}

// StreamCSV reads a CSV entity list with a header row and sends entities to
// a channel. Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan model.Entity, <-chan error) {
	entCh := make(chan model.Entity, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(entCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // allow variable fields

		var cols []string
		rowNum := 0
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if cols == nil {
				record[0] = strings.TrimPrefix(record[0], "\ufeff")
				cols = Columns(record)
				continue
			}
			rowNum++

			e, ok := RowToEntity(cols, record, rowNum)
			if !ok {
				continue
			}
			select {
			case entCh <- e:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return entCh, errCh
}

// ReadCSV collects every entity of a CSV stream.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) ([]model.Entity, error) {
	entCh, errCh := StreamCSV(ctx, r, opts)
	var entities []model.Entity
	for e := range entCh {
		entities = append(entities, e)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return entities, nil
}

func readCSVFile(ctx context.Context, path string) ([]model.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open csv")
	}
	defer f.Close() //nolint:errcheck
	return ReadCSV(ctx, f, CSVOptions{LazyQuotes: true})
}
