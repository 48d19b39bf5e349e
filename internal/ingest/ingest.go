// Package ingest reads entity lists from CSV, XLSX and JSON files.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/smartbroker/internal/model"
)

// Column keys recognised in tabular entity files besides the identifier
// fields.
const (
	ColumnID     = "id"
	ColumnName   = "name"
	ColumnNotion = "notion_page_id"
)

// headerAliases maps folded header text to a column key.
var headerAliases = map[string]string{
	"id":              ColumnID,
	"entity id":       ColumnID,
	"name":            ColumnName,
	"company":         ColumnName,
	"company name":    ColumnName,
	"business":        ColumnName,
	"location":        model.IdentLocation,
	"city":            model.IdentLocation,
	"address":         model.IdentLocation,
	"domain":          model.IdentDomain,
	"website":         model.IdentDomain,
	"url":             model.IdentDomain,
	"person":          model.IdentPerson,
	"owner":           model.IdentPerson,
	"contact":         model.IdentPerson,
	"size":            model.IdentSize,
	"employees":       model.IdentSize,
	"revenue":         model.IdentRevenue,
	"linkedin":        model.IdentLinkedIn,
	"linkedin url":    model.IdentLinkedIn,
	"notes":           model.IdentNotes,
	"additional info": model.IdentNotes,
	"notion page id":  ColumnNotion,
	"notion_page_id":  ColumnNotion,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadEntities reads an entity list, choosing the parser from the file
// extension (.csv, .xlsx or .json). Rows without a name are skipped; rows
// without an ID get their 1-based row number.
func LoadEntities(ctx context.Context, path string) ([]model.Entity, error) {
	var (
		entities []model.Entity
		err      error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		entities, err = readCSVFile(ctx, path)
	case ".xlsx":
		entities, err = readXLSXFile(ctx, path)
	case ".json":
		entities, err = readJSONFile(path)
	default:
		return nil, eris.Errorf("ingest: unsupported entity file type %q", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := Validate(entities); err != nil {
		return nil, eris.Wrapf(err, "ingest: %s", path)
	}
	zap.L().Info("ingest: loaded entities",
		zap.String("path", path),
		zap.Int("count", len(entities)),
	)
	return entities, nil
}

// Validate checks required fields and rejects duplicate IDs.
func Validate(entities []model.Entity) error {
	if len(entities) == 0 {
		return eris.New("ingest: no entities")
	}
	seen := make(map[string]bool, len(entities))
	for i, e := range entities {
		if err := validate.Struct(e); err != nil {
			return eris.Wrapf(err, "ingest: invalid entity at position %d", i+1)
		}
		if seen[e.ID] {
			return eris.Errorf("ingest: duplicate entity id %q", e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}

// Columns maps a header row to column keys by position. Unrecognised
// headers map to "".
func Columns(header []string) []string {
	// A cases.Caser carries state, so each call folds with its own.
	fold := cases.Fold()
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = headerAliases[fold.String(strings.TrimSpace(h))]
	}
	return cols
}

// RowToEntity builds an entity from one data row. rowNum is used as the ID
// when the row has none. ok is false for rows without a name.
func RowToEntity(cols, row []string, rowNum int) (model.Entity, bool) {
	var e model.Entity
	for i, key := range cols {
		if key == "" || i >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[i])
		switch key {
		case ColumnID:
			e.ID = v
		case ColumnName:
			e.Name = v
		case ColumnNotion:
			e.NotionPageID = v
		default:
			e.Identifiers.Enrich(key, v)
		}
	}
	if e.Name == "" {
		return e, false
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("%d", rowNum)
	}
	return e, true
}

func readJSONFile(path string) ([]model.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read json")
	}
	var entities []model.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, eris.Wrap(err, "ingest: unmarshal json entities")
	}
	for i := range entities {
		if entities[i].ID == "" {
			entities[i].ID = fmt.Sprintf("%d", i+1)
		}
	}
	return entities, nil
}
