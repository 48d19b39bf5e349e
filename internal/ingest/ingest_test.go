package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/smartbroker/internal/model"
)

const leadsCSV = "\ufeffCompany Name,Website,City,Owner,Employees,Notes,Unused\n" +
	"Acme Software,acme.example,\"Austin, TX\",Jane Doe,25,family owned,x\n" +
	",,,,,,\n" +
	"Beta Systems,beta.example,Denver,,,,\n"

func TestColumns(t *testing.T) {
	cols := Columns([]string{"ID", " Company ", "WEBSITE", "LinkedIn URL", "Notion Page ID", "Favorite Color"})
	assert.Equal(t, []string{ColumnID, ColumnName, model.IdentDomain, model.IdentLinkedIn, ColumnNotion, ""}, cols)
}

func TestColumns_Concurrent(t *testing.T) {
	header := []string{"Company Name", "WEBSITE", "Straße", "Notes"}
	want := Columns(header)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.Equal(t, want, Columns(header))
			}
		}()
	}
	wg.Wait()
}

func TestRowToEntity(t *testing.T) {
	cols := []string{ColumnID, ColumnName, model.IdentLocation, ""}

	e, ok := RowToEntity(cols, []string{"", " Acme ", "Austin, TX", "ignored"}, 7)
	require.True(t, ok)
	assert.Equal(t, "7", e.ID)
	assert.Equal(t, "Acme", e.Name)
	assert.Equal(t, "Austin, TX", e.Identifiers.Location)

	e, ok = RowToEntity(cols, []string{"lead-1", "Beta"}, 8)
	require.True(t, ok)
	assert.Equal(t, "lead-1", e.ID)
	assert.Empty(t, e.Identifiers.Location, "short rows leave missing columns empty")

	_, ok = RowToEntity(cols, []string{"lead-2", ""}, 9)
	assert.False(t, ok)
}

func TestReadCSV(t *testing.T) {
	entities, err := ReadCSV(context.Background(), strings.NewReader(leadsCSV), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, entities, 2)

	acme := entities[0]
	assert.Equal(t, "1", acme.ID)
	assert.Equal(t, "Acme Software", acme.Name)
	assert.Equal(t, model.Identifiers{
		Location: "Austin, TX",
		Domain:   "acme.example",
		Person:   "Jane Doe",
		Size:     "25",
		Notes:    "family owned",
	}, acme.Identifiers)

	assert.Equal(t, "3", entities[1].ID, "row numbers count skipped rows")
}

func TestReadCSV_Delimiter(t *testing.T) {
	in := "name;domain\nAcme;acme.example\n"
	entities, err := ReadCSV(context.Background(), strings.NewReader(in), CSVOptions{Delimiter: ';'})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "acme.example", entities[0].Identifiers.Domain)
}

func TestReadCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadCSV(ctx, strings.NewReader(leadsCSV), CSVOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func testWorkbook(t *testing.T) *xlsx.File {
	t.Helper()
	f := xlsx.NewFile()
	_, err := f.AddSheet("Notes")
	require.NoError(t, err)
	sheet, err := f.AddSheet("Leads")
	require.NoError(t, err)
	for _, values := range [][]string{
		{"ID", "Name", "Website", "Revenue"},
		{"a", "Acme Software", "acme.example", "$2M"},
		{"b", "Beta Systems", "", ""},
	} {
		row := sheet.AddRow()
		for _, v := range values {
			row.AddCell().SetString(v)
		}
	}
	return f
}

func TestReadXLSX(t *testing.T) {
	f := testWorkbook(t)

	entities, err := ReadXLSX(context.Background(), f, XLSXOptions{SheetName: "Leads"})
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "a", entities[0].ID)
	assert.Equal(t, "$2M", entities[0].Identifiers.Revenue)
	assert.Equal(t, "Beta Systems", entities[1].Name)

	byIndex, err := ReadXLSX(context.Background(), f, XLSXOptions{SheetIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, entities, byIndex)

	empty, err := ReadXLSX(context.Background(), f, XLSXOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ReadXLSX(context.Background(), f, XLSXOptions{SheetName: "Missing"})
	assert.Error(t, err)
	_, err = ReadXLSX(context.Background(), f, XLSXOptions{SheetIndex: 5})
	assert.Error(t, err)
}

func TestLoadEntities(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	csvPath := filepath.Join(dir, "leads.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(leadsCSV), 0o644))
	entities, err := LoadEntities(ctx, csvPath)
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	jsonPath := filepath.Join(dir, "leads.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[
		{"name": "Acme", "identifiers": {"domain": "acme.example"}},
		{"id": "b", "name": "Beta", "notion_page_id": "page-b"}
	]`), 0o644))
	entities, err = LoadEntities(ctx, jsonPath)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "1", entities[0].ID)
	assert.Equal(t, "page-b", entities[1].NotionPageID)

	xlsxPath := filepath.Join(dir, "leads.xlsx")
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Leads")
	require.NoError(t, err)
	for _, values := range [][]string{{"Name"}, {"Acme"}} {
		row := sheet.AddRow()
		for _, v := range values {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(xlsxPath))
	entities, err = LoadEntities(ctx, xlsxPath)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Acme", entities[0].Name)
}

func TestLoadEntities_Errors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported", "leads.txt", "Acme"},
		{"header only", "leads.csv", "name,website\n"},
		{"duplicate ids", "leads.csv", "id,name\na,Acme\na,Beta\n"},
		{"bad json", "leads.json", "{"},
		{"missing name", "leads.json", `[{"id": "a"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+"-"+tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadEntities(ctx, path)
			assert.Error(t, err)
		})
	}

	_, err := LoadEntities(ctx, filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}
