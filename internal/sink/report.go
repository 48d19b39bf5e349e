package sink

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/smartbroker/internal/investigate"
	"github.com/sells-group/smartbroker/internal/model"
)

// Report is the result table of one run.
type Report struct {
	Run       model.RunSummary `json:"run"`
	Questions []ReportQuestion `json:"questions"`
	Rows      []ReportRow      `json:"rows"`
}

// ReportQuestion is a column of the result table.
type ReportQuestion struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
}

// ReportRow is one entity's line of the result table.
type ReportRow struct {
	EntityID       string                  `json:"entity_id"`
	EntityName     string                  `json:"entity_name"`
	Status         model.Status            `json:"status"`
	DisqualifiedBy string                  `json:"disqualified_by,omitempty"`
	Answers        map[string]ReportAnswer `json:"answers"`
}

// ReportAnswer is one cell of the result table.
type ReportAnswer struct {
	Value      string           `json:"value"`
	Confidence model.Confidence `json:"confidence"`
	Outcome    model.Outcome    `json:"outcome"`
	Evidence   string           `json:"evidence,omitempty"`
	Sources    []string         `json:"sources,omitempty"`
	ToolCalls  int              `json:"tool_calls"`
	Error      string           `json:"error,omitempty"`
}

// ReportFromSnapshot builds a report from an in-memory run.
func ReportFromSnapshot(snap investigate.Snapshot) Report {
	r := Report{Run: snap.Summary}
	for _, q := range snap.Questions {
		r.Questions = append(r.Questions, ReportQuestion{ID: q.ID, Text: q.Text})
	}
	for i, rec := range snap.Records {
		row := ReportRow{
			EntityID:       rec.EntityID,
			EntityName:     snap.Entities[i].Name,
			Status:         rec.Status,
			DisqualifiedBy: rec.DisqualifiedBy,
			Answers:        make(map[string]ReportAnswer, len(rec.Answers)),
		}
		for _, a := range rec.Answers {
			row.Answers[a.QuestionID] = ReportAnswer{
				Value:      a.Value,
				Confidence: a.Confidence,
				Outcome:    a.Outcome,
				Evidence:   a.Evidence,
				Sources:    a.Sources,
				ToolCalls:  a.ToolCalls,
				Error:      a.Error,
			}
		}
		r.Rows = append(r.Rows, row)
	}
	return r
}

// ReportFromAttempts rebuilds a report from persisted attempts. Rows follow
// first appearance; a later attempt on the same cell replaces an earlier one
// and the latest attempt sets the entity's status.
func ReportFromAttempts(run model.RunSummary, attempts []model.AttemptResult) Report {
	r := Report{Run: run}
	seenQ := map[string]bool{}
	for _, id := range run.QuestionIDs {
		seenQ[id] = true
		r.Questions = append(r.Questions, ReportQuestion{ID: id})
	}

	rows := map[string]int{}
	for _, a := range attempts {
		if !seenQ[a.QuestionID] {
			seenQ[a.QuestionID] = true
			r.Questions = append(r.Questions, ReportQuestion{ID: a.QuestionID, Text: a.QuestionText})
		}
		for i := range r.Questions {
			if r.Questions[i].ID == a.QuestionID && r.Questions[i].Text == "" {
				r.Questions[i].Text = a.QuestionText
			}
		}

		i, ok := rows[a.EntityID]
		if !ok {
			i = len(r.Rows)
			rows[a.EntityID] = i
			r.Rows = append(r.Rows, ReportRow{
				EntityID:   a.EntityID,
				EntityName: a.EntityName,
				Answers:    map[string]ReportAnswer{},
			})
		}
		row := &r.Rows[i]
		row.Status = a.Status
		if a.Status == model.StatusDisqualified && row.DisqualifiedBy == "" {
			row.DisqualifiedBy = a.QuestionID
		}
		row.Answers[a.QuestionID] = ReportAnswer{
			Value:      a.Answer,
			Confidence: a.Confidence,
			Outcome:    a.Outcome,
			Evidence:   a.Evidence,
			Sources:    a.Sources,
			ToolCalls:  a.ToolCallCount,
			Error:      a.Error,
		}
	}
	return r
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(r), "sink: encode json report")
}

// WriteXLSX writes a workbook with a "Results" sheet (one row per entity,
// answer and confidence per question) and an "Evidence" sheet (one row per
// answered cell).
func WriteXLSX(w io.Writer, r Report) error {
	f := xlsx.NewFile()

	results, err := f.AddSheet("Results")
	if err != nil {
		return eris.Wrap(err, "sink: add results sheet")
	}
	header := []string{"Entity ID", "Entity", "Status", "Disqualified By"}
	for _, q := range r.Questions {
		header = append(header, q.ID, q.ID+" confidence")
	}
	addRow(results, header...)

	for _, row := range r.Rows {
		cells := []string{row.EntityID, row.EntityName, string(row.Status), row.DisqualifiedBy}
		for _, q := range r.Questions {
			a, ok := row.Answers[q.ID]
			if !ok {
				cells = append(cells, "", "")
				continue
			}
			cells = append(cells, a.Value, string(a.Confidence))
		}
		addRow(results, cells...)
	}

	evidence, err := f.AddSheet("Evidence")
	if err != nil {
		return eris.Wrap(err, "sink: add evidence sheet")
	}
	addRow(evidence, "Entity", "Question", "Answer", "Confidence", "Outcome", "Tool Calls", "Evidence", "Sources", "Error")
	for _, row := range r.Rows {
		for _, q := range r.Questions {
			a, ok := row.Answers[q.ID]
			if !ok {
				continue
			}
			xr := evidence.AddRow()
			for _, v := range []string{row.EntityName, q.ID, a.Value, string(a.Confidence), string(a.Outcome)} {
				xr.AddCell().SetString(v)
			}
			xr.AddCell().SetInt(a.ToolCalls)
			for _, v := range []string{a.Evidence, strings.Join(a.Sources, "\n"), a.Error} {
				xr.AddCell().SetString(v)
			}
		}
	}

	return eris.Wrap(f.Write(w), "sink: write xlsx report")
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
