package registry

import (
	"context"
	"strconv"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/pkg/notion"
)

// LeadFields maps identifier fields to lead database property names.
var LeadFields = map[string]string{
	model.IdentLocation: "Location",
	model.IdentDomain:   "Website",
	model.IdentPerson:   "Owner",
	model.IdentSize:     "Employees",
	model.IdentRevenue:  "Revenue",
	model.IdentLinkedIn: "LinkedIn",
	model.IdentNotes:    "Notes",
}

// LoadLeads queries the Notion lead database for pages in the given status
// and returns them as entities in database order. The page ID is both the
// entity ID and the page written back by the Notion sink.
func LoadLeads(ctx context.Context, client notion.Client, dbID, status string) ([]model.Entity, error) {
	pages, err := notion.QueryByStatus(ctx, client, dbID, status)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load leads")
	}

	entities := make([]model.Entity, 0, len(pages))
	for _, p := range pages {
		e, err := parseLeadPage(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed lead page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		entities = append(entities, e)
	}

	zap.L().Info("registry: loaded leads",
		zap.String("status", status),
		zap.Int("count", len(entities)),
	)
	return entities, nil
}

func parseLeadPage(p notionapi.Page) (model.Entity, error) {
	e := model.Entity{
		ID:           string(p.ID),
		Name:         notion.Text(p, "Name"),
		NotionPageID: string(p.ID),
	}
	for field, prop := range LeadFields {
		e.Identifiers.Enrich(field, notion.Text(p, prop))
	}
	if n, ok := notion.Number(p, LeadFields[model.IdentSize]); ok && e.Identifiers.Size == "" && n > 0 {
		e.Identifiers.Enrich(model.IdentSize, formatCount(n))
	}

	if e.Name == "" {
		return e, eris.New("missing Name property")
	}
	return e, nil
}

func formatCount(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64) + " employees"
}
