package registry

import (
	"context"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	notionmocks "github.com/sells-group/smartbroker/pkg/notion/mocks"
)

func makeLeadPage(id, name string, props notionapi.Properties) notionapi.Page {
	if props == nil {
		props = notionapi.Properties{}
	}
	props["Name"] = &notionapi.TitleProperty{
		Type:  notionapi.PropertyTypeTitle,
		Title: []notionapi.RichText{{PlainText: name}},
	}
	return notionapi.Page{ID: notionapi.ObjectID(id), Properties: props}
}

func TestLoadLeads(t *testing.T) {
	mc := notionmocks.NewMockClient(t)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "lead-db", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		f, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && f.Status != nil && f.Status.Equals == "New"
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{
			makeLeadPage("page-1", "Acme Software", notionapi.Properties{
				"Website":   &notionapi.URLProperty{Type: notionapi.PropertyTypeURL, URL: "https://acme.example"},
				"Location":  richText("Austin, TX"),
				"Employees": &notionapi.NumberProperty{Type: notionapi.PropertyTypeNumber, Number: 25},
				"Notes":     richText(" family owned "),
			}),
			makeLeadPage("page-2", "", nil),
			makeLeadPage("page-3", "Beta Systems", nil),
		},
	}, nil).Once()

	leads, err := LoadLeads(ctx, mc, "lead-db", "New")
	require.NoError(t, err)
	require.Len(t, leads, 2)

	acme := leads[0]
	assert.Equal(t, "page-1", acme.ID)
	assert.Equal(t, "page-1", acme.NotionPageID)
	assert.Equal(t, "Acme Software", acme.Name)
	assert.Equal(t, "https://acme.example", acme.Identifiers.Domain)
	assert.Equal(t, "Austin, TX", acme.Identifiers.Location)
	assert.Equal(t, "25 employees", acme.Identifiers.Size)
	assert.Equal(t, "family owned", acme.Identifiers.Notes)

	assert.Equal(t, "Beta Systems", leads[1].Name)
	assert.Empty(t, leads[1].Identifiers.Fields())
}

func TestLoadLeads_QueryError(t *testing.T) {
	mc := notionmocks.NewMockClient(t)
	mc.On("QueryDatabase", mock.Anything, "lead-db", mock.Anything).Return(nil, assert.AnError).Once()

	leads, err := LoadLeads(context.Background(), mc, "lead-db", "New")
	require.Error(t, err)
	assert.Nil(t, leads)
}
