// Package model defines the entities, questions and results that flow
// through an investigation run.
package model

import "strings"

// Identifier field names. They double as PromoteTo targets on questions and
// as column keys in entity files.
const (
	IdentLocation = "location"
	IdentDomain   = "domain"
	IdentPerson   = "person"
	IdentSize     = "size"
	IdentRevenue  = "revenue"
	IdentLinkedIn = "linkedin"
	IdentNotes    = "notes"
)

// identifierOrder is the order identifiers are rendered in prompts.
var identifierOrder = []string{
	IdentLocation, IdentDomain, IdentPerson, IdentSize, IdentRevenue, IdentLinkedIn, IdentNotes,
}

var identifierLabels = map[string]string{
	IdentLocation: "Location",
	IdentDomain:   "Website",
	IdentPerson:   "Known associated person",
	IdentSize:     "Approximate size",
	IdentRevenue:  "Approximate revenue",
	IdentLinkedIn: "LinkedIn",
	IdentNotes:    "Additional information",
}

// Entity is one business under investigation.
type Entity struct {
	ID           string      `json:"id" validate:"required"`
	Name         string      `json:"name" validate:"required"`
	Identifiers  Identifiers `json:"identifiers"`
	NotionPageID string      `json:"notion_page_id,omitempty"`
}

// Identifiers are the facts used to confirm that research results describe
// the right business. They are additive: once set, a field is never
// overwritten or cleared during a run.
type Identifiers struct {
	Location string `json:"location,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Person   string `json:"person,omitempty"`
	Size     string `json:"size,omitempty"`
	Revenue  string `json:"revenue,omitempty"`
	LinkedIn string `json:"linkedin,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// IdentifierField is one non-empty identifier with its display label.
type IdentifierField struct {
	Name  string
	Label string
	Value string
}

// IsIdentifier reports whether name is a known identifier field.
func IsIdentifier(name string) bool {
	_, ok := identifierLabels[name]
	return ok
}

// Get returns the value of the named identifier field.
func (i Identifiers) Get(name string) string {
	if p := i.field(name); p != nil {
		return *p
	}
	return ""
}

// Enrich fills the named field when it is empty. A value for an
// already-populated field is refused so earlier identifiers are never lost.
// Returns true when the field was set.
func (i *Identifiers) Enrich(name, value string) bool {
	value = strings.TrimSpace(value)
	p := i.field(name)
	if p == nil || value == "" || *p != "" {
		return false
	}
	*p = value
	return true
}

// Fields returns the non-empty identifiers in prompt order.
func (i Identifiers) Fields() []IdentifierField {
	var out []IdentifierField
	for _, name := range identifierOrder {
		if v := strings.TrimSpace(i.Get(name)); v != "" {
			out = append(out, IdentifierField{Name: name, Label: identifierLabels[name], Value: v})
		}
	}
	return out
}

func (i *Identifiers) field(name string) *string {
	switch name {
	case IdentLocation:
		return &i.Location
	case IdentDomain:
		return &i.Domain
	case IdentPerson:
		return &i.Person
	case IdentSize:
		return &i.Size
	case IdentRevenue:
		return &i.Revenue
	case IdentLinkedIn:
		return &i.LinkedIn
	case IdentNotes:
		return &i.Notes
	default:
		return nil
	}
}
