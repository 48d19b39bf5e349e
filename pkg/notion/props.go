package notion

import (
	"strings"

	"github.com/jomei/notionapi"
)

// PlainText concatenates the plain_text values from a slice of RichText.
func PlainText(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}

// Text reads a title, rich_text, url, email, phone, select or status
// property as a trimmed string. Missing or unsupported properties yield "".
func Text(p notionapi.Page, name string) string {
	prop, ok := p.Properties[name]
	if !ok {
		return ""
	}
	var s string
	switch v := prop.(type) {
	case *notionapi.TitleProperty:
		s = PlainText(v.Title)
	case *notionapi.RichTextProperty:
		s = PlainText(v.RichText)
	case *notionapi.URLProperty:
		s = v.URL
	case *notionapi.EmailProperty:
		s = v.Email
	case *notionapi.PhoneNumberProperty:
		s = v.PhoneNumber
	case *notionapi.SelectProperty:
		s = v.Select.Name
	case *notionapi.StatusProperty:
		s = v.Status.Name
	}
	return strings.TrimSpace(s)
}

// Number reads a number property.
func Number(p notionapi.Page, name string) (float64, bool) {
	if np, ok := p.Properties[name].(*notionapi.NumberProperty); ok {
		return np.Number, true
	}
	return 0, false
}

// Checkbox reads a checkbox property.
func Checkbox(p notionapi.Page, name string) bool {
	if cp, ok := p.Properties[name].(*notionapi.CheckboxProperty); ok {
		return cp.Checkbox
	}
	return false
}

// MultiSelect reads the option names of a multi_select property.
func MultiSelect(p notionapi.Page, name string) []string {
	msp, ok := p.Properties[name].(*notionapi.MultiSelectProperty)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(msp.MultiSelect))
	for _, opt := range msp.MultiSelect {
		out = append(out, opt.Name)
	}
	return out
}
