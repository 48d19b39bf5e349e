// Package registry supplies question sets and entity lists from built-in
// criteria, local files and Notion databases.
package registry

import "github.com/sells-group/smartbroker/internal/model"

// Fact keys produced and consumed by the default criteria.
const (
	FactOwnerName = "owner_name"
)

// DefaultQuestions returns the built-in acquisition criteria, cheapest
// first. The owner-name question feeds the owner-age question and enriches
// the entity's known person.
func DefaultQuestions() []model.Question {
	return []model.Question{
		{
			ID:                   "software_product",
			Text:                 "Is the company selling an actual software product, not software development services?",
			PositiveAnswer:       model.PositiveYes,
			Disqualifying:        true,
			CostRank:             1,
			Description:          "The company must license or sell subscriptions to software it owns.",
			SearchGuidance:       "Look at the company's website product pages and pricing.",
			DisqualificationRule: "Agencies, consultancies, custom development shops and IT services firms do not qualify.",
			ExamplePositive:      "A company selling a SaaS scheduling product to dental offices.",
			ExampleNegative:      "A company building custom mobile apps for clients.",
		},
		{
			ID:                   "employees",
			Text:                 "Does the company have 5-50 employees based in the USA or Canada?",
			PositiveAnswer:       model.PositiveYes,
			Disqualifying:        true,
			CostRank:             2,
			SearchGuidance:       "Check LinkedIn company size, the About page and business directories.",
			DisqualificationRule: "Fewer than 5 or more than 50 employees, or headquartered outside the USA and Canada.",
		},
		{
			ID:                   "vertical_market",
			Text:                 "Does the company sell boring, stable 'vertical market software' that's deeply embedded in an industry?",
			PositiveAnswer:       model.PositiveYes,
			Disqualifying:        true,
			CostRank:             3,
			Description:          "Vertical market software serves the workflow of one industry.",
			DisqualificationRule: "Horizontal tools sold to every industry do not qualify.",
			ExamplePositive:      "Practice management software for veterinary clinics.",
			ExampleNegative:      "A general-purpose project management tool.",
		},
		{
			ID:                   "bootstrapped",
			Text:                 "Is the company bootstrapped (or friends and family funded) with no Venture Capital?",
			PositiveAnswer:       model.PositiveYes,
			Disqualifying:        true,
			CostRank:             4,
			SearchGuidance:       "Search funding databases and press releases for investment rounds.",
			DisqualificationRule: "Any disclosed venture capital or private equity investment.",
		},
		{
			ID:             FactOwnerName,
			Text:           "Who is the owner or founder of the company?",
			PositiveAnswer: model.FreeForm,
			Format:         model.FormatName,
			CostRank:       5,
			SearchGuidance: "Check the About or Team page, LinkedIn and state business registrations.",
			FactKey:        FactOwnerName,
			PromoteTo:      model.IdentPerson,
		},
		{
			ID:                   "owner_age",
			Text:                 "Are the company owners older (50+)?",
			PositiveAnswer:       model.PositiveYes,
			Disqualifying:        true,
			CostRank:             6,
			SearchGuidance:       "Estimate from graduation years, career length and public records for the named owner.",
			DisqualificationRule: "Owners clearly younger than 50.",
			UsesFacts:            []string{FactOwnerName},
		},
	}
}
