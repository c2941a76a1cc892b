package costmatch

import (
	"github.com/shopspring/decimal"
)

// ResolveField picks the edited value, else the suggested value, else the current one.
func ResolveField[T any](edited, suggested, current *T) *T {
	if edited != nil {
		return edited
	}
	if suggested != nil {
		return suggested
	}
	return current
}

// seedEdit initializes the overlay from the suggestion. Cost always has a value:
// without a suggested cost it starts from the current cost.
func seedEdit(s CostSuggestion) EditedSuggestion {
	cost := s.CurrentCost
	if s.SuggestedCost != nil {
		cost = *s.SuggestedCost
	}
	return EditedSuggestion{
		Cost:          &cost,
		Specification: clonePtr(s.SuggestedSpecification),
		Unit:          clonePtr(s.SuggestedUnit),
		LeadTimeDays:  clonePtr(s.SuggestedLeadTimeDays),
		CostCategory:  clonePtr(s.SuggestedCostCategory),
	}
}

// buildRecord resolves every field of one item. item may be nil when the
// quote's items have not been loaded.
func buildRecord(s CostSuggestion, edit *EditedSuggestion, item *QuoteItem) UpdateRecord {
	var e EditedSuggestion
	if edit != nil {
		e = *edit
	}

	var curSpec, curUnit, curCategory *string
	var curLead *int
	if item != nil {
		curSpec = nonEmpty(item.Specification)
		curUnit = nonEmpty(item.Unit)
		curCategory = nonEmpty(item.CostCategory)
		lead := item.LeadTimeDays
		curLead = &lead
	}
	currentCost := s.CurrentCost

	return UpdateRecord{
		ItemID:        s.ItemID,
		Cost:          *ResolveField(e.Cost, s.SuggestedCost, &currentCost),
		Specification: clonePtr(ResolveField(e.Specification, s.SuggestedSpecification, curSpec)),
		Unit:          clonePtr(ResolveField(e.Unit, s.SuggestedUnit, curUnit)),
		LeadTimeDays:  clonePtr(ResolveField(e.LeadTimeDays, s.SuggestedLeadTimeDays, curLead)),
		CostCategory:  clonePtr(ResolveField(e.CostCategory, s.SuggestedCostCategory, curCategory)),
	}
}

// ItemMargin is (price-cost)/price for manual item edits. Suggestion applies
// take the margin from the quote service instead.
func ItemMargin(price, cost decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return price.Sub(cost).Div(price).Round(4)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
