// Package costmatch fetches historical cost matches for a quote version, lets
// the operator review them field by field and applies the reviewed batch.
package costmatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteItem is one line of a quote version as stored by the quote service.
type QuoteItem struct {
	ID            string          `json:"id"`
	ProductName   string          `json:"productName"`
	Specification string          `json:"specification"`
	Unit          string          `json:"unit"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Cost          decimal.Decimal `json:"cost"`
	LeadTimeDays  int             `json:"leadTimeDays"`
	CostCategory  string          `json:"costCategory"`
}

// CostSuggestion is the matcher's best guess for one item. Every suggested
// field is optional.
type CostSuggestion struct {
	ItemID                 string           `json:"itemId"`
	CurrentCost            decimal.Decimal  `json:"currentCost"`
	SuggestedCost          *decimal.Decimal `json:"suggestedCost"`
	SuggestedSpecification *string          `json:"suggestedSpecification"`
	SuggestedUnit          *string          `json:"suggestedUnit"`
	SuggestedLeadTimeDays  *int             `json:"suggestedLeadTimeDays"`
	SuggestedCostCategory  *string          `json:"suggestedCostCategory"`
	MatchScore             *float64         `json:"matchScore,omitempty"`
	MatchSource            string           `json:"matchSource,omitempty"`
}

// EditedSuggestion is the operator's overlay for one item.
type EditedSuggestion struct {
	Cost          *decimal.Decimal `json:"cost"`
	Specification *string          `json:"specification"`
	Unit          *string          `json:"unit"`
	LeadTimeDays  *int             `json:"leadTimeDays"`
	CostCategory  *string          `json:"costCategory"`
}

func (e EditedSuggestion) clone() EditedSuggestion {
	return EditedSuggestion{
		Cost:          clonePtr(e.Cost),
		Specification: clonePtr(e.Specification),
		Unit:          clonePtr(e.Unit),
		LeadTimeDays:  clonePtr(e.LeadTimeDays),
		CostCategory:  clonePtr(e.CostCategory),
	}
}

// Pair is what the review dialog renders for one item.
type Pair struct {
	Suggestion CostSuggestion   `json:"suggestion"`
	Edited     EditedSuggestion `json:"edited"`
}

// UpdateRecord is the resolved payload for one item. Optional fields are
// omitted when neither the edit, the suggestion nor the item carries a value,
// so the quote service keeps what it has.
type UpdateRecord struct {
	ItemID        string          `json:"itemId"`
	Cost          decimal.Decimal `json:"cost"`
	Specification *string         `json:"specification,omitempty"`
	Unit          *string         `json:"unit,omitempty"`
	LeadTimeDays  *int            `json:"leadTimeDays,omitempty"`
	CostCategory  *string         `json:"costCategory,omitempty"`
}

// ApplyRequest is the single batch sent to the quote service.
type ApplyRequest struct {
	Suggestions []UpdateRecord `json:"suggestions"`
}

// ApplyTotals are computed by the quote service; gross margin is never derived here.
type ApplyTotals struct {
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	TotalCost   decimal.Decimal `json:"totalCost"`
	GrossMargin decimal.Decimal `json:"grossMargin"`
}

// ApplyResult describes a successful apply.
type ApplyResult struct {
	BatchID       uuid.UUID      `json:"batchId"`
	Totals        ApplyTotals    `json:"totals"`
	Records       []UpdateRecord `json:"records"`
	ItemsReloaded bool           `json:"itemsReloaded"`
}

// Backend is the quote service as seen by the matcher.
type Backend interface {
	GetCostMatchSuggestions(ctx context.Context, quoteID, versionID string) ([]CostSuggestion, error)
	ApplyCostSuggestions(ctx context.Context, quoteID, versionID string, req ApplyRequest) (*ApplyTotals, error)
	GetQuoteItems(ctx context.Context, quoteID, versionID string) ([]QuoteItem, error)
}

// AuditLine records one item's cost change inside an applied batch.
type AuditLine struct {
	ItemID        string          `json:"itemId"`
	PreviousCost  decimal.Decimal `json:"previousCost"`
	NewCost       decimal.Decimal `json:"newCost"`
	Specification string          `json:"specification"`
	Unit          string          `json:"unit"`
	LeadTimeDays  int             `json:"leadTimeDays"`
	CostCategory  string          `json:"costCategory"`
	Edited        bool            `json:"edited"`
}

// ApplyAudit is written after the quote service accepted a batch.
type ApplyAudit struct {
	BatchID   uuid.UUID   `json:"batchId"`
	QuoteID   string      `json:"quoteId"`
	VersionID string      `json:"versionId"`
	AppliedAt time.Time   `json:"appliedAt"`
	Lines     []AuditLine `json:"lines"`
	Totals    ApplyTotals `json:"totals"`
}

// AuditSink stores apply audits. Failures never undo an apply.
type AuditSink interface {
	RecordApply(ctx context.Context, audit ApplyAudit) error
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
