// Package preview keeps a price preview in step with the configurator state.
// Requests are debounced, stamped with a generation and only the response to
// the latest issued request is kept.
package preview

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"quote-cpq/decision/selection"
	"quote-cpq/pkg/confidence"
)

// Request is built fresh on every preview cycle and never mutated afterwards.
type Request struct {
	RuleSetID         *string             `json:"ruleSetId"`
	TemplateVersionID *string             `json:"templateVersionId"`
	Selections        selection.Selection `json:"selections"`
	ManualDiscountPct *decimal.Decimal    `json:"manualDiscountPct"`
	ManualMarkupPct   *decimal.Decimal    `json:"manualMarkupPct"`
}

// HasSource reports whether a rule set or template version is set.
func (r Request) HasSource() bool {
	return r.RuleSetID != nil || r.TemplateVersionID != nil
}

// Adjustment is a signed delta added to the price.
type Adjustment struct {
	Label string          `json:"label"`
	Value decimal.Decimal `json:"value"`
}

// Result is the pricing service's answer. The requester replaces it on each
// accepted response; it is never edited in place.
type Result struct {
	BasePrice        decimal.Decimal  `json:"basePrice"`
	FinalPrice       decimal.Decimal  `json:"finalPrice"`
	Currency         string           `json:"currency"`
	Adjustments      []Adjustment     `json:"adjustments"`
	RequiresApproval bool             `json:"requiresApproval"`
	ApprovalReason   *string          `json:"approvalReason"`
	ConfidenceLevel  confidence.Level `json:"confidenceLevel"`
}

// HistoryEntry is one accepted preview, kept for the session's price trail.
type HistoryEntry struct {
	Timestamp   time.Time           `json:"timestamp"`
	Selections  selection.Selection `json:"selections"`
	BasePrice   decimal.Decimal     `json:"basePrice"`
	FinalPrice  decimal.Decimal     `json:"finalPrice"`
	Adjustments []Adjustment        `json:"adjustments"`
}

// Pricer is the authoritative pricing computation.
type Pricer interface {
	PreviewPrice(ctx context.Context, req Request) (*Result, error)
}

// Severity of a user-facing notification.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Notification is a transient, dismissible message for the operator.
type Notification struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message"`
}

// Notifier receives transient notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Timer is the part of *time.Timer the requester needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it via StdAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// StdAfterFunc uses the runtime timer.
func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
