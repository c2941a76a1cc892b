// Package draft turns an accepted price preview into a saved quote draft.
package draft

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quote-cpq/decision/preview"
	"quote-cpq/decision/selection"
	qerrors "quote-cpq/pkg/errors"
)

const StatusDraft = "DRAFT"

// CPQConfig is the configuration embedded in a draft so it can be reopened.
type CPQConfig struct {
	RuleSetID         *string             `json:"ruleSetId"`
	TemplateVersionID *string             `json:"templateVersionId"`
	Selections        selection.Selection `json:"selections"`
	ManualDiscountPct *decimal.Decimal    `json:"manualDiscountPct"`
	ManualMarkupPct   *decimal.Decimal    `json:"manualMarkupPct"`
}

// QuoteDraft is handed to the quote service, which owns it from then on.
type QuoteDraft struct {
	QuoteCode  string          `json:"quoteCode"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Currency   string          `json:"currency"`
	Status     string          `json:"status"`
	CPQConfig  CPQConfig       `json:"cpqConfig"`
}

// Created is the quote service's answer.
type Created struct {
	ID string `json:"id"`
}

// Creator is the quote-storage collaborator.
type Creator interface {
	CreateQuoteDraft(ctx context.Context, d QuoteDraft) (*Created, error)
}

// Persister builds and submits drafts.
type Persister struct {
	creator Creator
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() uuid.UUID
}

func NewPersister(creator Creator, logger zerolog.Logger) *Persister {
	return &Persister{
		creator: creator,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.New,
	}
}

// WithClock overrides the clock and id source used for quote codes.
func (p *Persister) WithClock(now func() time.Time, newID func() uuid.UUID) *Persister {
	p.now = now
	p.newID = newID
	return p
}

// Save submits one draft built from result and the current configuration.
// Without a result nothing is sent. The collaborator's error is returned as is.
func (p *Persister) Save(ctx context.Context, result *preview.Result, cfg CPQConfig) (*Created, QuoteDraft, error) {
	if result == nil {
		return nil, QuoteDraft{}, qerrors.NewNoPreviewAvailable("saving a draft")
	}

	d := QuoteDraft{
		QuoteCode:  p.QuoteCode(),
		TotalPrice: result.FinalPrice,
		Currency:   result.Currency,
		Status:     StatusDraft,
		CPQConfig:  cfg,
	}
	if d.CPQConfig.Selections == nil {
		d.CPQConfig.Selections = selection.Selection{}
	}

	created, err := p.creator.CreateQuoteDraft(ctx, d)
	if err != nil {
		p.logger.Warn().Err(err).Str("quote_code", d.QuoteCode).Msg("draft creation failed")
		return nil, d, err
	}
	if created == nil || created.ID == "" {
		return nil, d, qerrors.NewNetworkOrServerFailure(0, "quote service returned no draft id", nil)
	}

	p.logger.Info().
		Str("quote_code", d.QuoteCode).
		Str("draft_id", created.ID).
		Str("total", d.TotalPrice.StringFixed(2)).
		Msg("quote draft created")
	return created, d, nil
}

// QuoteCode returns a code of the form CPQ-20260105-1a2b3c4d.
func (p *Persister) QuoteCode() string {
	suffix := strings.ReplaceAll(p.newID().String(), "-", "")[:8]
	return fmt.Sprintf("CPQ-%s-%s", p.now().Format("20060102"), suffix)
}
