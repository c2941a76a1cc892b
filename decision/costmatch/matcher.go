package costmatch

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	qerrors "quote-cpq/pkg/errors"
)

// State of the review dialog.
type State string

const (
	StateIdle      State = "idle"
	StateSuggested State = "suggested"
)

// Field names an editable suggestion field.
type Field string

const (
	FieldCost          Field = "cost"
	FieldSpecification Field = "specification"
	FieldUnit          Field = "unit"
	FieldLeadTimeDays  Field = "leadTimeDays"
	FieldCostCategory  Field = "costCategory"
)

// ParseField accepts the JSON names of the editable fields.
func ParseField(s string) (Field, bool) {
	switch Field(s) {
	case FieldCost, FieldSpecification, FieldUnit, FieldLeadTimeDays, FieldCostCategory:
		return Field(s), true
	}
	return "", false
}

// Matcher drives the suggestion review for one quote version at a time.
type Matcher struct {
	backend Backend
	audit   AuditSink
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() uuid.UUID

	mu          sync.Mutex
	state       State
	quoteID     string
	versionID   string
	items       []QuoteItem
	suggestions []CostSuggestion
	edits       map[string]*EditedSuggestion
	edited      map[string]bool
	totals      *ApplyTotals
	fetching    bool
	applying    bool
	lastErr     error
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

func WithAuditSink(s AuditSink) MatcherOption { return func(m *Matcher) { m.audit = s } }
func WithLogger(l zerolog.Logger) MatcherOption { return func(m *Matcher) { m.logger = l } }
func WithClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) { m.now = now }
}
func WithIDGenerator(f func() uuid.UUID) MatcherOption {
	return func(m *Matcher) { m.newID = f }
}

func NewMatcher(backend Backend, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		backend: backend,
		logger:  zerolog.Nop(),
		now:     time.Now,
		newID:   uuid.New,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadItems fetches the authoritative item list. On failure the previously
// loaded items stay in place.
func (m *Matcher) LoadItems(ctx context.Context, quoteID, versionID string) ([]QuoteItem, error) {
	if versionID == "" {
		return nil, qerrors.NewNoVersionSelected(quoteID)
	}
	items, err := m.backend.GetQuoteItems(ctx, quoteID, versionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = err
		return nil, err
	}
	if m.quoteID != quoteID || m.versionID != versionID {
		m.resetSuggestionsLocked()
	}
	m.quoteID, m.versionID = quoteID, versionID
	m.items = items
	return append([]QuoteItem(nil), items...), nil
}

// RequestSuggestions fetches matches and seeds one edit per suggestion.
func (m *Matcher) RequestSuggestions(ctx context.Context, quoteID, versionID string) ([]Pair, error) {
	if versionID == "" {
		return nil, qerrors.NewNoVersionSelected(quoteID)
	}

	m.mu.Lock()
	if m.fetching {
		m.mu.Unlock()
		return nil, qerrors.NewBusy("cost suggestion request")
	}
	if m.applying {
		m.mu.Unlock()
		return nil, qerrors.NewBusy("cost suggestion apply")
	}
	m.fetching = true
	m.mu.Unlock()

	suggestions, err := m.backend.GetCostMatchSuggestions(ctx, quoteID, versionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetching = false
	if err != nil {
		m.lastErr = err
		return nil, err
	}

	if m.quoteID != quoteID || m.versionID != versionID {
		m.items = nil
	}
	m.quoteID, m.versionID = quoteID, versionID
	m.suggestions = append([]CostSuggestion(nil), suggestions...)
	m.edits = make(map[string]*EditedSuggestion, len(suggestions))
	m.edited = make(map[string]bool, len(suggestions))
	for _, s := range suggestions {
		if _, dup := m.edits[s.ItemID]; dup {
			m.logger.Warn().Str("item_id", s.ItemID).Msg("duplicate cost suggestion for item")
		}
		e := seedEdit(s)
		m.edits[s.ItemID] = &e
	}
	m.state = StateSuggested
	m.lastErr = nil

	m.logger.Info().
		Str("quote_id", quoteID).
		Str("version_id", versionID).
		Int("suggestions", len(suggestions)).
		Msg("cost suggestions loaded")
	return m.pairsLocked(), nil
}

// EditSuggestion sets one field of one item's overlay from raw form input.
// The original suggestion is never touched.
func (m *Matcher) EditSuggestion(itemID string, field Field, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	edit, ok := m.edits[itemID]
	if !ok || m.state != StateSuggested {
		return qerrors.NewUnknownItem(itemID)
	}

	switch field {
	case FieldCost:
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return qerrors.NewInvalidField(string(field), "not a number")
		}
		edit.Cost = &d
	case FieldLeadTimeDays:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			return qerrors.NewInvalidField(string(field), "expected a non-negative whole number of days")
		}
		edit.LeadTimeDays = &n
	case FieldSpecification:
		edit.Specification = &raw
	case FieldUnit:
		edit.Unit = &raw
	case FieldCostCategory:
		edit.CostCategory = &raw
	default:
		return qerrors.NewInvalidField(string(field), "unknown field")
	}
	m.edited[itemID] = true
	return nil
}

// BuildRecords resolves the current review into update records without sending them.
func (m *Matcher) BuildRecords() []UpdateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordsLocked()
}

func (m *Matcher) recordsLocked() []UpdateRecord {
	byID := make(map[string]*QuoteItem, len(m.items))
	for i := range m.items {
		byID[m.items[i].ID] = &m.items[i]
	}
	records := make([]UpdateRecord, 0, len(m.suggestions))
	for _, s := range m.suggestions {
		records = append(records, buildRecord(s, m.edits[s.ItemID], byID[s.ItemID]))
	}
	return records
}

// ApplySuggestions sends the whole review as one batch. On success the review
// is cleared and the items are reloaded from the quote service; on failure
// suggestions, edits and items are kept.
func (m *Matcher) ApplySuggestions(ctx context.Context, quoteID, versionID string) (*ApplyResult, error) {
	if versionID == "" {
		return nil, qerrors.NewNoVersionSelected(quoteID)
	}

	m.mu.Lock()
	if m.applying {
		m.mu.Unlock()
		return nil, qerrors.NewBusy("cost suggestion apply")
	}
	if m.state != StateSuggested || len(m.suggestions) == 0 {
		m.mu.Unlock()
		return nil, qerrors.NewNoSuggestions(quoteID, versionID)
	}
	if m.quoteID != quoteID || m.versionID != versionID {
		m.mu.Unlock()
		return nil, qerrors.NewInvalidField("versionId", "suggestions were loaded for another quote version")
	}
	records := m.recordsLocked()
	lines := m.auditLinesLocked(records)
	m.applying = true
	m.mu.Unlock()

	totals, err := m.backend.ApplyCostSuggestions(ctx, quoteID, versionID, ApplyRequest{Suggestions: records})
	if err == nil && totals == nil {
		totals = &ApplyTotals{}
	}

	m.mu.Lock()
	m.applying = false
	if err != nil {
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("quote_id", quoteID).Msg("cost suggestion apply failed")
		return nil, err
	}
	m.resetSuggestionsLocked()
	m.totals = totals
	m.lastErr = nil
	m.mu.Unlock()

	result := &ApplyResult{
		BatchID: m.newID(),
		Totals:  *totals,
		Records: records,
	}

	items, reloadErr := m.LoadItems(ctx, quoteID, versionID)
	if reloadErr != nil {
		m.logger.Warn().Err(reloadErr).Str("quote_id", quoteID).Msg("reload after apply failed")
	} else {
		result.ItemsReloaded = true
		m.logger.Info().Str("quote_id", quoteID).Int("items", len(items)).Msg("quote items reloaded after apply")
	}

	if m.audit != nil {
		audit := ApplyAudit{
			BatchID:   result.BatchID,
			QuoteID:   quoteID,
			VersionID: versionID,
			AppliedAt: m.now(),
			Lines:     lines,
			Totals:    *totals,
		}
		if err := m.audit.RecordApply(ctx, audit); err != nil {
			m.logger.Error().Err(err).Str("batch_id", result.BatchID.String()).Msg("failed to record apply audit")
		}
	}
	return result, nil
}

func (m *Matcher) auditLinesLocked(records []UpdateRecord) []AuditLine {
	prev := make(map[string]decimal.Decimal, len(m.suggestions))
	for _, s := range m.suggestions {
		prev[s.ItemID] = s.CurrentCost
	}
	lines := make([]AuditLine, 0, len(records))
	for _, r := range records {
		line := AuditLine{
			ItemID:       r.ItemID,
			PreviousCost: prev[r.ItemID],
			NewCost:      r.Cost,
			Edited:       m.edited[r.ItemID],
		}
		if r.Specification != nil {
			line.Specification = *r.Specification
		}
		if r.Unit != nil {
			line.Unit = *r.Unit
		}
		if r.LeadTimeDays != nil {
			line.LeadTimeDays = *r.LeadTimeDays
		}
		if r.CostCategory != nil {
			line.CostCategory = *r.CostCategory
		}
		lines = append(lines, line)
	}
	return lines
}

// Dismiss closes the review dialog and discards every edit.
func (m *Matcher) Dismiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetSuggestionsLocked()
}

func (m *Matcher) resetSuggestionsLocked() {
	m.suggestions = nil
	m.edits = nil
	m.edited = nil
	m.state = StateIdle
}

// Suggestions returns suggestion/edit pairs in the order the matcher returned them.
func (m *Matcher) Suggestions() []Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairsLocked()
}

func (m *Matcher) pairsLocked() []Pair {
	pairs := make([]Pair, 0, len(m.suggestions))
	for _, s := range m.suggestions {
		p := Pair{Suggestion: s}
		if e := m.edits[s.ItemID]; e != nil {
			p.Edited = e.clone()
		}
		pairs = append(pairs, p)
	}
	return pairs
}

func (m *Matcher) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Items returns the last loaded item list.
func (m *Matcher) Items() []QuoteItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QuoteItem(nil), m.items...)
}

// Totals returns the totals reported by the last successful apply.
func (m *Matcher) Totals() *ApplyTotals {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totals == nil {
		return nil
	}
	t := *m.totals
	return &t
}

// Busy reports outstanding fetch and apply requests, for disabling buttons.
func (m *Matcher) Busy() (fetching, applying bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetching, m.applying
}

func (m *Matcher) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Scope returns the quote and version the matcher currently holds.
func (m *Matcher) Scope() (quoteID, versionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quoteID, m.versionID
}
