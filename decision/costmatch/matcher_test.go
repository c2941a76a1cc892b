package costmatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "quote-cpq/pkg/errors"
)

type fakeBackend struct {
	mu          sync.Mutex
	suggestions []CostSuggestion
	items       []QuoteItem
	totals      *ApplyTotals
	applyErr    error
	itemsErr    error
	suggestErr  error
	applied     []ApplyRequest
	itemCalls   int
	// block, when set, holds GetCostMatchSuggestions until closed.
	block chan struct{}
}

func (f *fakeBackend) GetCostMatchSuggestions(ctx context.Context, quoteID, versionID string) ([]CostSuggestion, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suggestions, f.suggestErr
}

func (f *fakeBackend) ApplyCostSuggestions(ctx context.Context, quoteID, versionID string, req ApplyRequest) (*ApplyTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, req)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	return f.totals, nil
}

func (f *fakeBackend) GetQuoteItems(ctx context.Context, quoteID, versionID string) ([]QuoteItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemCalls++
	if f.itemsErr != nil {
		return nil, f.itemsErr
	}
	return f.items, nil
}

type recordingSink struct {
	audits []ApplyAudit
	err    error
}

func (s *recordingSink) RecordApply(ctx context.Context, a ApplyAudit) error {
	s.audits = append(s.audits, a)
	return s.err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}
func intPtr(n int) *int { return &n }

func sampleItems() []QuoteItem {
	return []QuoteItem{
		{ID: "I1", ProductName: "Rack server", Specification: "2U", Unit: "pcs", Quantity: dec("2"), UnitPrice: dec("120"), Cost: dec("40"), LeadTimeDays: 14, CostCategory: "hardware"},
		{ID: "I2", ProductName: "Install", Specification: "onsite", Unit: "h", Quantity: dec("8"), UnitPrice: dec("90"), Cost: dec("55"), LeadTimeDays: 3, CostCategory: "labor"},
	}
}

func sampleSuggestions() []CostSuggestion {
	return []CostSuggestion{
		{ItemID: "I1", CurrentCost: dec("40"), SuggestedCost: decPtr("50"), SuggestedLeadTimeDays: intPtr(10), MatchSource: "PO-2024-118"},
		{ItemID: "I2", CurrentCost: dec("55")},
	}
}

func newTestMatcher(b *fakeBackend, opts ...MatcherOption) *Matcher {
	fixed := uuid.MustParse("0b7e4a3c-5d1f-4a7b-9e55-3c2c1f0f6a11")
	all := append([]MatcherOption{
		WithClock(func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() uuid.UUID { return fixed }),
	}, opts...)
	return NewMatcher(b, all...)
}

func TestResolveField(t *testing.T) {
	e, s, c := 1, 2, 3
	assert.Equal(t, 1, *ResolveField(&e, &s, &c))
	assert.Equal(t, 2, *ResolveField(nil, &s, &c))
	assert.Equal(t, 3, *ResolveField[int](nil, nil, &c))
	assert.Nil(t, ResolveField[int](nil, nil, nil))
}

func TestApplyWithoutEditsSendsSuggestionsAndCurrentValues(t *testing.T) {
	b := &fakeBackend{suggestions: sampleSuggestions(), items: sampleItems(), totals: &ApplyTotals{}}
	m := newTestMatcher(b)
	ctx := context.Background()

	_, err := m.LoadItems(ctx, "Q1", "V1")
	require.NoError(t, err)
	pairs, err := m.RequestSuggestions(ctx, "Q1", "V1")
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	// The review form starts from the suggestion, or the current cost when none was found.
	require.NotNil(t, pairs[0].Edited.Cost)
	assert.True(t, pairs[0].Edited.Cost.Equal(dec("50")))
	require.NotNil(t, pairs[1].Edited.Cost)
	assert.True(t, pairs[1].Edited.Cost.Equal(pairs[1].Suggestion.CurrentCost))
	assert.Nil(t, pairs[1].Edited.LeadTimeDays)

	records := m.BuildRecords()
	require.Len(t, records, 2)

	// I1: suggested cost and lead time, everything else from the item.
	assert.True(t, records[0].Cost.Equal(dec("50")))
	assert.Equal(t, 10, *records[0].LeadTimeDays)
	assert.Equal(t, "2U", *records[0].Specification)
	assert.Equal(t, "pcs", *records[0].Unit)
	assert.Equal(t, "hardware", *records[0].CostCategory)

	// I2: no suggested cost, so the current cost goes back unchanged.
	assert.True(t, records[1].Cost.Equal(dec("55")))
	assert.Equal(t, 3, *records[1].LeadTimeDays)
}

func TestRecordsOmitUnknownFields(t *testing.T) {
	b := &fakeBackend{suggestions: []CostSuggestion{{ItemID: "I9", CurrentCost: dec("12")}}}
	m := newTestMatcher(b)

	_, err := m.RequestSuggestions(context.Background(), "Q1", "V1")
	require.NoError(t, err)

	records := m.BuildRecords()
	require.Len(t, records, 1)
	data, err := json.Marshal(records[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"itemId":"I9","cost":"12"}`, string(data), "nothing unknown may overwrite stored values")
}

func TestEditToSixtyIsSentAndReloaded(t *testing.T) {
	items := sampleItems()
	b := &fakeBackend{
		suggestions: sampleSuggestions(),
		items:       items,
		totals:      &ApplyTotals{TotalPrice: dec("960"), TotalCost: dec("560"), GrossMargin: dec("0.4167")},
	}
	sink := &recordingSink{}
	m := newTestMatcher(b, WithAuditSink(sink))
	ctx := context.Background()

	_, err := m.LoadItems(ctx, "Q1", "V1")
	require.NoError(t, err)
	_, err = m.RequestSuggestions(ctx, "Q1", "V1")
	require.NoError(t, err)
	require.NoError(t, m.EditSuggestion("I1", FieldCost, "60"))

	pairs := m.Suggestions()
	assert.True(t, pairs[0].Edited.Cost.Equal(dec("60")))
	assert.True(t, pairs[0].Suggestion.SuggestedCost.Equal(dec("50")), "the suggestion itself is untouched")

	reloaded := sampleItems()
	reloaded[0].Cost = dec("60")
	b.mu.Lock()
	b.items = reloaded
	b.mu.Unlock()

	result, err := m.ApplySuggestions(ctx, "Q1", "V1")
	require.NoError(t, err)

	require.Len(t, b.applied, 1, "one batch call")
	sent := b.applied[0].Suggestions
	require.Len(t, sent, 2)
	assert.True(t, sent[0].Cost.Equal(dec("60")))
	assert.True(t, sent[1].Cost.Equal(dec("55")))

	assert.True(t, result.ItemsReloaded)
	assert.True(t, result.Totals.GrossMargin.Equal(dec("0.4167")))
	assert.True(t, m.Items()[0].Cost.Equal(dec("60")))
	assert.Equal(t, 2, b.itemCalls)

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.Suggestions())
	assert.True(t, m.Totals().TotalCost.Equal(dec("560")))

	require.Len(t, sink.audits, 1)
	audit := sink.audits[0]
	assert.Equal(t, result.BatchID, audit.BatchID)
	require.Len(t, audit.Lines, 2)
	assert.True(t, audit.Lines[0].Edited)
	assert.False(t, audit.Lines[1].Edited)
	assert.True(t, audit.Lines[0].PreviousCost.Equal(dec("40")))
	assert.True(t, audit.Lines[0].NewCost.Equal(dec("60")))
}

func TestApplyFailureKeepsReview(t *testing.T) {
	b := &fakeBackend{
		suggestions: sampleSuggestions(),
		items:       sampleItems(),
		applyErr:    qerrors.NewValidationRejected(400, "item I1 is locked"),
	}
	sink := &recordingSink{}
	m := newTestMatcher(b, WithAuditSink(sink))
	ctx := context.Background()

	_, err := m.LoadItems(ctx, "Q1", "V1")
	require.NoError(t, err)
	_, err = m.RequestSuggestions(ctx, "Q1", "V1")
	require.NoError(t, err)
	require.NoError(t, m.EditSuggestion("I1", FieldCost, "60"))

	_, err = m.ApplySuggestions(ctx, "Q1", "V1")
	require.Error(t, err)
	assert.Equal(t, "item I1 is locked", qerrors.UserMessage(err))

	assert.Equal(t, StateSuggested, m.State())
	assert.True(t, m.Suggestions()[0].Edited.Cost.Equal(dec("60")), "edits survive for a retry")
	assert.Len(t, m.Items(), 2)
	assert.Equal(t, 1, b.itemCalls, "no reload after a failed apply")
	assert.Empty(t, sink.audits)
	assert.Error(t, m.LastError())
}

func TestReloadAndAuditFailuresDoNotFailApply(t *testing.T) {
	b := &fakeBackend{suggestions: sampleSuggestions(), items: sampleItems(), totals: &ApplyTotals{}}
	sink := &recordingSink{err: errors.New("audit store down")}
	m := newTestMatcher(b, WithAuditSink(sink))
	ctx := context.Background()

	_, err := m.LoadItems(ctx, "Q1", "V1")
	require.NoError(t, err)
	_, err = m.RequestSuggestions(ctx, "Q1", "V1")
	require.NoError(t, err)

	b.mu.Lock()
	b.itemsErr = qerrors.NewNetworkOrServerFailure(502, "bad gateway", nil)
	b.mu.Unlock()

	result, err := m.ApplySuggestions(ctx, "Q1", "V1")
	require.NoError(t, err)
	assert.False(t, result.ItemsReloaded)
	assert.Len(t, m.Items(), 2, "last good items are kept")
	assert.Len(t, sink.audits, 1)
}

func TestGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("no version", func(t *testing.T) {
		m := newTestMatcher(&fakeBackend{})
		_, err := m.RequestSuggestions(ctx, "Q1", "")
		assert.True(t, errors.Is(err, qerrors.ErrNoVersionSelected))
		_, err = m.ApplySuggestions(ctx, "Q1", "")
		assert.True(t, errors.Is(err, qerrors.ErrNoVersionSelected))
		_, err = m.LoadItems(ctx, "Q1", "")
		assert.True(t, errors.Is(err, qerrors.ErrNoVersionSelected))
	})

	t.Run("apply without suggestions", func(t *testing.T) {
		b := &fakeBackend{}
		m := newTestMatcher(b)
		_, err := m.ApplySuggestions(ctx, "Q1", "V1")
		assert.True(t, errors.Is(err, qerrors.ErrNoSuggestions))
		assert.Empty(t, b.applied)
	})

	t.Run("apply for another version", func(t *testing.T) {
		b := &fakeBackend{suggestions: sampleSuggestions()}
		m := newTestMatcher(b)
		_, err := m.RequestSuggestions(ctx, "Q1", "V1")
		require.NoError(t, err)
		_, err = m.ApplySuggestions(ctx, "Q1", "V2")
		assert.True(t, errors.Is(err, qerrors.ErrInvalidField))
		assert.Empty(t, b.applied)
	})

	t.Run("edit unknown item", func(t *testing.T) {
		b := &fakeBackend{suggestions: sampleSuggestions()}
		m := newTestMatcher(b)
		_, err := m.RequestSuggestions(ctx, "Q1", "V1")
		require.NoError(t, err)
		assert.True(t, errors.Is(m.EditSuggestion("I7", FieldCost, "1"), qerrors.ErrUnknownItem))
	})

	t.Run("invalid edits", func(t *testing.T) {
		b := &fakeBackend{suggestions: sampleSuggestions()}
		m := newTestMatcher(b)
		_, err := m.RequestSuggestions(ctx, "Q1", "V1")
		require.NoError(t, err)
		assert.True(t, errors.Is(m.EditSuggestion("I1", FieldCost, "cheap"), qerrors.ErrInvalidField))
		assert.True(t, errors.Is(m.EditSuggestion("I1", FieldLeadTimeDays, "-2"), qerrors.ErrInvalidField))
		assert.True(t, errors.Is(m.EditSuggestion("I1", Field("price"), "1"), qerrors.ErrInvalidField))
		require.NoError(t, m.EditSuggestion("I1", FieldUnit, "box"))
		assert.Equal(t, "box", *m.BuildRecords()[0].Unit)
	})
}

func TestSecondRequestWhileFetchingIsBusy(t *testing.T) {
	b := &fakeBackend{suggestions: sampleSuggestions(), block: make(chan struct{})}
	m := newTestMatcher(b)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := m.RequestSuggestions(ctx, "Q1", "V1")
		done <- err
	}()

	require.Eventually(t, func() bool {
		fetching, _ := m.Busy()
		return fetching
	}, time.Second, 5*time.Millisecond)

	_, err := m.RequestSuggestions(ctx, "Q1", "V1")
	assert.True(t, errors.Is(err, qerrors.ErrBusy))
	_, err = m.ApplySuggestions(ctx, "Q1", "V1")
	assert.True(t, errors.Is(err, qerrors.ErrNoSuggestions))

	close(b.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateSuggested, m.State())
}

func TestFetchFailureKeepsPreviousReview(t *testing.T) {
	b := &fakeBackend{suggestions: sampleSuggestions()}
	m := newTestMatcher(b)
	ctx := context.Background()

	_, err := m.RequestSuggestions(ctx, "Q1", "V1")
	require.NoError(t, err)
	require.NoError(t, m.EditSuggestion("I1", FieldSpecification, "1U"))

	b.mu.Lock()
	b.suggestErr = qerrors.NewNetworkOrServerFailure(0, "could not reach the server", nil)
	b.mu.Unlock()

	_, err = m.RequestSuggestions(ctx, "Q1", "V1")
	require.Error(t, err)
	assert.Equal(t, StateSuggested, m.State())
	assert.Equal(t, "1U", *m.Suggestions()[0].Edited.Specification)
}

func TestDismissDiscardsEdits(t *testing.T) {
	b := &fakeBackend{suggestions: sampleSuggestions()}
	m := newTestMatcher(b)

	_, err := m.RequestSuggestions(context.Background(), "Q1", "V1")
	require.NoError(t, err)
	require.NoError(t, m.EditSuggestion("I1", FieldCost, "70"))

	m.Dismiss()
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.BuildRecords())
	assert.True(t, errors.Is(m.EditSuggestion("I1", FieldCost, "1"), qerrors.ErrUnknownItem))
}

func TestItemMargin(t *testing.T) {
	assert.True(t, ItemMargin(dec("100"), dec("60")).Equal(dec("0.4")))
	assert.True(t, ItemMargin(dec("3"), dec("2")).Equal(dec("0.3333")))
	assert.True(t, ItemMargin(decimal.Zero, dec("5")).IsZero())
}
