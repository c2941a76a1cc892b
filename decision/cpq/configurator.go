package cpq

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"quote-cpq/decision/approval"
	"quote-cpq/decision/draft"
	"quote-cpq/decision/preview"
	"quote-cpq/decision/selection"
	qerrors "quote-cpq/pkg/errors"
)

// Backend is everything the configurator needs from the services.
type Backend interface {
	Catalog
	preview.Pricer
	draft.Creator
}

// View is a consistent snapshot of the configurator for rendering.
type View struct {
	Source          selection.Source       `json:"source"`
	SourceName      string                 `json:"sourceName,omitempty"`
	Schema          selection.ConfigSchema `json:"schema,omitempty"`
	Selections      selection.Selection    `json:"selections"`
	MissingRequired []string               `json:"missingRequired,omitempty"`
	DiscountRaw     string                 `json:"manualDiscountPct"`
	MarkupRaw       string                 `json:"manualMarkupPct"`
	Result          *preview.Result        `json:"result"`
	Gate            approval.GateState     `json:"gate"`
	Pending         bool                   `json:"pending"`
	Error           string                 `json:"error,omitempty"`
	ErrorCode       string                 `json:"errorCode,omitempty"`
}

// DraftOutcome is returned by SaveDraft.
type DraftOutcome struct {
	ID        string             `json:"id"`
	QuoteCode string             `json:"quoteCode"`
	Draft     draft.QuoteDraft   `json:"draft"`
	Gate      approval.GateState `json:"gate"`
	Advisory  string             `json:"advisory,omitempty"`
}

// Configurator is one operator's pricing session.
type Configurator struct {
	catalog   Catalog
	requester *preview.Requester
	persister *draft.Persister
	notifier  preview.Notifier
	logger    zerolog.Logger

	mu         sync.Mutex
	source     selection.Source
	sourceName string
	schema     selection.ConfigSchema
	store      *selection.Store
	overlay    preview.Overlay
}

// New wires a session. Requester options (debounce, timeout, timers) are
// passed through.
func New(backend Backend, logger zerolog.Logger, opts ...preview.Option) *Configurator {
	c := &Configurator{
		catalog:   backend,
		persister: draft.NewPersister(backend, logger),
		logger:    logger,
		store:     selection.NewStore(),
		notifier: preview.NotifierFunc(func(n preview.Notification) {
			logger.Warn().Str("code", n.Code).Msg(n.Message)
		}),
	}
	all := append([]preview.Option{preview.WithLogger(logger)}, opts...)
	c.requester = preview.NewRequester(backend, c.buildRequest, all...)
	return c
}

// WithNotifier routes draft failures to n. Preview failures go to the
// notifier given with preview.WithNotifier.
func (c *Configurator) WithNotifier(n preview.Notifier) *Configurator {
	c.notifier = n
	return c
}

// Persister exposes the draft persister, mainly to pin its clock in tests.
func (c *Configurator) Persister() *draft.Persister { return c.persister }

func (c *Configurator) buildRequest() preview.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return preview.Request{
		RuleSetID:         c.source.RuleSetID(),
		TemplateVersionID: c.source.TemplateVersionID(),
		Selections:        c.store.Snapshot(),
		ManualDiscountPct: c.overlay.Discount(),
		ManualMarkupPct:   c.overlay.Markup(),
	}
}

// SetSource switches the rule set or template version. Selections and
// adjustments are cleared and any in-flight preview is discarded. A schema
// that fails to load is reported, but the source stays active so pricing can
// still run.
func (c *Configurator) SetSource(ctx context.Context, kind selection.SourceKind, id string) error {
	src := selection.Source{Kind: kind, ID: id}
	if kind == selection.SourceNone || id == "" {
		src = selection.Source{Kind: selection.SourceNone}
	}

	c.mu.Lock()
	c.source = src
	c.sourceName = ""
	c.schema = nil
	c.store.Reset()
	c.overlay.Clear()
	c.mu.Unlock()
	c.requester.Reset()

	if !src.Active() {
		c.logger.Info().Msg("pricing source cleared")
		return nil
	}

	schema, name, err := loadSchema(ctx, c.catalog, src)
	if err != nil {
		c.logger.Warn().Err(err).Str("source", string(src.Kind)).Str("id", src.ID).Msg("failed to load config schema")
		c.requester.Trigger()
		return err
	}

	c.mu.Lock()
	if c.source == src {
		c.schema = schema
		c.sourceName = name
	}
	c.mu.Unlock()

	c.logger.Info().Str("source", string(src.Kind)).Str("id", src.ID).Str("name", name).Int("fields", len(schema)).Msg("pricing source selected")
	c.requester.Trigger()
	return nil
}

// SetSelection stores v for key. Only a change restarts the preview timer.
func (c *Configurator) SetSelection(key string, v selection.Value) bool {
	c.mu.Lock()
	v = selection.Conform(c.schema.Field(key), v)
	changed := c.store.Set(key, v)
	c.mu.Unlock()

	if changed {
		c.requester.Trigger()
	}
	return changed
}

// SetSelectionRaw stores form text, typed by the field's descriptor. Text
// that does not fit the field type is kept as text for the pricing service
// to judge.
func (c *Configurator) SetSelectionRaw(key, raw string) bool {
	c.mu.Lock()
	desc := c.schema.Field(key)
	c.mu.Unlock()

	v, err := selection.Coerce(desc, raw)
	if err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("selection kept as text")
		v = selection.Text(raw)
	}
	return c.SetSelection(key, v)
}

// SetDiscount updates the manual discount. Adjustments apply to an existing
// price, so without an accepted preview the input is rejected.
func (c *Configurator) SetDiscount(raw string) (bool, error) {
	return c.setAdjustment(raw, "applying a discount", (*preview.Overlay).SetDiscount)
}

// SetMarkup updates the manual markup, with the same rules as SetDiscount.
func (c *Configurator) SetMarkup(raw string) (bool, error) {
	return c.setAdjustment(raw, "applying a markup", (*preview.Overlay).SetMarkup)
}

func (c *Configurator) setAdjustment(raw, action string, set func(*preview.Overlay, string) bool) (bool, error) {
	if c.requester.Result() == nil {
		return false, qerrors.NewNoPreviewAvailable(action)
	}
	c.mu.Lock()
	changed := set(&c.overlay, raw)
	c.mu.Unlock()

	if changed {
		c.requester.Trigger()
	}
	return changed, nil
}

// PreviewNow prices the current state without waiting for the quiet period.
func (c *Configurator) PreviewNow(ctx context.Context) (*preview.Result, error) {
	return c.requester.PreviewNow(ctx)
}

// View returns the current state of the session.
func (c *Configurator) View() View {
	result := c.requester.Result()
	lastErr := c.requester.LastError()

	c.mu.Lock()
	discount, markup := c.overlay.Raw()
	sel := c.store.Snapshot()
	v := View{
		Source:          c.source,
		SourceName:      c.sourceName,
		Schema:          c.schema,
		Selections:      sel,
		MissingRequired: c.schema.MissingRequired(sel),
		DiscountRaw:     discount,
		MarkupRaw:       markup,
	}
	c.mu.Unlock()

	v.Result = result
	v.Gate = approval.Derive(result)
	v.Pending = c.requester.Pending()
	if lastErr != nil {
		v.Error = qerrors.UserMessage(lastErr)
		v.ErrorCode = qerrors.CodeOf(lastErr)
	}
	return v
}

// History returns the session's accepted previews, newest first.
func (c *Configurator) History() []preview.HistoryEntry {
	return c.requester.History()
}

// DismissError clears the error indicator. The last result stays.
func (c *Configurator) DismissError() {
	c.requester.DismissError()
}

// Config returns the configuration a draft would embed right now.
func (c *Configurator) Config() draft.CPQConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return draft.CPQConfig{
		RuleSetID:         c.source.RuleSetID(),
		TemplateVersionID: c.source.TemplateVersionID(),
		Selections:        c.store.Snapshot(),
		ManualDiscountPct: c.overlay.Discount(),
		ManualMarkupPct:   c.overlay.Markup(),
	}
}

// SaveDraft stores the latest preview as a quote draft. A preview that
// requires approval can still be saved; the advisory comes back with the
// outcome so the caller can show it.
func (c *Configurator) SaveDraft(ctx context.Context) (*DraftOutcome, error) {
	result := c.requester.Result()
	gate := approval.Derive(result)

	created, d, err := c.persister.Save(ctx, result, c.Config())
	if err != nil {
		c.notifier.Notify(preview.Notification{
			Severity: preview.SeverityError,
			Code:     qerrors.CodeOf(err),
			Message:  qerrors.UserMessage(err),
		})
		return nil, err
	}

	out := &DraftOutcome{
		ID:        created.ID,
		QuoteCode: d.QuoteCode,
		Draft:     d,
		Gate:      gate,
		Advisory:  gate.Advisory(),
	}
	if gate.RequiresApproval {
		c.logger.Warn().Str("draft_id", created.ID).Str("reason", out.Advisory).Msg("draft saved pending approval")
	}
	c.notifier.Notify(preview.Notification{
		Severity: preview.SeverityInfo,
		Message:  "Quote draft " + d.QuoteCode + " created",
	})
	return out, nil
}
