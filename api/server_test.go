package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-cpq/decision/costmatch"
	"quote-cpq/decision/cpq"
	"quote-cpq/decision/draft"
	"quote-cpq/decision/preview"
	"quote-cpq/decision/selection"
	qerrors "quote-cpq/pkg/errors"
	"quote-cpq/pkg/platform"
)

// Decimals go over the wire as JSON numbers, as in the running process.
func TestMain(m *testing.M) {
	platform.NumericDecimals()
	os.Exit(m.Run())
}

type memBackend struct {
	mu         sync.Mutex
	previewErr error
	previews   []preview.Request
	drafts     []draft.QuoteDraft
	applied    []costmatch.ApplyRequest
	items      []costmatch.QuoteItem
}

func (b *memBackend) ListRuleSets(_ context.Context, _ cpq.CatalogFilter) ([]cpq.RuleSet, error) {
	return []cpq.RuleSet{{
		ID:     "RS1",
		Name:   "Cloud hosting",
		Status: "ACTIVE",
		ConfigSchema: selection.ConfigSchema{
			"seats": {Type: selection.FieldNumber, Label: "Seats", Required: true},
		},
	}}, nil
}

func (b *memBackend) ListQuoteTemplates(_ context.Context, _ cpq.CatalogFilter) ([]cpq.QuoteTemplate, error) {
	return nil, nil
}

func (b *memBackend) PreviewPrice(_ context.Context, req preview.Request) (*preview.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.previews = append(b.previews, req)
	if b.previewErr != nil {
		return nil, b.previewErr
	}
	return &preview.Result{
		BasePrice:  decimal.NewFromInt(1000),
		FinalPrice: decimal.NewFromInt(1000),
		Currency:   "USD",
	}, nil
}

func (b *memBackend) CreateQuoteDraft(_ context.Context, d draft.QuoteDraft) (*draft.Created, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drafts = append(b.drafts, d)
	return &draft.Created{ID: "D1"}, nil
}

func (b *memBackend) GetCostMatchSuggestions(_ context.Context, _, _ string) ([]costmatch.CostSuggestion, error) {
	suggested := decimal.NewFromInt(45)
	return []costmatch.CostSuggestion{{ItemID: "I1", CurrentCost: decimal.NewFromInt(40), SuggestedCost: &suggested}}, nil
}

func (b *memBackend) ApplyCostSuggestions(_ context.Context, _, _ string, req costmatch.ApplyRequest) (*costmatch.ApplyTotals, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied = append(b.applied, req)
	for _, rec := range req.Suggestions {
		for i := range b.items {
			if b.items[i].ID == rec.ItemID {
				b.items[i].Cost = rec.Cost
			}
		}
	}
	return &costmatch.ApplyTotals{TotalPrice: decimal.NewFromInt(240), TotalCost: decimal.NewFromInt(120)}, nil
}

func (b *memBackend) GetQuoteItems(_ context.Context, _, _ string) ([]costmatch.QuoteItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]costmatch.QuoteItem(nil), b.items...), nil
}

func newTestServer(t *testing.T, cfg *Config) (http.Handler, *memBackend) {
	t.Helper()
	backend := &memBackend{items: []costmatch.QuoteItem{{ID: "I1", ProductName: "Server", Cost: decimal.NewFromInt(40)}}}
	logger := zerolog.Nop()
	factory := func() *Workspace {
		return &Workspace{
			Session: cpq.New(backend, logger, preview.WithDebounce(time.Hour), preview.WithTimeout(time.Second)),
			Matcher: costmatch.NewMatcher(backend, costmatch.WithLogger(logger)),
		}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return NewServer(factory, backend, cfg, logger).Routes(), backend
}

func call(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return callAs(t, h, nil, method, path, body)
}

func callAs(t *testing.T, h http.Handler, headers map[string]string, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec, body := call(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "s3cret"
	h, _ := newTestServer(t, cfg)

	rec, _ := call(t, h, http.MethodGet, "/api/v1/session/", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/", nil)
	req.Header.Set("X-API-Key", "s3cret")
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	rec, _ = call(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestPricingSessionFlow(t *testing.T) {
	h, backend := newTestServer(t, nil)

	rec, view := call(t, h, http.MethodPut, "/api/v1/session/source", SourceRequest{Kind: "ruleSet", ID: "RS1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Cloud hosting", view["sourceName"])
	assert.Equal(t, []any{"seats"}, view["missingRequired"])

	rec, body := call(t, h, http.MethodPut, "/api/v1/session/selections/seats", map[string]string{"raw": "20"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["changed"])

	rec, body = call(t, h, http.MethodPut, "/api/v1/session/adjustments", map[string]string{"manualDiscountPct": "10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, qerrors.ErrCodeNoPreviewAvailable, body["code"])

	rec, view = call(t, h, http.MethodPost, "/api/v1/session/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result, ok := view["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1000.0, result["finalPrice"])
	require.Len(t, backend.previews, 1)
	assert.Equal(t, "RS1", *backend.previews[0].RuleSetID)

	rec, view = call(t, h, http.MethodPut, "/api/v1/session/adjustments", map[string]string{"manualDiscountPct": "10"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", view["manualDiscountPct"])

	rec, body = call(t, h, http.MethodPost, "/api/v1/session/drafts", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "D1", body["id"])
	assert.Regexp(t, `^CPQ-\d{8}-[0-9a-f]{8}$`, body["quoteCode"])
	require.Len(t, backend.drafts, 1)
	assert.True(t, backend.drafts[0].CPQConfig.ManualDiscountPct.Equal(decimal.NewFromInt(10)))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 1)
}

func TestPreviewErrors(t *testing.T) {
	h, backend := newTestServer(t, nil)

	rec, body := call(t, h, http.MethodPost, "/api/v1/session/preview", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, qerrors.ErrCodeNoSourceSelected, body["code"])

	backend.previewErr = qerrors.NewValidationRejected(400, "seats must be positive")
	call(t, h, http.MethodPut, "/api/v1/session/source", SourceRequest{Kind: "ruleSet", ID: "RS1"})
	rec, body = call(t, h, http.MethodPost, "/api/v1/session/preview", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "seats must be positive", body["error"])

	rec, view := call(t, h, http.MethodGet, "/api/v1/session/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "seats must be positive", view["error"])

	rec, _ = call(t, h, http.MethodDelete, "/api/v1/session/error", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, view = call(t, h, http.MethodGet, "/api/v1/session/", nil)
	assert.NotContains(t, view, "error")
}

func TestBadRequests(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec, _ := call(t, h, http.MethodPut, "/api/v1/session/source", SourceRequest{Kind: "catalog", ID: "X"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = call(t, h, http.MethodPut, "/api/v1/session/selections/seats", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/session/adjustments", strings.NewReader("{not json"))
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec, body := call(t, h, http.MethodPost, "/api/v1/session/drafts", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, qerrors.ErrCodeNoPreviewAvailable, body["code"])
}

func TestCostSuggestionFlow(t *testing.T) {
	h, backend := newTestServer(t, nil)
	base := "/api/v1/quotes/Q1/versions/V1"

	rec, body := call(t, h, http.MethodPost, base+"/suggestions/apply", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, qerrors.ErrCodeNoSuggestions, body["code"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/items", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, base+"/suggestions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = call(t, h, http.MethodPatch, base+"/suggestions/I1", EditRequest{Field: "cost", Value: "60"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = call(t, h, http.MethodPatch, base+"/suggestions/I9", EditRequest{Field: "cost", Value: "60"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, qerrors.ErrCodeUnknownItem, body["code"])

	rec, body = call(t, h, http.MethodPatch, base+"/suggestions/I1", EditRequest{Field: "margin", Value: "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, qerrors.ErrCodeInvalidField, body["code"])

	rec, body = call(t, h, http.MethodGet, base+"/suggestions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "suggested", body["state"])

	rec, body = call(t, h, http.MethodPost, base+"/suggestions/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, backend.applied, 1)
	require.Len(t, backend.applied[0].Suggestions, 1)
	assert.True(t, backend.applied[0].Suggestions[0].Cost.Equal(decimal.NewFromInt(60)))
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, 60.0, items[0].(map[string]any)["cost"])

	_, body = call(t, h, http.MethodGet, base+"/suggestions", nil)
	assert.Equal(t, "idle", body["state"])

	rec, _ = call(t, h, http.MethodDelete, base+"/suggestions", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORSOrigins = []string{"https://console.example.com"}
	h, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/session/", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	allowed := rec.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"Content-Type", "Authorization", "X-API-Key", SessionHeader} {
		assert.Contains(t, allowed, h)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{qerrors.NewValidationRejected(400, "x"), http.StatusUnprocessableEntity},
		{qerrors.NewNoVersionSelected("Q1"), http.StatusBadRequest},
		{qerrors.NewNoPreviewAvailable("save"), http.StatusBadRequest},
		{qerrors.NewNoSourceSelected(), http.StatusBadRequest},
		{qerrors.NewInvalidField("cost", "not a number"), http.StatusBadRequest},
		{qerrors.NewBusy("apply"), http.StatusConflict},
		{qerrors.NewNoSuggestions("Q1", "V1"), http.StatusConflict},
		{qerrors.NewStaleResponseDiscarded(1, 2), http.StatusConflict},
		{qerrors.NewUnknownItem("I1"), http.StatusNotFound},
		{qerrors.NewNetworkOrServerFailure(503, "down", nil), http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	h, _ := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		rec, _ := call(t, h, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := call(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	other := httptest.NewRecorder()
	h.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code, "buckets are per client")
}

func TestBearerTokenAccepted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = "console-secret"
	h, _ := newTestServer(t, cfg)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("console-secret"))
	require.NoError(t, err)

	rec, _ := call(t, h, http.MethodGet, "/api/v1/catalog/rule-sets", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/catalog/rule-sets", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
	assert.Contains(t, ok.Body.String(), "Cloud hosting")
}

func bearer(t *testing.T, subject string) map[string]string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("console-secret"))
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestOperatorsHaveSeparateWorkspaces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JWTSecret = "console-secret"
	h, _ := newTestServer(t, cfg)
	alice, bob := bearer(t, "alice@example.com"), bearer(t, "bob@example.com")
	base := "/api/v1/quotes/Q1/versions/V1"

	rec, _ := callAs(t, h, alice, http.MethodPut, "/api/v1/session/source", SourceRequest{Kind: "ruleSet", ID: "RS1"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = callAs(t, h, alice, http.MethodPost, base+"/suggestions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, view := callAs(t, h, bob, http.MethodGet, "/api/v1/session/", nil)
	assert.Empty(t, view["sourceName"])

	rec, _ = callAs(t, h, bob, http.MethodPut, "/api/v1/session/source", SourceRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = callAs(t, h, bob, http.MethodDelete, base+"/suggestions", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, view = callAs(t, h, alice, http.MethodGet, "/api/v1/session/", nil)
	assert.Equal(t, "Cloud hosting", view["sourceName"])
	_, body := callAs(t, h, alice, http.MethodGet, base+"/suggestions", nil)
	assert.Equal(t, "suggested", body["state"])

	tab := map[string]string{SessionHeader: "tab-2"}
	for k, v := range alice {
		tab[k] = v
	}
	_, view = callAs(t, h, tab, http.MethodGet, "/api/v1/session/", nil)
	assert.Empty(t, view["sourceName"], "a session header opens a fresh workspace")
}

func TestIdleWorkspacesAreDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkspaceIdle = time.Millisecond
	created := 0
	backend := &memBackend{}
	srv := NewServer(func() *Workspace {
		created++
		return &Workspace{
			Session: cpq.New(backend, zerolog.Nop(), preview.WithDebounce(time.Hour)),
			Matcher: costmatch.NewMatcher(backend),
		}
	}, backend, cfg, zerolog.Nop())

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.Header.Set(SessionHeader, "a")
	ws := srv.workspace(first)
	assert.Same(t, ws, srv.workspace(first))

	time.Sleep(5 * time.Millisecond)
	second := httptest.NewRequest(http.MethodGet, "/", nil)
	second.Header.Set(SessionHeader, "b")
	srv.workspace(second)

	srv.workspacesMu.Lock()
	_, kept := srv.workspaces[workspaceKey(first)]
	open := len(srv.workspaces)
	srv.workspacesMu.Unlock()
	assert.False(t, kept)
	assert.Equal(t, 1, open)
	assert.Equal(t, 2, created)
}
