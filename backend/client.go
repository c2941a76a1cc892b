// Package backend is the REST client for the pricing, quote and cost-matching
// services.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quote-cpq/decision/costmatch"
	"quote-cpq/decision/cpq"
	"quote-cpq/decision/draft"
	"quote-cpq/decision/preview"
	qerrors "quote-cpq/pkg/errors"
	"quote-cpq/pkg/platform"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Config for the REST client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retries int
}

// Client implements cpq.Backend and costmatch.Backend.
type Client struct {
	baseURL string
	http    *platform.HTTPClient
	logger  zerolog.Logger
}

var (
	_ cpq.Backend       = (*Client)(nil)
	_ costmatch.Backend = (*Client)(nil)
)

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = preview.DefaultTimeout
	}
	hc := platform.NewHTTPClient(cfg.Retries, cfg.Timeout, logger)
	if cfg.Token != "" {
		hc.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		logger:  logger,
	}
}

func (c *Client) ListRuleSets(ctx context.Context, filter cpq.CatalogFilter) ([]cpq.RuleSet, error) {
	var out []cpq.RuleSet
	err := c.do(ctx, http.MethodGet, "/cpq/rule-sets"+filterQuery(filter), nil, &out)
	return out, err
}

func (c *Client) ListQuoteTemplates(ctx context.Context, filter cpq.CatalogFilter) ([]cpq.QuoteTemplate, error) {
	var out []cpq.QuoteTemplate
	err := c.do(ctx, http.MethodGet, "/cpq/quote-templates"+filterQuery(filter), nil, &out)
	return out, err
}

func (c *Client) PreviewPrice(ctx context.Context, req preview.Request) (*preview.Result, error) {
	var out preview.Result
	if err := c.do(ctx, http.MethodPost, "/cpq/preview-price", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateQuoteDraft(ctx context.Context, d draft.QuoteDraft) (*draft.Created, error) {
	var out draft.Created
	if err := c.do(ctx, http.MethodPost, "/quotes", d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCostMatchSuggestions(ctx context.Context, quoteID, versionID string) ([]costmatch.CostSuggestion, error) {
	var out struct {
		Suggestions []costmatch.CostSuggestion `json:"suggestions"`
	}
	err := c.do(ctx, http.MethodGet, versionPath(quoteID, versionID, "cost-match-suggestions"), nil, &out)
	return out.Suggestions, err
}

func (c *Client) ApplyCostSuggestions(ctx context.Context, quoteID, versionID string, req costmatch.ApplyRequest) (*costmatch.ApplyTotals, error) {
	var out costmatch.ApplyTotals
	if err := c.do(ctx, http.MethodPost, versionPath(quoteID, versionID, "cost-match-suggestions/apply"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetQuoteItems(ctx context.Context, quoteID, versionID string) ([]costmatch.QuoteItem, error) {
	var out []costmatch.QuoteItem
	err := c.do(ctx, http.MethodGet, versionPath(quoteID, versionID, "items"), nil, &out)
	return out, err
}

func versionPath(quoteID, versionID, tail string) string {
	return fmt.Sprintf("/quotes/%s/versions/%s/%s", url.PathEscape(quoteID), url.PathEscape(versionID), tail)
}

func filterQuery(f cpq.CatalogFilter) string {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Keyword != "" {
		q.Set("keyword", f.Keyword)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// do sends one call and classifies failures: 4xx is a rejection carrying the
// server's message, anything else a network or server failure.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s body: %w", path, err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, method, c.baseURL+path, body)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("backend call failed")
		msg := "could not reach the server"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "the server did not answer in time"
		}
		return qerrors.NewNetworkOrServerFailure(0, msg, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("backend call")

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := errorMessage(raw, resp.Status)
		if resp.StatusCode < 500 {
			return qerrors.NewValidationRejected(resp.StatusCode, msg)
		}
		return qerrors.NewNetworkOrServerFailure(resp.StatusCode, msg, nil)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return qerrors.NewNetworkOrServerFailure(resp.StatusCode, "unreadable server response", err)
	}
	return nil
}

// errorMessage pulls message or error out of an error body. A message array
// is joined. Bodies without either fall back to the status text.
func errorMessage(raw []byte, status string) string {
	var body struct {
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 512 && !strings.HasPrefix(s, "<") {
			return s
		}
		return status
	}
	for _, field := range []json.RawMessage{body.Message, body.Error} {
		if msg := rawText(field); msg != "" {
			return msg
		}
	}
	return status
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return ""
}
