package platform

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type HTTPClient struct {
	Client  *http.Client
	Retries int
	Timeout time.Duration
	Logger  zerolog.Logger
	// Header is added to every request (auth token, tenant, ...).
	Header http.Header
}

func NewHTTPClient(retries int, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Retries: retries,
		Timeout: timeout,
		Logger:  logger,
		Header:  make(http.Header),
	}
}

// Do sends a request. Only GET requests are retried; writes are issued exactly once.
func (c *HTTPClient) Do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	attempts := 1
	if method == http.MethodGet {
		attempts += c.Retries
	}

	var resp *http.Response
	var err error
	for i := 0; i < attempts; i++ {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, rErr := newRequest(ctx, method, url, reader)
		if rErr != nil {
			return nil, rErr
		}
		for k, vs := range c.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err = c.Client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if ctx.Err() != nil {
			break
		}

		if i < attempts-1 {
			if resp != nil {
				resp.Body.Close()
			}
			c.Logger.Warn().Str("url", url).Int("attempt", i+1).Err(err).Msg("HTTP request failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<i) * 200 * time.Millisecond):
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, err)
	}
	return resp, nil // last response even if 5xx
}

func newRequest(ctx context.Context, method, url string, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, url, nil)
	}
	return http.NewRequestWithContext(ctx, method, url, body)
}
