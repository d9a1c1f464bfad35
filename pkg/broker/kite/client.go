// Package kite wraps the Zerodha Kite Connect REST API as a price feed and
// an exit-order executor.
package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

const kiteVersion = "3"

// Client wraps REST access to Kite Connect.
type Client struct {
	APIKey      string
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client

	// MaxRetries bounds how often transient failures (5xx, network) are
	// retried before giving up.
	MaxRetries int
}

// NewClient builds a REST client against the given base URL. An empty base
// uses the production endpoint.
func NewClient(baseURL, apiKey, accessToken string) *Client {
	if baseURL == "" {
		baseURL = "https://api.kite.trade"
	}
	return &Client{
		APIKey:      apiKey,
		AccessToken: accessToken,
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		MaxRetries:  3,
	}
}

// envelope is the common Kite response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// apiError carries the broker's failure classification alongside the HTTP
// status, so callers can map it onto their own error taxonomy.
type apiError struct {
	Code      int
	ErrorType string
	Message   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("kite: %s (%s, http %d)", e.Message, e.ErrorType, e.Code)
}

// do performs one request with retries on transient failures and decodes the
// response envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, form bool, out any) error {
	var payload []byte
	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		payload = b
	}

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		err := c.once(ctx, method, path, payload, form, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient(err) {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, form bool, out any) error {
	var body io.Reader
	if payload != nil {
		body = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Kite-Version", kiteVersion)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "token "+c.APIKey+":"+c.AccessToken)
	}
	if form {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		if res.StatusCode != http.StatusOK {
			return &apiError{Code: res.StatusCode, Message: res.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if res.StatusCode != http.StatusOK || env.Status != "success" {
		return &apiError{Code: res.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// transient reports whether an error is worth retrying: network failures and
// broker-side 5xx. Client errors and rate limits are not retried here; the
// dispatcher's limiter already paces order flow.
func transient(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
