// Package platform holds the outbound HTTP clients: the ad platform the
// executor mutates, the creative generator that builds replacement ads,
// and the embedding service behind the winner index.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/pkg/httpretry"
	"github.com/ignite/adpilot/internal/pkg/logger"
)

// APIError is a non-2xx platform response with the body retained for audit.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the executor should back off and retry.
func (e *APIError) Retryable() bool {
	return httpretry.IsRetryableStatus(e.StatusCode)
}

// IsRetryable classifies any client error: transport failures and an open
// circuit are retryable, 4xx (except 429) is not.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// Transport errors and an open breaker resolve with time.
	return true
}

// BatchChange is one entry of a batched platform mutation.
type BatchChange struct {
	AdID           string `json:"ad_id"`
	ChangeType     string `json:"change_type"`
	NewBudgetCents int64  `json:"new_budget_cents,omitempty"`
	CreativeID     string `json:"creative_id,omitempty"`
}

// PlatformAd is the platform's authoritative view, read back for
// reconciliation.
type PlatformAd struct {
	AdID        string `json:"ad_id"`
	Status      string `json:"status"`
	BudgetCents int64  `json:"budget_cents"`
}

// Client talks to the ad platform. Every mutation carries an idempotency
// key; a circuit breaker sheds calls when the platform is down so queued
// changes requeue instead of burning attempts.
type Client struct {
	baseURL           string
	apiKey            string
	honorsIdempotency bool
	http              httpretry.HTTPDoer
	breaker           *gobreaker.CircuitBreaker
}

// NewClient builds the platform client from config.
func NewClient(cfg config.PlatformConfig) *Client {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:           cfg.BaseURL,
		apiKey:            cfg.APIKey,
		honorsIdempotency: cfg.HonorsIdempotency,
		http:              httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ad-platform",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "breaker", name,
					"from", from.String(), "to", to.String())
			},
		}),
	}
}

// SetHTTPDoer overrides the transport. Tests only.
func (c *Client) SetHTTPDoer(d httpretry.HTTPDoer) { c.http = d }

// UpdateBudget sets an ad's daily budget.
func (c *Client) UpdateBudget(ctx context.Context, adID string, newBudgetCents int64, idempotencyKey string) error {
	body := map[string]any{"budget_cents": newBudgetCents}
	return c.mutate(ctx, http.MethodPut, "/v1/ads/"+adID+"/budget", body, idempotencyKey)
}

// Pause pauses an ad.
func (c *Client) Pause(ctx context.Context, adID, idempotencyKey string) error {
	return c.mutate(ctx, http.MethodPost, "/v1/ads/"+adID+"/pause", nil, idempotencyKey)
}

// Resume resumes a paused ad.
func (c *Client) Resume(ctx context.Context, adID, idempotencyKey string) error {
	return c.mutate(ctx, http.MethodPost, "/v1/ads/"+adID+"/resume", nil, idempotencyKey)
}

// ReplaceCreative swaps an ad's creative.
func (c *Client) ReplaceCreative(ctx context.Context, adID, creativeID, idempotencyKey string) error {
	body := map[string]any{"creative_id": creativeID}
	return c.mutate(ctx, http.MethodPut, "/v1/ads/"+adID+"/creative", body, idempotencyKey)
}

// BatchUpdate applies several changes for one account in a single call.
func (c *Client) BatchUpdate(ctx context.Context, accountID string, changes []BatchChange, idempotencyKey string) error {
	body := map[string]any{"account_id": accountID, "changes": changes}
	return c.mutate(ctx, http.MethodPost, "/v1/ads/batch", body, idempotencyKey)
}

// GetAd reads the authoritative ad record.
func (c *Client) GetAd(ctx context.Context, adID string) (*PlatformAd, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/v1/ads/"+adID, nil, "")
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, readAPIError(resp)
		}
		var ad PlatformAd
		if err := json.NewDecoder(resp.Body).Decode(&ad); err != nil {
			return nil, fmt.Errorf("decode ad %s: %w", adID, err)
		}
		return &ad, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*PlatformAd), nil
}

// BudgetApplied reconciles a possibly-lost budget write: when the platform
// does not honor idempotency keys, a retry after an ambiguous failure first
// reads back the current budget.
func (c *Client) BudgetApplied(ctx context.Context, adID string, wantBudgetCents int64) (bool, error) {
	if c.honorsIdempotency {
		return false, nil
	}
	ad, err := c.GetAd(ctx, adID)
	if err != nil {
		return false, err
	}
	return ad.BudgetCents == wantBudgetCents, nil
}

func (c *Client) mutate(ctx context.Context, method, path string, body any, idempotencyKey string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := c.newRequest(ctx, method, path, body, idempotencyKey)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, readAPIError(resp)
		}
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, idempotencyKey string) (*http.Request, error) {
	var rdr io.Reader
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return req, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
}
