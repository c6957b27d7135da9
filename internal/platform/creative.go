package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/pkg/httpretry"
)

// CreativeClient asks the upstream generator for replacement ads. The
// generator conditions on the nearest winning patterns.
type CreativeClient struct {
	baseURL string
	apiKey  string
	http    httpretry.HTTPDoer
}

// NewCreativeClient builds the generator client from config.
func NewCreativeClient(cfg config.CreativeConfig) *CreativeClient {
	return &CreativeClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 2),
	}
}

// SetHTTPDoer overrides the transport. Tests only.
func (c *CreativeClient) SetHTTPDoer(d httpretry.HTTPDoer) { c.http = d }

// RequestReplacement asks for a new creative to replace a fatigued ad.
func (c *CreativeClient) RequestReplacement(ctx context.Context, adID, reason string, similarWinners []string) error {
	body, err := json.Marshal(map[string]any{
		"ad_id":           adID,
		"reason":          reason,
		"similar_winners": similarWinners,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/creatives/replacements", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
