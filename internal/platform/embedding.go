package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/adpilot/internal/config"
	"github.com/ignite/adpilot/internal/domain"
	"github.com/ignite/adpilot/internal/pkg/httpretry"
)

// EmbeddingClient turns creative metadata into fixed-dimension vectors for
// the winner index.
type EmbeddingClient struct {
	baseURL string
	apiKey  string
	http    httpretry.HTTPDoer
}

// NewEmbeddingClient builds the embedding client from config.
func NewEmbeddingClient(cfg config.EmbeddingConfig) *EmbeddingClient {
	return &EmbeddingClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 2),
	}
}

// SetHTTPDoer overrides the transport. Tests only.
func (c *EmbeddingClient) SetHTTPDoer(d httpretry.HTTPDoer) { c.http = d }

// Embed returns the embedding vector for a text payload.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Embedding) != domain.EmbeddingDim {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(out.Embedding), domain.EmbeddingDim)
	}
	return out.Embedding, nil
}
