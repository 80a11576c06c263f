// Package embedder converts text into dense vector embeddings by talking to
// an OpenAI-compatible embeddings REST API over plain HTTP. Both hosted APIs
// and local inference servers (vLLM, TEI, LM Studio) expose this surface, so
// one implementation covers every deployment the service targets.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wmzpwnz/advakod-sub005/internal/config"
)

// Client implements retrieval.Embedder against an OpenAI-compatible
// /embeddings endpoint. It is safe for concurrent use.
type Client struct {
	// baseURL is the API base (e.g. "http://localhost:8081/v1").
	baseURL string
	// apiKey is the Bearer token; empty for unauthenticated local servers.
	apiKey string
	// model is the embedding model name (e.g. "multilingual-e5-large").
	model string
	// dimensions is the expected embedding vector length. Every returned
	// vector is checked against it: a dimensionality mismatch would corrupt
	// the vector index silently.
	dimensions int
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client
}

// New constructs a Client from the embedding config.
func New(cfg config.EmbeddingConfig) *Client {
	return &Client{
		baseURL:    cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// embedRequest is the JSON body sent to the embeddings endpoint.
type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// embedResponse is the JSON body returned from the embeddings endpoint.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed converts a batch of texts into their corresponding embeddings.
// The returned slice is parallel to the input slice.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embedRequest{Input: texts, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedder: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != nil {
			msg = result.Error.Message
		}
		return nil, fmt.Errorf("embedder: %s", msg)
	}

	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// The API may return data out of order; place by index.
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedder: index %d out of range [0, %d)", d.Index, len(texts))
		}
		if c.dimensions > 0 && len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("embedder: got %d-dimensional vector, expected %d (wrong model configured?)",
				len(d.Embedding), c.dimensions)
		}
		embeddings[d.Index] = d.Embedding
	}

	return embeddings, nil
}

// Ping verifies the embeddings endpoint is reachable and serving the
// configured model, for readiness probes. It embeds a single short string.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.Embed(ctx, []string{"ping"}); err != nil {
		return fmt.Errorf("embedder: ping: %w", err)
	}
	return nil
}
