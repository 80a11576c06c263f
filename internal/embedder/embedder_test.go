package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wmzpwnz/advakod-sub005/internal/config"
)

// newTestClient starts an httptest server with the given handler and returns
// a Client pointed at it.
func newTestClient(t *testing.T, dims int, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.EmbeddingConfig{
		Endpoint:   srv.URL,
		Model:      "multilingual-e5-large",
		Dimensions: dims,
		APIKey:     "test-key",
	})
}

func Test_Embed_ParallelToInput(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, 3, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path: want /embeddings, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header: got %q", got)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Input) != 2 || req.Model != "multilingual-e5-large" {
			t.Errorf("request: got %+v", req)
		}
		// Return data out of order; the client must place by index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{4, 5, 6}, "index": 1},
				{"embedding": []float32{1, 2, 3}, "index": 0},
			},
		})
	})

	vecs, err := c.Embed(context.Background(), []string{"первый", "второй"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("want 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 4 {
		t.Errorf("vectors not ordered by index: %v", vecs)
	}
}

func Test_Embed_DimensionMismatch(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, 1024, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{1, 2, 3}, "index": 0},
			},
		})
	})

	if _, err := c.Embed(context.Background(), []string{"текст"}); err == nil {
		t.Fatal("want error on dimension mismatch, got nil")
	}
}

func Test_Embed_APIError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, 0, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limit exceeded"},
		})
	})

	_, err := c.Embed(context.Background(), []string{"текст"})
	if err == nil {
		t.Fatal("want error on HTTP 429, got nil")
	}
}

func Test_Embed_EmptyBatch(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, 0, func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for empty batch")
	})

	vecs, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vecs != nil {
		t.Errorf("want nil, got %v", vecs)
	}
}
