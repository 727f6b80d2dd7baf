// ABOUTME: Tests for the embedding client against a stub API server: batching, ordering, error mapping.
package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/docpipe/docpipe/pipeline"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// stubEmbeddings serves the embeddings endpoint, returning a small vector per
// input with data entries deliberately out of order.
func stubEmbeddings(t *testing.T, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			// Reverse order in the response; the client must place by index.
			j := len(req.Input) - 1 - i
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     j,
				"embedding": []float64{float64(j), float64(j) + 0.5},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}
}

func TestEmbedPlacesVectorsByIndex(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(stubEmbeddings(t, &calls))
	defer srv.Close()

	c := NewClient("test-key", "", srv.URL)
	if c.Model() != defaultModel {
		t.Errorf("Model = %q, want default", c.Model())
	}

	vectors, err := c.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("vectors = %d, want 3", len(vectors))
	}
	for i, v := range vectors {
		if len(v) != 2 || v[0] != float32(i) {
			t.Errorf("vector %d = %v, want index-aligned", i, v)
		}
	}
	if calls != 1 {
		t.Errorf("API calls = %d, want 1", calls)
	}
}

func TestEmbedSplitsLargeBatches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(stubEmbeddings(t, &calls))
	defer srv.Close()

	texts := make([]string, maxBatchSize+10)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d", i)
	}

	c := NewClient("test-key", "custom-model", srv.URL)
	vectors, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Errorf("vectors = %d, want %d", len(vectors), len(texts))
	}
	if calls != 2 {
		t.Errorf("API calls = %d, want 2", calls)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	c := NewClient("test-key", "", "http://127.0.0.1:1")
	vectors, err := c.Embed(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("Embed(nil) = %v, %v, want no call at all", vectors, err)
	}
}

func TestEmbedAPIErrorCarriesStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limited", "type": "rate_limit_error"}}`)
	}))
	defer srv.Close()

	c := NewClient("test-key", "", srv.URL)
	_, err := c.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("no error from a 429 response")
	}

	var httpErr *pipeline.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %T (%v), want *pipeline.HTTPError", err, err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", httpErr.StatusCode)
	}
	if cls := pipeline.Classify(err); !cls.Transient {
		t.Error("429 not classified transient")
	}
}

func TestEmbedPermanentAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "invalid model", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := NewClient("test-key", "bogus", srv.URL)
	_, err := c.Embed(context.Background(), []string{"a"})

	var httpErr *pipeline.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want HTTPError 400", err)
	}
	if cls := pipeline.Classify(err); cls.Transient {
		t.Error("400 classified transient")
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{1}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", "", srv.URL)
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("mismatched vector count accepted")
	}
}
