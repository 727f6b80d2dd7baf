// ABOUTME: Embedding client over the OpenAI embeddings API with base URL support for compatible providers.
// ABOUTME: API failures surface as status-coded errors so retry classification sees transient vs permanent.
package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/docpipe/docpipe/pipeline"
)

const defaultModel = "text-embedding-3-small"

// maxBatchSize bounds one API call; the embeddings endpoint rejects
// oversized input arrays.
const maxBatchSize = 256

// Client generates embedding vectors for text chunks.
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates an embedding client. An empty baseURL uses the OpenAI
// endpoint; compatible providers plug in via their own base URL.
func NewClient(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Model returns the embedding model name vectors are generated with.
func (c *Client) Model() string {
	return c.model
}

// Embed returns one vector per input text, in input order. Inputs beyond the
// API's batch limit are split across calls.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if int(d.Index) >= len(vectors) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		vectors[d.Index] = v
	}
	return vectors, nil
}

// classifyAPIError maps SDK errors to status-coded errors the retry
// orchestrator classifies. Non-HTTP failures (network, context) pass through
// untouched since the classifier already understands them.
func classifyAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &pipeline.HTTPError{
			StatusCode: apiErr.StatusCode,
			Message:    fmt.Sprintf("embeddings API: %s", apiErr.Error()),
		}
	}
	return err
}
