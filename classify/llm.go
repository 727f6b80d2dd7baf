// ABOUTME: LLM-backed classifier and metadata extractor over the OpenAI chat completions API.
// ABOUTME: Prompts demand bare JSON; responses wrapped in code fences are unwrapped before decoding.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/stages"
)

const defaultModel = "gpt-4o-mini"

const classifyPrompt = `You classify technical product manuals. Given the opening text of a manual,
respond with only a JSON object: {"manufacturer": "...", "doc_type": "..."}.
doc_type is one of: user_manual, service_manual, installation_guide,
quick_start, parts_catalog, datasheet, other. Use "unknown" for a
manufacturer you cannot determine.`

const metadataPrompt = `You extract bibliographic metadata from technical manuals. Given manual text,
respond with only a flat JSON object of string values. Use keys like
model_numbers, revision, publication_date, languages, product_line when the
text supports them. Omit keys you cannot determine. Respond with {} if
nothing is extractable.`

// Client implements document classification and metadata extraction through
// a chat completions model.
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates the client. An empty baseURL uses the OpenAI endpoint.
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

// Classify determines manufacturer and document type from sample text.
func (c *Client) Classify(ctx context.Context, text string) (stages.Classification, error) {
	raw, err := c.complete(ctx, classifyPrompt, text)
	if err != nil {
		return stages.Classification{}, err
	}

	var verdict struct {
		Manufacturer string `json:"manufacturer"`
		DocType      string `json:"doc_type"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return stages.Classification{}, fmt.Errorf("decode classification %q: %w", raw, err)
	}
	if verdict.Manufacturer == "" {
		verdict.Manufacturer = "unknown"
	}
	if verdict.DocType == "" {
		verdict.DocType = "other"
	}
	return stages.Classification{Manufacturer: verdict.Manufacturer, DocType: verdict.DocType}, nil
}

// ExtractMetadata pulls structured key-value metadata from manual text.
func (c *Client) ExtractMetadata(ctx context.Context, text string) (map[string]string, error) {
	raw, err := c.complete(ctx, metadataPrompt, text)
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata %q: %w", raw, err)
	}
	return metadata, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return stripFences(resp.Choices[0].Message.Content), nil
}

// stripFences unwraps a response the model insisted on fencing as a code block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// classifyAPIError maps SDK errors to status-coded errors for retry
// classification.
func classifyAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &pipeline.HTTPError{
			StatusCode: apiErr.StatusCode,
			Message:    fmt.Sprintf("completions API: %s", apiErr.Error()),
		}
	}
	return err
}
