// Package llm wraps the OpenAI-compatible endpoint used for content
// extraction, entity detection, and embedding generation.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"docflow/internal/config"
	"docflow/internal/services"
)

// Client talks to a chat-completion and embedding endpoint. Calls are bounded
// by the configured request timeout on top of whatever deadline the caller
// already carries.
type Client struct {
	client         openai.Client
	model          string
	embeddingModel string
	dimension      int
	baseURL        string
}

// New constructs a Client from configuration. An empty API key is accepted
// here; the first request will fail and the health probe reports it.
func New(cfg config.LLM) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.TimeoutSeconds > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout()))
	}
	return &Client{
		client:         openai.NewClient(opts...),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		dimension:      cfg.EmbeddingDimension,
		baseURL:        cfg.BaseURL,
	}
}

// BaseURL returns the configured endpoint, for health probing.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Dimension returns the embedding width requested from the endpoint.
func (c *Client) Dimension() int {
	return c.dimension
}

// Complete sends a single-turn chat request and returns the first choice.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	})
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "", "chat completion", "", err)
	}
	if len(completion.Choices) == 0 {
		return "", services.Wrap(services.ErrTransient, "", "chat completion", "no choices returned", nil)
	}
	return completion.Choices[0].Message.Content, nil
}

// CompleteJSON is Complete with the response constrained to a JSON object.
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	})
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "", "chat completion", "", err)
	}
	if len(completion.Choices) == 0 {
		return "", services.Wrap(services.ErrTransient, "", "chat completion", "no choices returned", nil)
	}
	return completion.Choices[0].Message.Content, nil
}

// Embed converts a batch of texts into vectors, preserving input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}
	if c.dimension > 0 {
		params.Dimensions = openai.Int(int64(c.dimension))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "", "embeddings", "", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, services.Wrap(services.ErrTransient, "", "embeddings",
			fmt.Sprintf("requested %d embeddings, got %d", len(texts), len(resp.Data)), nil)
	}

	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		vectors[item.Index] = vec
	}
	return vectors, nil
}
