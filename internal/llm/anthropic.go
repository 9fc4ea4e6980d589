package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
)

type anthropicGenerator struct {
	client anthropic.Client
}

// NewAnthropicGenerator streams messages from the Anthropic API.
func NewAnthropicGenerator(apiKey, baseURL string) Generator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &anthropicGenerator{client: anthropic.NewClient(opts...)}
}

func (g *anthropicGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	stream := g.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	start := time.Now()
	var promptTokens, completionTokens int
	for stream.Next() {
		evt := stream.Current()
		switch evt.Type {
		case "message_start":
			promptTokens = int(evt.Message.Usage.InputTokens)
		case "content_block_delta":
			if evt.Delta.Type != "text_delta" {
				continue
			}
			if err := consumer(Chunk{
				Content:          evt.Delta.Text,
				Partial:          true,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				Latency:          time.Since(start),
			}); err != nil {
				return err
			}
		case "message_delta":
			completionTokens = int(evt.Usage.OutputTokens)
		case "message_stop":
			return consumer(Chunk{
				Partial:          false,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				Latency:          time.Since(start),
			})
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}
