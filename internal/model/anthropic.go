package model

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rendis/blockflow/pkg/schema"
)

// AnthropicOptions configures the Anthropic producer.
type AnthropicOptions struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
}

// AnthropicProducer streams text deltas from the Anthropic Messages API.
type AnthropicProducer struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropicProducer creates a producer backed by the official client.
func NewAnthropicProducer(optFns ...func(o *AnthropicOptions)) *AnthropicProducer {
	opts := AnthropicOptions{
		Model:     anthropic.ModelClaudeSonnet4_0,
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicProducer{client: &client, opts: opts}
}

// Generate streams one completion. The request's Prefix is prepended to the
// accumulated answer so a continued generation yields the complete text.
func (p *AnthropicProducer) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:     p.opts.Model,
			MaxTokens: p.opts.MaxTokens,
			Messages:  buildMessages(req),
		}
		if req.Model != "" {
			params.Model = anthropic.Model(req.Model)
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		acc := req.Prefix

		for stream.Next() {
			event := stream.Current()
			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case out <- Chunk{Delta: delta.Text}:
						acc += delta.Text
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- schema.NewErrorf(schema.ErrCodeModel, "anthropic stream: %s", err.Error()).WithCause(err)
			return
		}

		select {
		case out <- Chunk{Done: true, Answer: acc}:
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()

	return out, errCh
}

// buildMessages converts request messages to Anthropic params. The history
// roles collapse to the user/assistant alternation the API accepts; when a
// generation is being continued, the already-streamed prefix is replayed as
// an assistant turn so the model picks up where it stopped.
func buildMessages(req Request) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.Prefix != "" {
		messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(req.Prefix)))
	}
	return messages
}

var _ Producer = (*AnthropicProducer)(nil)
