// ABOUTME: Completion client backed by the Anthropic Messages API
// ABOUTME: Maps chat history to message params and streams text deltas

package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/completion"
)

// Options configures the adapter. Per-request completion.Options override
// Model, MaxTokens and Temperature when set.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	APIKey      string
}

// Client implements completion.Client over the Anthropic SDK.
type Client struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       string(anthropic.ModelClaude3_5Sonnet20241022),
		MaxTokens:   4096,
		Temperature: 0.7,
	}
}

// New creates a client using the official SDK. Without an API key the SDK
// falls back to ANTHROPIC_API_KEY.
func New(optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Client{client: &client, opts: opts}
}

// NewFromClient wraps an existing SDK client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

// Complete sends the conversation and returns the assistant's text reply.
func (c *Client) Complete(ctx context.Context, msgs []chat.Message, opts completion.Options) (chat.Message, error) {
	resp, err := c.client.Messages.New(ctx, c.buildParams(msgs, opts))
	if err != nil {
		return chat.Message{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return chat.Message{}, completion.ErrEmptyResponse
	}
	return chat.NewMessage(chat.RoleAssistant, b.String()), nil
}

// Stream forwards text deltas as they arrive.
func (c *Client) Stream(ctx context.Context, msgs []chat.Message, opts completion.Options) (<-chan completion.Chunk, <-chan error) {
	out := make(chan completion.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		stream := c.client.Messages.NewStreaming(ctx, c.buildParams(msgs, opts))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			select {
			case out <- completion.Chunk{Text: delta.Text}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		}
	}()
	return out, errCh
}

func (c *Client) buildParams(msgs []chat.Message, opts completion.Options) anthropic.MessageNewParams {
	model := c.opts.Model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := c.opts.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	temperature := c.opts.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	system, rest := completion.SplitSystem(msgs)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    buildMessages(rest),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// buildMessages converts history into alternating user/assistant turns.
// Consecutive messages with the same role are merged into one turn.
func buildMessages(msgs []chat.Message) []anthropic.MessageParam {
	var (
		out      []anthropic.MessageParam
		lastRole chat.Role
		pending  []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if lastRole == chat.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(pending...))
		} else {
			out = append(out, anthropic.NewUserMessage(pending...))
		}
		pending = nil
	}

	for _, m := range msgs {
		text := m.Text()
		if text == "" || m.Role == chat.RoleSystem {
			continue
		}
		if m.Role != lastRole {
			flush()
			lastRole = m.Role
		}
		pending = append(pending, anthropic.NewTextBlock(text))
	}
	flush()
	return out
}

var _ completion.Client = (*Client)(nil)
