// ABOUTME: Completion client backed by the OpenAI Chat Completions API
// ABOUTME: Maps chat history to message params and streams content deltas

package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/completion"
)

// Options configures the adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Client implements completion.Client over the OpenAI SDK.
type Client struct {
	client *openai.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// New creates a client using the official SDK. Without an API key the SDK
// falls back to OPENAI_API_KEY.
func New(optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return &Client{client: &client, opts: opts}
}

// NewFromClient wraps an existing SDK client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

// Complete returns the first choice's content.
func (c *Client) Complete(ctx context.Context, msgs []chat.Message, opts completion.Options) (chat.Message, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(msgs, opts))
	if err != nil {
		return chat.Message{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return chat.Message{}, errors.New("no choices returned")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return chat.Message{}, completion.ErrEmptyResponse
	}
	return chat.NewMessage(chat.RoleAssistant, content), nil
}

// Stream forwards content deltas of the first choice.
func (c *Client) Stream(ctx context.Context, msgs []chat.Message, opts completion.Options) (<-chan completion.Chunk, <-chan error) {
	out := make(chan completion.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(msgs, opts))
		defer stream.Close()

		for stream.Next() {
			ck := stream.Current()
			if len(ck.Choices) == 0 || ck.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- completion.Chunk{Text: ck.Choices[0].Delta.Content}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
		}
	}()
	return out, errCh
}

func (c *Client) buildParams(msgs []chat.Message, opts completion.Options) openai.ChatCompletionNewParams {
	model := c.opts.Model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := c.opts.MaxCompletionTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	temperature := c.opts.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	return openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            buildMessages(msgs),
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

func buildMessages(msgs []chat.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case chat.RoleAssistant:
			out = append(out, openai.AssistantMessage(text))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

var _ completion.Client = (*Client)(nil)
