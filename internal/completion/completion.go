// ABOUTME: Completion capability interface consumed by the reducer and the chat endpoint
// ABOUTME: Defines Client, Options and Chunk plus a helper to drain a stream

package completion

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/coven-chatcache/internal/chat"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty completion response")

// Options tune a single completion request. Zero values defer to the
// client's configured defaults.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature *float64
}

// Chunk is one incremental piece of a streamed completion.
type Chunk struct {
	Text string
}

// Client produces assistant messages from a conversation.
type Client interface {
	Complete(ctx context.Context, msgs []chat.Message, opts Options) (chat.Message, error)

	// Stream sends chunks until the reply is complete. Both channels are
	// closed when the stream ends; at most one error is delivered.
	Stream(ctx context.Context, msgs []chat.Message, opts Options) (<-chan Chunk, <-chan error)
}

// Collect drains a stream into a single assistant message.
func Collect(chunks <-chan Chunk, errs <-chan error) (chat.Message, error) {
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c.Text)
	}
	if err := <-errs; err != nil {
		return chat.Message{}, err
	}
	return chat.NewMessage(chat.RoleAssistant, b.String()), nil
}

// SplitSystem separates the leading system prompt from the rest of the
// conversation. Providers that take the system prompt out of band use it.
func SplitSystem(msgs []chat.Message) (string, []chat.Message) {
	if chat.HasSystem(msgs) {
		return msgs[0].Text(), msgs[1:]
	}
	return "", msgs
}
