// ABOUTME: In-memory completion client for tests
// ABOUTME: Returns canned replies, records requests and fails on demand

package completion

import (
	"context"
	"sync"

	"github.com/2389/coven-chatcache/internal/chat"
)

// Mock is a scripted Client.
type Mock struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   [][]chat.Message
	options []Options
}

// NewMock creates a Mock that answers every request with reply.
func NewMock(reply string) *Mock {
	return &Mock{reply: reply}
}

// SetReply changes the canned reply.
func (m *Mock) SetReply(reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reply = reply
}

// SetError makes subsequent requests fail with err. Pass nil to clear.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns copies of every message list the mock received.
func (m *Mock) Calls() [][]chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]chat.Message, len(m.calls))
	for i, c := range m.calls {
		out[i] = chat.CloneMessages(c)
	}
	return out
}

// LastOptions returns the options of the most recent request.
func (m *Mock) LastOptions() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.options) == 0 {
		return Options{}
	}
	return m.options[len(m.options)-1]
}

func (m *Mock) record(msgs []chat.Message, opts Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, chat.CloneMessages(msgs))
	m.options = append(m.options, opts)
	return m.reply, m.err
}

// Complete returns the canned reply.
func (m *Mock) Complete(ctx context.Context, msgs []chat.Message, opts Options) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	reply, err := m.record(msgs, opts)
	if err != nil {
		return chat.Message{}, err
	}
	return chat.NewMessage(chat.RoleAssistant, reply), nil
}

// Stream emits the canned reply one rune at a time.
func (m *Mock) Stream(ctx context.Context, msgs []chat.Message, opts Options) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk)
	errCh := make(chan error, 1)
	reply, err := m.record(msgs, opts)

	go func() {
		defer close(out)
		defer close(errCh)
		if err != nil {
			errCh <- err
			return
		}
		for _, r := range reply {
			select {
			case out <- Chunk{Text: string(r)}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return out, errCh
}

var _ Client = (*Mock)(nil)
