// ABOUTME: Store interfaces and data types for durable conversation persistence
// ABOUTME: Defines Agent, Thread, Message and the repository interfaces the cache layer consumes

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-chatcache/internal/chat"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// ErrDuplicateAgent is returned when trying to create an agent that already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrAgentNotFound is returned when a thread references an agent that does not exist
var ErrAgentNotFound = errors.New("agent not found")

// Agent is a configured assistant persona. Its Instruction becomes the
// system prompt of every conversation created for it.
type Agent struct {
	ID          string
	Name        string
	Instruction string
	Model       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Thread is the durable record of a conversation. Its ID is the ConversationID
// used by the cache.
type Thread struct {
	ID        string
	AgentID   string
	UserID    string
	Title     string
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a persisted chat message. Seq is assigned by the store and
// defines the original append order within a thread.
type Message struct {
	ID        string
	ThreadID  string
	Seq       int64
	Role      chat.Role
	Content   string
	Items     []chat.Part
	Metadata  map[string]string
	CreatedAt time.Time
}

// NewMessage wraps a chat message for persistence in the given thread.
func NewMessage(threadID string, msg chat.Message) *Message {
	c := msg.Clone()
	return &Message{
		ThreadID: threadID,
		Role:     c.Role,
		Content:  c.Content,
		Items:    c.Items,
		Metadata: c.Metadata,
	}
}

// ChatMessage converts the persisted form back into a chat message.
func (m *Message) ChatMessage() chat.Message {
	return chat.Message{
		Role:     m.Role,
		Content:  m.Content,
		Items:    m.Items,
		Metadata: m.Metadata,
	}.Clone()
}

// AgentRepository persists agents.
type AgentRepository interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
}

// ThreadRepository persists conversation threads.
type ThreadRepository interface {
	// CreateThread returns ErrAgentNotFound if thread.AgentID is unknown and
	// ErrDuplicateThread if the ID is taken.
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ThreadExists(ctx context.Context, id string) (bool, error)
	ListThreads(ctx context.Context, limit int) ([]*Thread, error)
	ListThreadsByUser(ctx context.Context, userID string, limit int) ([]*Thread, error)
	TouchThread(ctx context.Context, id string, at time.Time) error
}

// MessageRepository persists the ordered message sequence of each thread.
type MessageRepository interface {
	// PersistMessage assigns ID (if empty), Seq and CreatedAt (if zero).
	// Returns ErrNotFound if the thread does not exist.
	PersistMessage(ctx context.Context, msg *Message) error
	// ListMessages returns every message of a thread in append order.
	ListMessages(ctx context.Context, threadID string) ([]*Message, error)
	CountMessages(ctx context.Context, threadID string) (int, error)
}

// Store is the full durable store.
type Store interface {
	AgentRepository
	ThreadRepository
	MessageRepository
	Close() error
}

// clampLimit applies the default and maximum page sizes used by the List methods.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
