// ABOUTME: Conversation cache manager mediating the memory store and the durable store
// ABOUTME: Reconstructs evicted conversations on read and writes cache-first, then durably

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/clock"
	"github.com/2389/coven-chatcache/internal/history"
	"github.com/2389/coven-chatcache/internal/memstore"
	"github.com/2389/coven-chatcache/internal/store"
)

// Store is what the manager needs from durable storage.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	CreateThread(ctx context.Context, thread *store.Thread) error
	ThreadExists(ctx context.Context, id string) (bool, error)
	ListThreads(ctx context.Context, limit int) ([]*store.Thread, error)
	ListThreadsByUser(ctx context.Context, userID string, limit int) ([]*store.Thread, error)
	TouchThread(ctx context.Context, id string, at time.Time) error
	PersistMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, threadID string) ([]*store.Message, error)
}

// ThreadInfo describes a conversation to create.
type ThreadInfo struct {
	AgentID  string
	UserID   string
	Title    string
	Metadata map[string]string
}

// Descriptor identifies a created or listed conversation.
type Descriptor struct {
	ConversationID string            `json:"conversationId"`
	AgentID        string            `json:"agentId"`
	UserID         string            `json:"userId,omitempty"`
	Title          string            `json:"title,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Ack confirms a durably persisted message.
type Ack struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Seq            int64  `json:"seq"`
}

// Stats summarizes the cache.
type Stats struct {
	Backend memstore.Kind `json:"backend"`
	Cached  int           `json:"cached"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for durable timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

// WithBudget sets the default reduction budget.
func WithBudget(b history.Budget) Option {
	return func(m *Manager) { m.budget = b }
}

// WithBroadcaster publishes every persisted message to b.
func WithBroadcaster(b *Broadcaster) Option {
	return func(m *Manager) { m.broadcaster = b }
}

// Manager owns the conversation cache. Writes to one conversation are
// serialized; different conversations never wait on each other.
type Manager struct {
	store       Store
	cache       memstore.Backend
	oracle      *Oracle
	reducer     *history.Reducer
	broadcaster *Broadcaster
	budget      history.Budget
	clock       clock.Clock
	locks       *keyedMutex
	logger      *slog.Logger
}

// NewManager creates a Manager. A nil reducer disables reduction.
func NewManager(st Store, cache memstore.Backend, reducer *history.Reducer, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:   st,
		cache:   cache,
		oracle:  NewOracle(cache, st),
		reducer: reducer,
		budget:  history.DefaultBudget(),
		clock:   clock.Real{},
		locks:   newKeyedMutex(),
		logger:  logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateConversation creates the durable thread, seeds an empty cache record
// and installs the agent's instruction as the system message.
func (m *Manager) CreateConversation(ctx context.Context, info ThreadInfo) (*Descriptor, error) {
	if info.AgentID == "" {
		return nil, invalidArg("agent id is required")
	}

	agent, err := m.store.GetAgent(ctx, info.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidArg("unknown agent %s", info.AgentID)
	}
	if err != nil {
		return nil, persistenceErr("create", "", err)
	}

	now := m.clock.Now()
	thread := &store.Thread{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		UserID:    info.UserID,
		Title:     info.Title,
		Metadata:  info.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateThread(ctx, thread); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return nil, invalidArg("unknown agent %s", info.AgentID)
		}
		return nil, persistenceErr("create", thread.ID, err)
	}

	unlock := m.locks.Lock(thread.ID)
	err = m.cache.Set(ctx, thread.ID, memstore.Record{Messages: []chat.Message{}})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("seeding cache for %s: %w", thread.ID, err)
	}

	if agent.Instruction != "" {
		if err := m.AddSystemMessage(ctx, thread.ID, chat.NewMessage(chat.RoleSystem, agent.Instruction)); err != nil {
			return nil, err
		}
	}

	m.logger.Info("conversation created",
		"conversation_id", thread.ID,
		"agent_id", agent.ID,
		"user_id", info.UserID)

	return descriptorOf(thread), nil
}

// GetHistory returns the conversation's messages, rebuilding the cache entry
// from the durable store on a miss.
func (m *Manager) GetHistory(ctx context.Context, id string) ([]chat.Message, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// AppendMessage adds a user or assistant message. The cache is updated first
// so readers in this process see it immediately; a failed durable write is
// returned as a PersistenceError and is not retried.
func (m *Manager) AppendMessage(ctx context.Context, id string, msg chat.Message) (*Ack, error) {
	if !msg.Role.Valid() {
		return nil, invalidArg("unknown role %q", msg.Role)
	}
	if msg.Role == chat.RoleSystem {
		return nil, invalidArg("system messages must use AddSystemMessage")
	}
	if id == "" {
		return nil, ErrNotFound
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Messages = append(rec.Messages, msg.Clone())
	if err := m.cache.Set(ctx, id, rec); err != nil {
		return nil, fmt.Errorf("caching message for %s: %w", id, err)
	}

	return m.persist(ctx, "append", id, msg)
}

// AddSystemMessage installs msg as the conversation's system message. It is a
// no-op when one already exists.
func (m *Manager) AddSystemMessage(ctx context.Context, id string, msg chat.Message) error {
	if msg.Role != chat.RoleSystem {
		return invalidArg("expected system role, got %q", msg.Role)
	}
	if id == "" {
		return ErrNotFound
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if chat.HasSystem(rec.Messages) {
		m.logger.Debug("system message already present", "conversation_id", id)
		return nil
	}

	rec.Messages = append([]chat.Message{msg.Clone()}, rec.Messages...)
	if err := m.cache.Set(ctx, id, rec); err != nil {
		return fmt.Errorf("caching system message for %s: %w", id, err)
	}

	_, err = m.persist(ctx, "system", id, msg)
	return err
}

// ClearHistory evicts the conversation from the cache. Durable history is kept
// and the next read rebuilds it.
func (m *Manager) ClearHistory(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.cache.Remove(ctx, id); err != nil {
		return fmt.Errorf("evicting %s: %w", id, err)
	}
	m.logger.Debug("conversation evicted", "conversation_id", id)
	return nil
}

// ConversationExists checks the cache, then the durable store.
func (m *Manager) ConversationExists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	return m.oracle.Exists(ctx, id)
}

// ReducedHistory returns the history bounded by budget. A zero budget uses the
// manager's default.
func (m *Manager) ReducedHistory(ctx context.Context, id string, budget history.Budget) ([]chat.Message, error) {
	if budget.IsZero() {
		budget = m.budget
	}
	if err := budget.Validate(); err != nil {
		return nil, invalidArg("%v", err)
	}

	msgs, err := m.GetHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.reducer == nil {
		return msgs, nil
	}
	return m.reducer.Reduce(ctx, msgs, budget), nil
}

// ListConversations lists durable conversations, most recently active first.
// An empty userID lists every user's conversations.
func (m *Manager) ListConversations(ctx context.Context, userID string, limit int) ([]*Descriptor, error) {
	var (
		threads []*store.Thread
		err     error
	)
	if userID == "" {
		threads, err = m.store.ListThreads(ctx, limit)
	} else {
		threads, err = m.store.ListThreadsByUser(ctx, userID, limit)
	}
	if err != nil {
		return nil, persistenceErr("list", "", err)
	}

	out := make([]*Descriptor, 0, len(threads))
	for _, t := range threads {
		out = append(out, descriptorOf(t))
	}
	return out, nil
}

// Stats reports the backend kind and number of cached conversations.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	n, err := m.cache.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting cache: %w", err)
	}
	return Stats{Backend: m.cache.Kind(), Cached: n}, nil
}

// load returns the cached record or rebuilds it. Caller holds the id lock.
func (m *Manager) load(ctx context.Context, id string) (memstore.Record, error) {
	rec, err := m.cache.Get(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, memstore.ErrNotFound) {
		return memstore.Record{}, fmt.Errorf("reading cache for %s: %w", id, err)
	}
	return m.reconstruct(ctx, id)
}

func (m *Manager) reconstruct(ctx context.Context, id string) (memstore.Record, error) {
	exists, err := m.store.ThreadExists(ctx, id)
	if err != nil {
		return memstore.Record{}, persistenceErr("exists", id, err)
	}
	if !exists {
		return memstore.Record{}, ErrNotFound
	}

	stored, err := m.store.ListMessages(ctx, id)
	if err != nil {
		return memstore.Record{}, persistenceErr("load", id, err)
	}
	msgs := make([]chat.Message, 0, len(stored))
	for _, sm := range stored {
		msgs = append(msgs, sm.ChatMessage())
	}

	rec := memstore.Record{Messages: chat.NormalizeSystem(msgs)}
	if err := m.cache.Set(ctx, id, rec); err != nil {
		return memstore.Record{}, fmt.Errorf("caching rebuilt %s: %w", id, err)
	}

	m.logger.Debug("conversation rebuilt from store",
		"conversation_id", id,
		"messages", len(rec.Messages))
	return rec, nil
}

func (m *Manager) persist(ctx context.Context, op, id string, msg chat.Message) (*Ack, error) {
	now := m.clock.Now()
	sm := store.NewMessage(id, msg)
	sm.ID = uuid.New().String()
	sm.CreatedAt = now

	if err := m.store.PersistMessage(ctx, sm); err != nil {
		m.logger.Error("failed to persist message",
			"conversation_id", id,
			"op", op,
			"error", err)
		return nil, persistenceErr(op, id, err)
	}

	if err := m.store.TouchThread(ctx, id, now); err != nil {
		m.logger.Warn("failed to touch thread", "conversation_id", id, "error", err)
	}

	if m.broadcaster != nil {
		m.broadcaster.Publish(Event{
			ConversationID: id,
			MessageID:      sm.ID,
			Seq:            sm.Seq,
			Message:        msg.Clone(),
			At:             now,
		})
	}

	return &Ack{ConversationID: id, MessageID: sm.ID, Seq: sm.Seq}, nil
}

func descriptorOf(t *store.Thread) *Descriptor {
	return &Descriptor{
		ConversationID: t.ID,
		AgentID:        t.AgentID,
		UserID:         t.UserID,
		Title:          t.Title,
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}
