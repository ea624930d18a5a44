// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject durable-store failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// The Fail* fields, when set, are returned by the matching operations.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	threads  map[string]*Thread
	messages map[string][]*Message // keyed by thread ID, in append order

	FailPersist error
	FailList    error
	FailExists  error
	FailCreate  error

	listCalls    int
	persistCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*Agent),
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*Message),
	}
}

// SetFailPersist makes PersistMessage return err until reset with nil.
func (m *MockStore) SetFailPersist(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailPersist = err
}

// ListCalls returns how many times ListMessages has been called.
func (m *MockStore) ListCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCalls
}

// PersistCalls returns how many times PersistMessage has been called.
func (m *MockStore) PersistCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistCalls
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if _, ok := m.agents[agent.ID]; ok {
		return ErrDuplicateAgent
	}
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents ordered by name.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		agents = append(agents, &cp)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// CreateThread stores a new thread.
func (m *MockStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, ok := m.agents[thread.AgentID]; !ok {
		return ErrAgentNotFound
	}
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if _, ok := m.threads[thread.ID]; ok {
		return ErrDuplicateThread
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
		thread.UpdatedAt = thread.CreatedAt
	}

	// Make a copy to avoid external modification
	t := *thread
	t.Metadata = copyMetadata(thread.Metadata)
	m.threads[t.ID] = &t
	return nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *t
	result.Metadata = copyMetadata(t.Metadata)
	return &result, nil
}

// ThreadExists reports whether a thread is stored.
func (m *MockStore) ThreadExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailExists != nil {
		return false, m.FailExists
	}
	_, ok := m.threads[id]
	return ok, nil
}

// ListThreads retrieves threads ordered by most recent activity.
func (m *MockStore) ListThreads(ctx context.Context, limit int) ([]*Thread, error) {
	return m.listThreads(limit, func(*Thread) bool { return true }), nil
}

// ListThreadsByUser retrieves one user's threads ordered by most recent activity.
func (m *MockStore) ListThreadsByUser(ctx context.Context, userID string, limit int) ([]*Thread, error) {
	return m.listThreads(limit, func(t *Thread) bool { return t.UserID == userID }), nil
}

func (m *MockStore) listThreads(limit int, keep func(*Thread) bool) []*Thread {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var threads []*Thread
	for _, t := range m.threads {
		if keep(t) {
			cp := *t
			threads = append(threads, &cp)
		}
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	if limit = clampLimit(limit); len(threads) > limit {
		threads = threads[:limit]
	}
	return threads
}

// TouchThread bumps a thread's UpdatedAt.
func (m *MockStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.UpdatedAt = at
	return nil
}

// PersistMessage appends a message to a thread.
func (m *MockStore) PersistMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.persistCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailPersist != nil {
		return m.FailPersist
	}
	if _, ok := m.threads[msg.ThreadID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.Seq = int64(len(m.messages[msg.ThreadID]) + 1)

	stored := *msg
	cm := msg.ChatMessage()
	stored.Items, stored.Metadata = cm.Items, cm.Metadata
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], &stored)
	return nil
}

// ListMessages returns a thread's messages in append order.
func (m *MockStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls++
	if m.FailList != nil {
		return nil, m.FailList
	}

	msgs := m.messages[threadID]
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		cm := msg.ChatMessage()
		cp.Items, cp.Metadata = cm.Items, cm.Metadata
		out[i] = &cp
	}
	return out, nil
}

// CountMessages returns the number of stored messages for a thread.
func (m *MockStore) CountMessages(ctx context.Context, threadID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[threadID]), nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyMetadata(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

var _ Store = (*MockStore)(nil)
