// ABOUTME: bbolt implementation of the Store interface for single-file embedded deployments
// ABOUTME: Agents and threads live in JSON-valued buckets; messages in one sub-bucket per thread

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/2389/coven-chatcache/internal/chat"
)

// DriverBolt selects BoltStore in Open.
const DriverBolt = "bolt"

var (
	bucketAgents   = []byte("agents")
	bucketThreads  = []byte("threads")
	bucketMessages = []byte("messages")
)

// BoltStore implements the Store interface on a bbolt database file.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltStore opens (or creates) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	logger := slog.Default().With("component", "store", "driver", DriverBolt)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAgents, bucketThreads, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("bolt store initialized", "path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// Close closes the database file.
func (b *BoltStore) Close() error {
	b.logger.Info("closing bolt store")
	return b.db.Close()
}

// boltMessage is the stored form of a Message; ThreadID and Seq come from the key path.
type boltMessage struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Items     json.RawMessage   `json:"items,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// CreateAgent inserts a new agent.
func (b *BoltStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = agent.CreatedAt
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAgents)
		if bucket.Get([]byte(agent.ID)) != nil {
			return ErrDuplicateAgent
		}
		data, err := json.Marshal(agent)
		if err != nil {
			return fmt.Errorf("encoding agent: %w", err)
		}
		return bucket.Put([]byte(agent.ID), data)
	})
}

// GetAgent retrieves an agent by ID.
func (b *BoltStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var agent Agent
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns all agents ordered by name.
func (b *BoltStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var agents []*Agent
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var agent Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return fmt.Errorf("decoding agent: %w", err)
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Name != agents[j].Name {
			return agents[i].Name < agents[j].Name
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

// CreateThread creates a thread and its message bucket.
func (b *BoltStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = thread.CreatedAt
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAgents).Get([]byte(thread.AgentID)) == nil {
			return ErrAgentNotFound
		}
		threads := tx.Bucket(bucketThreads)
		if threads.Get([]byte(thread.ID)) != nil {
			return ErrDuplicateThread
		}
		data, err := json.Marshal(thread)
		if err != nil {
			return fmt.Errorf("encoding thread: %w", err)
		}
		if err := threads.Put([]byte(thread.ID), data); err != nil {
			return err
		}
		_, err = tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(thread.ID))
		return err
	})
	if err != nil {
		return err
	}

	b.logger.Debug("created thread", "id", thread.ID, "agent_id", thread.AgentID)
	return nil
}

func getBoltThread(tx *bolt.Tx, id string) (*Thread, error) {
	data := tx.Bucket(bucketThreads).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var thread Thread
	if err := json.Unmarshal(data, &thread); err != nil {
		return nil, fmt.Errorf("decoding thread: %w", err)
	}
	return &thread, nil
}

// GetThread retrieves a thread by ID.
func (b *BoltStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var thread *Thread
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		thread, err = getBoltThread(tx, id)
		return err
	})
	return thread, err
}

// ThreadExists reports whether a thread is stored.
func (b *BoltStore) ThreadExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var exists bool
	err := b.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketThreads).Get([]byte(id)) != nil
		return nil
	})
	return exists, err
}

// ListThreads retrieves threads ordered by most recent activity.
func (b *BoltStore) ListThreads(ctx context.Context, limit int) ([]*Thread, error) {
	return b.listThreads(ctx, limit, func(*Thread) bool { return true })
}

// ListThreadsByUser retrieves one user's threads ordered by most recent activity.
func (b *BoltStore) ListThreadsByUser(ctx context.Context, userID string, limit int) ([]*Thread, error) {
	return b.listThreads(ctx, limit, func(t *Thread) bool { return t.UserID == userID })
}

func (b *BoltStore) listThreads(ctx context.Context, limit int, keep func(*Thread) bool) ([]*Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var threads []*Thread
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketThreads).ForEach(func(_, v []byte) error {
			var thread Thread
			if err := json.Unmarshal(v, &thread); err != nil {
				return fmt.Errorf("decoding thread: %w", err)
			}
			if keep(&thread) {
				threads = append(threads, &thread)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	if limit = clampLimit(limit); len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// TouchThread bumps a thread's UpdatedAt.
func (b *BoltStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		thread, err := getBoltThread(tx, id)
		if err != nil {
			return err
		}
		thread.UpdatedAt = at
		data, err := json.Marshal(thread)
		if err != nil {
			return fmt.Errorf("encoding thread: %w", err)
		}
		return tx.Bucket(bucketThreads).Put([]byte(id), data)
	})
}

// PersistMessage appends a message using the thread bucket's sequence counter.
func (b *BoltStore) PersistMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var items json.RawMessage
	if len(msg.Items) > 0 {
		data, err := json.Marshal(msg.Items)
		if err != nil {
			return fmt.Errorf("encoding message items: %w", err)
		}
		items = data
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages).Bucket([]byte(msg.ThreadID))
		if bucket == nil {
			return ErrNotFound
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		data, err := json.Marshal(boltMessage{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Items:     items,
			Metadata:  msg.Metadata,
			CreatedAt: msg.CreatedAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		if err := bucket.Put(seqKey(seq), data); err != nil {
			return err
		}
		msg.Seq = int64(seq)
		return nil
	})
}

// ListMessages returns a thread's messages in sequence order.
func (b *BoltStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var messages []*Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages).Bucket([]byte(threadID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var stored boltMessage
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}
			msg := &Message{
				ID:        stored.ID,
				ThreadID:  threadID,
				Seq:       int64(binary.BigEndian.Uint64(k)),
				Role:      chat.Role(stored.Role),
				Content:   stored.Content,
				Metadata:  stored.Metadata,
				CreatedAt: stored.CreatedAt,
			}
			if len(stored.Items) > 0 {
				if err := json.Unmarshal(stored.Items, &msg.Items); err != nil {
					return fmt.Errorf("decoding message items: %w", err)
				}
			}
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// CountMessages returns the number of messages stored for a thread.
func (b *BoltStore) CountMessages(ctx context.Context, threadID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count int
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages).Bucket([]byte(threadID))
		if bucket != nil {
			count = bucket.Stats().KeyN
		}
		return nil
	})
	return count, err
}

var _ Store = (*BoltStore)(nil)
