// Package conversation provides the conversation cache manager.
//
// # Overview
//
// The Manager sits between request handlers and the durable store. Every
// conversation is held in a memstore.Backend while it is active and rebuilt
// from the durable store when it is not:
//
//	m := conversation.NewManager(st, memstore.NewLocalStore(nil), reducer, logger)
//
// Key operations:
//
//   - CreateConversation(ctx, info): create the thread, seed the cache, install the system prompt
//   - GetHistory(ctx, id): cached messages, rebuilt on a miss
//   - AppendMessage(ctx, id, msg): update the cache, then persist
//   - AddSystemMessage(ctx, id, msg): idempotent system prompt at index 0
//   - ClearHistory(ctx, id): evict from the cache only
//   - ConversationExists(ctx, id): cache first, then the store
//   - ReducedHistory(ctx, id, budget): history bounded by the reducer
//
// # Consistency
//
// AppendMessage mutates the cache before writing durably. If the write fails
// the caller receives a PersistenceError while the cache keeps the message.
// Callers treat that error as retryable. Nothing is retried here.
//
// Operations on one conversation are serialized by a per-conversation lock.
// Distinct conversations proceed independently.
//
// # Reconstruction
//
// On a cache miss the manager checks that the thread exists, loads its
// messages in append order, moves the system message to the front and caches
// the result. Absent threads yield ErrNotFound.
//
// # Broadcasting
//
// A Broadcaster passed with WithBroadcaster receives an Event for every
// durably persisted message. Subscribers that fall behind lose events.
package conversation
