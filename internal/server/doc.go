// Package server exposes the conversation cache over HTTP and gRPC.
//
// Server builds every component from a config.Config: the durable store,
// the memory store backend (local or Redis), an optional completion
// provider, the reducer, the manager and the inactivity pruner. Run listens
// on TCP or, when Tailscale is enabled, on a tsnet node, and shuts down
// when its context ends.
//
// HTTP routes:
//
//	GET    /health                              liveness
//	GET    /health/ready                        store and cache probes
//	GET    /api/agents                          list agents
//	POST   /api/agents                          register an agent
//	GET    /api/conversations?user_id=&limit=   list conversations
//	POST   /api/conversations                   create a conversation
//	HEAD   /api/conversations/{id}              existence check
//	GET    /api/conversations/{id}              existence check with body
//	GET    /api/conversations/{id}/messages     full history
//	POST   /api/conversations/{id}/messages     append (honors Idempotency-Key)
//	POST   /api/conversations/{id}/system       install the system message
//	DELETE /api/conversations/{id}/cache        evict from the cache
//	GET    /api/conversations/{id}/reduced      history bounded by target/threshold
//	POST   /api/conversations/{id}/chat         SSE completion stream
//	GET    /api/conversations/{id}/events       SSE stream of persisted messages
//	GET    /api/cache/stats                     cache statistics
//	POST   /api/cache/prune                     sweep inactive conversations now
//
// Durable store failures answer 503 with Retry-After and "retryable": true.
//
// The gRPC listener serves grpc.health.v1.Health, which reports NOT_SERVING
// once Shutdown begins.
package server
