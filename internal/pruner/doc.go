// Package pruner evicts idle conversations from node-local caches.
//
// Remote backends expire entries through their own TTL, so the pruner skips
// them. Eviction only drops the cached copy; the conversation is rebuilt from
// the durable store on its next read.
package pruner
