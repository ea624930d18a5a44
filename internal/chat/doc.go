// Package chat defines the message model that flows between the conversation
// cache, the durable store, the history reducer and completion providers.
//
// A conversation is an ordered, append-only sequence of Message values. At most
// one message may carry RoleSystem and, when present, it is the first element.
// NormalizeSystem restores that shape for sequences read back from storage.
//
// Message and Part carry camelCase JSON tags; that encoding is what the shared
// remote cache stores and what the durable store uses for items and metadata.
package chat
