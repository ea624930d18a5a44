// Package history bounds conversation histories for token-limited consumers.
//
// A Reducer leaves histories within Budget untouched. Longer histories are
// rewritten as [system] + summary + recent tail, where the summary is an
// assistant message tagged with MetaSummary. Reduction is best effort: when
// summarization fails the full history is returned.
package history
