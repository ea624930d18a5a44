// Package completion defines the language-model capability used to answer
// chat turns and to summarize long conversations.
//
// Provider adapters live in the anthropic and openai subpackages. Mock is a
// scripted implementation for tests.
package completion
