// Package anthropic adapts the Anthropic Messages API to completion.Client.
package anthropic
