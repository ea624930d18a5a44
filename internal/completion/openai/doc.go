// Package openai adapts the OpenAI Chat Completions API to completion.Client.
package openai
