// ABOUTME: Tests for the OpenAI adapter's message mapping and request handling
// ABOUTME: Uses an httptest server in place of the OpenAI API

package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/completion"
)

func setupTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sdk := openai.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL),
		option.WithMaxRetries(0),
	)
	return NewFromClient(&sdk, func(o *Options) { o.Model = "gpt-test" })
}

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages([]chat.Message{
		chat.NewMessage(chat.RoleSystem, "be brief"),
		chat.NewMessage(chat.RoleUser, "hello"),
		chat.NewMessage(chat.RoleAssistant, ""),
		chat.NewMessage(chat.RoleAssistant, "hi"),
	})

	require.Len(t, msgs, 3)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	assert.NotNil(t, msgs[2].OfAssistant)
}

func TestClient_Complete(t *testing.T) {
	var body map[string]any
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hi there"}}]
		}`)
	})

	temp := 0.2
	reply, err := client.Complete(testContext(t), []chat.Message{chat.NewMessage(chat.RoleUser, "hello")},
		completion.Options{MaxTokens: 32, Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply.Content)

	assert.Equal(t, "gpt-test", body["model"])
	assert.EqualValues(t, 32, body["max_completion_tokens"])
	assert.InDelta(t, 0.2, body["temperature"], 1e-9)
}

func TestClient_Complete_NoChoices(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"gpt-test","choices":[]}`)
	})

	_, err := client.Complete(testContext(t), []chat.Message{chat.NewMessage(chat.RoleUser, "hello")}, completion.Options{})
	assert.Error(t, err)
}

// testContext stands in for t.Context (Go 1.24+): a context cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
