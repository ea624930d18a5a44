// ABOUTME: Tests for the Anthropic adapter's message mapping and request handling
// ABOUTME: Uses an httptest server in place of the Anthropic API

package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/completion"
)

func setupTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sdk := anthropic.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL),
		option.WithMaxRetries(0),
	)
	return NewFromClient(&sdk, func(o *Options) {
		o.Model = "claude-test"
		o.MaxTokens = 256
	})
}

func TestBuildMessages_MergesSameRole(t *testing.T) {
	msgs := buildMessages([]chat.Message{
		chat.NewMessage(chat.RoleUser, "one"),
		chat.NewMessage(chat.RoleUser, "two"),
		chat.NewMessage(chat.RoleAssistant, "three"),
		chat.NewMessage(chat.RoleUser, ""),
		chat.NewMessage(chat.RoleUser, "four"),
	})

	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Len(t, msgs[0].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
}

func TestClient_Complete(t *testing.T) {
	var body map[string]any
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "hi there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`)
	})

	reply, err := client.Complete(testContext(t), []chat.Message{
		chat.NewMessage(chat.RoleSystem, "be brief"),
		chat.NewMessage(chat.RoleUser, "hello"),
	}, completion.Options{})
	require.NoError(t, err)
	assert.Equal(t, chat.RoleAssistant, reply.Role)
	assert.Equal(t, "hi there", reply.Content)

	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, 256, body["max_tokens"])
	system, ok := body["system"].([]any)
	require.True(t, ok, "system prompt sent out of band")
	require.Len(t, system, 1)
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 1)
}

func TestClient_Complete_APIError(t *testing.T) {
	client := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
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
