// ABOUTME: Server-Sent Event handlers for completions and live conversation events
// ABOUTME: Chat appends the user turn, streams the model reply and appends it when done

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/completion"
	"github.com/2389/coven-chatcache/internal/conversation"
	"github.com/2389/coven-chatcache/internal/history"
)

// ChatRequest is the JSON body for POST /api/conversations/{id}/chat.
type ChatRequest struct {
	Content     string   `json:"content"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int64    `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// setSSEHeaders prepares w for an event stream.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// handleChat handles POST /api/conversations/{id}/chat.
// Events: started, delta (one per chunk), then done or error.
func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	if a.completion == nil {
		a.sendJSONError(w, http.StatusServiceUnavailable, "no completion provider configured")
		return
	}

	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		a.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	// Check streaming support before appending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("streaming not supported")
		a.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")

	userAck, err := a.manager.AppendMessage(ctx, id, chat.NewMessage(chat.RoleUser, req.Content))
	if err != nil {
		a.writeError(w, err)
		return
	}

	msgs, err := a.manager.ReducedHistory(ctx, id, history.Budget{})
	if err != nil {
		a.writeError(w, err)
		return
	}

	setSSEHeaders(w)
	a.writeSSEEvent(w, "started", map[string]any{
		"conversationId": id,
		"messageId":      userAck.MessageID,
		"seq":            userAck.Seq,
	})
	flusher.Flush()

	chunks, errs := a.completion.Stream(ctx, msgs, completion.Options{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})

	var reply strings.Builder
	for c := range chunks {
		if c.Text == "" {
			continue
		}
		reply.WriteString(c.Text)
		a.writeSSEEvent(w, "delta", map[string]string{"text": c.Text})
		flusher.Flush()
	}

	streamErr := <-errs
	if streamErr == nil && reply.Len() == 0 {
		streamErr = completion.ErrEmptyResponse
	}
	if streamErr != nil {
		a.logger.Error("completion failed", "conversation_id", id, "error", streamErr)
		a.writeSSEEvent(w, "error", map[string]string{"error": chatErrorMessage(streamErr)})
		flusher.Flush()
		return
	}

	ack, err := a.manager.AppendMessage(ctx, id, chat.NewMessage(chat.RoleAssistant, reply.String()))
	if err != nil {
		a.logger.Error("failed to append reply", "conversation_id", id, "error", err)
		a.writeSSEEvent(w, "error", errorResponse{
			Error:     "failed to save reply",
			Retryable: errors.Is(err, conversation.ErrPersistence),
		})
		flusher.Flush()
		return
	}

	a.writeSSEEvent(w, "done", map[string]any{
		"conversationId": id,
		"messageId":      ack.MessageID,
		"seq":            ack.Seq,
		"content":        reply.String(),
	})
	flusher.Flush()
}

func chatErrorMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, completion.ErrEmptyResponse):
		return "empty completion response"
	default:
		return "completion failed"
	}
}

// handleEvents handles GET /api/conversations/{id}/events, streaming every
// message persisted to the conversation until the client disconnects.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.broadcaster == nil {
		a.sendJSONError(w, http.StatusNotImplemented, "event streaming is not configured")
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")

	exists, err := a.manager.ConversationExists(ctx, id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !exists {
		a.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("streaming not supported")
		a.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := a.broadcaster.Subscribe(ctx, id)

	setSSEHeaders(w)
	a.writeSSEEvent(w, "subscribed", map[string]string{"conversationId": id, "subscriptionId": subID})
	flusher.Flush()

	ticker := time.NewTicker(eventKeepaliveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.writeSSEEvent(w, "message", ev)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
