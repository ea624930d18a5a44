// ABOUTME: HTTP API exposing the conversation cache over JSON and SSE
// ABOUTME: Routes conversations, agents, cache maintenance and readiness through a chi router

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/completion"
	"github.com/2389/coven-chatcache/internal/conversation"
	"github.com/2389/coven-chatcache/internal/dedupe"
	"github.com/2389/coven-chatcache/internal/history"
	"github.com/2389/coven-chatcache/internal/pruner"
	"github.com/2389/coven-chatcache/internal/store"
)

const (
	maxBodyBytes       = 1 << 20
	readinessTimeout   = 2 * time.Second
	idempotencyHeader  = "Idempotency-Key"
	replayHeader       = "Idempotent-Replay"
	retryAfterSeconds  = "1"
	defaultListLimit   = 50
	eventKeepaliveTick = 15 * time.Second
)

// AgentStore is the agent registry the API manages.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
}

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// APIDeps wires the API to its collaborators. Completion, Pruner, Dedupe and
// Broadcaster are optional; the routes that need them answer 501 or 503 when
// they are nil.
type APIDeps struct {
	Manager     *conversation.Manager
	Agents      AgentStore
	Completion  completion.Client
	Pruner      *pruner.Pruner
	Dedupe      *dedupe.Cache[*conversation.Ack]
	Broadcaster *conversation.Broadcaster
	Probes      map[string]Probe
	Logger      *slog.Logger
}

// API holds the HTTP handlers.
type API struct {
	manager     *conversation.Manager
	agents      AgentStore
	completion  completion.Client
	pruner      *pruner.Pruner
	dedupe      *dedupe.Cache[*conversation.Ack]
	broadcaster *conversation.Broadcaster
	probes      map[string]Probe
	logger      *slog.Logger
}

// NewAPI creates the handler set.
func NewAPI(d APIDeps) *API {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		manager:     d.Manager,
		agents:      d.Agents,
		completion:  d.Completion,
		pruner:      d.Pruner,
		dedupe:      d.Dedupe,
		broadcaster: d.Broadcaster,
		probes:      d.Probes,
		logger:      logger.With("component", "api"),
	}
}

// Routes returns the router serving every endpoint.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	r.Get("/health/ready", a.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", a.handleListAgents)
			r.Post("/", a.handleCreateAgent)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", a.handleListConversations)
			r.Post("/", a.handleCreateConversation)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleExists)
				r.Head("/", a.handleExists)
				r.Get("/messages", a.handleGetHistory)
				r.Post("/messages", a.handleAppendMessage)
				r.Post("/system", a.handleAddSystemMessage)
				r.Delete("/cache", a.handleClearHistory)
				r.Get("/reduced", a.handleReducedHistory)
				r.Post("/chat", a.handleChat)
				r.Get("/events", a.handleEvents)
			})
		})

		r.Get("/cache/stats", a.handleCacheStats)
		r.Post("/cache/prune", a.handlePrune)
	})

	return r
}

// AgentRequest is the JSON body for POST /api/agents.
type AgentRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Instruction string `json:"instruction,omitempty"`
	Model       string `json:"model,omitempty"`
}

// AgentResponse describes a registered agent.
type AgentResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Instruction string    `json:"instruction,omitempty"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	AgentID  string            `json:"agentId"`
	UserID   string            `json:"userId,omitempty"`
	Title    string            `json:"title,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AppendMessageRequest is the JSON body for POST /api/conversations/{id}/messages.
type AppendMessageRequest struct {
	Role     string            `json:"role"`
	Content  string            `json:"content"`
	Items    []chat.Part       `json:"items,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SystemMessageRequest is the JSON body for POST /api/conversations/{id}/system.
type SystemMessageRequest struct {
	Content string `json:"content"`
}

// HistoryResponse carries a conversation's messages.
type HistoryResponse struct {
	ConversationID string         `json:"conversationId"`
	Messages       []chat.Message `json:"messages"`
}

// ExistsResponse answers GET /api/conversations/{id}.
type ExistsResponse struct {
	ConversationID string `json:"conversationId"`
	Exists         bool   `json:"exists"`
}

// StatsResponse answers GET /api/cache/stats.
type StatsResponse struct {
	conversation.Stats
	PruneInterval       string `json:"pruneInterval,omitempty"`
	InactivityThreshold string `json:"inactivityThreshold,omitempty"`
	IdempotencyKeys     int    `json:"idempotencyKeys"`
}

// ReadyResponse answers GET /health/ready.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// handleListAgents handles GET /api/agents.
func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.agents.ListAgents(r.Context())
	if err != nil {
		a.logger.Error("failed to list agents", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]AgentResponse, 0, len(agents))
	for _, ag := range agents {
		out = append(out, agentResponse(ag))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// handleCreateAgent handles POST /api/agents.
func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		a.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now().UTC()
	ag := &store.Agent{
		ID:          req.ID,
		Name:        req.Name,
		Instruction: req.Instruction,
		Model:       req.Model,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.agents.CreateAgent(r.Context(), ag); err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			a.sendJSONError(w, http.StatusConflict, "agent already exists")
			return
		}
		a.logger.Error("failed to create agent", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	a.logger.Info("agent registered", "agent_id", ag.ID, "name", ag.Name)
	a.writeJSON(w, http.StatusCreated, agentResponse(ag))
}

// handleListConversations handles GET /api/conversations?user_id=X&limit=N.
func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	convs, err := a.manager.ListConversations(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleCreateConversation handles POST /api/conversations.
func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	desc, err := a.manager.CreateConversation(r.Context(), conversation.ThreadInfo{
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Title:    req.Title,
		Metadata: req.Metadata,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, desc)
}

// handleExists handles GET and HEAD /api/conversations/{id}.
func (a *API) handleExists(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exists, err := a.manager.ConversationExists(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}

	status := http.StatusOK
	if !exists {
		status = http.StatusNotFound
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	a.writeJSON(w, status, ExistsResponse{ConversationID: id, Exists: exists})
}

// handleGetHistory handles GET /api/conversations/{id}/messages.
func (a *API) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := a.manager.GetHistory(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: id, Messages: msgs})
}

// handleAppendMessage handles POST /api/conversations/{id}/messages.
// A repeated Idempotency-Key returns the first acknowledgement without appending again.
func (a *API) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AppendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := chat.ParseRole(req.Role)
	if err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" && len(req.Items) == 0 {
		a.sendJSONError(w, http.StatusBadRequest, "content or items is required")
		return
	}

	var dedupeKey string
	if key := r.Header.Get(idempotencyHeader); key != "" && a.dedupe != nil {
		dedupeKey = dedupe.Key(id, key)
		if ack, ok := a.dedupe.Lookup(dedupeKey); ok {
			a.logger.Debug("replaying idempotent append", "conversation_id", id, "message_id", ack.MessageID)
			w.Header().Set(replayHeader, "true")
			a.writeJSON(w, http.StatusOK, ack)
			return
		}
	}

	ack, err := a.manager.AppendMessage(r.Context(), id, chat.Message{
		Role:     role,
		Content:  req.Content,
		Items:    req.Items,
		Metadata: req.Metadata,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	if dedupeKey != "" {
		a.dedupe.Store(dedupeKey, ack)
	}
	a.writeJSON(w, http.StatusCreated, ack)
}

// handleAddSystemMessage handles POST /api/conversations/{id}/system.
func (a *API) handleAddSystemMessage(w http.ResponseWriter, r *http.Request) {
	var req SystemMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		a.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	err := a.manager.AddSystemMessage(r.Context(), chi.URLParam(r, "id"), chat.NewMessage(chat.RoleSystem, req.Content))
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearHistory handles DELETE /api/conversations/{id}/cache.
func (a *API) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.ClearHistory(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReducedHistory handles GET /api/conversations/{id}/reduced?target=N&threshold=M.
// Omitted parameters fall back to the configured budget.
func (a *API) handleReducedHistory(w http.ResponseWriter, r *http.Request) {
	var budget history.Budget
	q := r.URL.Query()
	if q.Get("target") != "" || q.Get("threshold") != "" {
		budget = history.DefaultBudget()
		if raw := q.Get("target"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				a.sendJSONError(w, http.StatusBadRequest, "target must be an integer")
				return
			}
			budget.TargetCount = n
		}
		if raw := q.Get("threshold"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				a.sendJSONError(w, http.StatusBadRequest, "threshold must be an integer")
				return
			}
			budget.ThresholdCount = n
		}
	}

	id := chi.URLParam(r, "id")
	msgs, err := a.manager.ReducedHistory(r.Context(), id, budget)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: id, Messages: msgs})
}

// handleCacheStats handles GET /api/cache/stats.
func (a *API) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.manager.Stats(r.Context())
	if err != nil {
		a.logger.Error("failed to read cache stats", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := StatsResponse{Stats: stats}
	if a.pruner != nil {
		cfg := a.pruner.Config()
		resp.PruneInterval = cfg.Interval.String()
		resp.InactivityThreshold = cfg.Threshold.String()
	}
	if a.dedupe != nil {
		resp.IdempotencyKeys = a.dedupe.Len()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// handlePrune handles POST /api/cache/prune by running one sweep now.
func (a *API) handlePrune(w http.ResponseWriter, r *http.Request) {
	if a.pruner == nil {
		a.sendJSONError(w, http.StatusNotImplemented, "pruning is not configured")
		return
	}
	res, err := a.pruner.Sweep(r.Context())
	if err != nil {
		a.logger.Error("manual prune failed", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "prune failed")
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

// handleReady handles GET /health/ready by running every probe.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(a.probes))
	for name := range a.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := ReadyResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := a.probes[name](ctx); err != nil {
			a.logger.Warn("readiness probe failed", "probe", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	a.writeJSON(w, status, resp)
}

// writeError maps manager errors onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		a.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrInvalidArgument):
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrPersistence):
		a.logger.Error("durable store failure", "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		a.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "durable store unavailable", Retryable: true})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.sendJSONError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		a.logger.Error("request failed", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, errorResponse{Error: message})
}

// writeSSEEvent writes one Server-Sent Event with a JSON payload.
func (a *API) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func agentResponse(ag *store.Agent) AgentResponse {
	return AgentResponse{
		ID:          ag.ID,
		Name:        ag.Name,
		Instruction: ag.Instruction,
		Model:       ag.Model,
		CreatedAt:   ag.CreatedAt,
	}
}
