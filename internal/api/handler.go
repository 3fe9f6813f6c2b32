package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/RichardoC/padi-relay/internal/apperr"
	"github.com/RichardoC/padi-relay/internal/conversation"
	"github.com/RichardoC/padi-relay/internal/history"
	"github.com/RichardoC/padi-relay/internal/metrics"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/RichardoC/padi-relay/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options tunes the WebSocket side of the handler.
type Options struct {
	PingInterval   time.Duration
	TurnQueue      int
	AllowedOrigins []string
}

type Handler struct {
	registry *conversation.Registry
	history  *history.Store
	relay    *relay.Relay
	auth     *TokenAuthenticator
	metrics  *metrics.Collector
	logger   *zap.Logger

	upgrader     websocket.Upgrader
	pingInterval time.Duration
	turnQueue    int
}

func NewHandler(registry *conversation.Registry, store *history.Store, rly *relay.Relay, auth *TokenAuthenticator, collector *metrics.Collector, logger *zap.Logger, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.TurnQueue <= 0 {
		opts.TurnQueue = 8
	}
	return &Handler{
		registry: registry,
		history:  store,
		relay:    rly,
		auth:     auth,
		metrics:  collector,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		pingInterval: opts.PingInterval,
		turnQueue:    opts.TurnQueue,
	}
}

// Routes registers every endpoint on a new mux wrapped in request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/stats", h.requireActor(h.Stats))
	mux.HandleFunc("GET /ws", h.ServeWebSocket)

	mux.HandleFunc("GET /api/conversations", h.requireActor(h.ListConversations))
	mux.HandleFunc("POST /api/conversations", h.requireActor(h.CreateConversation))
	mux.HandleFunc("GET /api/conversations/{id}", h.requireActor(h.GetConversation))
	mux.HandleFunc("PATCH /api/conversations/{id}", h.requireActor(h.UpdateConversation))
	mux.HandleFunc("PUT /api/conversations/{id}", h.requireActor(h.UpdateConversation))
	mux.HandleFunc("DELETE /api/conversations/{id}", h.requireActor(h.DeleteConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.requireActor(h.GetMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.requireActor(h.AppendMessage))
	mux.HandleFunc("GET /api/conversations/{id}/search", h.requireActor(h.SearchMessages))

	return LoggingMiddleware(h.logger, mux)
}

type CreateConversationRequest struct {
	Title        string `json:"title"`
	ModelID      string `json:"model_id"`
	SystemPrompt string `json:"system_prompt"`
}

type AppendMessageRequest struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

type conversationResponse struct {
	Conversation *models.Conversation `json:"conversation"`
}

type conversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
}

type messageResponse struct {
	Message *models.Message `json:"message"`
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.registry.ListForOwner(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.String("actor_id", actorFrom(r.Context())))

	h.writeJSON(w, http.StatusOK, conversationsResponse{Conversations: conversations})
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation("invalid request body"))
		return
	}

	conv, err := h.registry.Create(r.Context(), actorFrom(r.Context()), req.Title, req.ModelID, req.SystemPrompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, conversationResponse{Conversation: conv})
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.registry.AssertOwnership(r.Context(), r.PathValue("id"), actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.AssertOwnership(r.Context(), id, actorFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}

	var patch models.ConversationPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, r, apperr.Validation("invalid request body"))
		return
	}

	conv, err := h.registry.Update(r.Context(), id, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.AssertOwnership(r.Context(), id, actorFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.registry.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.AssertOwnership(r.Context(), id, actorFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	req := history.PageRequest{
		Cursor:          query.Get("cursor"),
		TargetMessageID: query.Get("target_message_id"),
	}
	if raw := query.Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, apperr.Validation("page_size must be an integer"))
			return
		}
		// Zero or negative sizes fall back to the default page size.
		req.PageSize = size
	}

	page, err := h.history.Page(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.AssertOwnership(r.Context(), id, actorFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.Validation("invalid request body"))
		return
	}
	if req.Content == "" {
		h.writeError(w, r, apperr.Validation("content is required"))
		return
	}
	role := models.RoleUser
	if req.Role != "" {
		role = models.Role(req.Role)
	}

	msg, err := h.history.Append(r.Context(), id, role, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, messageResponse{Message: msg})
}

func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.AssertOwnership(r.Context(), id, actorFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.history.Search(r.Context(), id, r.URL.Query().Get("q"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messagesResponse{Messages: messages})
}
