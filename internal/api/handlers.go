package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"scribe/internal/directory"
	"scribe/internal/filestore"
	"scribe/internal/identity"
	"scribe/internal/ledger"
	"scribe/internal/models"
	"scribe/internal/push"
	"scribe/internal/storage"
)

type API struct {
	identity  *identity.Service
	directory *directory.Service
	ledger    *ledger.Service
	store     *storage.BboltStorage
	files     filestore.FileStore
	push      *push.Service
}

func New(
	identityService *identity.Service,
	directoryService *directory.Service,
	ledgerService *ledger.Service,
	store *storage.BboltStorage,
	files filestore.FileStore,
	pushService *push.Service,
) *API {
	return &API{
		identity:  identityService,
		directory: directoryService,
		ledger:    ledgerService,
		store:     store,
		files:     files,
		push:      pushService,
	}
}

// AuthedHandler is an HTTP handler that runs with a resolved user identity.
type AuthedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// RequireAuth verifies the bearer token and passes the resolved identity
// down. Missing or invalid tokens are refused at this boundary.
func (a *API) RequireAuth(h AuthedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.identity.Verify(bearerToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r, userID)
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, identity.ErrInvalidToken):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, models.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	default:
		log.Printf("internal error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// ConversationView is a conversation as rendered for its requesting
// participant: their own unread counter and the peer's public profile.
type ConversationView struct {
	ID          string                  `json:"id"`
	Peer        models.User             `json:"peer"`
	LastMessage *models.MessageSnapshot `json:"lastMessage,omitempty"`
	UnreadCount int                     `json:"unreadCount"`
	CreatedAt   int64                   `json:"createdAt"`
}

func (a *API) conversationView(conv models.Conversation, viewerID string) ConversationView {
	view := ConversationView{
		ID:          conv.ID,
		LastMessage: conv.LastMessage,
		UnreadCount: conv.Unread[viewerID],
		CreatedAt:   conv.CreatedAt,
	}
	if peer, err := a.store.GetUser(conv.Other(viewerID)); err == nil {
		view.Peer = peer
	}
	return view
}

// ConversationsHandler lists the caller's conversations, newest-active
// first.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	convs, err := a.directory.List(userID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	views := make([]ConversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, a.conversationView(conv, userID))
	}
	writeJSON(w, views)
}

// ConversationWithHandler gets or creates the conversation with another
// user.
func (a *API) ConversationWithHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conv, err := a.directory.GetOrCreate(userID, r.PathValue("userId"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, a.conversationView(conv, userID))
}

// MessagesHandler returns one keyset page of a conversation's history.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid before cursor", http.StatusBadRequest)
			return
		}
		before = parsed
	}

	messages, err := a.ledger.Page(r.PathValue("id"), userID, limit, before)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, messages)
}

type SendMessageRequest struct {
	ConversationID string              `json:"conversationId"`
	Text           string              `json:"text"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
}

// SendMessageHandler appends a message and returns the persisted record,
// including its server-assigned timestamp and identity.
func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	message, err := a.ledger.Append(req.ConversationID, userID, req.Text, req.Attachments)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, message)
}

// MarkReadHandler resets the caller's unread counter on a conversation.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.ledger.MarkRead(r.PathValue("id"), userID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteMessageHandler deletes a message; sender-only.
func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.ledger.Delete(r.PathValue("id"), userID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UnreadCountHandler returns the aggregate unread count across all of the
// caller's conversations.
func (a *API) UnreadCountHandler(w http.ResponseWriter, r *http.Request, userID string) {
	total, err := a.ledger.UnreadTotal(userID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{"unreadCount": total})
}

// PushSubscribeHandler stores the caller's browser push subscription.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if a.push == nil {
		http.Error(w, "Push notifications are not configured", http.StatusNotImplemented)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.push.Subscribe(userID, raw); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
