package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"scribe/internal/content"
	"scribe/internal/identity"
	"scribe/internal/models"
	"scribe/internal/storage"

	"github.com/google/uuid"
)

// AdminHandler provisions users and issues their identity tokens. It plays
// the identity-provider role: a provisioned user receives a signed token
// the frontend presents on every HTTP call and socket handshake.
type AdminHandler struct {
	identity *identity.Service
	store    *storage.BboltStorage
	password string
}

func NewAdminHandler(identityService *identity.Service, store *storage.BboltStorage, password string) *AdminHandler {
	return &AdminHandler{identity: identityService, store: store, password: password}
}

// RequireAdmin guards the admin surface with basic auth. An empty
// configured password disables the check (local development).
func (h *AdminHandler) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.password != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "admin" ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="scribe admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type AddUserResponse struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	User        models.User `json:"user,omitempty"`
	Token       string      `json:"token,omitempty"`
	TokenExpiry int64       `json:"tokenExpiry,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetUserByName(req.Username); err == nil {
		http.Error(w, "User already exists", http.StatusConflict)
		return
	} else if !errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: displayName,
		Status:      models.UserStatusActive,
	}
	if err := h.store.UpsertUser(user); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	token, expiry, err := h.identity.Issue(user.ID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AddUserResponse{
		Success:     true,
		User:        user,
		Token:       token,
		TokenExpiry: expiry,
	})
}

// TokenHandler re-issues a token for an existing user (the "refresh" path a
// real identity provider would own).
func (h *AdminHandler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if _, err := h.store.GetUser(userID); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	token, expiry, err := h.identity.Issue(userID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"token":       token,
		"tokenExpiry": expiry,
	})
}
