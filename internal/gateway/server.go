package gateway

import (
	"log"
	"net/http"
	"strings"

	"scribe/internal/identity"

	"github.com/gorilla/websocket"
)

// Server authenticates websocket handshakes and hands accepted connections
// to the hub. A failed handshake is refused with 401 and no retry is
// attempted here; the client must reconnect with a fresh token.
type Server struct {
	identity *identity.Service
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(identity *identity.Service, hub *Hub) *Server {
	return &Server{
		identity: identity,
		hub:      hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identity.Verify(handshakeToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.hub, ws, userID)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection for user %s closed: %v", userID, err)
	}
}

// handshakeToken extracts the bearer token from the handshake. Browsers
// cannot set headers on websocket upgrades, so the query parameter is the
// primary carrier; the header forms are kept for non-browser clients.
func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("token")
}
