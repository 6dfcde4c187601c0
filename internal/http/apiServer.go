package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"scribe/internal/api"
	"scribe/internal/gateway"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, gatewayServer *gateway.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	// Messaging API
	mux.HandleFunc("GET /api/messages/conversations", handlers.RequireAuth(handlers.ConversationsHandler))
	mux.HandleFunc("GET /api/messages/conversations/with/{userId}", handlers.RequireAuth(handlers.ConversationWithHandler))
	mux.HandleFunc("GET /api/messages/conversations/{id}/messages", handlers.RequireAuth(handlers.MessagesHandler))
	mux.HandleFunc("POST /api/messages/messages", handlers.RequireAuth(handlers.SendMessageHandler))
	mux.HandleFunc("PUT /api/messages/conversations/{id}/read", handlers.RequireAuth(handlers.MarkReadHandler))
	mux.HandleFunc("DELETE /api/messages/messages/{id}", handlers.RequireAuth(handlers.DeleteMessageHandler))
	mux.HandleFunc("GET /api/messages/unread-count", handlers.RequireAuth(handlers.UnreadCountHandler))

	// Users and profiles
	mux.HandleFunc("GET /api/users", handlers.RequireAuth(handlers.UsersHandler))
	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))
	mux.HandleFunc("POST /api/users/me/display-name", handlers.RequireAuth(handlers.UpdateDisplayNameHandler))
	mux.HandleFunc("POST /api/users/me/avatar", handlers.RequireAuth(handlers.UploadAvatarHandler))

	// Uploads
	mux.HandleFunc("POST /api/upload", handlers.RequireAuth(handlers.UploadHandler))
	mux.HandleFunc("GET /api/files/{id}", handlers.FileHandler)

	// Push subscriptions
	mux.HandleFunc("POST /api/push/subscribe", handlers.RequireAuth(handlers.PushSubscribeHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", gatewayServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
