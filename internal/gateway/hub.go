package gateway

import (
	"sync"

	"scribe/internal/models"

	"github.com/google/uuid"
)

// Publisher is the outbound side of the gateway: a typed publish into a
// room. The ledger emits through this interface so fan-out logic stays
// testable without a socket transport.
type Publisher interface {
	Publish(room string, event models.ServerEvent)
	Connected(userID string) bool
}

// PersonalRoom is the per-user notification room every authenticated
// connection joins automatically.
func PersonalRoom(userID string) string {
	return "user:" + userID
}

// ConversationRoom is the room connections join when a thread is open.
func ConversationRoom(conversationID string) string {
	return "conv:" + conversationID
}

type membershipChecker interface {
	IsParticipant(conversationID, userID string) bool
}

// session is the process-local state of one authenticated connection:
// its bound user identity and the rooms it has joined.
type session struct {
	userID string
	rooms  map[string]bool
	events chan models.ServerEvent
}

// Hub is the connection manager: it owns the mapping from connection ID to
// session and from room to member connections. It is injected into the
// socket handlers rather than accessed as ambient global state.
type Hub struct {
	directory membershipChecker

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]bool
}

func NewHub(directory membershipChecker) *Hub {
	return &Hub{
		directory: directory,
		sessions:  make(map[string]*session),
		rooms:     make(map[string]map[string]bool),
	}
}

// Register creates a session for an authenticated connection and joins it
// to the user's personal room. It returns the connection ID and the channel
// the connection's write loop drains.
func (h *Hub) Register(userID string) (string, chan models.ServerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connID := uuid.NewString()
	s := &session{
		userID: userID,
		rooms:  make(map[string]bool),
		events: make(chan models.ServerEvent, 100),
	}
	h.sessions[connID] = s
	h.join(connID, s, PersonalRoom(userID))

	return connID, s.events
}

// Unregister drops the session and all its room memberships. Memberships
// are not persisted; a reconnecting client re-joins the rooms it cares
// about.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[connID]
	if !ok {
		return
	}
	for room := range s.rooms {
		h.leave(connID, s, room)
	}
	delete(h.sessions, connID)
	close(s.events)
}

// JoinConversation adds the connection to the conversation's room after
// verifying the bound user is actually a participant. Returns false when the
// join is refused.
func (h *Hub) JoinConversation(connID, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[connID]
	if !ok {
		return false
	}
	if !h.directory.IsParticipant(conversationID, s.userID) {
		return false
	}
	h.join(connID, s, ConversationRoom(conversationID))
	return true
}

// LeaveConversation removes the room membership but keeps the connection
// registered (the personal room persists).
func (h *Hub) LeaveConversation(connID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[connID]
	if !ok {
		return
	}
	h.leave(connID, s, ConversationRoom(conversationID))
}

// Typing re-publishes a typing indicator from the given connection to the
// conversation room. The connection must have joined the room first, which
// is also where participation was verified.
func (h *Hub) Typing(connID, conversationID string, typing bool) {
	h.mu.RLock()
	s, ok := h.sessions[connID]
	joined := ok && s.rooms[ConversationRoom(conversationID)]
	h.mu.RUnlock()

	if !joined {
		return
	}

	eventType := models.ServerEventTyping
	if !typing {
		eventType = models.ServerEventStoppedTyping
	}
	h.Publish(ConversationRoom(conversationID), models.ServerEvent{
		Type:           eventType,
		ConversationID: conversationID,
		UserID:         s.userID,
	})
}

// Publish fans the event out to every connection in the room. Delivery is
// best-effort and at-most-once per socket: a connection with a full buffer
// drops the event and catches up over HTTP.
func (h *Hub) Publish(room string, event models.ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID := range h.rooms[room] {
		s, ok := h.sessions[connID]
		if !ok {
			continue
		}
		select {
		case s.events <- event:
		default:
		}
	}
}

// Connected reports whether the user has at least one live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID := range h.rooms[PersonalRoom(userID)] {
		if _, ok := h.sessions[connID]; ok {
			return true
		}
	}
	return false
}

// join and leave assume h.mu is held for writing.

func (h *Hub) join(connID string, s *session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]bool)
		h.rooms[room] = members
	}
	members[connID] = true
	s.rooms[room] = true
}

func (h *Hub) leave(connID string, s *session, room string) {
	delete(s.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}
