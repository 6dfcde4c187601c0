package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scribe/internal/models"
)

type mockWS struct {
	readCh    chan models.ClientEvent
	writeCh   chan models.ServerEvent
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent),
		writeCh: make(chan models.ServerEvent, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) ReadJSON(v interface{}) error {
	select {
	case event := <-m.readCh:
		*(v.(*models.ClientEvent)) = event
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) WriteJSON(v interface{}) error {
	select {
	case m.writeCh <- v.(models.ServerEvent):
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

type mockConnHub struct {
	events       chan models.ServerEvent
	joinCh       chan string
	leaveCh      chan string
	typingCh     chan bool
	unregistered chan string
}

func newMockConnHub() *mockConnHub {
	return &mockConnHub{
		events:       make(chan models.ServerEvent, 10),
		joinCh:       make(chan string, 10),
		leaveCh:      make(chan string, 10),
		typingCh:     make(chan bool, 10),
		unregistered: make(chan string, 1),
	}
}

func (m *mockConnHub) Register(userID string) (string, chan models.ServerEvent) {
	return "conn-test", m.events
}

func (m *mockConnHub) Unregister(connID string) {
	m.unregistered <- connID
}

func (m *mockConnHub) JoinConversation(connID, conversationID string) bool {
	m.joinCh <- conversationID
	return true
}

func (m *mockConnHub) LeaveConversation(connID, conversationID string) {
	m.leaveCh <- conversationID
}

func (m *mockConnHub) Typing(connID, conversationID string, typing bool) {
	m.typingCh <- typing
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestConnectionLifecycle(t *testing.T) {
	ws := newMockWS()
	hub := newMockConnHub()
	conn := NewConnection(hub, ws, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Handle(ctx) }()

	// Client joins a conversation; the hub sees it.
	ws.readCh <- models.ClientEvent{Type: models.ClientEventJoinConversation, ConversationID: "conv1"}
	if got := recv(t, hub.joinCh, "join"); got != "conv1" {
		t.Errorf("expected join for conv1, got %s", got)
	}

	// Typing frames are forwarded.
	ws.readCh <- models.ClientEvent{Type: models.ClientEventTypingStart, ConversationID: "conv1"}
	if got := recv(t, hub.typingCh, "typing"); !got {
		t.Error("expected typing=true")
	}
	ws.readCh <- models.ClientEvent{Type: models.ClientEventTypingStop, ConversationID: "conv1"}
	if got := recv(t, hub.typingCh, "typing stop"); got {
		t.Error("expected typing=false")
	}

	// A hub event reaches the socket.
	hub.events <- models.ServerEvent{Type: models.ServerEventNewMessage, ConversationID: "conv1"}
	if got := recv(t, ws.writeCh, "server event"); got.Type != models.ServerEventNewMessage {
		t.Errorf("expected new-message on the wire, got %s", got.Type)
	}

	ws.readCh <- models.ClientEvent{Type: models.ClientEventLeaveConversation, ConversationID: "conv1"}
	if got := recv(t, hub.leaveCh, "leave"); got != "conv1" {
		t.Errorf("expected leave for conv1, got %s", got)
	}

	cancel()
	if err := recv(t, done, "Handle to return"); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
	if got := recv(t, hub.unregistered, "unregister"); got != "conn-test" {
		t.Errorf("expected conn-test to unregister, got %s", got)
	}
}

func TestConnectionReadError(t *testing.T) {
	ws := newMockWS()
	hub := newMockConnHub()
	conn := NewConnection(hub, ws, "user1")

	done := make(chan error, 1)
	go func() { done <- conn.Handle(context.Background()) }()

	// Closing the socket makes ReadJSON fail; Handle surfaces the error and
	// unregisters the session.
	ws.Close()
	if err := recv(t, done, "Handle to return"); err == nil {
		t.Error("expected read error to surface")
	}
	recv(t, hub.unregistered, "unregister")
}

func TestConnectionIgnoresMalformedEvents(t *testing.T) {
	ws := newMockWS()
	hub := newMockConnHub()
	conn := NewConnection(hub, ws, "user1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- conn.Handle(ctx) }()

	// Missing conversation ID and unknown type are both dropped silently.
	ws.readCh <- models.ClientEvent{Type: models.ClientEventJoinConversation}
	ws.readCh <- models.ClientEvent{Type: "no-such-event", ConversationID: "conv1"}
	ws.readCh <- models.ClientEvent{Type: models.ClientEventJoinConversation, ConversationID: "conv2"}

	if got := recv(t, hub.joinCh, "join"); got != "conv2" {
		t.Errorf("expected only the well-formed join, got %s", got)
	}

	cancel()
	recv(t, done, "Handle to return")
}
