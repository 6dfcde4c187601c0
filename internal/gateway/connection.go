package gateway

import (
	"context"
	"errors"
	"sync"

	"scribe/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type connectionHub interface {
	Register(userID string) (string, chan models.ServerEvent)
	Unregister(connID string)
	JoinConversation(connID, conversationID string) bool
	LeaveConversation(connID, conversationID string)
	Typing(connID, conversationID string, typing bool)
}

// Connection pumps frames between one websocket and the hub. It is bound to
// a single authenticated user for its whole lifetime.
type Connection struct {
	ws         wsConnection
	hub        connectionHub
	userID     string
	connID     string
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	hub connectionHub,
	ws wsConnection,
	userID string,
) *Connection {
	connID, events := hub.Register(userID)
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		connID:     connID,
		fromClient: make(chan models.ClientEvent),
		fromServer: events,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Unregister(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var event models.ClientEvent
		if err := c.ws.ReadJSON(&event); err != nil {
			return err
		}
		select {
		case c.fromClient <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case event := <-c.fromClient:
			c.processClientEvent(event)
		case event := <-c.fromServer:
			if err := c.ws.WriteJSON(event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(event models.ClientEvent) {
	if event.ConversationID == "" {
		return
	}

	switch event.Type {
	case models.ClientEventJoinConversation:
		c.hub.JoinConversation(c.connID, event.ConversationID)
	case models.ClientEventLeaveConversation:
		c.hub.LeaveConversation(c.connID, event.ConversationID)
	case models.ClientEventTypingStart:
		c.hub.Typing(c.connID, event.ConversationID, true)
	case models.ClientEventTypingStop:
		c.hub.Typing(c.connID, event.ConversationID, false)
	}
}
