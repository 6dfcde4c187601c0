// Package client is the conversation controller used by Scribe frontends
// and bots: it owns the socket connection lifecycle, merges confirmed
// messages with optimistic ones, and keeps conversation ordering and unread
// badges current as events arrive.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"scribe/internal/api"
	"scribe/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrSendFailed wraps an append failure. The caller gets the original text
// back to restore into the compose field; no automatic retry happens.
type ErrSendFailed struct {
	Text string
	Err  error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *ErrSendFailed) Unwrap() error {
	return e.Err
}

// Controller owns one socket connection per authenticated session.
type Controller struct {
	baseURL string
	httpc   *http.Client

	mu            sync.Mutex
	token         string
	selfID        string
	ws            *websocket.Conn
	open          string // conversation currently on screen, "" if none
	conversations []api.ConversationView
	confirmed     map[string][]models.Message
	pending       map[string][]PendingMessage
	seen          map[string]bool // message IDs already merged

	// OnChange, when set, is invoked after every state mutation.
	OnChange func()
}

func NewController(baseURL, token string) *Controller {
	return &Controller{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		httpc:     &http.Client{Timeout: 10 * time.Second},
		token:     token,
		confirmed: make(map[string][]models.Message),
		pending:   make(map[string][]PendingMessage),
		seen:      make(map[string]bool),
	}
}

// Connect resolves the session identity and dials the socket. The
// handshake carries the token; the server refuses it when the token is
// invalid and the caller must obtain a fresh one before trying again.
func (c *Controller) Connect(ctx context.Context) error {
	var me models.User
	if err := c.doJSON(ctx, http.MethodGet, "/api/me", nil, &me); err != nil {
		return err
	}

	wsURL, err := c.socketURL()
	if err != nil {
		return err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("socket handshake failed: %w", err)
	}

	c.mu.Lock()
	c.selfID = me.ID
	c.ws = ws
	c.mu.Unlock()

	go c.readLoop(ws)

	return c.RefreshConversations(ctx)
}

// SetToken swaps the identity token and re-creates the socket connection.
// No-op when the token is unchanged.
func (c *Controller) SetToken(ctx context.Context, token string) error {
	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	c.mu.Unlock()

	c.Close()
	return c.Connect(ctx)
}

func (c *Controller) Close() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Controller) socketURL() (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/chat"
	u.RawQuery = "token=" + url.QueryEscape(token)
	return u.String(), nil
}

// RefreshConversations reloads the conversation list from the server.
func (c *Controller) RefreshConversations(ctx context.Context) error {
	var convs []api.ConversationView
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/conversations", nil, &convs); err != nil {
		return err
	}
	c.mu.Lock()
	c.conversations = convs
	c.mu.Unlock()
	c.changed()
	return nil
}

// Conversations returns the current list snapshot, newest-active first.
func (c *Controller) Conversations() []api.ConversationView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.ConversationView, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// StartConversation gets or creates a conversation with another user.
func (c *Controller) StartConversation(ctx context.Context, userID string) (api.ConversationView, error) {
	var view api.ConversationView
	if err := c.doJSON(ctx, http.MethodGet, "/api/messages/conversations/with/"+url.PathEscape(userID), nil, &view); err != nil {
		return api.ConversationView{}, err
	}
	if err := c.RefreshConversations(ctx); err != nil {
		return api.ConversationView{}, err
	}
	return view, nil
}

// Open loads a conversation's latest page, joins its socket room and marks
// it read. Only one conversation is open at a time.
func (c *Controller) Open(ctx context.Context, conversationID string) error {
	var page []models.Message
	path := fmt.Sprintf("/api/messages/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return err
	}

	c.mu.Lock()
	if c.open != "" && c.open != conversationID {
		c.sendEvent(models.ClientEvent{Type: models.ClientEventLeaveConversation, ConversationID: c.open})
	}
	c.open = conversationID
	for _, message := range page {
		c.mergeLocked(message)
	}
	c.sendEvent(models.ClientEvent{Type: models.ClientEventJoinConversation, ConversationID: conversationID})
	c.setUnreadLocked(conversationID, 0)
	c.mu.Unlock()
	c.changed()

	return c.markRead(ctx, conversationID)
}

// LoadOlder fetches the page preceding the oldest loaded message.
func (c *Controller) LoadOlder(ctx context.Context, conversationID string, limit int) error {
	c.mu.Lock()
	var before int64
	if msgs := c.confirmed[conversationID]; len(msgs) > 0 {
		before = msgs[0].CreatedAt
	}
	c.mu.Unlock()

	path := fmt.Sprintf("/api/messages/conversations/%s/messages?limit=%d", url.PathEscape(conversationID), limit)
	if before > 0 {
		path += "&before=" + strconv.FormatInt(before, 10)
	}
	var page []models.Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return err
	}

	c.mu.Lock()
	for _, message := range page {
		c.mergeLocked(message)
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

// Send renders an optimistic placeholder immediately and posts the append.
// On failure the placeholder is removed and ErrSendFailed carries the text
// back for the compose field.
func (c *Controller) Send(ctx context.Context, conversationID, text string) error {
	p := PendingMessage{
		LocalID: uuid.NewString(),
		Text:    strings.TrimSpace(text),
		SentAt:  time.Now().UnixMicro(),
	}

	c.mu.Lock()
	c.pending[conversationID] = append(c.pending[conversationID], p)
	c.mu.Unlock()
	c.changed()

	req := api.SendMessageRequest{ConversationID: conversationID, Text: text}
	var message models.Message
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages/messages", req, &message); err != nil {
		c.mu.Lock()
		c.removePendingLocked(conversationID, p.LocalID)
		c.mu.Unlock()
		c.changed()
		return &ErrSendFailed{Text: text, Err: err}
	}

	// The HTTP response is the authoritative record: drop the placeholder
	// and merge the confirmed copy here. The socket echo of the same
	// message deduplicates by ID on merge.
	c.mu.Lock()
	c.removePendingLocked(conversationID, p.LocalID)
	c.mergeLocked(message)
	c.mu.Unlock()
	c.changed()
	return nil
}

// Messages returns the render list for a conversation: confirmed messages
// merged with still-pending optimistic ones.
func (c *Controller) Messages(conversationID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Reconcile(c.confirmed[conversationID], c.pending[conversationID], c.selfID)
}

// Typing reports the user's typing state for the open conversation.
func (c *Controller) Typing(conversationID string, typing bool) {
	eventType := models.ClientEventTypingStart
	if !typing {
		eventType = models.ClientEventTypingStop
	}
	c.mu.Lock()
	c.sendEvent(models.ClientEvent{Type: eventType, ConversationID: conversationID})
	c.mu.Unlock()
}

// UnreadTotal sums the badges of the local conversation list.
func (c *Controller) UnreadTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, conv := range c.conversations {
		total += conv.UnreadCount
	}
	return total
}

func (c *Controller) readLoop(ws *websocket.Conn) {
	for {
		var event models.ServerEvent
		if err := ws.ReadJSON(&event); err != nil {
			// Transport dropped; room memberships are gone server-side. The
			// owner re-connects with Connect and re-opens threads.
			return
		}
		c.handleEvent(event)
	}
}

func (c *Controller) handleEvent(event models.ServerEvent) {
	if event.Type != models.ServerEventNewMessage || event.Message == nil {
		return
	}
	message := *event.Message

	c.mu.Lock()
	isOpen := c.open == message.ConversationID
	c.mergeLocked(message)
	c.pending[message.ConversationID] = Unconsumed(
		c.confirmed[message.ConversationID],
		c.pending[message.ConversationID],
		c.selfID,
	)

	if isOpen {
		c.setUnreadLocked(message.ConversationID, 0)
	} else if message.SenderID != c.selfID {
		c.bumpLocked(message)
	}
	fromPeer := message.SenderID != c.selfID
	c.mu.Unlock()
	c.changed()

	if isOpen && fromPeer {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.markRead(ctx, message.ConversationID)
	}
}

// mergeLocked inserts a confirmed message in timestamp order, skipping
// duplicates. A read event may land before its message is rendered; merge
// order makes that harmless.
func (c *Controller) mergeLocked(message models.Message) {
	if c.seen[message.ID] {
		return
	}
	c.seen[message.ID] = true

	msgs := c.confirmed[message.ConversationID]
	i := len(msgs)
	for i > 0 && msgs[i-1].CreatedAt > message.CreatedAt {
		i--
	}
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = message
	c.confirmed[message.ConversationID] = msgs
}

// bumpLocked increments the badge and moves the conversation to the top of
// the list.
func (c *Controller) bumpLocked(message models.Message) {
	for i := range c.conversations {
		if c.conversations[i].ID != message.ConversationID {
			continue
		}
		conv := c.conversations[i]
		conv.UnreadCount++
		conv.LastMessage = &models.MessageSnapshot{
			Text:      message.Text,
			SenderID:  message.SenderID,
			Timestamp: message.CreatedAt,
		}
		copy(c.conversations[1:i+1], c.conversations[:i])
		c.conversations[0] = conv
		return
	}
	// Unknown conversation: first contact from a new peer. Pull the list
	// fresh on the next refresh; show a stub meanwhile.
	c.conversations = append([]api.ConversationView{{
		ID:          message.ConversationID,
		UnreadCount: 1,
		LastMessage: &models.MessageSnapshot{
			Text:      message.Text,
			SenderID:  message.SenderID,
			Timestamp: message.CreatedAt,
		},
	}}, c.conversations...)
}

func (c *Controller) setUnreadLocked(conversationID string, count int) {
	for i := range c.conversations {
		if c.conversations[i].ID == conversationID {
			c.conversations[i].UnreadCount = count
			return
		}
	}
}

func (c *Controller) removePendingLocked(conversationID, localID string) {
	pending := c.pending[conversationID]
	for i, p := range pending {
		if p.LocalID == localID {
			c.pending[conversationID] = append(pending[:i], pending[i+1:]...)
			return
		}
	}
}

// sendEvent requires c.mu held; socket writes are serialized by the lock.
func (c *Controller) sendEvent(event models.ClientEvent) {
	if c.ws == nil {
		return
	}
	_ = c.ws.WriteJSON(event)
}

func (c *Controller) markRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/messages/conversations/%s/read", url.PathEscape(conversationID))
	return c.doJSON(ctx, http.MethodPut, path, nil, nil)
}

func (c *Controller) changed() {
	if c.OnChange != nil {
		c.OnChange()
	}
}

func (c *Controller) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.Unlock()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
