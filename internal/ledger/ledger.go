// Package ledger is the append-only message store scoped to conversations:
// send, paginated backward retrieval, read-state tracking and sender-only
// deletion.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"scribe/internal/content"
	"scribe/internal/gateway"
	"scribe/internal/models"
	"scribe/internal/storage"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	MaxMessageBytes = 8192
)

// Notifier reaches recipients who are not connected at emit time.
type Notifier interface {
	NotifyNewMessage(userID string, message models.Message)
}

type Service struct {
	store    *storage.BboltStorage
	gw       gateway.Publisher
	notifier Notifier
	now      func() time.Time
}

// New wires the ledger to its collaborators. gw and notifier may be nil,
// which disables realtime fan-out and push notifications respectively.
func New(store *storage.BboltStorage, gw gateway.Publisher, notifier Notifier) *Service {
	return &Service{
		store:    store,
		gw:       gw,
		notifier: notifier,
		now:      time.Now,
	}
}

// Append validates, persists, and fans out a new message. Persisting the
// message, updating the conversation's lastMessage snapshot and bumping the
// recipient's unread counter happen as one transaction; fan-out runs after
// the write commits so the socket event always carries the authoritative
// record.
func (s *Service) Append(conversationID, senderID, text string, attachments []models.Attachment) (models.Message, error) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, models.ErrForbidden
	}

	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return models.Message{}, fmt.Errorf("%w: message text is empty", models.ErrValidation)
	}
	if len(text) > MaxMessageBytes {
		return models.Message{}, fmt.Errorf("%w: message text too long", models.ErrValidation)
	}

	text = content.Sanitize(text)
	message := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		HTML:           content.Render(text),
		CreatedAt:      s.now().UnixMicro(),
		Attachments:    attachments,
	}

	stored, err := s.store.AppendMessage(message)
	if err != nil {
		return models.Message{}, err
	}

	s.fanOut(conv, stored)

	return stored, nil
}

// fanOut emits the persisted message to the conversation room and to the
// recipient's personal room, so a recipient watching only the conversation
// list still gets a live update. Recipients with no connection at all get a
// push notification instead; there is no durable event queue.
func (s *Service) fanOut(conv models.Conversation, message models.Message) {
	recipient := conv.Other(message.SenderID)

	if s.gw != nil {
		event := models.ServerEvent{
			Type:           models.ServerEventNewMessage,
			ConversationID: conv.ID,
			Message:        &message,
		}
		s.gw.Publish(gateway.ConversationRoom(conv.ID), event)
		s.gw.Publish(gateway.PersonalRoom(recipient), event)

		if s.gw.Connected(recipient) {
			return
		}
	}

	if s.notifier != nil {
		s.notifier.NotifyNewMessage(recipient, message)
	}
}

// Page returns up to limit messages strictly older than before (Unix
// microseconds; 0 means newest), oldest first. The requester must be a
// participant.
func (s *Service) Page(conversationID, requesterID string, limit int, before int64) ([]models.Message, error) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, models.ErrForbidden
	}

	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	return s.store.PageMessages(conversationID, limit, before)
}

// MarkRead resets the reader's unread counter to zero. Idempotent.
func (s *Service) MarkRead(conversationID, readerID string) error {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(readerID) {
		return models.ErrForbidden
	}
	return s.store.ResetUnread(conversationID, readerID)
}

// Delete removes a message. Only the original sender may delete; the parent
// conversation's lastMessage snapshot is not recomputed.
func (s *Service) Delete(messageID, requesterID string) error {
	message, err := s.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if message.SenderID != requesterID {
		return models.ErrForbidden
	}
	return s.store.DeleteMessage(messageID)
}

// UnreadTotal is the aggregate unread count across all of the user's
// conversations.
func (s *Service) UnreadTotal(userID string) (int, error) {
	convs, err := s.store.ListConversations(userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, conv := range convs {
		total += conv.Unread[userID]
	}
	return total, nil
}
