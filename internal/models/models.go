package models

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
)

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// User represents a user in the system.
type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	Status      UserStatus `json:"status"`
}

// MessageSnapshot is the denormalized preview of a conversation's most
// recent message, kept on the conversation for list rendering.
type MessageSnapshot struct {
	Text      string `json:"text"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"` // Unix microseconds
}

// Conversation is the two-party thread container for messages.
// Participants always holds exactly two distinct user IDs in sorted order.
type Conversation struct {
	ID           string           `json:"id"`
	Participants [2]string        `json:"participants"`
	LastMessage  *MessageSnapshot `json:"lastMessage,omitempty"`
	Unread       map[string]int   `json:"unread"`
	CreatedAt    int64            `json:"createdAt"` // Unix microseconds
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// LastActivity is the ordering key for conversation lists: the last message
// timestamp, or the creation time while the conversation is still empty.
func (c *Conversation) LastActivity() int64 {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return c.CreatedAt
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	FileID   string         `json:"fileId"`
}

// Message represents a persisted chat message. Messages are immutable after
// creation; CreatedAt is server-assigned and strictly increasing within a
// conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Text           string       `json:"text"`
	HTML           string       `json:"html,omitempty"`
	CreatedAt      int64        `json:"createdAt"` // Unix microseconds
	Attachments    []Attachment `json:"attachments,omitempty"`
}

type ClientEventType string

const (
	ClientEventJoinConversation  ClientEventType = "join-conversation"
	ClientEventLeaveConversation ClientEventType = "leave-conversation"
	ClientEventTypingStart       ClientEventType = "typing-start"
	ClientEventTypingStop        ClientEventType = "typing-stop"
)

// ClientEvent is a frame sent by the client over the socket.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	ConversationID string          `json:"conversationId"`
}

type ServerEventType string

const (
	ServerEventNewMessage    ServerEventType = "new-message"
	ServerEventTyping        ServerEventType = "user-typing"
	ServerEventStoppedTyping ServerEventType = "user-stopped-typing"
)

// ServerEvent is a frame pushed to clients over the socket.
type ServerEvent struct {
	Type           ServerEventType `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Message        *Message        `json:"message,omitempty"`
}
