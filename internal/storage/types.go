package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Status      string `msgpack:"status"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

// DBConversation keeps both participants' unread counters on the
// conversation record. The counters are only ever touched inside a single
// write transaction, so concurrent increments from both sides cannot lose
// updates.
type DBConversation struct {
	ID           string `msgpack:"id"`
	ParticipantA string `msgpack:"participantA"`
	ParticipantB string `msgpack:"participantB"`
	LastText     string `msgpack:"lastText"`
	LastSenderID string `msgpack:"lastSenderId"`
	LastTS       int64  `msgpack:"lastTs"` // 0 while the conversation is empty
	UnreadA      int    `msgpack:"unreadA"`
	UnreadB      int    `msgpack:"unreadB"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string         `msgpack:"id"`
	ConversationID string         `msgpack:"conversationId"`
	SenderID       string         `msgpack:"senderId"`
	Text           string         `msgpack:"text"`
	HTML           string         `msgpack:"html"`
	CreatedAt      int64          `msgpack:"createdAt"`
	Attachments    []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
}

// Key orders messages by their server-assigned timestamp. AppendMessage
// guarantees the timestamp is unique within a conversation.
func (m *DBMessage) Key() []byte {
	return timestampKey(m.CreatedAt)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message from its ID for the delete path.
type DBMessageRef struct {
	MessageID      string `msgpack:"messageId"`
	ConversationID string `msgpack:"conversationId"`
	CreatedAt      int64  `msgpack:"createdAt"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.MessageID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

func timestampKey(ts int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(ts))
	return key
}
