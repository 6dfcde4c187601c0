package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"scribe/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketConversations = []byte("conversations")
	bucketPairs         = []byte("conversation_pairs")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketSubscriptions = []byte("push_subscriptions")
	bucketFiles         = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketConversations,
			bucketPairs,
			bucketMessages,
			bucketMessageIndex,
			bucketSubscriptions,
			bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertUser stores a new or updated user record.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			Status:      string(user.Status),
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = userFromDB(dbUser)
		return nil
	})
	return user, err
}

// GetUserByName looks a user up by their unique username.
func (s *BboltStorage) GetUserByName(userName string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		found := false
		err := b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.UserName == userName {
				user = userFromDB(dbUser)
				found = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return models.ErrNotFound
		}
		return nil
	})
	return user, err
}

// ListUsers returns all active users.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Status == string(models.UserStatusActive) {
				users = append(users, userFromDB(dbUser))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, nil
}

// GetOrCreateConversation resolves the conversation for an unordered user
// pair, creating it on first contact. The pair lookup and the create happen
// in one write transaction, so two near-simultaneous first contacts collapse
// to a single record. Participants are stored in sorted order.
func (s *BboltStorage) GetOrCreateConversation(userA, userB, newID string, now int64) (models.Conversation, bool, error) {
	var conv models.Conversation
	created := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(userA)) == nil || users.Get([]byte(userB)) == nil {
			return models.ErrNotFound
		}

		a, b := userA, userB
		if b < a {
			a, b = b, a
		}
		pairKey := []byte(a + "|" + b)

		pairs := tx.Bucket(bucketPairs)
		convs := tx.Bucket(bucketConversations)

		if existing := pairs.Get(pairKey); existing != nil {
			data := convs.Get(existing)
			if data == nil {
				return fmt.Errorf("pair index points at missing conversation %s", existing)
			}
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(data); err != nil {
				return err
			}
			conv = conversationFromDB(dbConv)
			return nil
		}

		dbConv := DBConversation{
			ID:           newID,
			ParticipantA: a,
			ParticipantB: b,
			CreatedAt:    now,
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convs.Put(dbConv.Key(), data); err != nil {
			return err
		}
		if err := pairs.Put(pairKey, dbConv.Key()); err != nil {
			return err
		}
		conv = conversationFromDB(dbConv)
		created = true
		return nil
	})
	return conv, created, err
}

func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(data); err != nil {
			return err
		}
		conv = conversationFromDB(dbConv)
		return nil
	})
	return conv, err
}

// ListConversations returns every conversation the user participates in,
// in no particular order.
func (s *BboltStorage) ListConversations(userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		return b.ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbConv.ParticipantA == userID || dbConv.ParticipantB == userID {
				convs = append(convs, conversationFromDB(dbConv))
			}
			return nil
		})
	})
	return convs, err
}

// AppendMessage persists the message, updates the parent conversation's
// lastMessage snapshot and increments the recipient's unread counter as a
// single transaction. The message timestamp is bumped past the
// conversation's previous one when the clock has not advanced, which keeps
// the per-conversation order total. The stored message is returned.
func (s *BboltStorage) AppendMessage(message models.Message) (models.Message, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if message.ConversationID == "" {
			return errors.New("message missing conversationID")
		}

		convs := tx.Bucket(bucketConversations)
		convKey := []byte(message.ConversationID)
		convData := convs.Get(convKey)
		if convData == nil {
			return models.ErrNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(convData); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		if message.CreatedAt <= dbConv.LastTS {
			message.CreatedAt = dbConv.LastTS + 1
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(convKey)
		if err != nil {
			return fmt.Errorf("failed to create conversation message bucket: %w", err)
		}

		dbMessage := DBMessage{
			ID:             message.ID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			Text:           message.Text,
			HTML:           message.HTML,
			CreatedAt:      message.CreatedAt,
		}
		if len(message.Attachments) > 0 {
			dbMessage.Attachments = make([]DBAttachment, len(message.Attachments))
			for i, a := range message.Attachments {
				dbMessage.Attachments[i] = DBAttachment{
					Type:     string(a.Type),
					Name:     a.Name,
					MimeType: a.MimeType,
					FileID:   a.FileID,
				}
			}
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			CreatedAt:      message.CreatedAt,
		}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageIndex).Put(ref.Key(), refData); err != nil {
			return err
		}

		dbConv.LastText = message.Text
		dbConv.LastSenderID = message.SenderID
		dbConv.LastTS = message.CreatedAt
		switch message.SenderID {
		case dbConv.ParticipantA:
			dbConv.UnreadB++
		case dbConv.ParticipantB:
			dbConv.UnreadA++
		}

		newData, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		return convs.Put(convKey, newData)
	})
	return message, err
}

// PageMessages returns up to limit messages strictly older than before
// (Unix microseconds; 0 means newest), ordered oldest to newest.
func (s *BboltStorage) PageMessages(conversationID string, limit int, before int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // no messages yet
		}

		c := convBucket.Cursor()

		var k, v []byte
		if before > 0 {
			k, v = c.Seek(timestampKey(before))
			if k == nil {
				// All keys are older than the cursor.
				k, v = c.Last()
			} else {
				// Seek lands on the first key >= before; step back to get
				// strictly older entries only.
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Collected newest first; callers want oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ResetUnread zeroes the given participant's unread counter.
func (s *BboltStorage) ResetUnread(conversationID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		data := convs.Get([]byte(conversationID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(data); err != nil {
			return err
		}
		switch userID {
		case dbConv.ParticipantA:
			dbConv.UnreadA = 0
		case dbConv.ParticipantB:
			dbConv.UnreadB = 0
		default:
			return models.ErrForbidden
		}
		newData, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		return convs.Put([]byte(conversationID), newData)
	})
}

func (s *BboltStorage) GetMessage(messageID string) (models.Message, error) {
	var message models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		refData := tx.Bucket(bucketMessageIndex).Get([]byte(messageID))
		if refData == nil {
			return models.ErrNotFound
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(refData); err != nil {
			return err
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
		if convBucket == nil {
			return models.ErrNotFound
		}
		data := convBucket.Get(timestampKey(ref.CreatedAt))
		if data == nil {
			return models.ErrNotFound
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return err
		}
		message = messageFromDB(dbMsg)
		return nil
	})
	return message, err
}

// DeleteMessage removes the record and its index entry. The parent
// conversation's lastMessage snapshot is intentionally left as is.
func (s *BboltStorage) DeleteMessage(messageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMessageIndex)
		refData := index.Get([]byte(messageID))
		if refData == nil {
			return models.ErrNotFound
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(refData); err != nil {
			return err
		}
		if convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID)); convBucket != nil {
			if err := convBucket.Delete(timestampKey(ref.CreatedAt)); err != nil {
				return err
			}
		}
		return index.Delete([]byte(messageID))
	})
}

// UpsertPushSubscription stores the raw browser push subscription for a user.
func (s *BboltStorage) UpsertPushSubscription(userID string, subscription []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Put([]byte(userID), subscription)
	})
}

func (s *BboltStorage) GetPushSubscription(userID string) ([]byte, error) {
	var sub []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		sub = append(sub, data...)
		return nil
	})
	return sub, err
}

func (s *BboltStorage) DeletePushSubscription(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(userID))
	})
}

func userFromDB(dbUser DBUser) models.User {
	return models.User{
		ID:          dbUser.ID,
		UserName:    dbUser.UserName,
		DisplayName: dbUser.DisplayName,
		AvatarURL:   dbUser.AvatarURL,
		Status:      models.UserStatus(dbUser.Status),
	}
}

func conversationFromDB(dbConv DBConversation) models.Conversation {
	conv := models.Conversation{
		ID:           dbConv.ID,
		Participants: [2]string{dbConv.ParticipantA, dbConv.ParticipantB},
		Unread: map[string]int{
			dbConv.ParticipantA: dbConv.UnreadA,
			dbConv.ParticipantB: dbConv.UnreadB,
		},
		CreatedAt: dbConv.CreatedAt,
	}
	if dbConv.LastTS > 0 {
		conv.LastMessage = &models.MessageSnapshot{
			Text:      dbConv.LastText,
			SenderID:  dbConv.LastSenderID,
			Timestamp: dbConv.LastTS,
		}
	}
	return conv
}

func messageFromDB(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:             dbMsg.ID,
		ConversationID: dbMsg.ConversationID,
		SenderID:       dbMsg.SenderID,
		Text:           dbMsg.Text,
		HTML:           dbMsg.HTML,
		CreatedAt:      dbMsg.CreatedAt,
	}
	if len(dbMsg.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(dbMsg.Attachments))
		for i, a := range dbMsg.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return msg
}
