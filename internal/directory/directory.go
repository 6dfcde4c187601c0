// Package directory resolves an unordered pair of users to exactly one
// conversation record.
package directory

import (
	"fmt"
	"sort"
	"time"

	"scribe/internal/models"
	"scribe/internal/storage"

	"github.com/google/uuid"
)

type Service struct {
	store *storage.BboltStorage
	now   func() time.Time
}

func New(store *storage.BboltStorage) *Service {
	return &Service{store: store, now: time.Now}
}

// GetOrCreate returns the conversation between requester and otherID,
// creating it on first contact. The same pair always resolves to the same
// conversation regardless of argument order.
func (s *Service) GetOrCreate(requester, otherID string) (models.Conversation, error) {
	if requester == otherID {
		return models.Conversation{}, fmt.Errorf("%w: cannot start a conversation with yourself", models.ErrValidation)
	}

	conv, _, err := s.store.GetOrCreateConversation(requester, otherID, uuid.NewString(), s.now().UnixMicro())
	return conv, err
}

// Get loads a single conversation, restricted to its participants.
func (s *Service) Get(conversationID, requester string) (models.Conversation, error) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(requester) {
		return models.Conversation{}, models.ErrForbidden
	}
	return conv, nil
}

// List returns the user's conversations ordered by most recent activity.
// Each call recomputes from current state.
func (s *Service) List(userID string) ([]models.Conversation, error) {
	convs, err := s.store.ListConversations(userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastActivity() > convs[j].LastActivity()
	})
	return convs, nil
}

// IsParticipant reports whether userID belongs to the conversation. Unknown
// conversations report false.
func (s *Service) IsParticipant(conversationID, userID string) bool {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return false
	}
	return conv.HasParticipant(userID)
}
