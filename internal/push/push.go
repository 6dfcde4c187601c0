// Package push delivers web-push notifications to recipients that have no
// live socket connection at emit time.
package push

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"scribe/internal/models"
	"scribe/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	VAPIDPublic  string
	VAPIDPrivate string
	Subscriber   string
}

type Service struct {
	config Config
	store  *storage.BboltStorage
}

// New returns nil when no VAPID keys are configured; callers treat a nil
// service as push disabled.
func New(config Config, store *storage.BboltStorage) *Service {
	if config.VAPIDPublic == "" || config.VAPIDPrivate == "" {
		return nil
	}
	return &Service{config: config, store: store}
}

// Subscribe stores the browser push subscription for a user. The payload
// must be a valid subscription JSON as produced by the Push API.
func (s *Service) Subscribe(userID string, subscription []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(subscription, &sub); err != nil || sub.Endpoint == "" {
		return models.ErrValidation
	}
	return s.store.UpsertPushSubscription(userID, subscription)
}

func (s *Service) Unsubscribe(userID string) error {
	return s.store.DeletePushSubscription(userID)
}

type notificationPayload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
}

// NotifyNewMessage sends a best-effort notification about a fresh message.
// Users without a subscription are skipped; subscriptions the push service
// reports as gone are removed.
func (s *Service) NotifyNewMessage(userID string, message models.Message) {
	raw, err := s.store.GetPushSubscription(userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("failed to load push subscription", "user_id", userID, "error", err)
		}
		return
	}

	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		slog.Error("corrupt push subscription", "user_id", userID, "error", err)
		return
	}

	payload, err := json.Marshal(notificationPayload{
		Type:           "new-message",
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Text:           message.Text,
	})
	if err != nil {
		return
	}

	resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
		Subscriber:      s.config.Subscriber,
		VAPIDPublicKey:  s.config.VAPIDPublic,
		VAPIDPrivateKey: s.config.VAPIDPrivate,
		TTL:             60,
	})
	if err != nil {
		slog.Error("web push failed", "user_id", userID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		_ = s.store.DeletePushSubscription(userID)
	}
}
