package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"scribe/internal/models"
	"scribe/internal/storage"
)

type publishedEvent struct {
	room  string
	event models.ServerEvent
}

// fakePublisher records fan-out instead of delivering it.
type fakePublisher struct {
	published []publishedEvent
	online    map[string]bool
}

func (f *fakePublisher) Publish(room string, event models.ServerEvent) {
	f.published = append(f.published, publishedEvent{room: room, event: event})
}

func (f *fakePublisher) Connected(userID string) bool {
	return f.online[userID]
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) NotifyNewMessage(userID string, message models.Message) {
	f.notified = append(f.notified, userID)
}

func newTestLedger(t *testing.T) (*Service, *fakePublisher, *fakeNotifier, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "ledger_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range []models.User{
		{ID: "user1", UserName: "alice", Status: models.UserStatusActive},
		{ID: "user2", UserName: "bob", Status: models.UserStatusActive},
	} {
		if err := store.UpsertUser(u); err != nil {
			t.Fatal(err)
		}
	}

	conv, _, err := store.GetOrCreateConversation("user1", "user2", "conv1", 1)
	if err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{online: map[string]bool{}}
	notifier := &fakeNotifier{}
	return New(store, pub, notifier), pub, notifier, conv.ID
}

func TestAppend(t *testing.T) {
	svc, pub, _, convID := newTestLedger(t)
	pub.online["user2"] = true

	msg, err := svc.Append(convID, "user1", "  hello <b>there</b>  ", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected server-assigned message ID")
	}
	if msg.Text != "hello <b>there</b>" {
		t.Errorf("expected trimmed text, got %q", msg.Text)
	}
	if msg.HTML == "" {
		t.Error("expected rendered HTML")
	}

	// Fan-out goes to the conversation room and the recipient's personal room.
	if len(pub.published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(pub.published))
	}
	rooms := map[string]bool{}
	for _, p := range pub.published {
		rooms[p.room] = true
		if p.event.Type != models.ServerEventNewMessage {
			t.Errorf("expected new-message event, got %s", p.event.Type)
		}
		if p.event.Message == nil || p.event.Message.ID != msg.ID {
			t.Errorf("expected event to carry the stored message")
		}
	}
	if !rooms["conv:"+convID] || !rooms["user:user2"] {
		t.Errorf("unexpected fan-out rooms: %v", rooms)
	}
}

func TestAppendValidation(t *testing.T) {
	svc, _, _, convID := newTestLedger(t)

	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t  "},
		{"too long", strings.Repeat("a", MaxMessageBytes+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Append(convID, "user1", tt.text, nil); !errors.Is(err, models.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	// Attachment-only messages are allowed.
	att := []models.Attachment{{Type: models.AttachmentTypeImage, Name: "a.png", FileID: "f1"}}
	if _, err := svc.Append(convID, "user1", "", att); err != nil {
		t.Errorf("expected attachment-only message to be accepted, got %v", err)
	}
}

func TestAppendAuthorization(t *testing.T) {
	svc, _, _, convID := newTestLedger(t)

	if _, err := svc.Append(convID, "outsider", "hi", nil); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-participant, got %v", err)
	}
	if _, err := svc.Append("ghost", "user1", "hi", nil); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown conversation, got %v", err)
	}
}

func TestAppendNotifiesOffline(t *testing.T) {
	svc, pub, notifier, convID := newTestLedger(t)

	// Recipient offline: push notification fires.
	if _, err := svc.Append(convID, "user1", "hello", nil); err != nil {
		t.Fatal(err)
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != "user2" {
		t.Errorf("expected push to user2, got %v", notifier.notified)
	}

	// Recipient online: socket delivery only.
	pub.online["user2"] = true
	if _, err := svc.Append(convID, "user1", "again", nil); err != nil {
		t.Fatal(err)
	}
	if len(notifier.notified) != 1 {
		t.Errorf("expected no push for connected recipient, got %v", notifier.notified)
	}
}

func TestPage(t *testing.T) {
	svc, _, _, convID := newTestLedger(t)

	for i := 0; i < 5; i++ {
		if _, err := svc.Append(convID, "user1", "message", nil); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := svc.Page(convID, "user2", 3, 0)
	if err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt <= msgs[i-1].CreatedAt {
			t.Errorf("expected oldest-first ordering, got %d then %d", msgs[i-1].CreatedAt, msgs[i].CreatedAt)
		}
	}

	// Page strictly older than the oldest of the first page.
	older, err := svc.Page(convID, "user2", 10, msgs[0].CreatedAt)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 {
		t.Errorf("expected 2 older messages, got %d", len(older))
	}

	// Zero limit falls back to the default, oversized limits are clamped.
	if _, err := svc.Page(convID, "user2", 0, 0); err != nil {
		t.Errorf("Page with zero limit failed: %v", err)
	}
	if _, err := svc.Page(convID, "user2", MaxPageSize*10, 0); err != nil {
		t.Errorf("Page with oversized limit failed: %v", err)
	}

	if _, err := svc.Page(convID, "outsider", 10, 0); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-participant, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	svc, _, _, convID := newTestLedger(t)

	if _, err := svc.Append(convID, "user1", "one", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Append(convID, "user1", "two", nil); err != nil {
		t.Fatal(err)
	}

	total, err := svc.UnreadTotal("user2")
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("expected unread total 2, got %d", total)
	}

	if err := svc.MarkRead(convID, "user2"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	total, err = svc.UnreadTotal("user2")
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("expected unread total 0 after MarkRead, got %d", total)
	}

	// Idempotent; the sender's own count is untouched throughout.
	if err := svc.MarkRead(convID, "user2"); err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if err := svc.MarkRead(convID, "outsider"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	svc, _, _, convID := newTestLedger(t)

	first, err := svc.Append(convID, "user1", "first", nil)
	if err != nil {
		t.Fatal(err)
	}
	last, err := svc.Append(convID, "user1", "last", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(first.ID, "user2"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-sender, got %v", err)
	}
	if err := svc.Delete(first.ID, "user1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := svc.Delete(first.ID, "user1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for double delete, got %v", err)
	}

	// Deleting the newest message leaves the conversation snapshot stale.
	if err := svc.Delete(last.ID, "user1"); err != nil {
		t.Fatal(err)
	}
	conv, err := svc.store.GetConversation(convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessage == nil || conv.LastMessage.Text != "last" {
		t.Errorf("expected lastMessage snapshot to survive delete, got %+v", conv.LastMessage)
	}
}
