package client

import (
	"scribe/internal/content"
	"scribe/internal/models"
)

// PendingMessage is a locally-optimistic message: rendered immediately on
// send, removed once the server-confirmed copy arrives or the send fails.
type PendingMessage struct {
	LocalID string
	Text    string
	SentAt  int64 // Unix microseconds, local clock
}

// Entry is one row of a rendered message list. Pending entries carry the
// local ID instead of a server-assigned one.
type Entry struct {
	Message models.Message
	Pending bool
	LocalID string
}

// matches reports whether a confirmed message is the server copy of the
// pending placeholder. The server sanitizes the text before persisting
// (escaping &, <, > and friends), so the placeholder's raw text is compared
// against its sanitized form as well.
func matches(p PendingMessage, message models.Message) bool {
	return p.Text == message.Text || content.Sanitize(p.Text) == message.Text
}

// Reconcile merges server-confirmed messages with locally-optimistic ones
// into a render list. Each confirmed message sent by self consumes at most
// one matching pending placeholder (oldest first), so a confirmed send
// never shows up twice and an unconfirmed one is never lost.
func Reconcile(confirmed []models.Message, pending []PendingMessage, selfID string) []Entry {
	consumed := make(map[int]bool, len(pending))

	entries := make([]Entry, 0, len(confirmed)+len(pending))
	for _, message := range confirmed {
		if message.SenderID == selfID {
			for i, p := range pending {
				if !consumed[i] && matches(p, message) {
					consumed[i] = true
					break
				}
			}
		}
		entries = append(entries, Entry{Message: message})
	}

	for i, p := range pending {
		if consumed[i] {
			continue
		}
		entries = append(entries, Entry{
			Message: models.Message{
				SenderID:  selfID,
				Text:      p.Text,
				CreatedAt: p.SentAt,
			},
			Pending: true,
			LocalID: p.LocalID,
		})
	}

	return entries
}

// Unconsumed returns the pending list with entries matched by confirmed
// messages removed. Used when a new-message event lands to drop the
// placeholder for good.
func Unconsumed(confirmed []models.Message, pending []PendingMessage, selfID string) []PendingMessage {
	consumed := make(map[int]bool, len(pending))
	for _, message := range confirmed {
		if message.SenderID != selfID {
			continue
		}
		for i, p := range pending {
			if !consumed[i] && matches(p, message) {
				consumed[i] = true
				break
			}
		}
	}

	var remaining []PendingMessage
	for i, p := range pending {
		if !consumed[i] {
			remaining = append(remaining, p)
		}
	}
	return remaining
}
