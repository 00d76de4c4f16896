package domain

import (
	"strings"
	"time"
)

// MessageType identifies the kind of content a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
)

// Tombstone is the fixed content shown in place of a message deleted for everyone.
const Tombstone = "This message was deleted"

// TempIDPrefix marks locally generated identifiers of tentative messages.
// A message whose ID carries this prefix has not yet been confirmed by the
// durable store.
const TempIDPrefix = "temp_"

// Message is one authoritative row per logical message. It is created by the
// sender's send operation and after that transitions only via its two
// deletion flags; the delete-for-everyone path replaces Content with
// Tombstone instead of removing the row.
type Message struct {
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	ReceiverID     string      `json:"receiver_id"`
	Content        string      `json:"content"`
	MediaRef       string      `json:"media_ref,omitempty"`
	DocumentRef    string      `json:"document_ref,omitempty"`
	StickerRef     string      `json:"sticker_ref,omitempty"`
	Type           MessageType `json:"type"`
	// ClientKey is a client-generated idempotency key attached at send time.
	// Reconciliation matches on it before falling back to the content/time
	// heuristic, which only remains for rows written by clients that predate
	// the key.
	ClientKey          string    `json:"client_key,omitempty"`
	DeletedForSender   bool      `json:"deleted_for_sender"`
	DeletedForReceiver bool      `json:"deleted_for_receiver"`
	Read               bool      `json:"read"`
	CreatedAt          time.Time `json:"created_at"`
}

// Tentative reports whether the message is a client-local shadow that has not
// been confirmed by the store yet.
func (m Message) Tentative() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// DeletedFor reports whether the given participant has deleted the message
// for themselves.
func (m Message) DeletedFor(userID string) bool {
	switch userID {
	case m.SenderID:
		return m.DeletedForSender
	case m.ReceiverID:
		return m.DeletedForReceiver
	}
	return false
}

// DeletedForEveryone reports whether the sender retracted the message for
// both participants. The row then carries the tombstone content.
func (m Message) DeletedForEveryone() bool {
	return m.DeletedForSender && m.DeletedForReceiver && m.Content == Tombstone
}

// VisibleTo reports whether the viewer should see this message at all.
// A message deleted for the viewer is never rendered, not even as a
// tombstone; a message deleted for everyone is still shown (as the
// tombstone) to the participant who did not delete it.
func (m Message) VisibleTo(userID string) bool {
	if m.DeletedForEveryone() {
		// The deleting sender sees it as deleted-for-self.
		return userID != m.SenderID
	}
	return !m.DeletedFor(userID)
}

// OtherParticipant returns the participant that is not userID.
func (m Message) OtherParticipant(userID string) string {
	if userID == m.SenderID {
		return m.ReceiverID
	}
	return m.SenderID
}
