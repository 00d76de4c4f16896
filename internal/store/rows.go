package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/amically/amity/internal/domain"
)

// The driver delivers record ids as models.RecordID, not as strings. Rows are
// decoded into the structs below and converted at the store boundary, so the
// rest of the core only ever sees "table:id" strings.

type messageRow struct {
	ID                 *models.RecordID `json:"id,omitempty"`
	ConversationID     string           `json:"conversation_id"`
	SenderID           string           `json:"sender_id"`
	ReceiverID         string           `json:"receiver_id"`
	Content            string           `json:"content"`
	MediaRef           string           `json:"media_ref,omitempty"`
	DocumentRef        string           `json:"document_ref,omitempty"`
	StickerRef         string           `json:"sticker_ref,omitempty"`
	Type               string           `json:"type"`
	ClientKey          string           `json:"client_key,omitempty"`
	DeletedForSender   bool             `json:"deleted_for_sender"`
	DeletedForReceiver bool             `json:"deleted_for_receiver"`
	Read               bool             `json:"read"`
	CreatedAt          time.Time        `json:"created_at"`
}

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:                 recordIDString(r.ID),
		ConversationID:     r.ConversationID,
		SenderID:           r.SenderID,
		ReceiverID:         r.ReceiverID,
		Content:            r.Content,
		MediaRef:           r.MediaRef,
		DocumentRef:        r.DocumentRef,
		StickerRef:         r.StickerRef,
		Type:               domain.MessageType(r.Type),
		ClientKey:          r.ClientKey,
		DeletedForSender:   r.DeletedForSender,
		DeletedForReceiver: r.DeletedForReceiver,
		Read:               r.Read,
		CreatedAt:          r.CreatedAt,
	}
}

type notificationRow struct {
	ID        *models.RecordID  `json:"id,omitempty"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

func (r notificationRow) toDomain() domain.Notification {
	return domain.Notification{
		ID:        recordIDString(r.ID),
		UserID:    r.UserID,
		Type:      domain.NotificationType(r.Type),
		Title:     r.Title,
		Message:   r.Message,
		Data:      r.Data,
		Read:      r.Read,
		CreatedAt: r.CreatedAt,
	}
}

type conversationRow struct {
	ID             *models.RecordID `json:"id,omitempty"`
	ParticipantIDs [2]string        `json:"participant_ids"`
	LastMessage    string           `json:"last_message"`
	LastMessageAt  time.Time        `json:"last_message_at"`
}

func (r conversationRow) toDomain() domain.ConversationSummary {
	return domain.ConversationSummary{
		ID:             recordIDString(r.ID),
		ParticipantIDs: r.ParticipantIDs,
		LastMessage:    r.LastMessage,
		LastMessageAt:  r.LastMessageAt,
	}
}

func recordIDString(id *models.RecordID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// recordIDFromString splits a "table:id" string back into the driver's record
// id. UPDATE/DELETE statements need the typed id; a bare string param matches
// nothing.
func recordIDFromString(id string) (*models.RecordID, error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: malformed record id %q", ErrInvalidInput, id)
	}
	rid := models.NewRecordID(parts[0], parts[1])
	return &rid, nil
}

// DecodeMessage maps a message feed payload onto the domain type.
func DecodeMessage(data any) (*domain.Message, error) {
	var row messageRow
	if err := Decode(data, &row); err != nil {
		return nil, err
	}
	msg := row.toDomain()
	return &msg, nil
}

// DecodeNotification maps a notification feed payload onto the domain type.
func DecodeNotification(data any) (*domain.Notification, error) {
	var row notificationRow
	if err := Decode(data, &row); err != nil {
		return nil, err
	}
	n := row.toDomain()
	return &n, nil
}

// DecodeConversation maps a conversation feed payload onto the domain type.
func DecodeConversation(data any) (*domain.ConversationSummary, error) {
	var row conversationRow
	if err := Decode(data, &row); err != nil {
		return nil, err
	}
	c := row.toDomain()
	return &c, nil
}

// DecodePresence maps a presence feed payload onto the domain type. Presence
// rows are keyed by user_id and carry no record id the core cares about.
func DecodePresence(data any) (*domain.UserPresence, error) {
	var p domain.UserPresence
	if err := Decode(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
