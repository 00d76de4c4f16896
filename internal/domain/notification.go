package domain

import "time"

// NotificationType classifies what triggered a notification.
type NotificationType string

const (
	NotifyMessageReceived NotificationType = "message_received"
	NotifyPostLiked       NotificationType = "post_liked"
	NotifyPostCommented   NotificationType = "post_commented"
	NotifyFollowRequest   NotificationType = "follow_request"
	NotifySystem          NotificationType = "system"
)

// Notification is created once by a triggering action, always for a user
// other than the actor, and surfaced to the recipient's client at most once
// regardless of which delivery path carried it.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Type      NotificationType  `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}
