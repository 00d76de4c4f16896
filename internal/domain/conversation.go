package domain

import "time"

// ConversationSummary is the derived header row for a conversation. It is
// not independently authoritative: it must always mirror the most recent
// message in the conversation that is not deleted for the viewing
// participant, and is recomputed whenever that message is deleted.
type ConversationSummary struct {
	ID             string    `json:"id"`
	ParticipantIDs [2]string `json:"participant_ids"`
	LastMessage    string    `json:"last_message"`
	LastMessageAt  time.Time `json:"last_message_at"`
	// UnreadCount is the viewer's count of unread incoming messages.
	UnreadCount int `json:"unread_count"`
	// PeerStatus annotates the header with the other participant's decayed
	// presence. Read-only; sourced from the presence tracker's cache.
	PeerStatus StatusType `json:"peer_status,omitempty"`
}

// Other returns the participant that is not userID.
func (c ConversationSummary) Other(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}
