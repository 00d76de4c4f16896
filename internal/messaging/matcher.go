package messaging

import (
	"path"
	"time"

	"github.com/amically/amity/internal/domain"
)

// DefaultMatchWindow bounds how far apart a tentative entry and its
// authoritative event may be timestamped and still reconcile.
const DefaultMatchWindow = 10 * time.Second

// Matcher decides whether an authoritative event confirms a tentative local
// entry. Inputs are the tentative entry and the event; output is match or
// no-match, nothing else. It is pluggable so the heuristic can be replaced
// without touching the engine.
type Matcher func(tentative, event domain.Message) bool

// DefaultMatcher matches on the client idempotency key when both sides carry
// one, and falls back to a content/time heuristic for rows written by clients
// that predate the key. The heuristic is best-effort: duplicate rapid sends
// of identical content can race, which the key path exists to fix.
func DefaultMatcher(window time.Duration) Matcher {
	return func(tentative, event domain.Message) bool {
		if !tentative.Tentative() {
			return false
		}
		if tentative.SenderID != event.SenderID || tentative.ConversationID != event.ConversationID {
			return false
		}

		if tentative.ClientKey != "" && event.ClientKey != "" {
			return tentative.ClientKey == event.ClientKey
		}

		if tentative.Type != event.Type {
			return false
		}
		if gap := absDuration(event.CreatedAt.Sub(tentative.CreatedAt)); gap > window {
			return false
		}

		switch event.Type {
		case domain.MessageText:
			return tentative.Content == event.Content
		case domain.MessageSticker:
			return tentative.StickerRef == event.StickerRef
		case domain.MessageDocument:
			return path.Base(tentative.DocumentRef) == path.Base(event.DocumentRef)
		case domain.MessageImage:
			// Media uploads get a server-side ref the client cannot predict;
			// same sender, type and window is the best available signal.
			return true
		}
		return false
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
