package models

import "strings"

// Kind classifies a message's payload. It is immutable after creation.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindVideo, KindDocument:
		return true
	}
	return false
}

// Message is a single direct message between two participants. For non-text
// kinds Body carries the caption or original filename and MediaURL points at
// the stored blob. Edited, Deleted and ReadByRecipient are monotonic: they
// only ever move false -> true.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body,omitempty"`
	Kind        Kind   `json:"kind"`
	MediaURL    string `json:"media_url,omitempty"`
	// CreatedAt/UpdatedAt are UTC unix nanoseconds.
	CreatedAt       int64 `json:"created_at"`
	UpdatedAt       int64 `json:"updated_at,omitempty"`
	ReadByRecipient bool  `json:"read_by_recipient,omitempty"`
	Edited          bool  `json:"edited,omitempty"`
	Deleted         bool  `json:"deleted,omitempty"`
}

// PeerOf returns the other participant from the given viewer's perspective.
func (m Message) PeerOf(viewerID string) string {
	if m.SenderID == viewerID {
		return m.RecipientID
	}
	return m.SenderID
}

// InConversation reports whether the message belongs to the conversation
// between the two given participants, in either direction.
func (m Message) InConversation(a, b string) bool {
	return (m.SenderID == a && m.RecipientID == b) ||
		(m.SenderID == b && m.RecipientID == a)
}

// Less orders messages by (CreatedAt, ID). The ID tie-break keeps ordering
// stable when live-feed values race the snapshot with equal timestamps.
func (m Message) Less(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

// ConversationKey returns the canonical key for the unordered participant
// pair. Both orderings of (a, b) map to the same key.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// SplitConversationKey is the inverse of ConversationKey.
func SplitConversationKey(key string) (string, string) {
	i := strings.IndexByte(key, '|')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}
