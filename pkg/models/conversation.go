package models

// Conversation is the list-view projection of a message stream: the peer,
// a preview of the newest message and how many messages the viewer has not
// read yet. It is derived, never stored.
type Conversation struct {
	// PeerID identifies the conversation: the other participant's id.
	PeerID         string `json:"peer_id"`
	LastMessage    string `json:"last_message"`
	LastActivityAt int64  `json:"last_activity_at"`
	Unread         int    `json:"unread"`
}

// Preview renders the list-view line for a message from the viewer's
// perspective: deleted and audio messages get placeholders, edited messages
// an "(edited)" suffix and own messages a "You: " prefix.
func Preview(m Message, viewerID string) string {
	own := m.SenderID == viewerID
	switch {
	case m.Deleted:
		if own {
			return "You deleted a message"
		}
		return "A message was deleted"
	case m.Kind == KindAudio:
		if own {
			return "You: Voice message"
		}
		return "Voice message"
	}
	s := m.Body
	if m.Edited {
		s += " (edited)"
	}
	if own {
		s = "You: " + s
	}
	return s
}

// Presence is a user's realtime availability as reported by the presence
// feed. LastSeen is UTC unix nanoseconds and only meaningful when the user
// is offline.
type Presence struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen,omitempty"`
}
