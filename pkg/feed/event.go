package feed

import "chatstream/pkg/models"

// Op is the change-feed operation kind.
type Op string

const (
	OpInsert   Op = "insert"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpPresence Op = "presence"
)

// Event is one change-feed notification. Delivery is at-least-once and
// ordering across distinct message ids is not guaranteed; consumers must
// apply events idempotently.
//
// Insert carries the full message. Update carries the changed message state
// keyed by Message.ID (zero-valued fields mean "unchanged"). Delete carries
// only the id of the removed message; soft deletes travel as updates with
// deleted=true, a Delete op is a hard removal. Presence events carry no
// message at all.
type Event struct {
	Op       Op               `json:"op"`
	Message  *models.Message  `json:"message,omitempty"`
	ID       string           `json:"id,omitempty"`
	Presence *models.Presence `json:"presence,omitempty"`
}

// MessageID returns the id of the message the event refers to, or "" for
// presence events.
func (e Event) MessageID() string {
	if e.Message != nil {
		return e.Message.ID
	}
	return e.ID
}

// Insert builds an insert event for m.
func Insert(m models.Message) Event { return Event{Op: OpInsert, Message: &m} }

// Update builds an update event for m.
func Update(m models.Message) Event { return Event{Op: OpUpdate, Message: &m} }

// Delete builds a hard-removal event for the given message id.
func Delete(id string) Event { return Event{Op: OpDelete, ID: id} }

// PresenceChange builds a presence event.
func PresenceChange(p models.Presence) Event { return Event{Op: OpPresence, Presence: &p} }
