package reconcile

import (
	"sort"
	"time"

	"chatstream/pkg/feed"
	"chatstream/pkg/models"
)

// Reconciler merges a one-shot snapshot of a conversation with a live
// stream of insert/update/delete events into a single deduplicated view
// ordered by (created_at, id).
//
// Events may arrive before, during, or after the snapshot resolves, out of
// order and duplicated (at-least-once delivery). Until ApplySnapshot runs,
// incoming events are buffered and replayed in arrival order afterwards.
// A Reconciler is not safe for concurrent use; Session serializes access.
type Reconciler struct {
	viewerID string
	peerID   string

	ready  bool
	buffer []feed.Event

	msgs  []models.Message
	index map[string]int // id -> position in msgs

	// optimistic entries awaiting their confirming insert
	pending     map[string]time.Time // id -> confirmation deadline
	unconfirmed map[string]bool      // id -> past deadline, still unacked
}

// New returns a Reconciler for the conversation between viewerID and peerID.
func New(viewerID, peerID string) *Reconciler {
	return &Reconciler{
		viewerID:    viewerID,
		peerID:      peerID,
		index:       make(map[string]int),
		pending:     make(map[string]time.Time),
		unconfirmed: make(map[string]bool),
	}
}

// Ready reports whether the snapshot has been applied.
func (r *Reconciler) Ready() bool { return r.ready }

// Len returns the number of messages in the view.
func (r *Reconciler) Len() int { return len(r.msgs) }

// Messages returns a copy of the reconciled, ordered view.
func (r *Reconciler) Messages() []models.Message {
	out := make([]models.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Get returns the message with the given id, if present.
func (r *Reconciler) Get(id string) (models.Message, bool) {
	if i, ok := r.index[id]; ok {
		return r.msgs[i], true
	}
	return models.Message{}, false
}

// ApplySnapshot initializes the view from the snapshot and replays every
// event buffered while the fetch was in flight, in arrival order.
// Optimistic entries still awaiting confirmation survive a re-applied
// snapshot (resync) unless the snapshot itself confirms them.
func (r *Reconciler) ApplySnapshot(snapshot []models.Message) {
	keep := make([]models.Message, 0, len(r.pending)+len(r.unconfirmed))
	for id := range r.pending {
		if m, ok := r.Get(id); ok {
			keep = append(keep, m)
		}
	}
	for id := range r.unconfirmed {
		if m, ok := r.Get(id); ok {
			keep = append(keep, m)
		}
	}

	r.msgs = r.msgs[:0]
	r.index = make(map[string]int, len(snapshot))
	for _, m := range snapshot {
		r.insert(m)
	}
	for _, m := range keep {
		if _, ok := r.index[m.ID]; ok {
			// the authoritative copy arrived while we were resyncing
			delete(r.pending, m.ID)
			delete(r.unconfirmed, m.ID)
			continue
		}
		r.insert(m)
	}
	r.ready = true

	buf := r.buffer
	r.buffer = nil
	for _, ev := range buf {
		r.Apply(ev)
	}
}

// BeginResync returns the view to buffering mode ahead of a fresh snapshot
// fetch. The current view stays visible; events arriving while the new
// snapshot is in flight are buffered and replayed by ApplySnapshot, which
// re-runs the merge from scratch.
func (r *Reconciler) BeginResync() { r.ready = false }

// Apply folds one feed event into the view. Before the snapshot is ready
// the event is buffered. Events for other conversations and presence
// events are ignored.
func (r *Reconciler) Apply(ev feed.Event) {
	if ev.Op == feed.OpPresence {
		return
	}
	if !r.ready {
		r.buffer = append(r.buffer, ev)
		return
	}
	switch ev.Op {
	case feed.OpInsert:
		if ev.Message == nil {
			return
		}
		m := *ev.Message
		if !m.InConversation(r.viewerID, r.peerID) {
			return
		}
		if _, ok := r.index[m.ID]; ok {
			// duplicate insert, or the confirmation of an optimistic send
			r.confirm(m)
			return
		}
		r.insert(m)
		r.confirmPending(m.ID)
	case feed.OpUpdate:
		if ev.Message == nil {
			return
		}
		i, ok := r.index[ev.Message.ID]
		if !ok {
			// entity not known locally yet; a later insert supersedes
			return
		}
		r.msgs[i] = merge(r.msgs[i], *ev.Message)
	case feed.OpDelete:
		id := ev.MessageID()
		if id == "" {
			return
		}
		if i, ok := r.index[id]; ok {
			r.remove(i)
		}
	}
}

// AddOptimistic places a locally-composed message into the view before the
// backend confirms it. The confirming insert (matched by id) settles it; if
// none arrives by the deadline, ExpireOptimistic flags it unconfirmed.
func (r *Reconciler) AddOptimistic(m models.Message, deadline time.Time) {
	if _, ok := r.index[m.ID]; ok {
		return
	}
	r.insert(m)
	r.pending[m.ID] = deadline
}

// ExpireOptimistic moves every pending send whose deadline has passed into
// the unconfirmed set and returns their ids. The optimistic entries stay in
// the view; unconfirmed is a warning state, not a removal.
func (r *Reconciler) ExpireOptimistic(now time.Time) []string {
	var expired []string
	for id, dl := range r.pending {
		if now.Before(dl) {
			continue
		}
		delete(r.pending, id)
		r.unconfirmed[id] = true
		expired = append(expired, id)
	}
	sort.Strings(expired)
	return expired
}

// Unconfirmed reports whether the message with the given id is an
// optimistic send that outlived its confirmation deadline.
func (r *Reconciler) Unconfirmed(id string) bool { return r.unconfirmed[id] }

// UnreadFromPeer returns the messages addressed to the viewer that the
// viewer has not read yet.
func (r *Reconciler) UnreadFromPeer() []models.Message {
	var out []models.Message
	for _, m := range r.msgs {
		if m.RecipientID == r.viewerID && !m.ReadByRecipient {
			out = append(out, m)
		}
	}
	return out
}

// confirm settles an optimistic entry against its authoritative copy.
func (r *Reconciler) confirm(m models.Message) {
	if i, ok := r.index[m.ID]; ok {
		r.msgs[i] = merge(r.msgs[i], m)
	}
	r.confirmPending(m.ID)
}

func (r *Reconciler) confirmPending(id string) {
	delete(r.pending, id)
	delete(r.unconfirmed, id)
}

// insert places m keeping the (created_at, id) order and reindexes the tail.
func (r *Reconciler) insert(m models.Message) {
	pos := sort.Search(len(r.msgs), func(i int) bool { return m.Less(r.msgs[i]) })
	r.msgs = append(r.msgs, models.Message{})
	copy(r.msgs[pos+1:], r.msgs[pos:])
	r.msgs[pos] = m
	for i := pos; i < len(r.msgs); i++ {
		r.index[r.msgs[i].ID] = i
	}
}

func (r *Reconciler) remove(pos int) {
	delete(r.index, r.msgs[pos].ID)
	r.msgs = append(r.msgs[:pos], r.msgs[pos+1:]...)
	for i := pos; i < len(r.msgs); i++ {
		r.index[r.msgs[i].ID] = i
	}
}

// merge shallow-merges an update into the existing entry. Zero-valued
// fields in the patch leave the target untouched; kind and created_at are
// immutable; edited, deleted and read_by_recipient are monotonic and can
// never be cleared by a merge, whatever order updates arrive in.
func merge(dst, patch models.Message) models.Message {
	if patch.Body != "" {
		dst.Body = patch.Body
	}
	if patch.MediaURL != "" {
		dst.MediaURL = patch.MediaURL
	}
	if patch.UpdatedAt > dst.UpdatedAt {
		dst.UpdatedAt = patch.UpdatedAt
	}
	if patch.Edited {
		dst.Edited = true
	}
	if patch.Deleted {
		dst.Deleted = true
	}
	if patch.ReadByRecipient {
		dst.ReadByRecipient = true
	}
	return dst
}
