package reconcile

import (
	"context"
	"sync"
	"time"

	"chatstream/pkg/feed"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
)

// SnapshotStore is the one-shot message fetch contract (spec'd as
// fetchMessages on the hosted backend).
type SnapshotStore interface {
	FetchMessages(ctx context.Context, viewerID, peerID string) ([]models.Message, error)
}

// Subscription is a live change-feed attachment. Unsubscribe is idempotent
// and safe to call multiple times.
type Subscription interface {
	Events() <-chan feed.Event
	Err() <-chan error
	Unsubscribe()
}

// Feed opens live change-feed subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, viewerID, peerID string) (Subscription, error)
}

// ReadSink receives fire-and-forget mark-as-read requests.
type ReadSink interface {
	MarkRead(ctx context.Context, peerID, viewerID string) error
}

// NoticeKind tags the non-fatal conditions a Session surfaces.
type NoticeKind string

const (
	NoticeFetchFailed  NoticeKind = "fetch_failed"
	NoticeFeedDropped  NoticeKind = "feed_dropped"
	NoticeUnconfirmed  NoticeKind = "send_unconfirmed"
	NoticeSnapshotLoad NoticeKind = "snapshot_loaded"
)

// Notice is a user-visible, non-fatal condition. All failures are recovered
// at the boundary where they occur; none terminate the session.
type Notice struct {
	Kind      NoticeKind
	PeerID    string
	MessageID string
	Err       error
}

// Options tunes a Session.
type Options struct {
	// ConfirmWait bounds how long an optimistic send may stay
	// unacknowledged before it is flagged SendUnconfirmed. Default 10s.
	ConfirmWait time.Duration
}

// Session owns the reconciled view for the currently selected conversation.
// Selecting a new conversation tears down the old subscription and starts a
// fresh snapshot + subscription; responses belonging to a superseded
// selection are discarded (generation-based stale guard).
type Session struct {
	viewerID    string
	snaps       SnapshotStore
	source      Feed
	reads       ReadSink
	confirmWait time.Duration

	mu         sync.Mutex
	gen        uint64
	peerID     string
	rec        *Reconciler
	sub        Subscription
	foreground bool
	closed     bool

	notices chan Notice
}

// NewSession returns a Session for the given viewer. The zero Options value
// picks defaults.
func NewSession(viewerID string, snaps SnapshotStore, source Feed, reads ReadSink, opts Options) *Session {
	wait := opts.ConfirmWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Session{
		viewerID:    viewerID,
		snaps:       snaps,
		source:      source,
		reads:       reads,
		confirmWait: wait,
		foreground:  true,
		notices:     make(chan Notice, 32),
	}
}

// Notices exposes the session's non-fatal condition stream. The channel is
// buffered; if nobody drains it, notices are dropped rather than blocking
// reconciliation.
func (s *Session) Notices() <-chan Notice { return s.notices }

// Select switches the active conversation: the previous subscription is
// torn down and a fresh snapshot load plus live subscription start for the
// new peer. In-flight responses for the previous peer are ignored once they
// resolve.
func (s *Session) Select(ctx context.Context, peerID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.gen++
	gen := s.gen
	s.peerID = peerID
	s.rec = New(s.viewerID, peerID)
	s.mu.Unlock()

	go s.open(ctx, gen, peerID, false)
}

// Resync recovers from a dropped feed: re-subscribe, re-fetch a fresh
// snapshot and re-run the merge against the current view. The
// already-reconciled messages stay visible while the resync is in flight.
func (s *Session) Resync(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.rec == nil {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.gen++
	gen := s.gen
	peerID := s.peerID
	s.rec.BeginResync()
	s.mu.Unlock()

	go s.open(ctx, gen, peerID, true)
}

// open subscribes first, then fetches the snapshot, so that no event can
// fall between the two: events arriving before the snapshot resolves are
// buffered by the reconciler and replayed in arrival order.
func (s *Session) open(ctx context.Context, gen uint64, peerID string, resync bool) {
	sub, err := s.source.Subscribe(ctx, s.viewerID, peerID)
	if err != nil {
		s.notify(Notice{Kind: NoticeFeedDropped, PeerID: peerID, Err: &SubscriptionError{PeerID: peerID, Err: err}})
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.sub = sub
	s.mu.Unlock()

	go s.pump(ctx, gen, peerID, sub)

	msgs, err := s.snaps.FetchMessages(ctx, s.viewerID, peerID)

	s.mu.Lock()
	if s.gen != gen || s.closed {
		// superseded selection; drop the late response
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.mu.Unlock()
		logger.Warn("snapshot_fetch_failed", "peer", peerID, "error", err)
		s.notify(Notice{Kind: NoticeFetchFailed, PeerID: peerID, Err: &FetchError{PeerID: peerID, Err: err}})
		return
	}
	s.rec.ApplySnapshot(msgs)
	unread := len(s.rec.UnreadFromPeer())
	foreground := s.foreground
	s.mu.Unlock()

	logger.Info("snapshot_applied", "peer", peerID, "messages", len(msgs), "resync", resync)
	s.notify(Notice{Kind: NoticeSnapshotLoad, PeerID: peerID})
	if unread > 0 && foreground {
		s.requestMarkRead(peerID)
	}
}

// pump applies feed events for one subscription generation.
func (s *Session) pump(ctx context.Context, gen uint64, peerID string, sub Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.apply(gen, peerID, ev)
		case err, ok := <-sub.Err():
			if !ok {
				return
			}
			s.mu.Lock()
			stale := s.gen != gen || s.closed
			s.mu.Unlock()
			if stale {
				return
			}
			logger.Warn("feed_dropped", "peer", peerID, "error", err)
			s.notify(Notice{Kind: NoticeFeedDropped, PeerID: peerID, Err: &SubscriptionError{PeerID: peerID, Err: err}})
			// at-least-once recovery: full resync, the feed has no cursor
			s.Resync(ctx)
			return
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		}
	}
}

func (s *Session) apply(gen uint64, peerID string, ev feed.Event) {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.rec.Apply(ev)
	markRead := ev.Op == feed.OpInsert && ev.Message != nil &&
		ev.Message.RecipientID == s.viewerID && s.foreground
	s.mu.Unlock()

	if markRead {
		s.requestMarkRead(peerID)
	}
}

// Send applies a locally-composed message to the view optimistically and
// arms the confirmation deadline. The caller performs the actual network
// send; the confirming insert event (matched by id) settles the entry.
func (s *Session) Send(m models.Message) {
	s.mu.Lock()
	if s.closed || s.rec == nil {
		s.mu.Unlock()
		return
	}
	deadline := time.Now().Add(s.confirmWait)
	s.rec.AddOptimistic(m, deadline)
	gen := s.gen
	peerID := s.peerID
	s.mu.Unlock()

	time.AfterFunc(s.confirmWait, func() {
		s.mu.Lock()
		if s.gen != gen || s.closed {
			s.mu.Unlock()
			return
		}
		expired := s.rec.ExpireOptimistic(time.Now())
		s.mu.Unlock()
		for _, id := range expired {
			logger.Warn("send_unconfirmed", "peer", peerID, "id", id)
			s.notify(Notice{Kind: NoticeUnconfirmed, PeerID: peerID, MessageID: id})
		}
	})
}

// SetForeground records whether the conversation pane is visible. Incoming
// messages only trigger mark-as-read while foregrounded.
func (s *Session) SetForeground(v bool) {
	s.mu.Lock()
	s.foreground = v
	s.mu.Unlock()
}

// Messages returns the current reconciled view, oldest first.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	return s.rec.Messages()
}

// Unconfirmed reports whether the given message is an optimistic send past
// its confirmation deadline.
func (s *Session) Unconfirmed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec != nil && s.rec.Unconfirmed(id)
}

// Peer returns the currently selected conversation peer, or "".
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Close tears down the active subscription and clears the selected
// conversation: a closed session has no peer and an empty view. Further
// calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	s.peerID = ""
	s.rec = nil
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
}

// requestMarkRead is fire-and-forget: a failure is logged, never surfaced
// as an error, and has no effect on the reconciled view.
func (s *Session) requestMarkRead(peerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.reads.MarkRead(ctx, peerID, s.viewerID); err != nil {
			logger.Warn("mark_read_failed", "peer", peerID, "error", err)
		}
	}()
}

func (s *Session) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
	}
}
