package reconcile

import "fmt"

// FetchError reports a failed snapshot load. The view is left empty (or
// stale, on resync) and the caller may retry; it is never fatal.
type FetchError struct {
	PeerID string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("snapshot fetch for conversation with %s failed: %v", e.PeerID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SubscriptionError reports a dropped live feed. The already-reconciled
// view is retained; recovery is a full resync, not partial catch-up.
type SubscriptionError struct {
	PeerID string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("live feed for conversation with %s failed: %v", e.PeerID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
