// Package presence tracks which users currently hold at least one live
// feed connection. State is in-memory only; a restart forgets everyone.
package presence

import (
	"sync"
	"time"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"
)

// Registry counts live connections per user. A user is online while at
// least one connection is open; the notify callback fires on every
// online/offline transition.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]int
	lastSeen map[string]int64

	notify func(models.Presence)
}

// NewRegistry returns a Registry. notify may be nil.
func NewRegistry(notify func(models.Presence)) *Registry {
	return &Registry{
		conns:    make(map[string]int),
		lastSeen: make(map[string]int64),
		notify:   notify,
	}
}

// Connect records one more live connection for the user.
func (r *Registry) Connect(userID string) {
	r.mu.Lock()
	r.conns[userID]++
	first := r.conns[userID] == 1
	r.mu.Unlock()

	if first {
		logger.Info("user_online", "user", userID)
		if r.notify != nil {
			r.notify(models.Presence{UserID: userID, Online: true})
		}
	}
}

// Disconnect records a dropped connection. The user goes offline when the
// last one closes.
func (r *Registry) Disconnect(userID string) {
	now := time.Now().UTC().UnixNano()
	r.mu.Lock()
	if r.conns[userID] == 0 {
		r.mu.Unlock()
		return
	}
	r.conns[userID]--
	last := r.conns[userID] == 0
	if last {
		delete(r.conns, userID)
		r.lastSeen[userID] = now
	}
	r.mu.Unlock()

	if last {
		logger.Info("user_offline", "user", userID)
		if r.notify != nil {
			r.notify(models.Presence{UserID: userID, Online: false, LastSeen: now})
		}
	}
}

// Get returns the user's current presence. LastSeen is zero for users who
// were never seen.
func (r *Registry) Get(userID string) models.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userID] > 0 {
		return models.Presence{UserID: userID, Online: true}
	}
	return models.Presence{UserID: userID, Online: false, LastSeen: r.lastSeen[userID]}
}

// Online returns the ids of every user currently online.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}
