// Package presence maps user identities to the live channels they own.
package presence

import (
	"sync"

	"github.com/samber/lo"
)

// Channel is one live transport connection. Send must not block.
type Channel interface {
	ID() string
	Send(frame []byte) error
}

// Registry is the in-memory, authoritative presence table.
// It is safe for concurrent use by every channel's goroutines.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]string             // channel id -> user id
	users  map[string]map[string]Channel // user id -> channel id -> channel
}

func NewRegistry() *Registry {
	return &Registry{
		owners: make(map[string]string),
		users:  make(map[string]map[string]Channel),
	}
}

// Attach records that ch belongs to userID. Attaching the same channel twice is a no-op;
// attaching it to another user moves it.
func (r *Registry) Attach(userID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[ch.ID()]; ok {
		if owner == userID {
			return
		}
		r.removeLocked(owner, ch.ID())
	}

	r.owners[ch.ID()] = userID
	if _, ok := r.users[userID]; !ok {
		r.users[userID] = make(map[string]Channel)
	}
	r.users[userID][ch.ID()] = ch
}

// Detach removes ch. It returns the owning user and whether that user has no channels left.
// Unknown channels return ("", false).
func (r *Registry) Detach(ch Channel) (userID string, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[ch.ID()]
	if !ok {
		return "", false
	}
	return userID, r.removeLocked(userID, ch.ID())
}

func (r *Registry) removeLocked(userID, channelID string) bool {
	delete(r.owners, channelID)
	set, ok := r.users[userID]
	if !ok {
		return true
	}
	delete(set, channelID)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// ChannelsFor returns every channel owned by userID, empty if unknown.
func (r *Registry) ChannelsFor(userID string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.users[userID])
}

// ChannelsForUsers returns the union of the channels owned by userIDs, each channel once.
func (r *Registry) ChannelsForUsers(userIDs ...string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Channel
	for _, userID := range lo.Uniq(userIDs) {
		for _, ch := range r.users[userID] {
			out = append(out, ch)
		}
	}
	return out
}

// All returns every attached channel.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Channel, 0, len(r.owners))
	for _, set := range r.users {
		for _, ch := range set {
			out = append(out, ch)
		}
	}
	return out
}

// Owner returns the user a channel is attached to.
func (r *Registry) Owner(channelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owners[channelID]
	return userID, ok
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Users returns the ids of every user with at least one channel.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users)
}

// Len returns the number of attached channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
