// Package presence tracks which contacts are currently online.
package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// FetchFunc loads the full presence list from the server.
type FetchFunc func(ctx context.Context) ([]model.PresenceEntry, error)

// Tracker holds the set of online users. The set is only ever replaced
// wholesale, never patched.
type Tracker struct {
	fetch  FetchFunc
	bus    *bus.Bus
	logger *zap.Logger
	group  singleflight.Group

	mu     sync.RWMutex
	online map[string]struct{}
}

// NewTracker creates a tracker with an empty online set.
func NewTracker(fetch FetchFunc, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		fetch:  fetch,
		bus:    b,
		logger: logger,
		online: make(map[string]struct{}),
	}
}

// Refresh re-fetches the presence list and replaces the online set.
// Concurrent callers share a single fetch. On error the previous set is kept.
func (t *Tracker) Refresh(ctx context.Context) error {
	_, err, _ := t.group.Do("presence", func() (any, error) {
		entries, err := t.fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch presence: %w", err)
		}
		t.Apply(entries)
		return nil, nil
	})
	if err != nil {
		t.logger.Warn("presence refresh failed, keeping previous set", zap.Error(err))
	}
	return err
}

// Apply replaces the online set with the users marked online in entries.
func (t *Tracker) Apply(entries []model.PresenceEntry) {
	online := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Online && e.UserID != "" {
			online[e.UserID] = struct{}{}
		}
	}

	t.mu.Lock()
	t.online = online
	t.mu.Unlock()

	t.bus.Emit(bus.KindPresenceUpdated, t.Online())
}

// IsOnline reports whether userID is in the current online set.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the sorted ids of all online users.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
