// Package ledger keeps the pending join-request queue in memory with
// write-through persistence, so reads never hit storage on the hot path.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"gatebot/internal/storage"
	"gatebot/pkg/logx"
)

type Ledger struct {
	store storage.Store
	log   logx.Logger

	mu      sync.RWMutex
	pending map[storage.RequestKey]storage.JoinRequest
}

func New(store storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		store:   store,
		log:     log,
		pending: map[storage.RequestKey]storage.JoinRequest{},
	}
}

// Load restores the pending queue from storage. Called once at startup.
func (l *Ledger) Load(ctx context.Context) error {
	rows, err := l.store.ListPending(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = make(map[storage.RequestKey]storage.JoinRequest, len(rows))
	for _, r := range rows {
		l.pending[r.Key()] = r
	}
	return nil
}

// Append records a join request. A repeat request while pending refreshes the
// username and UpdatedAt but keeps the original RequestedAt, so the requester
// does not lose their place in line.
func (l *Ledger) Append(ctx context.Context, r storage.JoinRequest) error {
	now := time.Now()
	if r.RequestedAt.IsZero() {
		r.RequestedAt = now
	}
	r.UpdatedAt = now
	r.Status = storage.StatusPending

	l.mu.Lock()
	if prev, ok := l.pending[r.Key()]; ok {
		r.RequestedAt = prev.RequestedAt
	}
	l.mu.Unlock()

	// Durable write first. The queue only serves entries the store has
	// accepted, so a failed write leaves the in-memory view unchanged.
	if err := l.store.UpsertPending(ctx, r); err != nil {
		return err
	}

	l.mu.Lock()
	l.pending[r.Key()] = r
	l.mu.Unlock()
	return nil
}

// Pending returns the pending queue ordered by RequestedAt ascending.
func (l *Ledger) Pending() []storage.JoinRequest {
	l.mu.RLock()
	out := make([]storage.JoinRequest, 0, len(l.pending))
	for _, r := range l.pending {
		out = append(out, r)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// PendingFor returns the pending queue for one channel, ordered by
// RequestedAt ascending (first come, first served).
func (l *Ledger) PendingFor(channelID int64) []storage.JoinRequest {
	all := l.Pending()
	out := all[:0:0]
	for _, r := range all {
		if r.ChannelID == channelID {
			out = append(out, r)
		}
	}
	return out
}

// Len reports the pending queue size.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// Get returns the pending request for key, if any.
func (l *Ledger) Get(key storage.RequestKey) (storage.JoinRequest, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.pending[key]
	return r, ok
}

// Resolve removes the given requests from the pending queue and marks them
// resolved in storage. Unknown keys are skipped.
func (l *Ledger) Resolve(ctx context.Context, keys []storage.RequestKey, status storage.RequestStatus, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}

	l.mu.Lock()
	resolved := make([]storage.RequestKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := l.pending[k]; ok {
			delete(l.pending, k)
			resolved = append(resolved, k)
		}
	}
	l.mu.Unlock()

	if len(resolved) == 0 {
		return nil
	}
	return l.store.ResolveRequests(ctx, resolved, status, at)
}
