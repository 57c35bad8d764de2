package storage

import (
	"errors"
	"time"

	"gatebot/internal/transport"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned by lookups with no matching row.
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   file backend (snapshot + jsonl journal)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDeclined RequestStatus = "declined"
)

// JoinRequest is a membership request for a managed channel.
//
// RequestedAt is the first time the user asked and is preserved across
// repeated requests while pending; UpdatedAt reflects the latest event.
type JoinRequest struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	ChannelID int64  `json:"channel_id"`

	RequestedAt time.Time     `json:"requested_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Status      RequestStatus `json:"status"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
}

// RequestKey identifies a join request; at most one pending request exists
// per key.
type RequestKey struct {
	UserID    int64
	ChannelID int64
}

func (r JoinRequest) Key() RequestKey { return RequestKey{UserID: r.UserID, ChannelID: r.ChannelID} }

// Channel is a managed target chat.
type Channel struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

type MessageKind string

const (
	KindWelcome   MessageKind = "welcome"
	KindScheduled MessageKind = "scheduled"
)

// GlobalChannel is the channel id of the global message scope. A message
// stored under it applies to every channel lacking its own override.
const GlobalChannel int64 = 0

// ScheduleState is the persisted broadcast timer state, restored on startup.
type ScheduleState struct {
	Enabled     bool      `json:"enabled"`
	Spec        string    `json:"spec,omitempty"`
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`
}

// JoinLogEntry records a resolved membership event for /log.
type JoinLogEntry struct {
	At        time.Time `json:"at"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	ChannelID int64     `json:"channel_id"`
	Action    string    `json:"action"` // "approved" or "declined"
}

// Content is the stored message payload; aliased from the transport package
// so stored messages are directly sendable.
type Content = transport.Content
