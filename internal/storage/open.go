package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gatebot/pkg/logx"
)

// Store is the persistence API for pending requests, stored messages,
// managed channels, schedule state and the join log.
type Store interface {
	// UpsertPending records a join request. A repeat request for the same
	// (user, channel) while pending refreshes UpdatedAt and the username but
	// keeps the original RequestedAt.
	UpsertPending(ctx context.Context, r JoinRequest) error
	// ListPending returns pending requests ordered by RequestedAt ascending.
	ListPending(ctx context.Context) ([]JoinRequest, error)
	// ResolveRequests marks the given pending requests approved or declined.
	// Keys without a pending row are skipped.
	ResolveRequests(ctx context.Context, keys []RequestKey, status RequestStatus, resolvedAt time.Time) error

	// PutMessage stores a message for (channel, kind). Use GlobalChannel for
	// the global scope.
	PutMessage(ctx context.Context, channelID int64, kind MessageKind, c Content) error
	// GetMessage returns the stored message or ErrNotFound.
	GetMessage(ctx context.Context, channelID int64, kind MessageKind) (Content, error)
	// DeleteMessage removes the stored message; deleting a missing message
	// is not an error.
	DeleteMessage(ctx context.Context, channelID int64, kind MessageKind) error

	PutChannel(ctx context.Context, ch Channel) error
	// DeleteChannel removes the channel and its channel-scoped messages.
	DeleteChannel(ctx context.Context, id int64) error
	ListChannels(ctx context.Context) ([]Channel, error)

	GetScheduleState(ctx context.Context) (ScheduleState, error)
	PutScheduleState(ctx context.Context, st ScheduleState) error

	AppendJoinLog(ctx context.Context, e JoinLogEntry) error
	// RecentJoinLog returns up to limit entries, newest first.
	RecentJoinLog(ctx context.Context, limit int) ([]JoinLogEntry, error)

	Close() error
}

// Open initializes the configured store. An empty driver defaults to sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
