// Package messages resolves which stored message applies to a channel:
// channel-specific override first, then the global message, then a built-in
// default for the welcome kind only.
package messages

import (
	"context"
	"errors"
	"fmt"

	"gatebot/internal/storage"
	"gatebot/internal/transport"
)

// ErrNoContent signals that no message is configured for the requested kind
// and the caller must skip sending. Only the scheduled kind can yield it;
// welcome always falls back to the built-in default.
var ErrNoContent = errors.New("no content configured")

// DefaultWelcome is the built-in bottom layer for the welcome kind.
var DefaultWelcome = transport.Content{
	Kind: transport.KindText,
	Text: "Welcome! Your request to join has been approved.",
}

type Resolver struct {
	store storage.Store
}

func NewResolver(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the effective content for (channelID, kind). Pure read:
// never mutates, safe for concurrent use.
func (r *Resolver) Resolve(ctx context.Context, channelID int64, kind storage.MessageKind) (transport.Content, error) {
	if channelID != storage.GlobalChannel {
		c, err := r.store.GetMessage(ctx, channelID, kind)
		switch {
		case err == nil:
			if !c.IsZero() {
				return c, nil
			}
		case !errors.Is(err, storage.ErrNotFound):
			return transport.Content{}, fmt.Errorf("channel message lookup: %w", err)
		}
	}

	c, err := r.store.GetMessage(ctx, storage.GlobalChannel, kind)
	switch {
	case err == nil:
		if !c.IsZero() {
			return c, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return transport.Content{}, fmt.Errorf("global message lookup: %w", err)
	}

	if kind == storage.KindWelcome {
		return DefaultWelcome, nil
	}
	return transport.Content{}, ErrNoContent
}
