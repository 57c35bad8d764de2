package messages

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gatebot/internal/storage"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

func newTestResolver(t *testing.T) (*Resolver, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewResolver(st), st
}

func TestResolvePriorityOrder(t *testing.T) {
	t.Parallel()

	channelMsg := transport.Content{Kind: transport.KindText, Text: "channel welcome"}
	globalMsg := transport.Content{Kind: transport.KindText, Text: "global welcome"}

	// All four presence combinations for the welcome kind.
	cases := []struct {
		name       string
		setChannel bool
		setGlobal  bool
		want       transport.Content
	}{
		{"channel and global", true, true, channelMsg},
		{"channel only", true, false, channelMsg},
		{"global only", false, true, globalMsg},
		{"neither (built-in default)", false, false, DefaultWelcome},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, st := newTestResolver(t)
			ctx := context.Background()
			if tc.setChannel {
				if err := st.PutMessage(ctx, 100, storage.KindWelcome, channelMsg); err != nil {
					t.Fatalf("put channel: %v", err)
				}
			}
			if tc.setGlobal {
				if err := st.PutMessage(ctx, storage.GlobalChannel, storage.KindWelcome, globalMsg); err != nil {
					t.Fatalf("put global: %v", err)
				}
			}

			got, err := r.Resolve(ctx, 100, storage.KindWelcome)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != tc.want {
				t.Fatalf("resolve = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestResolveScheduledHasNoDefault(t *testing.T) {
	t.Parallel()
	r, st := newTestResolver(t)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, 100, storage.KindScheduled); !errors.Is(err, ErrNoContent) {
		t.Fatalf("err = %v, want ErrNoContent", err)
	}

	// Global scheduled message fills in for all channels.
	msg := transport.Content{Kind: transport.KindPhoto, FileID: "f1", Caption: "daily"}
	if err := st.PutMessage(ctx, storage.GlobalChannel, storage.KindScheduled, msg); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := r.Resolve(ctx, 100, storage.KindScheduled)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != msg {
		t.Fatalf("resolve = %+v, want %+v", got, msg)
	}
}

func TestResolveEmptyChannelMessageFallsThrough(t *testing.T) {
	t.Parallel()
	r, st := newTestResolver(t)
	ctx := context.Background()

	// An empty stored override must not shadow the global layer.
	if err := st.PutMessage(ctx, 100, storage.KindWelcome, transport.Content{Kind: transport.KindText}); err != nil {
		t.Fatalf("put empty: %v", err)
	}
	globalMsg := transport.Content{Kind: transport.KindText, Text: "global"}
	if err := st.PutMessage(ctx, storage.GlobalChannel, storage.KindWelcome, globalMsg); err != nil {
		t.Fatalf("put global: %v", err)
	}

	got, err := r.Resolve(ctx, 100, storage.KindWelcome)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != globalMsg {
		t.Fatalf("resolve = %+v, want global", got)
	}
}
