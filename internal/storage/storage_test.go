package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gatebot/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPendingLifecycle(t *testing.T) {
	for _, driver := range []string{"sqlite", "file"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
			reqs := []JoinRequest{
				{UserID: 2, ChannelID: 100, Username: "bob", RequestedAt: base.Add(time.Minute)},
				{UserID: 1, ChannelID: 100, Username: "alice", RequestedAt: base},
				{UserID: 3, ChannelID: 200, Username: "carol", RequestedAt: base.Add(2 * time.Minute)},
			}
			for _, r := range reqs {
				if err := st.UpsertPending(ctx, r); err != nil {
					t.Fatalf("upsert: %v", err)
				}
			}

			got, err := st.ListPending(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("pending = %d, want 3", len(got))
			}
			// FCFS order by original request time.
			if got[0].UserID != 1 || got[1].UserID != 2 || got[2].UserID != 3 {
				t.Fatalf("order = %d,%d,%d, want 1,2,3", got[0].UserID, got[1].UserID, got[2].UserID)
			}

			// Repeat request: same pending row, original timestamp kept.
			repeat := JoinRequest{UserID: 1, ChannelID: 100, Username: "alice2",
				RequestedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)}
			if err := st.UpsertPending(ctx, repeat); err != nil {
				t.Fatalf("repeat upsert: %v", err)
			}
			got, _ = st.ListPending(ctx)
			if len(got) != 3 {
				t.Fatalf("pending after repeat = %d, want 3", len(got))
			}
			if got[0].UserID != 1 {
				t.Fatalf("repeat lost queue position: first = %d", got[0].UserID)
			}
			if !got[0].RequestedAt.Equal(base) {
				t.Fatalf("requested_at = %v, want original %v", got[0].RequestedAt, base)
			}
			if got[0].Username != "alice2" {
				t.Fatalf("username not refreshed: %q", got[0].Username)
			}

			// Resolve two; nonexistent key is skipped.
			keys := []RequestKey{
				{UserID: 1, ChannelID: 100},
				{UserID: 3, ChannelID: 200},
				{UserID: 99, ChannelID: 100},
			}
			if err := st.ResolveRequests(ctx, keys, StatusApproved, base.Add(2*time.Hour)); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			got, _ = st.ListPending(ctx)
			if len(got) != 1 || got[0].UserID != 2 {
				t.Fatalf("pending after resolve = %+v, want only user 2", got)
			}
		})
	}
}

func TestMessagesAndChannels(t *testing.T) {
	for _, driver := range []string{"sqlite", "file"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			if _, err := st.GetMessage(ctx, GlobalChannel, KindWelcome); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing message err = %v, want ErrNotFound", err)
			}

			global := Content{Kind: "text", Text: "welcome everyone"}
			if err := st.PutMessage(ctx, GlobalChannel, KindWelcome, global); err != nil {
				t.Fatalf("put global: %v", err)
			}
			override := Content{Kind: "photo", FileID: "abc123", Caption: "hi"}
			if err := st.PutMessage(ctx, 100, KindWelcome, override); err != nil {
				t.Fatalf("put override: %v", err)
			}

			got, err := st.GetMessage(ctx, 100, KindWelcome)
			if err != nil {
				t.Fatalf("get override: %v", err)
			}
			if got != override {
				t.Fatalf("override = %+v, want %+v", got, override)
			}

			// Replacing overwrites in place.
			replaced := Content{Kind: "text", Text: "new welcome"}
			if err := st.PutMessage(ctx, 100, KindWelcome, replaced); err != nil {
				t.Fatalf("replace: %v", err)
			}
			if got, _ := st.GetMessage(ctx, 100, KindWelcome); got != replaced {
				t.Fatalf("after replace = %+v", got)
			}

			// Deleting a channel drops its scoped messages, not the global one.
			if err := st.PutChannel(ctx, Channel{ID: 100, Title: "main"}); err != nil {
				t.Fatalf("put channel: %v", err)
			}
			if err := st.DeleteChannel(ctx, 100); err != nil {
				t.Fatalf("del channel: %v", err)
			}
			if _, err := st.GetMessage(ctx, 100, KindWelcome); !errors.Is(err, ErrNotFound) {
				t.Fatalf("channel message survived delete: err = %v", err)
			}
			if got, err := st.GetMessage(ctx, GlobalChannel, KindWelcome); err != nil || got != global {
				t.Fatalf("global message lost: %+v, %v", got, err)
			}

			chans, err := st.ListChannels(ctx)
			if err != nil {
				t.Fatalf("list channels: %v", err)
			}
			if len(chans) != 0 {
				t.Fatalf("channels = %+v, want empty", chans)
			}
		})
	}
}

func TestScheduleStateRoundTrip(t *testing.T) {
	for _, driver := range []string{"sqlite", "file"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			empty, err := st.GetScheduleState(ctx)
			if err != nil {
				t.Fatalf("get empty: %v", err)
			}
			if empty.Enabled || empty.Spec != "" {
				t.Fatalf("empty state = %+v", empty)
			}

			want := ScheduleState{Enabled: true, Spec: "6h",
				LastFiredAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
			if err := st.PutScheduleState(ctx, want); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := st.GetScheduleState(ctx)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Enabled != want.Enabled || got.Spec != want.Spec || !got.LastFiredAt.Equal(want.LastFiredAt) {
				t.Fatalf("state = %+v, want %+v", got, want)
			}
		})
	}
}

func TestJoinLogNewestFirst(t *testing.T) {
	for _, driver := range []string{"sqlite", "file"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()

			base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				e := JoinLogEntry{
					At:        base.Add(time.Duration(i) * time.Minute),
					UserID:    int64(i + 1),
					ChannelID: 100,
					Action:    "approved",
				}
				if err := st.AppendJoinLog(ctx, e); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := st.RecentJoinLog(ctx, 3)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			if got[0].UserID != 5 || got[1].UserID != 4 || got[2].UserID != 3 {
				t.Fatalf("order = %d,%d,%d, want 5,4,3", got[0].UserID, got[1].UserID, got[2].UserID)
			}
		})
	}
}

func TestFileStoreRetainsResolvedRequests(t *testing.T) {
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	req := JoinRequest{UserID: 7, ChannelID: 300, Username: "dan", RequestedAt: base}
	if err := st.UpsertPending(ctx, req); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.ResolveRequests(ctx, []RequestKey{req.Key()}, StatusApproved, base.Add(time.Hour)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	if pending, _ := st2.ListPending(ctx); len(pending) != 0 {
		t.Fatalf("pending after reopen = %+v, want empty", pending)
	}
	// The resolved request stays on record.
	fs := st2.(*fileStore)
	fs.mu.Lock()
	resolved := append([]JoinRequest(nil), fs.state.Resolved...)
	fs.mu.Unlock()
	if len(resolved) != 1 {
		t.Fatalf("resolved = %+v, want one retained entry", resolved)
	}
	got := resolved[0]
	if got.UserID != 7 || got.Status != StatusApproved || !got.ResolvedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("retained entry = %+v", got)
	}
}

func TestFileStoreReopenRecovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	req := JoinRequest{UserID: 7, ChannelID: 300, Username: "dan",
		RequestedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	if err := st.UpsertPending(ctx, req); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.PutMessage(ctx, GlobalChannel, KindScheduled, Content{Kind: "text", Text: "ping"}); err != nil {
		t.Fatalf("put message: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	pending, err := st2.ListPending(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].UserID != 7 {
		t.Fatalf("pending after reopen = %+v", pending)
	}
	if c, err := st2.GetMessage(ctx, GlobalChannel, KindScheduled); err != nil || c.Text != "ping" {
		t.Fatalf("message after reopen = %+v, %v", c, err)
	}
}
