package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gatebot/internal/approval"
	"gatebot/internal/eventbus"
	"gatebot/internal/ledger"
	"gatebot/internal/livechat"
	"gatebot/internal/messages"
	"gatebot/internal/scheduler"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

const (
	adminID int64 = 1000
	userID  int64 = 2000
	chanID  int64 = -100
	relayID int64 = -500
)

// fakeAdapter implements the outbound port slices used by the handlers.
type fakeAdapter struct {
	mu       sync.Mutex
	texts    []string // all sent texts, any chat
	approved []int64  // user ids
}

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeAdapter) SendContent(ctx context.Context, to transport.ChatTarget, c transport.Content, opt *transport.SendOptions) error {
	return f.SendText(ctx, to, c.Text, opt)
}

func (f *fakeAdapter) Approve(ctx context.Context, chatID, uid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, uid)
	return nil
}

func (f *fakeAdapter) Decline(ctx context.Context, chatID, uid int64) error {
	return nil
}

func (f *fakeAdapter) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func newTestRouter(t *testing.T) (*Router, Deps, *fakeAdapter) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fa := &fakeAdapter{}
	bus := eventbus.New()
	l := ledger.New(st, logx.Nop())
	res := messages.NewResolver(st)
	d := Deps{
		Store:       st,
		Ledger:      l,
		Engine:      approval.NewEngine(l, res, fa, bus, time.UTC, logx.Nop()),
		Resolver:    res,
		Broadcaster: scheduler.New(st, res, fa, bus, time.UTC, logx.Nop()),
		LiveChat:    livechat.New(fa, bus, relayID, logx.Nop()),
		DefaultSpec: "6h",
	}
	t.Cleanup(func() { _ = d.Broadcaster.Stop(context.Background()) })

	r := New(fa, []int64{adminID}, logx.Nop())
	r.Register(Commands(r, d))
	return r, d, fa
}

func command(from int64, text string) *transport.Message {
	return &transport.Message{ChatID: from, FromID: from, Text: text}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"/accept 5", []string{"/accept", "5"}},
		{`/channels add -100 "Main Channel"`, []string{"/channels", "add", "-100", "Main Channel"}},
		{"  /pending  ", []string{"/pending"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := tokenize(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestParseFlagsNegativeValues(t *testing.T) {
	t.Parallel()
	pos, flags, bools := parseFlags([]string{"all", "--channel", "-100", "--dry"})
	if len(pos) != 1 || pos[0] != "all" {
		t.Errorf("pos = %v", pos)
	}
	if flags["channel"] != "-100" {
		t.Errorf("flags = %v", flags)
	}
	if !bools["dry"] {
		t.Errorf("bools = %v", bools)
	}
}

func TestAdminOnlyCommandsHiddenFromUsers(t *testing.T) {
	t.Parallel()
	r, _, fa := newTestRouter(t)
	ctx := context.Background()

	if handled := r.Dispatch(ctx, command(userID, "/pending")); handled {
		t.Fatalf("non-admin /pending was handled")
	}
	if len(fa.texts) != 0 {
		t.Fatalf("texts = %v, want none", fa.texts)
	}

	if handled := r.Dispatch(ctx, command(adminID, "/pending")); !handled {
		t.Fatalf("admin /pending not handled")
	}
	if got := fa.lastText(); got != "no pending requests" {
		t.Fatalf("reply = %q", got)
	}
}

func TestNonCommandTextIgnored(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRouter(t)
	if r.Dispatch(context.Background(), command(userID, "hello there")) {
		t.Fatalf("plain text handled as command")
	}
}

func TestAcceptFlow(t *testing.T) {
	t.Parallel()
	r, d, fa := newTestRouter(t)
	ctx := context.Background()

	if err := d.Store.PutChannel(ctx, storage.Channel{ID: chanID, Title: "main"}); err != nil {
		t.Fatalf("put channel: %v", err)
	}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := d.Ledger.Append(ctx, storage.JoinRequest{
			UserID: int64(i + 1), ChannelID: chanID,
			RequestedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if !r.Dispatch(ctx, command(adminID, "/accept 2")) {
		t.Fatalf("/accept not handled")
	}
	if got := fa.lastText(); !strings.Contains(got, "approved: 2") {
		t.Fatalf("reply = %q", got)
	}
	if n := len(d.Ledger.PendingFor(chanID)); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	// Invalid range is reported, nothing approved.
	if !r.Dispatch(ctx, command(adminID, "/accept range 2025-06-10 2025-06-01")) {
		t.Fatalf("/accept range not handled")
	}
	if got := fa.lastText(); !strings.Contains(got, "end date is before start date") {
		t.Fatalf("reply = %q", got)
	}
	if n := len(d.Ledger.PendingFor(chanID)); n != 1 {
		t.Fatalf("pending after bad range = %d, want 1", n)
	}
}

func TestSetWelcomeCaptureFlow(t *testing.T) {
	t.Parallel()
	r, d, fa := newTestRouter(t)
	ctx := context.Background()

	if !r.Dispatch(ctx, command(adminID, "/setwelcome")) {
		t.Fatalf("/setwelcome not handled")
	}
	if !r.Awaiting(adminID) {
		t.Fatalf("admin not in capture mode")
	}

	// The next message is stored as the global welcome.
	msg := command(adminID, "Hello and welcome!")
	handled, err := CaptureContent(ctx, r, d, msg)
	if err != nil || !handled {
		t.Fatalf("capture = %v, err = %v", handled, err)
	}
	if r.Awaiting(adminID) {
		t.Fatalf("capture mode not cleared")
	}
	if got := fa.lastText(); got != "welcome message saved" {
		t.Fatalf("reply = %q", got)
	}

	c, err := d.Store.GetMessage(ctx, storage.GlobalChannel, storage.KindWelcome)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Text != "Hello and welcome!" {
		t.Fatalf("stored = %+v", c)
	}

	// Media is stored with kind and file id.
	if !r.Dispatch(ctx, command(adminID, "/setscheduled -100")) {
		t.Fatalf("/setscheduled not handled")
	}
	photo := &transport.Message{
		ChatID: adminID, FromID: adminID,
		Media:   &transport.Media{Kind: transport.KindPhoto, FileID: "f9"},
		Caption: "daily pic",
	}
	if handled, err := CaptureContent(ctx, r, d, photo); err != nil || !handled {
		t.Fatalf("capture photo = %v, err = %v", handled, err)
	}
	c, err = d.Store.GetMessage(ctx, -100, storage.KindScheduled)
	if err != nil {
		t.Fatalf("get scheduled: %v", err)
	}
	if c.Kind != transport.KindPhoto || c.FileID != "f9" || c.Caption != "daily pic" {
		t.Fatalf("stored = %+v", c)
	}
}

func TestCommandCancelsCapture(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRouter(t)
	ctx := context.Background()

	r.Dispatch(ctx, command(adminID, "/setwelcome"))
	if !r.Awaiting(adminID) {
		t.Fatalf("not awaiting")
	}
	r.Dispatch(ctx, command(adminID, "/pending"))
	if r.Awaiting(adminID) {
		t.Fatalf("capture survived a new command")
	}
}

func TestChannelsManagement(t *testing.T) {
	t.Parallel()
	r, d, fa := newTestRouter(t)
	ctx := context.Background()

	r.Dispatch(ctx, command(adminID, `/channels add -100 "Main Channel"`))
	if got := fa.lastText(); !strings.Contains(got, "added") {
		t.Fatalf("reply = %q", got)
	}
	r.Dispatch(ctx, command(adminID, "/channels list"))
	if got := fa.lastText(); !strings.Contains(got, "Main Channel") {
		t.Fatalf("list = %q", got)
	}

	// Removing drops the channel's messages too.
	if err := d.Store.PutMessage(ctx, -100, storage.KindWelcome,
		transport.Content{Kind: transport.KindText, Text: "hi"}); err != nil {
		t.Fatalf("put message: %v", err)
	}
	r.Dispatch(ctx, command(adminID, "/channels remove -100"))
	if _, err := d.Store.GetMessage(ctx, -100, storage.KindWelcome); err == nil {
		t.Fatalf("channel message survived removal")
	}
}

func TestScheduleCommands(t *testing.T) {
	t.Parallel()
	r, d, fa := newTestRouter(t)
	ctx := context.Background()

	r.Dispatch(ctx, command(adminID, "/schedule status"))
	if got := fa.lastText(); !strings.Contains(got, "stopped") {
		t.Fatalf("status = %q", got)
	}

	// start without a spec falls back to the configured default
	r.Dispatch(ctx, command(adminID, "/schedule start"))
	if st := d.Broadcaster.Status(); !st.Running || st.Spec != "6h" {
		t.Fatalf("status = %+v, want running with default spec", st)
	}

	r.Dispatch(ctx, command(adminID, "/schedule start 12h"))
	if st := d.Broadcaster.Status(); st.Spec != "12h" {
		t.Fatalf("spec = %q, want 12h", st.Spec)
	}

	r.Dispatch(ctx, command(adminID, "/schedule stop"))
	if d.Broadcaster.Status().Running {
		t.Fatalf("still running after stop")
	}

	r.Dispatch(ctx, command(adminID, "/schedule start garbage"))
	if got := fa.lastText(); !strings.Contains(got, "cannot parse schedule spec") {
		t.Fatalf("reply = %q", got)
	}
}
