package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"gatebot/internal/eventbus"
	"gatebot/internal/messages"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []int64 // chat ids in send order
	failFor map[int64]bool
}

func (f *fakeSender) SendContent(ctx context.Context, to transport.ChatTarget, c transport.Content, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[to.ChatID] {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, to.ChatID)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestBroadcaster(t *testing.T, sender Sender) (*Broadcaster, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	b := New(st, messages.NewResolver(st), sender, eventbus.New(), time.UTC, logx.Nop())
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b, st
}

func TestParseSpecForms(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	cases := []struct {
		spec    string
		wantErr bool
	}{
		{"6h", false},
		{"30m", false},
		{"1m", false},
		{"30s", true}, // below the 1m floor
		{"09:30", false},
		{"9:05", false},
		{"25:00", true},
		{"09:61", true},
		{"cron:*/30 * * * *", false},
		{"cron:not a cron", true},
		{"@hourly", false},
		{"*/15 * * * *", false},
		{"", true},
		{"banana", true},
	}
	for _, tc := range cases {
		_, err := ParseSpec(tc.spec, loc)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseSpec(%q) err = %v, wantErr = %v", tc.spec, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("ParseSpec(%q) err = %v, not ErrInvalidSpec", tc.spec, err)
		}
	}
}

func TestParseSpecDailyNext(t *testing.T) {
	t.Parallel()
	sched, err := ParseSpec("09:30", time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) // past 09:30
	next := sched.Next(from)
	want := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestStopBeforeFirstTickSendsNothing(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	b, st := newTestBroadcaster(t, sender)
	ctx := context.Background()

	if err := st.PutChannel(ctx, storage.Channel{ID: 100}); err != nil {
		t.Fatalf("put channel: %v", err)
	}
	if err := st.PutMessage(ctx, storage.GlobalChannel, storage.KindScheduled,
		transport.Content{Kind: transport.KindText, Text: "ping"}); err != nil {
		t.Fatalf("put message: %v", err)
	}

	if err := b.Start(ctx, "1h"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// After Stop returns, no tick may fire.
	time.Sleep(50 * time.Millisecond)
	if n := sender.sentCount(); n != 0 {
		t.Fatalf("sent = %d, want 0", n)
	}

	// Stop while stopped is a no-op.
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if b.Status().Running {
		t.Fatalf("still running after stop")
	}
}

func TestStartWhileRunningReplacesSpec(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	b, _ := newTestBroadcaster(t, sender)
	ctx := context.Background()

	if err := b.Start(ctx, "1h"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Start(ctx, "2h"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st := b.Status()
	if !st.Running || st.Spec != "2h" {
		t.Fatalf("status = %+v, want running with spec 2h", st)
	}
}

func TestStartWithBadSpecKeepsTimerStopped(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	b, _ := newTestBroadcaster(t, sender)

	if err := b.Start(context.Background(), "nonsense"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}
	if b.Status().Running {
		t.Fatalf("running after failed start")
	}
}

func TestTickIsolatesChannelFailures(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{failFor: map[int64]bool{200: true}}
	b, st := newTestBroadcaster(t, sender)
	ctx := context.Background()

	for _, id := range []int64{100, 200, 300} {
		if err := st.PutChannel(ctx, storage.Channel{ID: id}); err != nil {
			t.Fatalf("put channel: %v", err)
		}
	}
	if err := st.PutMessage(ctx, storage.GlobalChannel, storage.KindScheduled,
		transport.Content{Kind: transport.KindText, Text: "ping"}); err != nil {
		t.Fatalf("put message: %v", err)
	}

	b.tick(ctx, time.Now())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %v, want channels 100 and 300", sender.sent)
	}
}

func TestTickSkipsChannelsWithoutContent(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	b, st := newTestBroadcaster(t, sender)
	ctx := context.Background()

	if err := st.PutChannel(ctx, storage.Channel{ID: 100}); err != nil {
		t.Fatalf("put channel: %v", err)
	}
	// No scheduled message anywhere: nothing is sent, nothing fails.
	b.tick(ctx, time.Now())
	if n := sender.sentCount(); n != 0 {
		t.Fatalf("sent = %d, want 0", n)
	}
}

// gateSender blocks the first send until released, so a test can hold a
// tick in flight.
type gateSender struct {
	fakeSender
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateSender) SendContent(ctx context.Context, to transport.ChatTarget, c transport.Content, opt *transport.SendOptions) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeSender.SendContent(ctx, to, c, opt)
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	t.Parallel()
	sender := &gateSender{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	b, st := newTestBroadcaster(t, sender)
	ctx := context.Background()

	for _, id := range []int64{100, 200, 300} {
		if err := st.PutChannel(ctx, storage.Channel{ID: id}); err != nil {
			t.Fatalf("put channel: %v", err)
		}
	}
	if err := st.PutMessage(ctx, storage.GlobalChannel, storage.KindScheduled,
		transport.Content{Kind: transport.KindText, Text: "ping"}); err != nil {
		t.Fatalf("put message: %v", err)
	}

	// Arm the timer machinery with an immediate fire so the tick starts
	// without waiting out a real interval.
	b.mu.Lock()
	b.running = true
	b.schedule = cron.Every(time.Hour)
	b.next = time.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	done := make(chan struct{})
	b.done = done
	b.mu.Unlock()
	go b.run(runCtx, done)

	<-sender.entered // first send in flight

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop(ctx) }()
	time.Sleep(20 * time.Millisecond) // let Stop cancel the run context
	close(sender.release)

	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stop must not cut off the tick it interrupted: all channels deliver.
	if got := sender.sentCount(); got != 3 {
		t.Fatalf("sent = %d channels during in-flight tick, want 3", got)
	}
	if b.Status().Running {
		t.Fatalf("still running after stop")
	}
}

func TestRestoreReArmsFromPersistedState(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	b, st := newTestBroadcaster(t, sender)
	ctx := context.Background()

	last := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if err := st.PutScheduleState(ctx, storage.ScheduleState{
		Enabled: true, Spec: "6h", LastFiredAt: last,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if err := b.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got := b.Status()
	if !got.Running || got.Spec != "6h" {
		t.Fatalf("status = %+v, want running with spec 6h", got)
	}
	if !got.LastFiredAt.Equal(last) {
		t.Fatalf("last fired = %v, want %v", got.LastFiredAt, last)
	}

	// Disabled persisted state stays stopped.
	b2, st2 := newTestBroadcaster(t, sender)
	if err := st2.PutScheduleState(ctx, storage.ScheduleState{Enabled: false, Spec: "6h"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := b2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if b2.Status().Running {
		t.Fatalf("restored disabled state is running")
	}
}
