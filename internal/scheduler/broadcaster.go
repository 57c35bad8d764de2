// Package scheduler drives the periodic broadcast of scheduled messages to
// every managed channel.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"gatebot/internal/eventbus"
	"gatebot/internal/messages"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

// Sender is the slice of the platform port the broadcaster needs.
type Sender interface {
	SendContent(ctx context.Context, to transport.ChatTarget, c transport.Content, opt *transport.SendOptions) error
}

// Status is a point-in-time view of the broadcast timer.
type Status struct {
	Running     bool
	Spec        string
	NextFireAt  time.Time
	LastFiredAt time.Time
}

type Broadcaster struct {
	store    storage.Store
	resolver *messages.Resolver
	sender   Sender
	bus      eventbus.Bus
	log      logx.Logger
	loc      *time.Location

	// limiter paces per-channel sends within a tick.
	limiter *rate.Limiter

	mu       sync.Mutex
	running  bool
	spec     string
	schedule cron.Schedule
	next     time.Time
	lastFire time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(store storage.Store, resolver *messages.Resolver, sender Sender, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Broadcaster {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broadcaster{
		store:    store,
		resolver: resolver,
		sender:   sender,
		bus:      bus,
		log:      log,
		loc:      loc,
		limiter:  rate.NewLimiter(rate.Limit(20), 5),
	}
}

// Restore re-arms the timer from persisted state. Called once at startup.
func (b *Broadcaster) Restore(ctx context.Context) error {
	st, err := b.store.GetScheduleState(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.lastFire = st.LastFiredAt
	b.mu.Unlock()
	if !st.Enabled || st.Spec == "" {
		return nil
	}
	return b.Start(ctx, st.Spec)
}

// Start arms the timer with spec. If already running, the timer is restarted
// with the new spec (not an error). State is persisted before the timer arms.
func (b *Broadcaster) Start(ctx context.Context, spec string) error {
	sched, err := ParseSpec(spec, b.loc)
	if err != nil {
		return err
	}

	b.stop()

	b.mu.Lock()
	now := time.Now()
	b.running = true
	b.spec = spec
	b.schedule = sched
	b.next = sched.Next(now)
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	done := make(chan struct{})
	b.done = done
	b.mu.Unlock()

	if err := b.store.PutScheduleState(ctx, storage.ScheduleState{
		Enabled: true, Spec: spec, LastFiredAt: b.LastFired(),
	}); err != nil {
		b.log.Warn("schedule state not persisted", logx.Err(err))
	}

	go b.run(runCtx, done)
	b.log.Info("broadcast timer started",
		logx.String("spec", spec), logx.Time("next", b.NextFire()))
	return nil
}

// Stop disarms the timer and persists the disabled state. Idempotent. After
// Stop returns no further tick fires; a tick already in flight completes.
func (b *Broadcaster) Stop(ctx context.Context) error {
	if !b.stop() {
		return nil
	}
	b.log.Info("broadcast timer stopped")
	return b.store.PutScheduleState(ctx, storage.ScheduleState{
		Enabled: false, Spec: b.Spec(), LastFiredAt: b.LastFired(),
	})
}

// stop cancels the timer goroutine and waits for it. Returns whether the
// timer was running.
func (b *Broadcaster) stop() bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return true
}

func (b *Broadcaster) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Running:     b.running,
		Spec:        b.spec,
		NextFireAt:  b.next,
		LastFiredAt: b.lastFire,
	}
}

func (b *Broadcaster) Spec() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spec
}

func (b *Broadcaster) LastFired() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFire
}

func (b *Broadcaster) NextFire() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

func (b *Broadcaster) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		b.mu.Lock()
		next := b.next
		sched := b.schedule
		b.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		// re-check: Stop may have raced the timer fire
		if ctx.Err() != nil {
			return
		}

		// The tick runs detached from the run context: stop() must not cut
		// off deliveries already in flight. Its done barrier still waits
		// for the tick to finish before stop returns.
		b.tick(context.WithoutCancel(ctx), next)

		// Next fire is computed from the previous scheduled time, not from
		// completion time, so slow deliveries don't accumulate drift.
		b.mu.Lock()
		b.lastFire = next
		b.next = sched.Next(next)
		b.mu.Unlock()

		if err := b.store.PutScheduleState(ctx, storage.ScheduleState{
			Enabled: true, Spec: b.Spec(), LastFiredAt: next,
		}); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn("schedule state not persisted", logx.Err(err))
		}
	}
}

// tick broadcasts the scheduled message to every managed channel. Per-channel
// failures are logged and do not abort the remaining channels.
func (b *Broadcaster) tick(ctx context.Context, at time.Time) {
	channels, err := b.store.ListChannels(ctx)
	if err != nil {
		b.log.Warn("broadcast tick: channel list failed", logx.Err(err))
		return
	}

	sent, failed := 0, 0
	for _, ch := range channels {
		if ctx.Err() != nil {
			return
		}
		c, err := b.resolver.Resolve(ctx, ch.ID, storage.KindScheduled)
		if err != nil {
			if !errors.Is(err, messages.ErrNoContent) {
				b.log.Warn("broadcast resolution failed",
					logx.Int64("channel_id", ch.ID), logx.Err(err))
				failed++
			}
			continue
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		if err := b.sender.SendContent(ctx, transport.ChatTarget{ChatID: ch.ID}, c, nil); err != nil {
			b.log.Warn("broadcast send failed",
				logx.Int64("channel_id", ch.ID), logx.Err(err))
			failed++
			continue
		}
		sent++
	}

	b.log.Debug("broadcast tick finished",
		logx.Int("channels", len(channels)),
		logx.Int("sent", sent),
		logx.Int("failed", failed))

	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Type: eventbus.TypeBroadcastFired,
			Data: eventbus.BroadcastFired{At: at, Channels: len(channels), Sent: sent, Failed: failed},
		})
	}
}
