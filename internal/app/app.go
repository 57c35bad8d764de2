package app

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"gatebot/internal/approval"
	"gatebot/internal/config"
	"gatebot/internal/eventbus"
	"gatebot/internal/ledger"
	"gatebot/internal/livechat"
	"gatebot/internal/messages"
	"gatebot/internal/router"
	"gatebot/internal/runtime/supervisor"
	"gatebot/internal/scheduler"
	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	"gatebot/internal/transport/telegram"
	"gatebot/pkg/logx"
)

// App wires the adapter, storage, approval engine, broadcaster and command
// router into one process.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter kit.Adapter

	ledger      *ledger.Ledger
	engine      *approval.Engine
	broadcaster *scheduler.Broadcaster
	livechat    *livechat.Router
	cmds        *router.Router
	deps        router.Deps

	// handleTimeout bounds the work done for a single inbound update,
	// including any replies it triggers.
	handleTimeout time.Duration

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	handleTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	// The chat log sink needs the adapter, which needs the token from the
	// already-parsed config; install it after both exist.
	logSvc.SetSender(chatSink{ad: ad})

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}

	bus := eventbus.New()
	led := ledger.New(store, logSvc.Logger().With(logx.String("comp", "ledger")))
	resolver := messages.NewResolver(store)

	engine := approval.NewEngine(led, resolver, ad, bus, loc,
		logSvc.Logger().With(logx.String("comp", "approval")))
	broadcaster := scheduler.New(store, resolver, ad, bus, loc,
		logSvc.Logger().With(logx.String("comp", "scheduler")))

	relayChat := cfg.LiveChat.RelayChatID
	if relayChat == 0 && len(cfg.Telegram.AdminUserIDs) > 0 {
		relayChat = cfg.Telegram.AdminUserIDs[0]
	}
	lc := livechat.New(ad, bus, relayChat,
		logSvc.Logger().With(logx.String("comp", "livechat")))

	cmds := router.New(ad, cfg.Telegram.AdminUserIDs,
		logSvc.Logger().With(logx.String("comp", "commands")))
	deps := router.Deps{
		Store:       store,
		Ledger:      led,
		Engine:      engine,
		Resolver:    resolver,
		Broadcaster: broadcaster,
		LiveChat:    lc,
		DefaultSpec: cfg.Scheduler.DefaultSpec,
	}
	cmds.Register(router.Commands(cmds, deps))

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		adapter:       ad,
		ledger:        led,
		engine:        engine,
		broadcaster:   broadcaster,
		livechat:      lc,
		cmds:          cmds,
		deps:          deps,
		handleTimeout: handleTimeout,
		updates:       make(chan kit.Update, 256),
	}, nil
}

// chatSink feeds telegram-bound log lines through the adapter.
type chatSink struct{ ad kit.Adapter }

func (s chatSink) SendText(ctx context.Context, chatID int64, text string) error {
	return s.ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil)
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	runCtx := a.sup.Context()

	if err := a.ledger.Load(runCtx); err != nil {
		return fmt.Errorf("load pending queue: %w", err)
	}
	a.log.Info("pending queue loaded", logx.Int("entries", a.ledger.Len()))

	if err := a.broadcaster.Restore(runCtx); err != nil {
		a.log.Warn("broadcast schedule not restored", logx.Err(err))
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	// Bounded worker pool: a long approval batch occupies one worker while
	// the others keep draining join requests and relays.
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		a.sup.Go("updates.worker."+strconv.Itoa(i), a.dispatchLoop)
	}
	a.sup.Go0("joinlog.record", a.joinLogLoop)
	a.sup.Go0("config.reload", a.configReloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	step("broadcaster", 2*time.Second, func(c context.Context) error { return a.broadcaster.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// dispatchLoop consumes adapter updates for the lifetime of the app.
// Several workers run this loop against the shared channel; per-update
// state lives in storage behind its own locks, so concurrent handling
// is safe.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-a.updates:
			if !ok {
				return nil
			}
			hctx, cancel := context.WithTimeout(ctx, a.handleTimeout)
			a.handleUpdate(hctx, up)
			cancel()
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateJoinRequest:
		if up.JoinRequest != nil {
			a.handleJoinRequest(ctx, *up.JoinRequest)
		}
	case kit.UpdateMessage:
		if up.Message != nil {
			a.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			// No inline keyboards are registered; acknowledge so the
			// client stops its spinner.
			if err := a.adapter.AnswerCallback(ctx, up.Callback.ID, ""); err != nil {
				a.log.Debug("callback answer failed", logx.Err(err))
			}
		}
	}
}

func (a *App) handleJoinRequest(ctx context.Context, jr kit.JoinRequest) {
	req := storage.JoinRequest{
		UserID:      jr.UserID,
		Username:    jr.Username,
		ChannelID:   jr.ChatID,
		RequestedAt: jr.At,
	}
	if err := a.ledger.Append(ctx, req); err != nil {
		a.log.Error("join request not recorded",
			logx.Int64("user_id", jr.UserID),
			logx.Int64("channel_id", jr.ChatID),
			logx.Err(err))
		return
	}
	a.log.Info("join request queued",
		logx.Int64("user_id", jr.UserID),
		logx.String("username", jr.Username),
		logx.Int64("channel_id", jr.ChatID))

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Approval.AutoApprove {
		if _, err := a.engine.AcceptOne(ctx, req); err != nil {
			a.log.Warn("auto-approve failed", logx.Int64("user_id", jr.UserID), logx.Err(err))
		}
	}
}

// handleMessage routes one inbound message. Order matters: commands first
// (a new command cancels any pending content capture), then admin content
// capture, then the live-chat relay paths.
func (a *App) handleMessage(ctx context.Context, m *kit.Message) {
	if a.cmds.Dispatch(ctx, m) {
		return
	}

	if a.cmds.IsAdmin(m.FromID) {
		handled, err := router.CaptureContent(ctx, a.cmds, a.deps, m)
		if err != nil {
			a.log.Warn("content capture failed", logx.Err(err))
			return
		}
		if handled {
			return
		}
	}

	cfg := a.cfgm.Get()
	if cfg != nil && !cfg.LiveChat.Enabled {
		return
	}

	if userID, handled, err := a.livechat.AdminReply(ctx, m); handled {
		if err != nil {
			a.log.Warn("admin reply not delivered", logx.Int64("user_id", userID), logx.Err(err))
		}
		return
	}

	if m.IsGroup || !a.livechat.InChat(m.FromID) {
		return
	}
	if livechat.IsExitKeyword(m.Text) {
		a.livechat.Exit(m.FromID)
		if err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID}, "chat ended", nil); err != nil {
			a.log.Debug("exit confirmation failed", logx.Err(err))
		}
		return
	}
	if _, err := a.livechat.RelayFromUser(ctx, m); err != nil {
		a.log.Warn("relay failed", logx.Int64("user_id", m.FromID), logx.Err(err))
	}
}

// joinLogLoop persists approval/decline events into the membership log.
func (a *App) joinLogLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			var action string
			switch e.Type {
			case eventbus.TypeJoinApproved:
				action = "approved"
			case eventbus.TypeJoinDeclined:
				action = "declined"
			default:
				continue
			}
			jr, ok := e.Data.(eventbus.JoinResolved)
			if !ok {
				continue
			}
			entry := storage.JoinLogEntry{
				At:        jr.At,
				UserID:    jr.UserID,
				Username:  jr.Username,
				ChannelID: jr.ChannelID,
				Action:    action,
			}
			if err := a.store.AppendJoinLog(ctx, entry); err != nil {
				a.log.Warn("join log write failed", logx.Err(err))
			}
		}
	}
}

// configReloadLoop applies validated config updates at runtime.
func (a *App) configReloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}

			a.logs.Apply(mapLogConfig(newCfg))
			a.cmds.SetAdmins(newCfg.Telegram.AdminUserIDs)

			for _, s := range sections {
				switch s {
				case "storage":
					a.log.Warn("storage config changed; restart required to take effect")
				case "scheduler", "live_chat":
					// Timezone and relay chat are fixed at startup; the
					// default spec is read live.
					a.log.Info("some " + s + " settings apply on next restart")
				}
			}

			fields := append([]logx.Field{
				logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
	if sc.Driver == "" {
		sc.Driver = "sqlite"
	}
	if sc.Path == "" {
		sc.Path = "./gatebot.db"
	}
	return sc, nil
}
