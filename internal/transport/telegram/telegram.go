package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "gatebot/internal/runtime/supervisor"
	kit "gatebot/internal/transport"
	"gatebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter drives the Telegram Bot API via long polling and translates
// platform updates into transport.Update values.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the adapter's internal goroutines (poll loop, drop reporter).
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Reported periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		// Client timeout must exceed the long-poll window.
		Client: &http.Client{Timeout: timeout + 15*time.Second},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnChatJoinRequest, func(c tele.Context) error {
		jr := c.Update().ChatJoinRequest
		if jr == nil || jr.Chat == nil || jr.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateJoinRequest,
			JoinRequest: &kit.JoinRequest{
				UserID:   jr.Sender.ID,
				Username: jr.Sender.Username,
				ChatID:   jr.Chat.ID,
				At:       time.Unix(jr.Unixtime, 0),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      cb.Data,
			},
		})
		return nil
	})

	// All message kinds funnel into the same Update; the media payload is
	// preserved so live-chat relays stay verbatim.
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: fromTele(m)})
		return nil
	}
	for _, ep := range []string{
		tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnVoice,
		tele.OnAudio, tele.OnDocument, tele.OnVideoNote,
		tele.OnSticker, tele.OnAnimation,
	} {
		a.bot.Handle(ep, onMessage)
	}
}

func fromTele(m *tele.Message) *kit.Message {
	msg := &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromName:     strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
		IsGroup:      m.Chat.Type != tele.ChatPrivate,
		Text:         m.Text,
		Caption:      m.Caption,
	}
	switch {
	case m.Photo != nil:
		msg.Media = &kit.Media{Kind: kit.KindPhoto, FileID: m.Photo.FileID}
	case m.Video != nil:
		msg.Media = &kit.Media{Kind: kit.KindVideo, FileID: m.Video.FileID}
	case m.Voice != nil:
		msg.Media = &kit.Media{Kind: kit.KindVoice, FileID: m.Voice.FileID}
	case m.Audio != nil:
		msg.Media = &kit.Media{Kind: kit.KindAudio, FileID: m.Audio.FileID}
	case m.Document != nil:
		msg.Media = &kit.Media{Kind: kit.KindDocument, FileID: m.Document.FileID}
	case m.VideoNote != nil:
		msg.Media = &kit.Media{Kind: kit.KindVideoNote, FileID: m.VideoNote.FileID}
	case m.Sticker != nil:
		msg.Media = &kit.Media{Kind: kit.KindSticker, FileID: m.Sticker.FileID}
	case m.Animation != nil:
		msg.Media = &kit.Media{Kind: kit.KindAnimation, FileID: m.Animation.FileID}
	}
	if r := m.ReplyTo; r != nil {
		text := r.Text
		if text == "" {
			text = r.Caption
		}
		msg.ReplyTo = &kit.ReplyRef{MessageID: r.ID, Text: text}
	}
	return msg
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		// Adapter errors should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// telebot's Start() is a long-running loop; run it under a restart loop so
	// unexpected exits self-heal.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	if sup == nil {
		return nil
	}
	// Keep shutdown snappy even if the long poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) Approve(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.ApproveJoinRequest(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
}

func (a *Adapter) Decline(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.DeclineJoinRequest(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
}

func (a *Adapter) SendContent(ctx context.Context, to kit.ChatTarget, c kit.Content, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := teleOptions(opt)

	var what any
	switch c.Kind {
	case "", kit.KindText:
		return a.SendText(ctx, to, c.Text, opt)
	case kit.KindPhoto:
		what = &tele.Photo{File: tele.File{FileID: c.FileID}, Caption: c.Caption}
	case kit.KindVideo:
		what = &tele.Video{File: tele.File{FileID: c.FileID}, Caption: c.Caption}
	case kit.KindVoice:
		what = &tele.Voice{File: tele.File{FileID: c.FileID}, Caption: c.Caption}
	case kit.KindAudio:
		what = &tele.Audio{File: tele.File{FileID: c.FileID}, Caption: c.Caption}
	case kit.KindDocument:
		what = &tele.Document{File: tele.File{FileID: c.FileID}, Caption: c.Caption}
	case kit.KindVideoNote:
		what = &tele.VideoNote{File: tele.File{FileID: c.FileID}}
	case kit.KindAnimation:
		what = &tele.Animation{File: tele.File{FileID: c.FileID}, Caption: c.Caption}
	case kit.KindSticker:
		// Stickers carry no caption; send it as a follow-up line.
		if _, err := a.bot.Send(chat, &tele.Sticker{File: tele.File{FileID: c.FileID}}); err != nil {
			return err
		}
		if c.Caption != "" {
			return a.SendText(ctx, to, c.Caption, opt)
		}
		return nil
	default:
		return a.SendText(ctx, to, c.Text, opt)
	}

	_, err := a.bot.Send(chat, what, sendOpt)
	return err
}

const textLimit = 4000

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := teleOptions(opt)
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, sendOpt); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func teleOptions(opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
}

// splitText splits long messages into chunks Telegram will accept, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
