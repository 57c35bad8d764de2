package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gatebot/internal/approval"
	"gatebot/internal/ledger"
	"gatebot/internal/livechat"
	"gatebot/internal/messages"
	"gatebot/internal/scheduler"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

// Deps are the services the command handlers operate on.
type Deps struct {
	Store       storage.Store
	Ledger      *ledger.Ledger
	Engine      *approval.Engine
	Resolver    *messages.Resolver
	Broadcaster *scheduler.Broadcaster
	LiveChat    *livechat.Router
	// DefaultSpec backs "/schedule start" without an argument.
	DefaultSpec string
}

// Commands builds the command table.
func Commands(r *Router, d Deps) []Command {
	return []Command{
		{
			Route:       "start",
			Description: "introduction",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx,
					"Hi! I manage join requests for our channels.\n"+
						"Use /chat to talk to an admin, /exit to leave the chat.")
			},
		},
		{
			Route:       "id",
			Description: "show chat and user ids",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, fmt.Sprintf("chat id: %d\nuser id: %d", req.Msg.ChatID, req.FromID))
			},
		},
		{
			Route:       "accept",
			Description: "approve pending join requests",
			Usage:       "/accept <n>|all|date <YYYY-MM-DD>|range <d1> <d2> [--channel <id>]",
			Access:      AccessAdminOnly,
			Handle:      func(ctx context.Context, req *Request) error { return cmdAccept(ctx, req, d) },
		},
		{
			Route:       "decline",
			Description: "reject pending join requests",
			Usage:       "/decline <n>|all|date <YYYY-MM-DD>|range <d1> <d2> [--channel <id>]",
			Access:      AccessAdminOnly,
			Handle:      func(ctx context.Context, req *Request) error { return cmdDecline(ctx, req, d) },
		},
		{
			Route:       "pending",
			Description: "show the pending queue",
			Access:      AccessAdminOnly,
			Handle:      func(ctx context.Context, req *Request) error { return cmdPending(ctx, req, d) },
		},
		{
			Route:       "setwelcome",
			Description: "set the welcome message (next message is stored)",
			Usage:       "/setwelcome [channel_id]",
			Access:      AccessAdminOnly,
			Handle: func(ctx context.Context, req *Request) error {
				return cmdSetMessage(ctx, req, r, storage.KindWelcome)
			},
		},
		{
			Route:       "setscheduled",
			Description: "set the scheduled broadcast message (next message is stored)",
			Usage:       "/setscheduled [channel_id]",
			Access:      AccessAdminOnly,
			Handle: func(ctx context.Context, req *Request) error {
				return cmdSetMessage(ctx, req, r, storage.KindScheduled)
			},
		},
		{
			Route:       "delwelcome",
			Description: "delete the welcome message",
			Usage:       "/delwelcome [channel_id]",
			Access:      AccessAdminOnly,
			Handle: func(ctx context.Context, req *Request) error {
				return cmdDelMessage(ctx, req, d, storage.KindWelcome)
			},
		},
		{
			Route:       "delscheduled",
			Description: "delete the scheduled message",
			Usage:       "/delscheduled [channel_id]",
			Access:      AccessAdminOnly,
			Handle: func(ctx context.Context, req *Request) error {
				return cmdDelMessage(ctx, req, d, storage.KindScheduled)
			},
		},
		{
			Route:       "schedule",
			Description: "control the broadcast timer",
			Usage:       "/schedule start [spec] | stop | status",
			Access:      AccessAdminOnly,
			Handle:      func(ctx context.Context, req *Request) error { return cmdSchedule(ctx, req, d) },
		},
		{
			Route:       "channels",
			Description: "manage target channels",
			Usage:       "/channels list | add <id> [title] | remove <id>",
			Access:      AccessAdminOnly,
			Handle:      func(ctx context.Context, req *Request) error { return cmdChannels(ctx, req, d) },
		},
		{
			Route:       "log",
			Description: "show recent membership events",
			Usage:       "/log [n]",
			Access:      AccessAdminOnly,
			Handle:      func(ctx context.Context, req *Request) error { return cmdLog(ctx, req, d) },
		},
		{
			Route:       "chat",
			Description: "start a live chat with an admin",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				if req.Msg.IsGroup {
					return req.Reply(ctx, "live chat works in a private chat with me")
				}
				if !d.LiveChat.Start(req.FromID) {
					return req.Reply(ctx, "you are already in a chat; type /exit to leave")
				}
				return req.Reply(ctx, "you are connected to an admin. Type /exit to leave.")
			},
		},
		{
			Route:       "exit",
			Description: "leave the live chat",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				if !d.LiveChat.Exit(req.FromID) {
					return req.Reply(ctx, "no active chat")
				}
				return req.Reply(ctx, "chat ended")
			},
		},
		{
			Route:       "end",
			Description: "end a user's live chat",
			Usage:       "/end <user_id>",
			Access:      AccessAdminOnly,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return req.Reply(ctx, "usage: /end <user_id>")
				}
				userID, err := strconv.ParseInt(req.Args[0], 10, 64)
				if err != nil {
					return req.Reply(ctx, "bad user id")
				}
				if !d.LiveChat.EndByAdmin(userID) {
					return req.Reply(ctx, "no active chat for that user")
				}
				return req.Reply(ctx, fmt.Sprintf("chat with %d ended", userID))
			},
		},
	}
}

func cmdAccept(ctx context.Context, req *Request, d Deps) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: /accept <n>|all|date <YYYY-MM-DD>|range <d1> <d2> [--channel <id>]")
	}
	sel, err := approval.ParseSelector(req.Args, d.Engine.Location())
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrInvalidRange):
			return req.Reply(ctx, "end date is before start date")
		case errors.Is(err, approval.ErrInvalidSelector):
			return req.Reply(ctx, "cannot parse that selection: "+err.Error())
		default:
			return err
		}
	}

	channelID, err := pickChannel(ctx, req, d)
	if err != nil {
		return req.Reply(ctx, err.Error())
	}

	sum, err := d.Engine.Accept(ctx, channelID, sel)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf(
		"approved: %d\nfailed: %d\nwelcome sent: %d\nwelcome failed: %d",
		sum.Approved, sum.ApproveFailed, sum.WelcomeSent, sum.WelcomeFailed))
}

func cmdDecline(ctx context.Context, req *Request, d Deps) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: /decline <n>|all|date <YYYY-MM-DD>|range <d1> <d2> [--channel <id>]")
	}
	sel, err := approval.ParseSelector(req.Args, d.Engine.Location())
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrInvalidRange):
			return req.Reply(ctx, "end date is before start date")
		case errors.Is(err, approval.ErrInvalidSelector):
			return req.Reply(ctx, "cannot parse that selection: "+err.Error())
		default:
			return err
		}
	}

	channelID, err := pickChannel(ctx, req, d)
	if err != nil {
		return req.Reply(ctx, err.Error())
	}

	sum, err := d.Engine.Decline(ctx, channelID, sel)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("declined: %d\nfailed: %d", sum.Declined, sum.DeclineFailed))
}

// pickChannel resolves the target channel for an accept: the --channel flag
// wins; with a single configured channel it is implied; otherwise ask.
func pickChannel(ctx context.Context, req *Request, d Deps) (int64, error) {
	if v, ok := req.Flags["channel"]; ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad channel id %q", v)
		}
		return id, nil
	}
	channels, err := d.Store.ListChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("channel list unavailable: %w", err)
	}
	switch len(channels) {
	case 0:
		return 0, errors.New("no channels configured; add one with /channels add")
	case 1:
		return channels[0].ID, nil
	default:
		return 0, errors.New("multiple channels configured; pass --channel <id>")
	}
}

func cmdPending(ctx context.Context, req *Request, d Deps) error {
	pending := d.Ledger.Pending()
	if len(pending) == 0 {
		return req.Reply(ctx, "no pending requests")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d pending request(s):\n", len(pending))
	const maxLines = 30
	for i, r := range pending {
		if i == maxLines {
			fmt.Fprintf(&b, "… and %d more\n", len(pending)-maxLines)
			break
		}
		name := r.Username
		if name == "" {
			name = strconv.FormatInt(r.UserID, 10)
		}
		fmt.Fprintf(&b, "%s — channel %d — %s\n",
			name, r.ChannelID, r.RequestedAt.In(d.Engine.Location()).Format("2006-01-02 15:04"))
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func cmdSetMessage(ctx context.Context, req *Request, r *Router, kind storage.MessageKind) error {
	channelID, err := optionalChannelArg(req.Args)
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	r.SetAwait(req.FromID, kind, channelID)

	scope := "global"
	if channelID != storage.GlobalChannel {
		scope = fmt.Sprintf("channel %d", channelID)
	}
	return req.Reply(ctx, fmt.Sprintf(
		"send the new %s message for %s (text or media); any command cancels", kind, scope))
}

func cmdDelMessage(ctx context.Context, req *Request, d Deps, kind storage.MessageKind) error {
	channelID, err := optionalChannelArg(req.Args)
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	if err := d.Store.DeleteMessage(ctx, channelID, kind); err != nil {
		return fmt.Errorf("delete %s message: %w", kind, err)
	}
	return req.Reply(ctx, fmt.Sprintf("%s message deleted", kind))
}

func optionalChannelArg(args []string) (int64, error) {
	switch len(args) {
	case 0:
		return storage.GlobalChannel, nil
	case 1:
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad channel id %q", args[0])
		}
		return id, nil
	default:
		return 0, errors.New("expected at most one channel id")
	}
}

func cmdSchedule(ctx context.Context, req *Request, d Deps) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: /schedule start [spec] | stop | status")
	}
	switch strings.ToLower(req.Args[0]) {
	case "start":
		spec := ""
		if len(req.Args) > 1 {
			spec = strings.Join(req.Args[1:], " ")
		}
		if spec == "" {
			spec = d.Broadcaster.Spec()
		}
		if spec == "" {
			spec = d.DefaultSpec
		}
		if spec == "" {
			return req.Reply(ctx, "no spec given and no previous one stored; try /schedule start 6h")
		}
		if err := d.Broadcaster.Start(ctx, spec); err != nil {
			if errors.Is(err, scheduler.ErrInvalidSpec) {
				return req.Reply(ctx, "cannot parse schedule spec: "+err.Error())
			}
			return err
		}
		st := d.Broadcaster.Status()
		return req.Reply(ctx, fmt.Sprintf("broadcast timer running (%s), next fire %s",
			st.Spec, st.NextFireAt.In(d.Engine.Location()).Format(time.RFC1123)))

	case "stop":
		if err := d.Broadcaster.Stop(ctx); err != nil {
			return err
		}
		return req.Reply(ctx, "broadcast timer stopped")

	case "status":
		st := d.Broadcaster.Status()
		if !st.Running {
			last := "never"
			if !st.LastFiredAt.IsZero() {
				last = st.LastFiredAt.In(d.Engine.Location()).Format(time.RFC1123)
			}
			return req.Reply(ctx, "broadcast timer stopped; last fired "+last)
		}
		return req.Reply(ctx, fmt.Sprintf("running (%s), next fire %s",
			st.Spec, st.NextFireAt.In(d.Engine.Location()).Format(time.RFC1123)))

	default:
		return req.Reply(ctx, "usage: /schedule start [spec] | stop | status")
	}
}

func cmdChannels(ctx context.Context, req *Request, d Deps) error {
	if len(req.Args) == 0 {
		req.Args = []string{"list"}
	}
	switch strings.ToLower(req.Args[0]) {
	case "list":
		channels, err := d.Store.ListChannels(ctx)
		if err != nil {
			return err
		}
		if len(channels) == 0 {
			return req.Reply(ctx, "no channels configured")
		}
		var b strings.Builder
		for _, ch := range channels {
			title := ch.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(&b, "%d — %s\n", ch.ID, title)
		}
		return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))

	case "add":
		if len(req.Args) < 2 {
			return req.Reply(ctx, "usage: /channels add <id> [title]")
		}
		id, err := strconv.ParseInt(req.Args[1], 10, 64)
		if err != nil {
			return req.Reply(ctx, "bad channel id")
		}
		title := strings.Join(req.Args[2:], " ")
		if err := d.Store.PutChannel(ctx, storage.Channel{ID: id, Title: title}); err != nil {
			return err
		}
		req.Log.Info("channel added", logx.Int64("channel_id", id))
		return req.Reply(ctx, fmt.Sprintf("channel %d added", id))

	case "remove":
		if len(req.Args) != 2 {
			return req.Reply(ctx, "usage: /channels remove <id>")
		}
		id, err := strconv.ParseInt(req.Args[1], 10, 64)
		if err != nil {
			return req.Reply(ctx, "bad channel id")
		}
		if err := d.Store.DeleteChannel(ctx, id); err != nil {
			return err
		}
		req.Log.Info("channel removed", logx.Int64("channel_id", id))
		return req.Reply(ctx, fmt.Sprintf("channel %d removed (with its messages)", id))

	default:
		return req.Reply(ctx, "usage: /channels list | add <id> [title] | remove <id>")
	}
}

func cmdLog(ctx context.Context, req *Request, d Deps) error {
	limit := 20
	if len(req.Args) == 1 {
		if n, err := strconv.Atoi(req.Args[0]); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	entries, err := d.Store.RecentJoinLog(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "no membership events yet")
	}
	var b strings.Builder
	for _, e := range entries {
		name := e.Username
		if name == "" {
			name = strconv.FormatInt(e.UserID, 10)
		}
		fmt.Fprintf(&b, "%s  %s  %s  channel %d\n",
			e.At.In(d.Engine.Location()).Format("2006-01-02 15:04"), e.Action, name, e.ChannelID)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

// CaptureContent stores a non-command admin message as the awaited welcome or
// scheduled content. Returns false when the admin is not in capture mode.
func CaptureContent(ctx context.Context, r *Router, d Deps, m *transport.Message) (bool, error) {
	if m == nil || !r.Awaiting(m.FromID) {
		return false, nil
	}
	kind, channelID, ok := r.TakeAwait(m.FromID)
	if !ok {
		return false, nil
	}

	var c transport.Content
	if m.Media != nil {
		c = transport.Content{Kind: m.Media.Kind, FileID: m.Media.FileID, Caption: m.Caption}
	} else {
		c = transport.Content{Kind: transport.KindText, Text: m.Text}
	}
	if c.IsZero() {
		return true, r.sender.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID},
			"that message is empty; run the command again", nil)
	}

	if err := d.Store.PutMessage(ctx, channelID, kind, c); err != nil {
		return true, fmt.Errorf("store %s message: %w", kind, err)
	}
	return true, r.sender.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID},
		fmt.Sprintf("%s message saved", kind), nil)
}
