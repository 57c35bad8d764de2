// Package router dispatches admin and user commands through an explicit
// command table.
package router

import (
	"context"
	"strings"
	"sync"

	"gatebot/internal/storage"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is the command word without the leading slash, e.g. "accept".
	Route       string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

// Sender is the outbound slice of the platform port the router needs.
type Sender interface {
	SendContent(ctx context.Context, to transport.ChatTarget, c transport.Content, opt *transport.SendOptions) error
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error
}

type Request struct {
	Msg    *transport.Message
	Chat   transport.ChatTarget
	FromID int64
	// Args are positional tokens after the command word; Flags holds
	// --key=value arguments.
	Args  []string
	Flags map[string]string

	Sender Sender
	Log    logx.Logger
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Sender.SendText(ctx, r.Chat, text, nil)
}

// awaitState marks an admin whose next message is captured as message
// content (set-welcome / set-scheduled flows).
type awaitState struct {
	Kind      storage.MessageKind
	ChannelID int64
}

type Router struct {
	sender Sender
	log    logx.Logger

	mu       sync.RWMutex
	commands map[string]Command
	admins   map[int64]bool
	awaits   map[int64]awaitState
}

func New(sender Sender, admins []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		sender:   sender,
		log:      log,
		commands: map[string]Command{},
		admins:   map[int64]bool{},
		awaits:   map[int64]awaitState{},
	}
	r.SetAdmins(admins)
	return r
}

// SetAdmins replaces the admin list. Safe during config hot-reload.
func (r *Router) SetAdmins(admins []int64) {
	m := make(map[int64]bool, len(admins))
	for _, id := range admins {
		m[id] = true
	}
	r.mu.Lock()
	r.admins = m
	r.mu.Unlock()
}

func (r *Router) IsAdmin(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[userID]
}

// Register installs the command table, plus a generated /help.
func (r *Router) Register(cmds []Command) {
	table := make(map[string]Command, len(cmds)+1)
	for _, c := range cmds {
		route := strings.TrimSpace(strings.ToLower(c.Route))
		if route == "" || c.Handle == nil {
			continue
		}
		table[route] = c
	}
	table["help"] = Command{
		Route:       "help",
		Description: "show available commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(r.IsAdmin(req.FromID)))
		},
	}

	r.mu.Lock()
	r.commands = table
	r.mu.Unlock()
}

func (r *Router) helpText(admin bool) string {
	r.mu.RLock()
	cmds := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range sortCommands(cmds) {
		if c.Access == AccessAdminOnly && !admin {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Route
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" — ")
			b.WriteString(c.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortCommands(cmds []Command) []Command {
	for i := 1; i < len(cmds); i++ {
		for j := i; j > 0 && cmds[j].Route < cmds[j-1].Route; j-- {
			cmds[j], cmds[j-1] = cmds[j-1], cmds[j]
		}
	}
	return cmds
}

// Dispatch routes a command message. Returns false when the text is not a
// command or no route matches for a non-admin.
func (r *Router) Dispatch(ctx context.Context, m *transport.Message) bool {
	if m == nil {
		return false
	}
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return false
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return false
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	// strip the @botname suffix used in groups
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		if r.IsAdmin(m.FromID) && !m.IsGroup {
			_ = r.sender.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, "unknown command, try /help", nil)
			return true
		}
		return false
	}
	if cmd.Access == AccessAdminOnly && !r.IsAdmin(m.FromID) {
		// Pretend admin-only commands don't exist for regular users.
		return false
	}

	// A new command cancels any pending content capture for this admin.
	r.ClearAwait(m.FromID)

	pos, flags, _ := parseFlags(parts[1:])
	req := &Request{
		Msg:    m,
		Chat:   transport.ChatTarget{ChatID: m.ChatID},
		FromID: m.FromID,
		Args:   pos,
		Flags:  flags,
		Sender: r.sender,
		Log: r.log.With(
			logx.String("cmd", cmd.Route),
			logx.Int64("from_id", m.FromID),
		),
	}
	if err := cmd.Handle(ctx, req); err != nil {
		req.Log.Warn("command failed", logx.Err(err))
		_ = req.Reply(ctx, "command failed: "+err.Error())
	}
	return true
}

// SetAwait puts an admin into content-capture mode for (kind, channelID).
func (r *Router) SetAwait(userID int64, kind storage.MessageKind, channelID int64) {
	r.mu.Lock()
	r.awaits[userID] = awaitState{Kind: kind, ChannelID: channelID}
	r.mu.Unlock()
}

// TakeAwait pops the pending capture state for userID, if any.
func (r *Router) TakeAwait(userID int64) (storage.MessageKind, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.awaits[userID]
	if ok {
		delete(r.awaits, userID)
	}
	return st.Kind, st.ChannelID, ok
}

// ClearAwait drops any pending capture state for userID.
func (r *Router) ClearAwait(userID int64) {
	r.mu.Lock()
	delete(r.awaits, userID)
	r.mu.Unlock()
}

// Awaiting reports whether userID is in content-capture mode.
func (r *Router) Awaiting(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.awaits[userID]
	return ok
}
