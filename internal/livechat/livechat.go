// Package livechat relays messages between users and the admin chat while a
// session is active.
package livechat

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gatebot/internal/eventbus"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

// Sender is the slice of the platform port the router needs.
type Sender interface {
	SendContent(ctx context.Context, to transport.ChatTarget, c transport.Content, opt *transport.SendOptions) error
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error
}

// idLine extracts the user id from a relayed message header when an admin
// replies to it.
var idLine = regexp.MustCompile(`(?m)^ID: (\d+)$`)

// exitKeywords end a session from the user side.
var exitKeywords = map[string]bool{
	"/exit": true, "/stop": true, "/quit": true,
	"exit": true, "stop": true, "quit": true,
}

// IsExitKeyword reports whether text is a session-ending keyword.
func IsExitKeyword(text string) bool {
	return exitKeywords[strings.ToLower(strings.TrimSpace(text))]
}

type Router struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	// relayChatID receives the relayed user messages.
	relayChatID int64

	mu     sync.Mutex
	active map[int64]time.Time // user id -> session start
}

func New(sender Sender, bus eventbus.Bus, relayChatID int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		sender:      sender,
		bus:         bus,
		log:         log,
		relayChatID: relayChatID,
		active:      map[int64]time.Time{},
	}
}

// Start opens a session for userID. Starting while already in a session is a
// no-op; there is at most one session per user.
func (r *Router) Start(userID int64) bool {
	r.mu.Lock()
	_, exists := r.active[userID]
	if !exists {
		r.active[userID] = time.Now()
	}
	r.mu.Unlock()
	if exists {
		return false
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeChatStarted,
			Data: eventbus.ChatSession{UserID: userID, At: time.Now()},
		})
	}
	r.log.Info("live chat started", logx.Int64("user_id", userID))
	return true
}

// Exit ends userID's session from the user side. No-op when idle.
func (r *Router) Exit(userID int64) bool { return r.end(userID) }

// EndByAdmin ends userID's session from the admin side. No-op when idle.
func (r *Router) EndByAdmin(userID int64) bool { return r.end(userID) }

func (r *Router) end(userID int64) bool {
	r.mu.Lock()
	_, exists := r.active[userID]
	delete(r.active, userID)
	r.mu.Unlock()
	if !exists {
		return false
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeChatEnded,
			Data: eventbus.ChatSession{UserID: userID, At: time.Now()},
		})
	}
	r.log.Info("live chat ended", logx.Int64("user_id", userID))
	return true
}

// InChat reports whether userID has an active session.
func (r *Router) InChat(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[userID]
	return ok
}

// ActiveSessions returns the user ids with open sessions.
func (r *Router) ActiveSessions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

// RelayFromUser forwards an in-session user's message verbatim to the relay
// chat, preceded by an identity header. Returns false when the user is idle
// (the message then belongs to other flows).
func (r *Router) RelayFromUser(ctx context.Context, m *transport.Message) (bool, error) {
	if m == nil || !r.InChat(m.FromID) {
		return false, nil
	}

	header := fmt.Sprintf("User: %s\nID: %d", displayName(m), m.FromID)
	to := transport.ChatTarget{ChatID: r.relayChatID}
	if err := r.sender.SendText(ctx, to, header, nil); err != nil {
		return true, fmt.Errorf("relay header: %w", err)
	}
	if err := r.sender.SendContent(ctx, to, contentOf(m), nil); err != nil {
		return true, fmt.Errorf("relay message: %w", err)
	}
	return true, nil
}

// AdminReply handles an admin message in the relay chat that replies to a
// relayed header. The reply is delivered to the referenced user as a one-shot
// send; it neither requires nor re-opens a session. Returns the target user
// id, or false when the message is not an admin reply.
func (r *Router) AdminReply(ctx context.Context, m *transport.Message) (int64, bool, error) {
	if m == nil || m.ChatID != r.relayChatID || m.ReplyTo == nil {
		return 0, false, nil
	}
	match := idLine.FindStringSubmatch(m.ReplyTo.Text)
	if match == nil {
		return 0, false, nil
	}
	userID, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false, nil
	}

	if err := r.sender.SendContent(ctx, transport.ChatTarget{ChatID: userID}, contentOf(m), nil); err != nil {
		return userID, true, fmt.Errorf("deliver admin reply: %w", err)
	}
	return userID, true, nil
}

func displayName(m *transport.Message) string {
	if m.FromUsername != "" {
		return "@" + m.FromUsername
	}
	if m.FromName != "" {
		return m.FromName
	}
	return strconv.FormatInt(m.FromID, 10)
}

// contentOf converts an inbound message to sendable content, preserving the
// media kind.
func contentOf(m *transport.Message) transport.Content {
	if m.Media == nil {
		return transport.Content{Kind: transport.KindText, Text: m.Text}
	}
	return transport.Content{
		Kind:    m.Media.Kind,
		FileID:  m.Media.FileID,
		Caption: m.Caption,
	}
}
