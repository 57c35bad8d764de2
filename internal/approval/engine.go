package approval

import (
	"context"
	"errors"
	"time"

	"gatebot/internal/eventbus"
	"gatebot/internal/ledger"
	"gatebot/internal/messages"
	"gatebot/internal/storage"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

// Transport is the slice of the platform port the engine needs.
type Transport interface {
	Approve(ctx context.Context, chatID, userID int64) error
	Decline(ctx context.Context, chatID, userID int64) error
	SendContent(ctx context.Context, to transport.ChatTarget, c transport.Content, opt *transport.SendOptions) error
}

// Summary is the aggregate result of a batch accept or decline.
type Summary struct {
	Approved      int
	ApproveFailed int
	Declined      int
	DeclineFailed int
	WelcomeSent   int
	WelcomeFailed int
}

type Engine struct {
	ledger   *ledger.Ledger
	resolver *messages.Resolver
	tp       Transport
	bus      eventbus.Bus
	log      logx.Logger
	loc      *time.Location
}

func NewEngine(l *ledger.Ledger, r *messages.Resolver, tp Transport, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{ledger: l, resolver: r, tp: tp, bus: bus, log: log, loc: loc}
}

// Location returns the timezone used for date selectors.
func (e *Engine) Location() *time.Location { return e.loc }

// Accept applies sel to channelID's pending queue. Approvals are attempted per
// entry; a transport failure leaves that entry pending for a later retry and
// does not abort the rest of the batch. Welcome delivery is best-effort and
// never rolls back an approval.
func (e *Engine) Accept(ctx context.Context, channelID int64, sel Selector) (Summary, error) {
	pending := e.ledger.PendingFor(channelID)
	selected := e.selectEntries(pending, sel)

	var sum Summary
	for _, req := range selected {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if e.accept(ctx, req, &sum) {
			sum.Approved++
		} else {
			sum.ApproveFailed++
		}
	}
	return sum, nil
}

// Decline rejects the selected pending requests. No message is sent to the
// user; Telegram shows its own notice. Failures leave entries pending, same
// as Accept.
func (e *Engine) Decline(ctx context.Context, channelID int64, sel Selector) (Summary, error) {
	pending := e.ledger.PendingFor(channelID)
	selected := e.selectEntries(pending, sel)

	var sum Summary
	for _, req := range selected {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if e.decline(ctx, req) {
			sum.Declined++
		} else {
			sum.DeclineFailed++
		}
	}
	return sum, nil
}

// AcceptOne approves a single request immediately (auto-approve path).
func (e *Engine) AcceptOne(ctx context.Context, req storage.JoinRequest) (Summary, error) {
	var sum Summary
	if e.accept(ctx, req, &sum) {
		sum.Approved++
	} else {
		sum.ApproveFailed++
	}
	return sum, nil
}

func (e *Engine) selectEntries(pending []storage.JoinRequest, sel Selector) []storage.JoinRequest {
	switch sel.Kind {
	case SelectAll:
		return pending
	case SelectCount:
		if sel.Count < len(pending) {
			return pending[:sel.Count]
		}
		return pending
	case SelectDate, SelectRange:
		out := make([]storage.JoinRequest, 0, len(pending))
		for _, r := range pending {
			if sel.matches(r.RequestedAt, e.loc) {
				out = append(out, r)
			}
		}
		return out
	default:
		return nil
	}
}

// accept approves one request and delivers its welcome. Returns false when
// the transport approval failed; the request then stays pending.
func (e *Engine) accept(ctx context.Context, req storage.JoinRequest, sum *Summary) bool {
	if err := e.tp.Approve(ctx, req.ChannelID, req.UserID); err != nil {
		e.log.Warn("join approval failed",
			logx.Int64("user_id", req.UserID),
			logx.Int64("channel_id", req.ChannelID),
			logx.Err(err))
		return false
	}

	now := time.Now()
	if err := e.ledger.Resolve(ctx, []storage.RequestKey{req.Key()}, storage.StatusApproved, now); err != nil {
		// The platform-side approval already happened; record the
		// inconsistency rather than pretending the approval failed.
		e.log.Error("approved request not resolved in ledger",
			logx.Int64("user_id", req.UserID),
			logx.Int64("channel_id", req.ChannelID),
			logx.Err(err))
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeJoinApproved,
			Data: eventbus.JoinResolved{
				UserID:    req.UserID,
				Username:  req.Username,
				ChannelID: req.ChannelID,
				At:        now,
			},
		})
	}

	c, err := e.resolver.Resolve(ctx, req.ChannelID, storage.KindWelcome)
	if err != nil {
		if !errors.Is(err, messages.ErrNoContent) {
			e.log.Warn("welcome resolution failed",
				logx.Int64("channel_id", req.ChannelID), logx.Err(err))
			sum.WelcomeFailed++
		}
		return true
	}
	if err := e.tp.SendContent(ctx, transport.ChatTarget{ChatID: req.UserID}, c, nil); err != nil {
		e.log.Warn("welcome delivery failed",
			logx.Int64("user_id", req.UserID), logx.Err(err))
		sum.WelcomeFailed++
		return true
	}
	sum.WelcomeSent++
	return true
}

func (e *Engine) decline(ctx context.Context, req storage.JoinRequest) bool {
	if err := e.tp.Decline(ctx, req.ChannelID, req.UserID); err != nil {
		e.log.Warn("join decline failed",
			logx.Int64("user_id", req.UserID),
			logx.Int64("channel_id", req.ChannelID),
			logx.Err(err))
		return false
	}

	now := time.Now()
	if err := e.ledger.Resolve(ctx, []storage.RequestKey{req.Key()}, storage.StatusDeclined, now); err != nil {
		e.log.Error("declined request not resolved in ledger",
			logx.Int64("user_id", req.UserID),
			logx.Int64("channel_id", req.ChannelID),
			logx.Err(err))
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeJoinDeclined,
			Data: eventbus.JoinResolved{
				UserID:    req.UserID,
				Username:  req.Username,
				ChannelID: req.ChannelID,
				At:        now,
			},
		})
	}
	return true
}
