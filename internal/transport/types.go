package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateJoinRequest UpdateKind = "join_request"
	UpdateCallback    UpdateKind = "callback"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	JoinRequest *JoinRequest
	Callback    *Callback
}

// JoinRequest is an inbound chat_join_request event.
type JoinRequest struct {
	UserID   int64
	Username string
	ChatID   int64
	At       time.Time
}

// MediaKind is the wire-level payload kind of a message or stored content.
type MediaKind string

const (
	KindText      MediaKind = "text"
	KindPhoto     MediaKind = "photo"
	KindVideo     MediaKind = "video"
	KindVoice     MediaKind = "voice"
	KindAudio     MediaKind = "audio"
	KindDocument  MediaKind = "document"
	KindVideoNote MediaKind = "video_note"
	KindSticker   MediaKind = "sticker"
	KindAnimation MediaKind = "animation"
)

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	IsGroup      bool

	Text    string
	Media   *Media
	Caption string

	// ReplyTo carries the quoted message for reply-to-based routing
	// (live-chat admin replies).
	ReplyTo *ReplyRef
}

type Media struct {
	Kind   MediaKind
	FileID string
}

type ReplyRef struct {
	MessageID int
	// Text holds the quoted message's text or caption.
	Text string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

// Content is a sendable message payload: either plain text or a media file
// reference (platform file id) with an optional caption.
type Content struct {
	Kind    MediaKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	FileID  string    `json:"file_id,omitempty"`
	Caption string    `json:"caption,omitempty"`
}

// IsZero reports whether the content carries nothing sendable.
func (c Content) IsZero() bool {
	switch c.Kind {
	case "", KindText:
		return c.Text == ""
	default:
		return c.FileID == ""
	}
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the messaging-platform port. Implementations must be safe for
// concurrent use; calls respect ctx cancellation and carry their own network
// timeouts.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Approve(ctx context.Context, chatID, userID int64) error
	Decline(ctx context.Context, chatID, userID int64) error

	SendContent(ctx context.Context, to ChatTarget, c Content, opt *SendOptions) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
