package eventbus

import "time"

// Event types published by the app's components.
const (
	TypeJoinApproved   = "join.approved"
	TypeJoinDeclined   = "join.declined"
	TypeBroadcastFired = "broadcast.fired"
	TypeChatStarted    = "chat.started"
	TypeChatEnded      = "chat.ended"
)

// JoinResolved is the payload for join.approved / join.declined.
type JoinResolved struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	ChannelID int64     `json:"channel_id"`
	At        time.Time `json:"at"`
}

// BroadcastFired is the payload for broadcast.fired.
type BroadcastFired struct {
	At       time.Time `json:"at"`
	Channels int       `json:"channels"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
}

// ChatSession is the payload for chat.started / chat.ended.
type ChatSession struct {
	UserID int64     `json:"user_id"`
	At     time.Time `json:"at"`
}
