package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage selects the persistence driver for pending requests, stored
	// messages and schedule state.
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the broadcast timer defaults.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Approval controls join-request handling.
	Approval ApprovalConfig `json:"approval,omitempty"`

	// LiveChat controls the user<->admin relay.
	LiveChat LiveChatConfig `json:"live_chat,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs lists user ids allowed to run admin commands.
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendTimeout bounds outbound send calls. Go duration string.
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors selected log records into an admin chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./gatebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "file"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type SchedulerConfig struct {
	// Timezone names the IANA zone used for HH:MM schedule specs and for
	// interpreting /accept date ranges. Defaults to UTC.
	Timezone string `json:"timezone,omitempty"`
	// DefaultSpec is applied when /schedule on is issued without a spec and
	// no previous spec is stored. Accepts a duration ("6h"), a daily time
	// ("09:30") or a cron expression.
	DefaultSpec string `json:"default_spec,omitempty"`
}

type ApprovalConfig struct {
	// AutoApprove approves join requests immediately on arrival instead of
	// queueing them for /accept.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

type LiveChatConfig struct {
	Enabled bool `json:"enabled"`
	// RelayChatID is the admin chat that receives relayed user messages.
	// When zero, relays go to the first configured admin user.
	RelayChatID int64 `json:"relay_chat_id,omitempty"`
}
