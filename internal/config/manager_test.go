package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  admin_user_ids: [1000, 2000]
  poll_timeout: 15s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./state.db
scheduler:
  timezone: Asia/Jakarta
  default_spec: "09:30"
live_chat:
  enabled: true
  relay_chat_id: -500
`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Telegram.AdminUserIDs[1] != 2000 {
		t.Errorf("admins = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Scheduler.DefaultSpec != "09:30" {
		t.Errorf("default_spec = %q", cfg.Scheduler.DefaultSpec)
	}
	if !cfg.LiveChat.Enabled || cfg.LiveChat.RelayChatID != -500 {
		t.Errorf("live_chat = %+v", cfg.LiveChat)
	}
	if got := m.Get(); got != cfg {
		t.Errorf("Get() did not return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json",
		`{"telegram": {"token": "t", "admin_user_ids": [7]}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "chat_id": 0, "min_level": "", "rate_per_sec": 0}}, "storage": {"driver": "file", "path": "./s"}, "scheduler": {}}`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "file" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
telegram:
  token: t
  owner: 123
`)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"bad poll timeout", func(c *Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"empty driver ok", func(c *Config) { c.Storage.Driver = "" }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "t", AdminUserIDs: []int64{1}}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "t", AdminUserIDs: []int64{1, 2}}}
	newCfg.Logging.Level = "debug"

	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	joined := strings.Join(sections, ",")
	if !strings.Contains(joined, "telegram") || !strings.Contains(joined, "logging") {
		t.Fatalf("sections = %v", sections)
	}

	sections, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(sections) != 0 {
		t.Fatalf("identical configs reported changes: %v", sections)
	}
}
