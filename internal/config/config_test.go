package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./data.db"},
		"dispatch": {"workers": 4, "tick_interval": "5s", "retry_max": 2},
		"notify": {"enabled": true, "account_id": "tg-ops", "dedup_window": "2m"},
		"accounts": [
			{"id": "tg-ops", "platform": "telegram", "credentials": {"token": "123:abc", "chat_id": "-100"}},
			{"id": "masto-main", "platform": "mastodon", "name": "Main", "credentials": {"server": "https://m.example", "access_token": "xyz"}}
		]
	}`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Dispatch == nil || cfg.Dispatch.Workers != 4 || cfg.Dispatch.TickInterval != "5s" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Notify == nil || cfg.Notify.AccountID != "tg-ops" {
		t.Fatalf("notify = %+v", cfg.Notify)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(cfg.Accounts))
	}
	if cfg.Accounts[0].Credentials["chat_id"] != "-100" {
		t.Fatalf("credentials not parsed: %+v", cfg.Accounts[0])
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
dispatch:
  workers: 2
  send_timeout: 10s
accounts:
  - id: dc-hook
    platform: discord
    credentials:
      webhook_url: https://discord.example/hook
`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch == nil || cfg.Dispatch.SendTimeout != "10s" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].Platform != "discord" {
		t.Fatalf("accounts = %+v", cfg.Accounts)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "scheddler": {}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{"accounts": []} {"accounts": []}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Accounts: []AccountConfig{
			{ID: "tg-ops", Platform: "telegram", Credentials: map[string]string{"token": "old"}},
			{ID: "masto-main", Platform: "mastodon", Credentials: map[string]string{"token": "same"}},
		},
	}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug", Console: true},
		Dispatch: &DispatchConfig{Workers: 4},
		Accounts: []AccountConfig{
			{ID: "tg-ops", Platform: "telegram", Credentials: map[string]string{"token": "new"}},
			{ID: "masto-main", Platform: "mastodon", Credentials: map[string]string{"token": "same"}},
			{ID: "dc-hook", Platform: "discord"},
		},
	}

	changed, attrs, accounts := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"accounts", "dispatch", "logging"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs for changed sections")
	}
	if len(accounts) != 2 || accounts[0] != "dc-hook" || accounts[1] != "tg-ops" {
		t.Fatalf("accounts changed = %v, want [dc-hook tg-ops]", accounts)
	}
}

func TestSummarizeConfigChangeNoChanges(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Logging:  LoggingConfig{Level: "info"},
		Accounts: []AccountConfig{{ID: "a", Platform: "telegram", Credentials: map[string]string{"token": "x"}}},
	}
	cp := *cfg
	cp.Accounts = []AccountConfig{{ID: "a", Platform: "telegram", Credentials: map[string]string{"token": "x"}}}

	changed, _, accounts := SummarizeConfigChange(cfg, &cp)
	if len(changed) != 0 || len(accounts) != 0 {
		t.Fatalf("changed = %v, accounts = %v, want none", changed, accounts)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 10s "); err != nil || d.Seconds() != 10 {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatal("expected error for bad duration")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := ParseDurationOrDefault("x", "", 42); err != nil || d != 42 {
		t.Fatalf("default = %v, %v", d, err)
	}
}
