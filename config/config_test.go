package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mwestra/chronicle/config"
)

const minimalTOML = `
[bot]
token = "test-token"
guild_id = "guild-1"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgFile, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return cfgFile
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalTOML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.Driver != "sqlite3" {
		t.Errorf("Store.Driver = %q, want sqlite3", cfg.Store.Driver)
	}
	if cfg.Summary.MinMessages != 25 {
		t.Errorf("Summary.MinMessages = %d, want 25", cfg.Summary.MinMessages)
	}
	if cfg.Summary.MaxConcurrent != 4 {
		t.Errorf("Summary.MaxConcurrent = %d, want 4", cfg.Summary.MaxConcurrent)
	}
	if cfg.Sharing.TimeoutHours != 6 {
		t.Errorf("Sharing.TimeoutHours = %d, want 6", cfg.Sharing.TimeoutHours)
	}
	if cfg.Agent.MaxToolIterations != 50 {
		t.Errorf("Agent.MaxToolIterations = %d, want 50", cfg.Agent.MaxToolIterations)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BOT_TOKEN", "env-token")
	t.Setenv("GUILD_ID", "env-guild")
	t.Setenv("CHANNELS_TO_MONITOR", "1, 2 ,3")
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")

	cfg, err := config.Load(writeConfig(t, minimalTOML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Bot.Token != "env-token" {
		t.Errorf("Bot.Token = %q, want env-token", cfg.Bot.Token)
	}
	if cfg.GuildID() != "env-guild" {
		t.Errorf("GuildID() = %q, want env-guild", cfg.GuildID())
	}
	want := []string{"1", "2", "3"}
	got := cfg.MonitoredIDs()
	if len(got) != len(want) {
		t.Fatalf("MonitoredIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MonitoredIDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if cfg.Store.Driver != "pgx" {
		t.Errorf("Store.Driver = %q, want pgx when SUPABASE_URL is set", cfg.Store.Driver)
	}
}

func TestDevModeSwitchesTargets(t *testing.T) {
	t.Setenv("DEV_MODE", "true")
	t.Setenv("DEV_GUILD_ID", "dev-guild")
	t.Setenv("DEV_SUMMARY_CHANNEL_ID", "dev-summary")
	t.Setenv("SUMMARY_CHANNEL_ID", "prod-summary")
	t.Setenv("DEV_CHANNELS_TO_MONITOR", "9")

	cfg, err := config.Load(writeConfig(t, minimalTOML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GuildID() != "dev-guild" {
		t.Errorf("GuildID() = %q, want dev-guild", cfg.GuildID())
	}
	if cfg.SummaryChannelID() != "dev-summary" {
		t.Errorf("SummaryChannelID() = %q, want dev-summary", cfg.SummaryChannelID())
	}
	if ids := cfg.MonitoredIDs(); len(ids) != 1 || ids[0] != "9" {
		t.Errorf("MonitoredIDs() = %v, want [9]", ids)
	}
	if cfg.Bot.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug in dev mode", cfg.Bot.LogLevel)
	}
}

func TestLoadMissingToken(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	if _, err := config.Load(writeConfig(t, "[bot]\nguild_id = \"g\"\n")); err == nil {
		t.Fatal("Load() succeeded without bot.token, want error")
	}
}

func TestLoadInvalidDriver(t *testing.T) {
	body := minimalTOML + "\n[store]\ndriver = \"mysql\"\n"
	if _, err := config.Load(writeConfig(t, body)); err == nil {
		t.Fatal("Load() accepted invalid store.driver, want error")
	}
}
