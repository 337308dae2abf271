// Package config handles TOML configuration loading, env overrides, and path resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Bot        BotConfig
	Store      StoreConfig
	LLM        LLMConfig
	Summary    SummaryConfig
	Sharing    SharingConfig
	Agent      AgentConfig
	Health     HealthConfig
	Curator    CuratorConfig
	Moderation ModerationConfig

	// DevMode switches the target-ID set to the Dev* variants and raises
	// log verbosity. Set via dev_mode or the DEV_MODE env var.
	DevMode bool `toml:"dev_mode"`
}

type BotConfig struct {
	Token       string `toml:"token"`
	GuildID     string `toml:"guild_id"`
	DevGuildID  string `toml:"dev_guild_id"`
	AdminUserID string `toml:"admin_user_id"`
	LogLevel    string `toml:"log_level"`
}

type StoreConfig struct {
	// Driver is "sqlite3" or "pgx". SQLitePath is used for sqlite3,
	// SupabaseURL + SupabaseServiceKey for pgx and the remote object store.
	Driver             string `toml:"driver"`
	SQLitePath         string `toml:"sqlite_path"`
	SupabaseURL        string `toml:"supabase_url"`
	SupabaseServiceKey string `toml:"supabase_service_key"`
	PostgresDSN        string `toml:"postgres_dsn"`
	// ObjectDir backs the local object store when no Supabase URL is set.
	ObjectDir     string `toml:"object_dir"`
	ObjectBaseURL string `toml:"object_base_url"`
}

type LLMConfig struct {
	AnthropicKey string `toml:"anthropic_key"`
	OpenAIKey    string `toml:"openai_key"`
	GeminiKey    string `toml:"gemini_key"`

	// Base URL overrides, used by tests to point clients at fakes.
	AnthropicBaseURL string `toml:"anthropic_base_url"`
	OpenAIBaseURL    string `toml:"openai_base_url"`

	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
	MaxRetries            int `toml:"max_retries"`
}

type SummaryConfig struct {
	SummaryChannelID    string   `toml:"summary_channel_id"`
	DevSummaryChannelID string   `toml:"dev_summary_channel_id"`
	ChannelsToMonitor   []string `toml:"channels_to_monitor"`
	DevChannelsToMon    []string `toml:"dev_channels_to_monitor"`
	ArtChannelID        string   `toml:"art_channel_id"`
	TopGensChannelID    string   `toml:"top_gens_channel_id"`

	Provider         string `toml:"provider"`
	Model            string `toml:"model"`
	MinMessages      int    `toml:"min_messages"`
	ChunkSize        int    `toml:"chunk_size"`
	MaxConcurrent    int    `toml:"max_concurrent"`
	MinUniqueReactor int    `toml:"min_unique_reactors"`
	TopLimit         int    `toml:"top_limit"`
}

type SharingConfig struct {
	// TriggerEmoji is the reaction that starts a consent dialog.
	TriggerEmoji string `toml:"trigger_emoji"`
	// FirstAskModel moderates first-time shares; PreApprovedModel is the
	// higher-quality model used on the pre-approved fast path.
	Provider         string `toml:"provider"`
	FirstAskModel    string `toml:"first_ask_model"`
	PreApprovedModel string `toml:"pre_approved_model"`
	TimeoutHours     int    `toml:"timeout_hours"`

	TwitterBearerToken string `toml:"twitter_bearer_token"`
}

type AgentConfig struct {
	Provider          string `toml:"provider"`
	Model             string `toml:"model"`
	MaxToolIterations int    `toml:"max_tool_iterations"`
	MaxTurns          int    `toml:"max_turns"`
}

type HealthConfig struct {
	Addr string `toml:"addr"`
}

type CuratorConfig struct {
	TriggerEmoji string `toml:"trigger_emoji"`
	FFmpegPath   string `toml:"ffmpeg_path"`
}

type ModerationConfig struct {
	Endpoint       string `toml:"endpoint"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Load reads the TOML config at path, applies env overrides and defaults,
// and validates required fields. A missing file is not an error when every
// required value arrives through the environment.
func Load(path string) (*Config, error) {
	// .env is optional; real env vars win over it.
	_ = godotenv.Load()

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("bot.token is required (BOT_TOKEN)")
	}
	if cfg.GuildID() == "" {
		return nil, fmt.Errorf("bot.guild_id is required (GUILD_ID)")
	}
	if cfg.Store.Driver != "sqlite3" && cfg.Store.Driver != "pgx" {
		return nil, fmt.Errorf("store.driver %q is invalid (must be sqlite3 or pgx)", cfg.Store.Driver)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Bot.Token, "BOT_TOKEN")
	set(&cfg.Bot.GuildID, "GUILD_ID")
	set(&cfg.Bot.DevGuildID, "DEV_GUILD_ID")
	set(&cfg.Bot.AdminUserID, "ADMIN_USER_ID")
	set(&cfg.Bot.LogLevel, "LOG_LEVEL")
	set(&cfg.Summary.SummaryChannelID, "SUMMARY_CHANNEL_ID")
	set(&cfg.Summary.DevSummaryChannelID, "DEV_SUMMARY_CHANNEL_ID")
	set(&cfg.Summary.ArtChannelID, "ART_CHANNEL_ID")
	set(&cfg.Summary.TopGensChannelID, "TOP_GENS_ID")
	set(&cfg.LLM.AnthropicKey, "ANTHROPIC_API_KEY")
	set(&cfg.LLM.OpenAIKey, "OPENAI_API_KEY")
	set(&cfg.LLM.GeminiKey, "GEMINI_API_KEY")
	set(&cfg.Store.SupabaseURL, "SUPABASE_URL")
	set(&cfg.Store.SupabaseServiceKey, "SUPABASE_SERVICE_KEY")

	if v := os.Getenv("CHANNELS_TO_MONITOR"); v != "" {
		cfg.Summary.ChannelsToMonitor = splitIDs(v)
	}
	if v := os.Getenv("DEV_CHANNELS_TO_MONITOR"); v != "" {
		cfg.Summary.DevChannelsToMon = splitIDs(v)
	}
	if v := os.Getenv("DEV_MODE"); v != "" {
		cfg.DevMode = v == "1" || strings.EqualFold(v, "true")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		if cfg.Store.SupabaseURL != "" || cfg.Store.PostgresDSN != "" {
			cfg.Store.Driver = "pgx"
		} else {
			cfg.Store.Driver = "sqlite3"
		}
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "~/.local/share/chronicle/chronicle.db"
	}
	if cfg.Store.ObjectDir == "" {
		cfg.Store.ObjectDir = "~/.local/share/chronicle/objects"
	}
	if cfg.LLM.RequestTimeoutSeconds == 0 {
		cfg.LLM.RequestTimeoutSeconds = 120
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.Summary.Provider == "" {
		cfg.Summary.Provider = "claude"
	}
	if cfg.Summary.Model == "" {
		cfg.Summary.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Summary.MinMessages == 0 {
		cfg.Summary.MinMessages = 25
	}
	if cfg.Summary.ChunkSize == 0 {
		cfg.Summary.ChunkSize = 1000
	}
	if cfg.Summary.MaxConcurrent == 0 {
		cfg.Summary.MaxConcurrent = 4
	}
	if cfg.Summary.MinUniqueReactor == 0 {
		cfg.Summary.MinUniqueReactor = 3
	}
	if cfg.Summary.TopLimit == 0 {
		cfg.Summary.TopLimit = 5
	}
	if cfg.Sharing.TriggerEmoji == "" {
		cfg.Sharing.TriggerEmoji = "🐦"
	}
	if cfg.Sharing.Provider == "" {
		cfg.Sharing.Provider = "claude"
	}
	if cfg.Sharing.FirstAskModel == "" {
		cfg.Sharing.FirstAskModel = "claude-3-5-haiku-20241022"
	}
	if cfg.Sharing.PreApprovedModel == "" {
		cfg.Sharing.PreApprovedModel = "claude-sonnet-4-20250514"
	}
	if cfg.Sharing.TimeoutHours == 0 {
		cfg.Sharing.TimeoutHours = 6
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "claude"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Agent.MaxToolIterations == 0 {
		cfg.Agent.MaxToolIterations = 50
	}
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 20
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8080"
	}
	if cfg.Curator.TriggerEmoji == "" {
		cfg.Curator.TriggerEmoji = "🔖"
	}
	if cfg.Curator.FFmpegPath == "" {
		cfg.Curator.FFmpegPath = "ffmpeg"
	}
	if cfg.Moderation.TimeoutSeconds == 0 {
		cfg.Moderation.TimeoutSeconds = 60
	}
	if cfg.Bot.LogLevel == "" {
		if cfg.DevMode {
			cfg.Bot.LogLevel = "debug"
		} else {
			cfg.Bot.LogLevel = "info"
		}
	}
}

func splitIDs(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GuildID returns the target guild, honoring dev mode.
func (cfg *Config) GuildID() string {
	if cfg.DevMode && cfg.Bot.DevGuildID != "" {
		return cfg.Bot.DevGuildID
	}
	return cfg.Bot.GuildID
}

// SummaryChannelID returns the aggregate summary destination, honoring dev mode.
func (cfg *Config) SummaryChannelID() string {
	if cfg.DevMode && cfg.Summary.DevSummaryChannelID != "" {
		return cfg.Summary.DevSummaryChannelID
	}
	return cfg.Summary.SummaryChannelID
}

// MonitoredIDs returns the channel/category ids eligible for summarization,
// honoring dev mode.
func (cfg *Config) MonitoredIDs() []string {
	if cfg.DevMode && len(cfg.Summary.DevChannelsToMon) > 0 {
		return cfg.Summary.DevChannelsToMon
	}
	return cfg.Summary.ChannelsToMonitor
}

// Resolve returns the config file path from CHRONICLE_CONFIG,
// falling back to ~/.config/chronicle/config.toml.
// The --config CLI flag is handled separately in main.go.
func Resolve() string {
	path := os.Getenv("CHRONICLE_CONFIG")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".config", "chronicle", "config.toml")
	}
	path = os.ExpandEnv(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// ExpandPath expands $ENV references and a leading ~/ in filesystem paths.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}
