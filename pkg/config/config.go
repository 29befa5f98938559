package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so admins can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Relay    RelayConfig    `json:"relay"`
	Admins   FlexibleStringSlice `env:"TINYRELAY_ADMINS" json:"admins"`
	DataDir  string              `env:"TINYRELAY_DATA_DIR" json:"data_dir"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	OneBot   OneBotConfig   `json:"onebot"`
	QQ       QQConfig       `json:"qq"`
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
}

type DiscordConfig struct {
	Enabled   bool                `env:"TINYRELAY_CHANNELS_DISCORD_ENABLED"    json:"enabled"`
	Token     string              `env:"TINYRELAY_CHANNELS_DISCORD_TOKEN"      json:"token"`
	AllowFrom FlexibleStringSlice `env:"TINYRELAY_CHANNELS_DISCORD_ALLOW_FROM" json:"allow_from"`
}

type OneBotConfig struct {
	Enabled     bool                `env:"TINYRELAY_CHANNELS_ONEBOT_ENABLED"      json:"enabled"`
	WSURL       string              `env:"TINYRELAY_CHANNELS_ONEBOT_WS_URL"       json:"ws_url"`
	AccessToken string              `env:"TINYRELAY_CHANNELS_ONEBOT_ACCESS_TOKEN" json:"access_token"`
	AllowFrom   FlexibleStringSlice `env:"TINYRELAY_CHANNELS_ONEBOT_ALLOW_FROM"   json:"allow_from"`
}

type QQConfig struct {
	Enabled   bool                `env:"TINYRELAY_CHANNELS_QQ_ENABLED"    json:"enabled"`
	AppID     uint64              `env:"TINYRELAY_CHANNELS_QQ_APP_ID"     json:"app_id"`
	AppSecret string              `env:"TINYRELAY_CHANNELS_QQ_APP_SECRET" json:"app_secret"`
	AllowFrom FlexibleStringSlice `env:"TINYRELAY_CHANNELS_QQ_ALLOW_FROM" json:"allow_from"`
}

type SlackConfig struct {
	Enabled   bool                `env:"TINYRELAY_CHANNELS_SLACK_ENABLED"    json:"enabled"`
	BotToken  string              `env:"TINYRELAY_CHANNELS_SLACK_BOT_TOKEN"  json:"bot_token"`
	AppToken  string              `env:"TINYRELAY_CHANNELS_SLACK_APP_TOKEN"  json:"app_token"`
	AllowFrom FlexibleStringSlice `env:"TINYRELAY_CHANNELS_SLACK_ALLOW_FROM" json:"allow_from"`
}

type TelegramConfig struct {
	Enabled   bool                `env:"TINYRELAY_CHANNELS_TELEGRAM_ENABLED"    json:"enabled"`
	Token     string              `env:"TINYRELAY_CHANNELS_TELEGRAM_TOKEN"      json:"token"`
	AllowFrom FlexibleStringSlice `env:"TINYRELAY_CHANNELS_TELEGRAM_ALLOW_FROM" json:"allow_from"`
}

type RelayConfig struct {
	FuzzyRouting          bool   `env:"TINYRELAY_RELAY_FUZZY_ROUTING"           json:"fuzzy_routing"`
	PendingTTLMinutes     int    `env:"TINYRELAY_RELAY_PENDING_TTL_MINUTES"     json:"pending_ttl_minutes"`
	SweepSchedule         string `env:"TINYRELAY_RELAY_SWEEP_SCHEDULE"          json:"sweep_schedule"`
	WebhookTimeoutSeconds int    `env:"TINYRELAY_RELAY_WEBHOOK_TIMEOUT_SECONDS" json:"webhook_timeout_seconds"`
}

func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			FuzzyRouting:          true,
			PendingTTLMinutes:     10,
			SweepSchedule:         "* * * * *",
			WebhookTimeoutSeconds: 10,
		},
		DataDir: "~/.tinyrelay",
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// DataPath resolves the data directory with ~ expansion.
func (c *Config) DataPath() string {
	return expandHome(c.DataDir)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
