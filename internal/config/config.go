// Package config loads and exposes bridge configuration (TOML).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultBotLocalpart  = "smsbot"
	DefaultUserPrefix    = "_sms_"
	DefaultASHostname    = "0.0.0.0"
	DefaultASPort        = 29328
	DefaultDisplayName   = "SMS Bridge"
	DefaultWebhookSecret = "SET_A_SECRET"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "mxsms"
	DefaultPGSSLMode     = "disable"
)

// Config is the root bridge configuration loaded from TOML.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Homeserver HomeserverConfig `toml:"homeserver"`
	Appservice AppserviceConfig `toml:"appservice"`
	Twilio     TwilioConfig     `toml:"twilio"`
	Bridge     BridgeConfig     `toml:"bridge"`
	Postgres   PostgresConfig   `toml:"postgres"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address for the webhook endpoint.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// HomeserverConfig identifies the chat-network homeserver the bridge serves.
type HomeserverConfig struct {
	URL    string `toml:"url"`
	Domain string `toml:"domain"`
}

// AppserviceConfig holds the application-service registration the bridge
// presents to the homeserver: tokens, the service identity localpart, and the
// virtual user namespace prefix.
type AppserviceConfig struct {
	ID           string `toml:"id"`
	Address      string `toml:"address"`
	Hostname     string `toml:"hostname"`
	Port         int    `toml:"port"`
	ASToken      string `toml:"as_token"`
	HSToken      string `toml:"hs_token"`
	BotLocalpart string `toml:"bot_localpart"`
	UserPrefix   string `toml:"user_prefix"`
	DisplayName  string `toml:"display_name"`
	AvatarURL    string `toml:"avatar_url"`
}

// TwilioConfig holds the SMS gateway account credentials.
type TwilioConfig struct {
	AccountSID string `toml:"account_sid"`
	AuthToken  string `toml:"auth_token"`
}

// NumberMapping registers one owned phone number at startup. Kind is "user"
// or "room"; Owner is the chat user ID or room ID the number fronts for.
type NumberMapping struct {
	Number string `toml:"number"`
	Kind   string `toml:"kind"`
	Owner  string `toml:"owner"`
}

// BridgeConfig holds routing policy: the webhook secret, the users allowed to
// send outbound SMS (empty list allows everyone), and the owned numbers.
type BridgeConfig struct {
	WebhookSecret string          `toml:"webhook_secret"`
	AllowedUsers  []string        `toml:"allowed_users"`
	Numbers       []NumberMapping `toml:"numbers"`
}

// PostgresConfig holds the database connection settings.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// Load reads configuration from path (or DefaultConfigPath when empty),
// applying defaults for missing fields and environment overrides for secrets.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Appservice: AppserviceConfig{
			ID:           "sms",
			Hostname:     DefaultASHostname,
			Port:         DefaultASPort,
			BotLocalpart: DefaultBotLocalpart,
			UserPrefix:   DefaultUserPrefix,
			DisplayName:  DefaultDisplayName,
		},
		Bridge: BridgeConfig{
			WebhookSecret: DefaultWebhookSecret,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AS_TOKEN"); v != "" {
		cfg.Appservice.ASToken = v
	}
	if v := os.Getenv("HS_TOKEN"); v != "" {
		cfg.Appservice.HSToken = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Twilio.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Twilio.AuthToken = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Bridge.WebhookSecret = v
	}
	if v := os.Getenv("PGHOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("PGPORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("PGUSER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("PGPASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("PGDATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
}
