package commands

import (
	"fmt"
	"time"

	"consultwatch/internal/notify"
	"consultwatch/lib/configutil"
	"consultwatch/pkg/migrations"
)

type PortalConfig struct {
	BaseUrl           string  `json:"base_url"`
	Email             string  `json:"email"`
	Password          string  `json:"password"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	CloudflareBypass  bool    `json:"cloudflare_bypass"`
	Timeout           string  `json:"timeout"`
}

type PollConfig struct {
	Interval string `json:"interval"`
	Backoff  string `json:"backoff"`
	Folder   string `json:"folder"`
}

type AuthConfig struct {
	// ChallengeLifetime is a duration like "5m", "0" disables expiry.
	ChallengeLifetime string `json:"challenge_lifetime"`
}

type NotifyConfig struct {
	Log   bool               `json:"log"`
	Email notify.EmailConfig `json:"email"`
}

type HttpConfig struct {
	Port        int    `json:"port"`
	AccessToken string `json:"access_token"`
}

type Config struct {
	Portal   PortalConfig      `json:"portal"`
	Database migrations.Config `json:"database"`
	Poll     PollConfig        `json:"poll"`
	Auth     AuthConfig        `json:"auth"`
	Notify   NotifyConfig      `json:"notify"`
	Http     HttpConfig        `json:"http"`
	Timezone string            `json:"timezone"`
}

// Durations are the parsed duration fields of a Config.
type Durations struct {
	Timeout           time.Duration
	Interval          time.Duration
	Backoff           time.Duration
	ChallengeLifetime time.Duration
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config %s: must not be negative", field)
	}
	return d, nil
}

func (c Config) Durations() (Durations, error) {
	var out Durations
	var err error
	if out.Timeout, err = parseDuration("portal.timeout", c.Portal.Timeout, time.Second*30); err != nil {
		return Durations{}, err
	}
	if out.Interval, err = parseDuration("poll.interval", c.Poll.Interval, time.Minute*5); err != nil {
		return Durations{}, err
	}
	if out.Backoff, err = parseDuration("poll.backoff", c.Poll.Backoff, time.Second*30); err != nil {
		return Durations{}, err
	}
	if out.ChallengeLifetime, err = parseDuration("auth.challenge_lifetime", c.Auth.ChallengeLifetime, time.Minute*5); err != nil {
		return Durations{}, err
	}
	return out, nil
}

// LoadConfig reads the json5 config at path (merged with its .local
// variant), applies environment overrides and fills in defaults.
func LoadConfig(path string) (Config, error) {
	config, err := configutil.ReadConfig[Config](path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	configutil.Override(&config.Portal.Email, "CONSULTWATCH_EMAIL")
	configutil.Override(&config.Portal.Password, "CONSULTWATCH_PASSWORD")
	configutil.Override(&config.Http.AccessToken, "CONSULTWATCH_ACCESS_TOKEN")
	configutil.Override(&config.Notify.Email.Password, "CONSULTWATCH_SMTP_PASSWORD")

	if config.Portal.BaseUrl == "" {
		return Config{}, fmt.Errorf("config portal.base_url is required")
	}
	if config.Portal.RequestsPerSecond == 0 {
		config.Portal.RequestsPerSecond = 2
	}
	if config.Database.File == "" && config.Database.Url == "" {
		config.Database.File = "consultwatch.db"
	}
	if config.Poll.Folder == "" {
		config.Poll.Folder = "inbox"
	}

	_, err = config.Durations()
	if err != nil {
		return Config{}, err
	}
	return config, nil
}
