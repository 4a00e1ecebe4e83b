package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ProviderEventbrite = "eventbrite"
	ProviderGCal       = "gcal"
	ProviderICal       = "ical"
)

type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
	Debug     bool            `yaml:"debug"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// PublicURL switches the bot to webhook mode. Empty means long polling.
	PublicURL   string   `yaml:"public_url"`
	PollTimeout Duration `yaml:"poll_timeout"`
}

type DatabaseConfig struct {
	Driver  string   `yaml:"driver"`
	DSN     string   `yaml:"dsn"`
	Timeout Duration `yaml:"timeout"`
}

// RedisConfig enables the distributed broadcast lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EventsConfig struct {
	Provider string `yaml:"provider"`
	// Token is the provider credential. Without it the bot runs on sample events.
	Token      string   `yaml:"token"`
	BaseURL    string   `yaml:"base_url"`
	CalendarID string   `yaml:"calendar_id"`
	FeedURL    string   `yaml:"feed_url"`
	Timeout    Duration `yaml:"timeout"`
}

type BroadcastConfig struct {
	MaxEvents   int      `yaml:"max_events"`
	Workers     int      `yaml:"workers"`
	RatePerSec  int      `yaml:"rate_per_sec"`
	RetryMax    int      `yaml:"retry_max"`
	SendTimeout Duration `yaml:"send_timeout"`
}

type ScheduleConfig struct {
	SendTime     string   `yaml:"send_time"`
	Timezone     string   `yaml:"timezone"`
	Tick         string   `yaml:"tick"`
	MissedWindow Duration `yaml:"missed_window"`
}

type AdminConfig struct {
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	// JWTSecret signs session tokens; defaults to a value derived from Password.
	JWTSecret  string   `yaml:"jwt_secret"`
	SessionTTL Duration `yaml:"session_ttl"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Default() Config {
	return Config{
		Telegram: TelegramConfig{PollTimeout: Duration(10 * time.Second)},
		Database: DatabaseConfig{
			Driver:  DriverSQLite,
			DSN:     "bot.db",
			Timeout: Duration(time.Minute),
		},
		Events: EventsConfig{
			Provider: ProviderEventbrite,
			BaseURL:  "https://www.eventbriteapi.com/v3",
			Timeout:  Duration(15 * time.Second),
		},
		Broadcast: BroadcastConfig{
			MaxEvents:   10,
			Workers:     4,
			RatePerSec:  25,
			RetryMax:    1,
			SendTimeout: Duration(15 * time.Second),
		},
		Schedule: ScheduleConfig{
			SendTime:     "08:00",
			Timezone:     "Local",
			Tick:         "@every 1m",
			MissedWindow: Duration(time.Hour),
		},
		Admin: AdminConfig{
			Port:       5000,
			SessionTTL: Duration(12 * time.Hour),
		},
		Log: LogConfig{Level: "info", Console: true},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Config{}, errors.Wrapf(err, "unable to parse config file %v", path)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, errors.Wrapf(err, "unable to read config file %v", path)
		}
	}
	if err := overrideFromEnv(&c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func overrideFromEnv(c *Config) error {
	setString(&c.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&c.Telegram.PublicURL, "RENDER_EXTERNAL_URL")
	setString(&c.Telegram.PublicURL, "RAILWAY_STATIC_URL")
	setString(&c.Telegram.PublicURL, "PUBLIC_URL")
	c.Telegram.PublicURL = withScheme(c.Telegram.PublicURL)
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Events.Provider, "EVENTS_PROVIDER")
	setString(&c.Events.Token, "EVENTBRITE_TOKEN")
	setString(&c.Events.Token, "EVENTS_TOKEN")
	setString(&c.Schedule.SendTime, "SEND_TIME")
	setString(&c.Schedule.Timezone, "TIMEZONE")
	setString(&c.Admin.Password, "ADMIN_PASSWORD")
	setString(&c.Log.Level, "LOG_LEVEL")
	if err := setInt(&c.Broadcast.MaxEvents, "MAX_EVENTS"); err != nil {
		return err
	}
	return setInt(&c.Admin.Port, "PORT")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// withScheme turns a bare host, as hosting platforms export it, into an
// https URL.
func withScheme(u string) string {
	if u == "" || strings.Contains(u, "://") {
		return u
	}
	return "https://" + u
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %v", key)
	}
	*dst = n
	return nil
}

func (c Config) Validate() error {
	if _, _, err := ParseSendTime(c.Schedule.SendTime); err != nil {
		return err
	}
	if c.Broadcast.MaxEvents <= 0 {
		return errors.Errorf("max_events must be positive, got %v", c.Broadcast.MaxEvents)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Events.Provider {
	case ProviderEventbrite, ProviderGCal, ProviderICal:
	default:
		return errors.Errorf("unknown events provider %q", c.Events.Provider)
	}
	return nil
}

func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown timezone %q", c.Schedule.Timezone)
	}
	return loc, nil
}

// ParseSendTime parses a wall clock "HH:MM".
func ParseSendTime(raw string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, 0, errors.Errorf("invalid send time %q, expected HH:MM", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, errors.Errorf("invalid hour in send time %q", raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, errors.Errorf("invalid minute in send time %q", raw)
	}
	return hour, minute, nil
}
