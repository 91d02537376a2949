package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	accessevents "dorm-access/internal/accessevents/domain"
)

// Config is the process configuration.
type Config struct {
	DatabaseURL string
	SQLitePath  string
	HTTPAddr    string

	LogLevel    string
	LogFormat   string
	ServiceName string

	ACSBaseURL         string
	ACSAppKey          string
	ACSAppSecret       string
	ACSEventsPath      string
	ACSTimezone        string
	ACSTimeout         time.Duration
	ACSRateLimit       float64
	ACSBurst           int
	ACSBreakerFailures int
	ACSBreakerOpen     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	JWTSecret string

	AuditMirrorLog bool

	StreamKeepalive time.Duration
	BroadcastBuffer int
	ShutdownTimeout time.Duration

	PollConfigPath string
	Preset         Preset
}

// Preset is the optional YAML poll preset.
type Preset struct {
	Autostart bool         `yaml:"autostart"`
	Poll      PresetPoll   `yaml:"poll"`
	Source    SourceTuning `yaml:"source"`
}

// PresetPoll mirrors the start request body.
type PresetPoll struct {
	DoorIDs    []string `yaml:"doorIds"`
	EventTypes []int    `yaml:"eventTypes"`
	IntervalMs int      `yaml:"intervalMs"`
	PersonName string   `yaml:"personName"`
}

// SourceTuning overrides poller paging and timing.
type SourceTuning struct {
	PageSize   int           `yaml:"pageSize"`
	MaxPages   int           `yaml:"maxPages"`
	Timeout    time.Duration `yaml:"timeout"`
	Lookback   time.Duration `yaml:"lookback"`
	MaxCatchUp time.Duration `yaml:"maxCatchUp"`
}

// PollConfig converts the preset into a poll configuration.
func (p Preset) PollConfig() accessevents.PollConfig {
	return accessevents.PollConfig{
		DoorIDs:    append([]string(nil), p.Poll.DoorIDs...),
		EventTypes: append([]int(nil), p.Poll.EventTypes...),
		IntervalMs: p.Poll.IntervalMs,
		PersonName: p.Poll.PersonName,
	}
}

// Load reads configuration from the environment and the optional preset file.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		SQLitePath:  getenvDefault("SQLITE_PATH", ""),
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),

		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
		LogFormat:   getenvDefault("LOG_FORMAT", "json"),
		ServiceName: getenvDefault("SERVICE_NAME", "dorm-access"),

		ACSBaseURL:         getenvDefault("ACS_BASE_URL", ""),
		ACSAppKey:          getenvDefault("ACS_APP_KEY", ""),
		ACSAppSecret:       getenvDefault("ACS_APP_SECRET", ""),
		ACSEventsPath:      getenvDefault("ACS_EVENTS_PATH", ""),
		ACSTimezone:        getenvDefault("ACS_TIMEZONE", "Asia/Shanghai"),
		ACSTimeout:         getenvDuration("ACS_TIMEOUT", 10*time.Second),
		ACSRateLimit:       getenvFloatDefault("ACS_RATE_LIMIT", 5),
		ACSBurst:           getenvIntDefault("ACS_RATE_BURST", 5),
		ACSBreakerFailures: getenvIntDefault("ACS_BREAKER_FAILURES", 5),
		ACSBreakerOpen:     getenvDuration("ACS_BREAKER_OPEN", 30*time.Second),

		RedisAddr:     getenvDefault("REDIS_ADDR", ""),
		RedisPassword: getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:       getenvIntDefault("REDIS_DB", 0),
		RedisKey:      getenvDefault("REDIS_WATERMARK_KEY", ""),

		JWTSecret: getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),

		AuditMirrorLog: getenvBool("AUDIT_MIRROR_LOG", false),

		StreamKeepalive: getenvDuration("STREAM_KEEPALIVE", 15*time.Second),
		BroadcastBuffer: getenvIntDefault("BROADCAST_BUFFER", 256),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		PollConfigPath: getenvDefault("ACCESS_POLL_CONFIG", ""),
	}
	if cfg.PollConfigPath != "" {
		preset, err := LoadPreset(cfg.PollConfigPath)
		if err != nil {
			return Config{}, err
		}
		cfg.Preset = preset
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		missing = append(missing, "DATABASE_URL or SQLITE_PATH")
	}
	if c.ACSBaseURL == "" {
		missing = append(missing, "ACS_BASE_URL")
	}
	if c.ACSAppKey == "" {
		missing = append(missing, "ACS_APP_KEY")
	}
	if c.ACSAppSecret == "" {
		missing = append(missing, "ACS_APP_SECRET")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	if c.Preset.Autostart && len(c.Preset.Poll.DoorIDs) == 0 {
		return errors.New("config: autostart preset has no doorIds")
	}
	return nil
}

// Location resolves ACSTimezone, falling back to local time.
func (c Config) Location() *time.Location {
	if c.ACSTimezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.ACSTimezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// LoadPreset parses a YAML poll preset file.
func LoadPreset(path string) (Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, fmt.Errorf("config: read preset: %w", err)
	}
	return ParsePreset(data)
}

// ParsePreset parses YAML preset content. Unknown keys are rejected.
func ParsePreset(data []byte) (Preset, error) {
	var preset Preset
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&preset); err != nil {
		if errors.Is(err, io.EOF) {
			return Preset{}, nil
		}
		return Preset{}, fmt.Errorf("config: parse preset: %w", err)
	}
	return preset, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
