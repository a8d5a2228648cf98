// Package config loads server and agent settings from the environment,
// optionally seeded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/kallberg/pdt/internal/logging"
)

const (
	DefaultListenAddr     = "127.0.0.1:2039"
	DefaultAdminAddr      = "127.0.0.1:2040"
	DefaultOutboxSize     = 64
	DefaultEventQueueSize = 256
	DefaultMaxRetries     = 20

	// Off disables an optional listener.
	Off = "off"
)

var hostnameFn = os.Hostname

// Server holds the control server's settings.
type Server struct {
	ListenAddr     string // device listener
	AdminAddr      string // admin API and metrics; empty when disabled
	AdminToken     string // bearer token for /api; empty leaves it open
	DBPath         string // session journal; empty disables
	OutboxSize     int
	EventQueueSize int
	LogLevel       string
	LogFormat      string
}

// Client holds the device agent's settings.
type Client struct {
	ServerAddr  string
	DeviceName  string
	MaxRetries  int
	MetricsAddr string // empty disables
	LogLevel    string
	LogFormat   string
}

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. An empty path loads ./.env if present.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// AdminAddr normalizes an admin listener address: "off", in any case,
// disables the listener and yields "".
func AdminAddr(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), Off) {
		return ""
	}
	return v
}

// LoadServer reads PDT_* server settings through getenv, applying
// defaults. Only malformed values are reported; call Validate once any
// overrides have been applied.
func LoadServer(getenv func(string) string) (Server, error) {
	cfg := Server{
		ListenAddr: envOr(getenv, "PDT_LISTEN_ADDR", DefaultListenAddr),
		AdminToken: env(getenv, "PDT_ADMIN_TOKEN"),
		DBPath:     env(getenv, "PDT_DB_PATH"),
		LogLevel:   env(getenv, "PDT_LOG_LEVEL"),
		LogFormat:  env(getenv, "PDT_LOG_FORMAT"),
	}
	cfg.AdminAddr = AdminAddr(envOr(getenv, "PDT_ADMIN_ADDR", DefaultAdminAddr))

	var err error
	if cfg.OutboxSize, err = envInt(getenv, "PDT_OUTBOX_SIZE", DefaultOutboxSize); err != nil {
		return cfg, err
	}
	if cfg.EventQueueSize, err = envInt(getenv, "PDT_EVENT_QUEUE_SIZE", DefaultEventQueueSize); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the server settings.
func (c Server) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox size must be positive, got %d", c.OutboxSize))
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("event queue size must be positive, got %d", c.EventQueueSize))
	}
	errs = append(errs, validateLogging(c.LogLevel, c.LogFormat)...)
	return errors.Join(errs...)
}

// LoadClient reads PDT_* agent settings through getenv, applying defaults.
// The device name defaults to the hostname. As with LoadServer, range
// checks are left to Validate.
func LoadClient(getenv func(string) string) (Client, error) {
	cfg := Client{
		ServerAddr:  envOr(getenv, "PDT_SERVER_ADDR", DefaultListenAddr),
		DeviceName:  env(getenv, "PDT_DEVICE_NAME"),
		MetricsAddr: env(getenv, "PDT_METRICS_ADDR"),
		LogLevel:    env(getenv, "PDT_LOG_LEVEL"),
		LogFormat:   env(getenv, "PDT_LOG_FORMAT"),
	}
	if cfg.DeviceName == "" {
		if h, err := hostnameFn(); err == nil {
			cfg.DeviceName = h
		}
	}

	var err error
	if cfg.MaxRetries, err = envInt(getenv, "PDT_MAX_RETRIES", DefaultMaxRetries); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the agent settings.
func (c Client) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServerAddr) == "" {
		errs = append(errs, errors.New("server address is required"))
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		errs = append(errs, errors.New("device name is required"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	errs = append(errs, validateLogging(c.LogLevel, c.LogFormat)...)
	return errors.Join(errs...)
}

func validateLogging(level, format string) []error {
	var errs []error
	if !logging.ValidLevel(level) {
		errs = append(errs, fmt.Errorf("unknown log level %q", level))
	}
	if !logging.ValidFormat(format) {
		errs = append(errs, fmt.Errorf("unknown log format %q", format))
	}
	return errs
}

func env(getenv func(string) string, key string) string {
	return strings.TrimSpace(getenv(key))
}

func envOr(getenv func(string) string, key, def string) string {
	if v := env(getenv, key); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := env(getenv, key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}
