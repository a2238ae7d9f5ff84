// Package config provides configuration for the feed server and the watch client.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the optional YAML file whose values act as defaults
// for the environment variables below.
const ConfigFileEnv = "CRAWLWATCH_CONFIG"

// Config holds the crawlwatch configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Client settings
	FeedURL string

	// WebSocket settings
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   int64
	SubscriberBuffer int

	// View synchronization
	SnapshotTimeout time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	QueueSize       int
	MaxBatch        int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables, falling back to the
// file named by CRAWLWATCH_CONFIG and then to built-in defaults.
func Load() (*Config, error) {
	l := loader{}
	if path := os.Getenv(ConfigFileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := l.parse(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTPPort:         l.getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:      l.getEnv("DATABASE_URL", "file:crawlwatch.db?cache=shared&mode=rwc"),
		FeedURL:          l.getEnv("FEED_URL", "http://localhost:8080"),
		PingInterval:     l.getEnvMs("WS_PING_INTERVAL_MS", 30000),
		WriteTimeout:     l.getEnvMs("WS_WRITE_TIMEOUT_MS", 10000),
		ReadTimeout:      l.getEnvMs("WS_READ_TIMEOUT_MS", 60000),
		MaxMessageSize:   int64(l.getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		SubscriberBuffer: l.getEnvInt("WS_SUBSCRIBER_BUFFER", 256),
		SnapshotTimeout:  l.getEnvMs("SNAPSHOT_TIMEOUT_MS", 15000),
		ReconnectMin:     l.getEnvMs("RECONNECT_MIN_MS", 250),
		ReconnectMax:     l.getEnvMs("RECONNECT_MAX_MS", 30000),
		QueueSize:        l.getEnvInt("QUEUE_SIZE", 1024),
		MaxBatch:         l.getEnvInt("MAX_BATCH", 512),
		LogLevel:         l.getEnv("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger writing to w at the configured level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.SlogLevel()}))
}

// loader resolves a key from the environment first, then from file values.
type loader struct {
	file map[string]string
}

func (l *loader) parse(data []byte) error {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.file = make(map[string]string, len(raw))
	for k, v := range raw {
		l.file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return nil
}

func (l *loader) lookup(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return l.file[key]
}

func (l *loader) getEnv(key, defaultVal string) string {
	if val := l.lookup(key); val != "" {
		return val
	}
	return defaultVal
}

func (l *loader) getEnvInt(key string, defaultVal int) int {
	if val := l.lookup(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func (l *loader) getEnvMs(key string, defaultMs int) time.Duration {
	return time.Duration(l.getEnvInt(key, defaultMs)) * time.Millisecond
}
