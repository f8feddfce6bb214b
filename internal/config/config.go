package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr        = ":6900"
	defaultDBPath            = "easel.db"
	defaultQueueMax          = 10
	defaultInFlightCap       = 1
	defaultJobTimeout        = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultPollInterval      = time.Second
	defaultRetentionSchedule = "@hourly"

	envListenAddr        = "EASEL_LISTEN_ADDR"
	envDBPath            = "EASEL_DB_PATH"
	envLogLevel          = "EASEL_LOG_LEVEL"
	envFleetPath         = "EASEL_FLEET_PATH"
	envQueueMax          = "EASEL_QUEUE_MAX"
	envInFlightCap       = "EASEL_INFLIGHT_CAP"
	envJobTimeout        = "EASEL_JOB_TIMEOUT"
	envHeartbeatInterval = "EASEL_HEARTBEAT_INTERVAL"
	envPollInterval      = "EASEL_POLL_INTERVAL"
	envRetentionAge      = "EASEL_RETENTION_AGE"
	envRetentionSchedule = "EASEL_RETENTION_SCHEDULE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// FleetPath points at an optional TOML file declaring workers and the
	// model catalog. Empty means workers register over the API only.
	FleetPath string

	QueueMax    int
	InFlightCap int

	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	// RetentionAge is how long terminal jobs are kept before the janitor
	// prunes them. Zero disables pruning.
	RetentionAge      time.Duration
	RetentionSchedule string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		QueueMax:          defaultQueueMax,
		InFlightCap:       defaultInFlightCap,
		JobTimeout:        defaultJobTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		PollInterval:      defaultPollInterval,
		RetentionSchedule: defaultRetentionSchedule,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envFleetPath); v != "" {
		cfg.FleetPath = v
	}
	if v := os.Getenv(envQueueMax); v != "" {
		cfg.QueueMax = parseInt(v, defaultQueueMax)
	}
	if v := os.Getenv(envInFlightCap); v != "" {
		cfg.InFlightCap = parseInt(v, defaultInFlightCap)
	}
	if v := os.Getenv(envJobTimeout); v != "" {
		cfg.JobTimeout = parseDuration(v, defaultJobTimeout)
	}
	if v := os.Getenv(envHeartbeatInterval); v != "" {
		cfg.HeartbeatInterval = parseDuration(v, defaultHeartbeatInterval)
	}
	if v := os.Getenv(envPollInterval); v != "" {
		cfg.PollInterval = parseDuration(v, defaultPollInterval)
	}
	if v := os.Getenv(envRetentionAge); v != "" {
		cfg.RetentionAge = parseDuration(v, 0)
	}
	if v := os.Getenv(envRetentionSchedule); v != "" {
		cfg.RetentionSchedule = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
