package config

import (
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "kiln.db"
	defaultBrokerURL     = "amqp://localhost:5672"
	defaultQueueName     = "howtocards:render"
	defaultRenderHost    = "https://howtocards.io"
	defaultUploaderHost  = "http://localhost:4000"
	defaultRenderTimeout = 60 * time.Second
	defaultInjectCSS     = "header { opacity: 0 }"
	defaultIntakeBurst   = 1
	defaultUploadRetries = 3
	defaultStatsPrefix   = "kiln:stats"
	defaultShutdownGrace = 30 * time.Second

	envListenAddr    = "KILN_LISTEN_ADDR"
	envDBPath        = "KILN_DB_PATH"
	envLogLevel      = "KILN_LOG_LEVEL"
	envBrokerURL     = "KILN_BROKER_URL"
	envQueueName     = "KILN_QUEUE_NAME"
	envPrefetch      = "KILN_PREFETCH"
	envRenderHost    = "KILN_RENDER_HOST"
	envUploaderHost  = "KILN_UPLOADER_HOST"
	envPoolSize      = "KILN_POOL_SIZE"
	envRenderTimeout = "KILN_RENDER_TIMEOUT"
	envInjectCSS     = "KILN_INJECT_CSS"
	envIntakeRate    = "KILN_INTAKE_RATE"
	envIntakeBurst   = "KILN_INTAKE_BURST"
	envUploadRetries = "KILN_UPLOAD_RETRIES"
	envStatsRedis    = "KILN_STATS_REDIS_ADDR"
	envStatsPrefix   = "KILN_STATS_PREFIX"
	envShutdownGrace = "KILN_SHUTDOWN_GRACE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	BrokerURL string
	QueueName string
	// Prefetch bounds unacknowledged deliveries held by the worker.
	Prefetch int

	RenderHost    string
	UploaderHost  string
	PoolSize      int
	RenderTimeout time.Duration
	InjectCSS     string

	// IntakeRate is the maximum number of jobs started per second; zero
	// disables the limit.
	IntakeRate  float64
	IntakeBurst int

	UploadRetries int

	// StatsRedisAddr enables the Redis stats sink when non-empty.
	StatsRedisAddr string
	StatsPrefix    string

	ShutdownGrace time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Values that fail to parse keep their default.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		BrokerURL:     defaultBrokerURL,
		QueueName:     defaultQueueName,
		RenderHost:    defaultRenderHost,
		UploaderHost:  defaultUploaderHost,
		PoolSize:      defaultPoolSize(),
		RenderTimeout: defaultRenderTimeout,
		InjectCSS:     defaultInjectCSS,
		IntakeBurst:   defaultIntakeBurst,
		UploadRetries: defaultUploadRetries,
		StatsPrefix:   defaultStatsPrefix,
		ShutdownGrace: defaultShutdownGrace,
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
	if v := os.Getenv(envBrokerURL); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv(envQueueName); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv(envRenderHost); v != "" {
		cfg.RenderHost = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(envUploaderHost); v != "" {
		cfg.UploaderHost = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(envInjectCSS); v != "" {
		cfg.InjectCSS = v
	}
	if v := os.Getenv(envStatsRedis); v != "" {
		cfg.StatsRedisAddr = v
	}
	if v := os.Getenv(envStatsPrefix); v != "" {
		cfg.StatsPrefix = v
	}

	cfg.PoolSize = positiveInt(envPoolSize, cfg.PoolSize)
	cfg.IntakeBurst = positiveInt(envIntakeBurst, cfg.IntakeBurst)
	cfg.UploadRetries = nonNegativeInt(envUploadRetries, cfg.UploadRetries)
	cfg.RenderTimeout = duration(envRenderTimeout, cfg.RenderTimeout)
	cfg.ShutdownGrace = duration(envShutdownGrace, cfg.ShutdownGrace)

	if v := os.Getenv(envIntakeRate); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.IntakeRate = f
		}
	}

	// Keep enough deliveries in hand to fill the pool and its queue.
	cfg.Prefetch = positiveInt(envPrefetch, 2*cfg.PoolSize)

	return cfg
}

// defaultPoolSize is half the CPU count, at least one.
func defaultPoolSize() int {
	return max(runtime.NumCPU()/2, 1)
}

func positiveInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func nonNegativeInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// duration accepts Go duration strings ("90s") or a bare number of seconds.
func duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
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

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
