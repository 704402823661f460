package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the conferencing server.
type Config struct {
	// Listeners
	Host    string // bind address for both listeners
	TCPPort int    // control channel (length-prefixed JSON over TCP)
	UDPPort int    // media relay (datagram fan-out)
	OpsPort int    // optional HTTP listener for metrics/health/stats; 0 disables

	// Control channel limits
	MaxFrameBytes int           // hard cap on a single control frame body
	MaxMeetings   int           // cap on concurrently live meetings; 0 = unlimited
	IdleTimeout   time.Duration // close a connection with no inbound frame for this long

	// File-transfer congestion control
	InitialSsthresh   int
	BaseChunkBytes    int
	AckTimeout        time.Duration
	MaxRetries        int
	SessionQueueBytes int

	// Rate limits (ulule/limiter formatted, e.g. "30-M")
	RateLimitConnIP string
	RateLimitJoin   string

	// Environment
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
}

// Defaults mirrored by ValidateEnv when the variable is unset.
const (
	DefaultTCPPort           = 5000
	DefaultUDPPort           = 5001
	DefaultMaxFrameBytes     = 32 << 20 // 32 MiB, sized for base64 file chunks
	DefaultIdleTimeoutMs     = 120_000
	DefaultInitialSsthresh   = 8
	DefaultBaseChunkBytes    = 8192
	DefaultAckTimeoutMs      = 2000
	DefaultMaxRetries        = 5
	DefaultSessionQueueBytes = 64 << 20 // 64 MiB per transfer session
)

// ValidateEnv validates all recognized environment variables and returns a Config.
// Returns an error listing every invalid variable rather than failing on the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	intVar := func(name string, def int, min, max int) int {
		raw := os.Getenv(name)
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < min || v > max {
			errs = append(errs, fmt.Sprintf("%s must be an integer between %d and %d (got '%s')", name, min, max, raw))
			return def
		}
		return v
	}

	cfg.Host = os.Getenv("HOST")
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}

	cfg.TCPPort = intVar("TCP_PORT", DefaultTCPPort, 1, 65535)
	cfg.UDPPort = intVar("UDP_PORT", DefaultUDPPort, 1, 65535)
	cfg.OpsPort = intVar("OPS_PORT", 0, 0, 65535)
	if cfg.TCPPort == cfg.UDPPort {
		errs = append(errs, fmt.Sprintf("TCP_PORT and UDP_PORT must differ (both %d)", cfg.TCPPort))
	}

	cfg.MaxFrameBytes = intVar("MAX_FRAME_BYTES", DefaultMaxFrameBytes, 1024, 1<<30)
	cfg.MaxMeetings = intVar("MAX_MEETINGS", 0, 0, 1<<20)
	cfg.IdleTimeout = time.Duration(intVar("IDLE_TIMEOUT_MS", DefaultIdleTimeoutMs, 1000, 3_600_000)) * time.Millisecond

	cfg.InitialSsthresh = intVar("INITIAL_SSTHRESH", DefaultInitialSsthresh, 1, 1024)
	cfg.BaseChunkBytes = intVar("BASE_CHUNK_BYTES", DefaultBaseChunkBytes, 512, 1<<20)
	cfg.AckTimeout = time.Duration(intVar("ACK_TIMEOUT_MS", DefaultAckTimeoutMs, 100, 600_000)) * time.Millisecond
	cfg.MaxRetries = intVar("MAX_RETRIES", DefaultMaxRetries, 1, 100)
	cfg.SessionQueueBytes = intVar("SESSION_QUEUE_BYTES", DefaultSessionQueueBytes, 1<<20, 1<<31-1)

	cfg.RateLimitConnIP = getEnvOrDefault("RATE_LIMIT_CONN_IP", "60-M")
	cfg.RateLimitJoin = getEnvOrDefault("RATE_LIMIT_JOIN", "30-M")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// TCPAddr returns the control listener address in host:port form.
func (c *Config) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.TCPPort)
}

// UDPAddr returns the media relay listener address in host:port form.
func (c *Config) UDPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.UDPPort)
}

// OpsAddr returns the ops listener address, or "" when disabled.
func (c *Config) OpsAddr() string {
	if c.OpsPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.OpsPort)
}

// logValidatedConfig logs the validated configuration.
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"host", cfg.Host,
		"tcp_port", cfg.TCPPort,
		"udp_port", cfg.UDPPort,
		"ops_port", cfg.OpsPort,
		"max_frame_bytes", cfg.MaxFrameBytes,
		"max_meetings", cfg.MaxMeetings,
		"idle_timeout", cfg.IdleTimeout,
		"initial_ssthresh", cfg.InitialSsthresh,
		"base_chunk_bytes", cfg.BaseChunkBytes,
		"ack_timeout", cfg.AckTimeout,
		"max_retries", cfg.MaxRetries,
		"session_queue_bytes", cfg.SessionQueueBytes,
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
