/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// OutputBackend selects where the mixed signal is rendered.
type OutputBackend string

const (
	OutputSpeaker OutputBackend = "speaker" // local sound device
	OutputClock   OutputBackend = "clock"   // headless, paced by the wall clock
	OutputNone    OutputBackend = "none"    // clock only advances when rendered manually
)

// EventBusBackend selects how engine events leave the process.
type EventBusBackend string

const (
	EventBusMemory EventBusBackend = "memory"
	EventBusRedis  EventBusBackend = "redis"
	EventBusNATS   EventBusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	LogLevel    string
	HTTPBind    string
	HTTPPort    int
	InstanceID  string
	UpdateCheck bool

	// Audio engine
	SampleRate        int
	Output            OutputBackend
	SpeakerBufferSize time.Duration
	PollInterval      time.Duration
	PreloadWorkers    int

	// Asset fetching
	MediaRoot    string
	FetchTimeout time.Duration

	// S3 Object Storage configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3UsePathStyle    bool   // Required for MinIO

	// Project persistence; an empty DSN disables the project endpoints
	DBBackend DatabaseBackend
	DBDSN     string

	// Event fan-out
	EventBus      EventBusBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// WebRTC configuration
	WebRTCEnabled      bool
	WebRTCSTUNURL      string
	WebRTCTURNURL      string
	WebRTCTURNUsername string
	WebRTCTURNPassword string
	WebRTCBitrate      int
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"MIXDECK_ENV", "ENVIRONMENT"}, "development"),
		LogLevel:    getEnvAny([]string{"MIXDECK_LOG_LEVEL"}, ""),
		HTTPBind:    getEnvAny([]string{"MIXDECK_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"MIXDECK_HTTP_PORT", "PORT"}, 8080),
		InstanceID:  getEnvAny([]string{"MIXDECK_INSTANCE_ID", "HOSTNAME"}, ""),
		UpdateCheck: getEnvBoolAny([]string{"MIXDECK_UPDATE_CHECK"}, false),

		SampleRate:        getEnvIntAny([]string{"MIXDECK_SAMPLE_RATE"}, 48000),
		Output:            OutputBackend(strings.ToLower(getEnvAny([]string{"MIXDECK_OUTPUT"}, string(OutputClock)))),
		SpeakerBufferSize: time.Duration(getEnvIntAny([]string{"MIXDECK_SPEAKER_BUFFER_MS"}, 50)) * time.Millisecond,
		PollInterval:      time.Duration(getEnvIntAny([]string{"MIXDECK_POLL_INTERVAL_MS"}, 16)) * time.Millisecond,
		PreloadWorkers:    getEnvIntAny([]string{"MIXDECK_PRELOAD_WORKERS"}, 4),

		MediaRoot:    getEnvAny([]string{"MIXDECK_MEDIA_ROOT"}, "./media"),
		FetchTimeout: time.Duration(getEnvIntAny([]string{"MIXDECK_FETCH_TIMEOUT_SECONDS"}, 30)) * time.Second,

		S3AccessKeyID:     getEnvAny([]string{"MIXDECK_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"MIXDECK_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"MIXDECK_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"MIXDECK_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"MIXDECK_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"MIXDECK_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		DBBackend: DatabaseBackend(getEnvAny([]string{"MIXDECK_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:     getEnvAny([]string{"MIXDECK_DB_DSN", "DATABASE_URL"}, ""),

		EventBus:      EventBusBackend(strings.ToLower(getEnvAny([]string{"MIXDECK_EVENT_BUS"}, string(EventBusMemory)))),
		RedisAddr:     getEnvAny([]string{"MIXDECK_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"MIXDECK_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"MIXDECK_REDIS_DB"}, 0),
		NATSURL:       getEnvAny([]string{"MIXDECK_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),

		TracingEnabled:    getEnvBoolAny([]string{"MIXDECK_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"MIXDECK_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"MIXDECK_TRACING_SAMPLE_RATE"}, 1.0),

		WebRTCEnabled:      getEnvBoolAny([]string{"MIXDECK_WEBRTC_ENABLED"}, false),
		WebRTCSTUNURL:      getEnvAny([]string{"MIXDECK_WEBRTC_STUN_URL"}, "stun:stun.l.google.com:19302"),
		WebRTCTURNURL:      getEnvAny([]string{"MIXDECK_WEBRTC_TURN_URL"}, ""),
		WebRTCTURNUsername: getEnvAny([]string{"MIXDECK_WEBRTC_TURN_USERNAME"}, ""),
		WebRTCTURNPassword: getEnvAny([]string{"MIXDECK_WEBRTC_TURN_PASSWORD"}, ""),
		WebRTCBitrate:      getEnvIntAny([]string{"MIXDECK_WEBRTC_BITRATE"}, 128000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DBBackend != DatabasePostgres && c.DBBackend != DatabaseMySQL && c.DBBackend != DatabaseSQLite {
		return fmt.Errorf("unsupported database backend %q", c.DBBackend)
	}

	switch c.Output {
	case OutputSpeaker, OutputClock, OutputNone:
	default:
		return fmt.Errorf("unsupported output backend %q", c.Output)
	}

	switch c.EventBus {
	case EventBusMemory, EventBusRedis, EventBusNATS:
	default:
		return fmt.Errorf("unsupported event bus %q", c.EventBus)
	}

	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("MIXDECK_SAMPLE_RATE must be between 8000 and 192000, got %d", c.SampleRate)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("MIXDECK_POLL_INTERVAL_MS must be positive")
	}

	if c.PreloadWorkers < 1 {
		c.PreloadWorkers = 1
	}

	if c.WebRTCEnabled {
		// Opus over WebRTC is negotiated at 48 kHz and needs a paced renderer to feed it.
		if c.SampleRate != 48000 {
			return fmt.Errorf("MIXDECK_WEBRTC_ENABLED requires MIXDECK_SAMPLE_RATE=48000, got %d", c.SampleRate)
		}
		if c.Output != OutputClock {
			return fmt.Errorf("MIXDECK_WEBRTC_ENABLED requires MIXDECK_OUTPUT=clock, got %q", c.Output)
		}
	}

	if strings.EqualFold(c.Environment, "production") {
		if c.WebRTCTURNURL != "" && (c.WebRTCTURNUsername == "" || c.WebRTCTURNPassword == "") {
			return fmt.Errorf("MIXDECK_WEBRTC_TURN_USERNAME and MIXDECK_WEBRTC_TURN_PASSWORD are required when TURN is enabled in production")
		}
	}

	return nil
}

// DatabaseEnabled reports whether project persistence is configured.
func (c *Config) DatabaseEnabled() bool {
	return c != nil && c.DBDSN != ""
}

// HTTPAddr returns the listen address for the API server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
