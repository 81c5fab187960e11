package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the agent server.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	Store     StoreConfig
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Runtime   RuntimeConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	SeedFile  string
}

type StoreConfig struct {
	// Kind is memory, bolt or postgres.
	Kind    string
	DataDir string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type SchedulerConfig struct {
	Tick    time.Duration
	Workers int
}

// RuntimeConfig holds instance defaults.
type RuntimeConfig struct {
	ExecutionLevel    string
	StateLimit        int
	TriggerInterval   string
	ReportingInterval string
}

type RetentionConfig struct {
	ArchiveDir          string
	NotificationHistory int
	Interval            time.Duration
	Compress            bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Version      string
	// SampleRatio is the share of root traces kept, clamped to [0,1].
	SampleRatio float64
}

type AuthConfig struct {
	// APIKeys gate /api/v1 when non-empty.
	APIKeys []string
	// AdminKeys additionally unlock admin routes and ?all=yes.
	AdminKeys []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	version := envStr("AGENTSERVER_VERSION", "0.1.0")
	return &Config{
		Port:     envInt("AGENTSERVER_PORT", 8980),
		Version:  version,
		LogLevel: envStr("AGENTSERVER_LOG_LEVEL", "info"),
		Store: StoreConfig{
			Kind:    envStr("AGENTSERVER_STORE", "memory"),
			DataDir: envStr("AGENTSERVER_DATA_DIR", ""),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Scheduler: SchedulerConfig{
			Tick:    envDuration("AGENTSERVER_TICK", 10*time.Millisecond),
			Workers: envInt("AGENTSERVER_WORKERS", 8),
		},
		Runtime: RuntimeConfig{
			ExecutionLevel:    envStr("AGENTSERVER_EXECUTION_LEVEL", "standard"),
			StateLimit:        envInt("AGENTSERVER_STATE_LIMIT", 25),
			TriggerInterval:   envStr("AGENTSERVER_TRIGGER_INTERVAL", "50"),
			ReportingInterval: envStr("AGENTSERVER_REPORTING_INTERVAL", "1000"),
		},
		Retention: RetentionConfig{
			ArchiveDir:          envStr("AGENTSERVER_ARCHIVE_DIR", ""),
			NotificationHistory: envInt("AGENTSERVER_NOTIFICATION_HISTORY_LIMIT", 100),
			Interval:            envDuration("AGENTSERVER_RETENTION_INTERVAL", time.Hour),
			Compress:            envBool("AGENTSERVER_ARCHIVE_COMPRESS", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentserver"),
			Version:      version,
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		Auth: AuthConfig{
			APIKeys:   envList("AGENTSERVER_API_KEYS"),
			AdminKeys: envList("AGENTSERVER_ADMIN_KEYS"),
		},
		SeedFile: envStr("AGENTSERVER_SEED_FILE", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
