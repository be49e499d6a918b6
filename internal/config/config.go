package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all process configuration for halbridge.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Pipeline  PipelineConfig
	Devices   DeviceConfig
	Web       WebConfig
	Files     FilesConfig
	Exec      ExecConfig
	Model     ModelConfig
	Webhooks  WebhookConfig
	Retention RetentionConfig

	// DataDir holds the results snapshot. Empty disables persistence.
	DataDir string

	// AgentConfigPath points at the YAML agent configuration (intents,
	// guardrail rules, lookup tables). Empty means the embedded default.
	AgentConfigPath string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	SampleRatio  float64
}

type AuthConfig struct {
	// APIKeys is the comma-separated HALBRIDGE_API_KEYS list. Empty disables auth.
	APIKeys []string
}

type PipelineConfig struct {
	TMin           float64
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DefaultTimeout time.Duration
	ResultHistory  int
	SessionHistory int
}

type DeviceConfig struct {
	Timeout time.Duration
}

type WebConfig struct {
	AllowedDomains []string
	MaxBytes       int64
	UserAgent      string
	Timeout        time.Duration
	RatePerSecond  float64
	RateBurst      int
	BrowserEnabled bool
}

type FilesConfig struct {
	Roots    []string
	MaxBytes int64
}

type ExecConfig struct {
	Timeout   time.Duration
	MaxOutput int
}

type ModelConfig struct {
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
}

type WebhookConfig struct {
	URLs   []string
	Secret string
}

// RetentionConfig drives the background janitor. A zero TTL keeps that kind
// of data until the in-memory caps evict it.
type RetentionConfig struct {
	Interval   time.Duration
	ResultTTL  time.Duration
	SessionTTL time.Duration
	ArchiveDir string
	Compress   bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:     envInt("HALBRIDGE_PORT", 8080),
		Version:  envStr("HALBRIDGE_VERSION", "0.1.0"),
		LogLevel: envStr("HALBRIDGE_LOG_LEVEL", "info"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "halbridge"),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
		Auth: AuthConfig{
			APIKeys: envList("HALBRIDGE_API_KEYS"),
		},
		Pipeline: PipelineConfig{
			TMin:           envFloat("HALBRIDGE_T_MIN", 0.5),
			MaxAttempts:    envInt("HALBRIDGE_MAX_ATTEMPTS", 3),
			BackoffBase:    envDuration("HALBRIDGE_BACKOFF_BASE", 200*time.Millisecond),
			BackoffCap:     envDuration("HALBRIDGE_BACKOFF_CAP", 5*time.Second),
			DefaultTimeout: envDuration("HALBRIDGE_DEFAULT_TIMEOUT", 10*time.Second),
			ResultHistory:  envInt("HALBRIDGE_RESULT_HISTORY", 200),
			SessionHistory: envInt("HALBRIDGE_SESSION_HISTORY", 20),
		},
		Devices: DeviceConfig{
			Timeout: envDuration("HALBRIDGE_DEVICE_TIMEOUT", 5*time.Second),
		},
		Web: WebConfig{
			AllowedDomains: envList("HALBRIDGE_WEB_ALLOWED_DOMAINS"),
			MaxBytes:       int64(envInt("HALBRIDGE_WEB_MAX_BYTES", 150_000)),
			UserAgent:      envStr("HALBRIDGE_WEB_USER_AGENT", "halbridge/0.1 (+https://github.com/halbridge/halbridge)"),
			Timeout:        envDuration("HALBRIDGE_WEB_TIMEOUT", 30*time.Second),
			RatePerSecond:  envFloat("HALBRIDGE_WEB_RATE", 2),
			RateBurst:      envInt("HALBRIDGE_WEB_BURST", 4),
			BrowserEnabled: envBool("HALBRIDGE_BROWSER_ENABLED", true),
		},
		Files: FilesConfig{
			Roots:    envListDefault("HALBRIDGE_FILE_ROOTS", []string{filepath.Join(home, "halbridge")}),
			MaxBytes: int64(envInt("HALBRIDGE_FILE_MAX_BYTES", 1<<20)),
		},
		Exec: ExecConfig{
			Timeout:   envDuration("HALBRIDGE_EXEC_TIMEOUT", 15*time.Second),
			MaxOutput: envInt("HALBRIDGE_EXEC_MAX_OUTPUT", 64*1024),
		},
		Model: ModelConfig{
			APIKey:       envStr("OPENAI_API_KEY", ""),
			Model:        envStr("HALBRIDGE_MODEL", "gpt-4o-mini"),
			BaseURL:      envStr("OPENAI_BASE_URL", ""),
			SystemPrompt: envStr("HALBRIDGE_SYSTEM_PROMPT", "You are halbridge, a concise home and workstation assistant."),
		},
		Webhooks: WebhookConfig{
			URLs:   envList("HALBRIDGE_WEBHOOK_URLS"),
			Secret: envStr("HALBRIDGE_WEBHOOK_SECRET", ""),
		},
		Retention: RetentionConfig{
			Interval:   envDuration("HALBRIDGE_RETENTION_INTERVAL", 10*time.Minute),
			ResultTTL:  envDuration("HALBRIDGE_RESULT_TTL", 0),
			SessionTTL: envDuration("HALBRIDGE_SESSION_TTL", 24*time.Hour),
			ArchiveDir: envStr("HALBRIDGE_ARCHIVE_DIR", ""),
			Compress:   envBool("HALBRIDGE_ARCHIVE_COMPRESS", true),
		},
		DataDir:         envStr("HALBRIDGE_DATA_DIR", ""),
		AgentConfigPath: envStr("HALBRIDGE_AGENT_CONFIG", ""),
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

func envList(key string) []string {
	return envListDefault(key, nil)
}

func envListDefault(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
