package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Providers   ProvidersConfig  `yaml:"providers"`
	Segments    SegmentsConfig   `yaml:"segments"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"`
	// ConnectRetryMS bounds how long the initial connection is retried.
	ConnectRetryMS int `yaml:"connect_retry_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PipelineConfig carries the retry, deadline and retention knobs of the job
// coordinator. Durations are milliseconds.
type PipelineConfig struct {
	BaseTimeoutMS    int     `yaml:"base_timeout_ms"`
	TimeoutStepMS    int     `yaml:"timeout_step_ms"`
	MaxAttempts      int     `yaml:"max_attempts"`
	BaseWaitMS       int     `yaml:"base_wait_ms"`
	AbortWaitMS      int     `yaml:"abort_wait_ms"`
	DeadlineMS       int     `yaml:"deadline_ms"`
	RetentionMS      int     `yaml:"retention_ms"`
	MaxRetained      int     `yaml:"max_retained"`
	PollIntervalMS   int     `yaml:"poll_interval_ms"`
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`
	SubmitBurst      int     `yaml:"submit_burst"`
	DrainTimeoutMS   int     `yaml:"drain_timeout_ms"`
}

type ProvidersConfig struct {
	Audio ProviderConfig `yaml:"audio"`
	Image ProviderConfig `yaml:"image"`
}

type ProviderConfig struct {
	Mode             string `yaml:"mode"` // mock, exec, http, nats
	Endpoint         string `yaml:"endpoint"`
	Command          string `yaml:"command"`
	SubjectPrefix    string `yaml:"subject_prefix"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	MockPendingPolls int    `yaml:"mock_pending_polls"`
}

type SegmentsConfig struct {
	MaxChars            int  `yaml:"max_chars"`
	NormalizeWhitespace bool `yaml:"normalize_whitespace"`
}

type RouterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DefaultVoice string `yaml:"default_voice"`
}

func Default() Config {
	return Config{
		RuntimeName: "genpipe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",
			ConnectRetryMS: 10000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/genpipe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEvents:     100000,
		},
		Pipeline: PipelineConfig{
			BaseTimeoutMS:  20000,
			TimeoutStepMS:  10000,
			MaxAttempts:    3,
			BaseWaitMS:     1000,
			AbortWaitMS:    3000,
			DeadlineMS:     120000,
			RetentionMS:    300000,
			MaxRetained:    1024,
			PollIntervalMS: 500,
			SubmitBurst:    1,
			DrainTimeoutMS: 10000,
		},
		Providers: ProvidersConfig{
			Audio: ProviderConfig{
				Mode:          "mock",
				SubjectPrefix: "provider.audio",
				TimeoutMS:     30000,
			},
			Image: ProviderConfig{
				Mode:             "mock",
				SubjectPrefix:    "provider.image",
				TimeoutMS:        30000,
				MockPendingPolls: 2,
			},
		},
		Segments: SegmentsConfig{
			NormalizeWhitespace: true,
		},
		Router: RouterConfig{
			Enabled:      true,
			DefaultVoice: "en-US",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Millis converts a millisecond config field to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "GENPIPE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "GENPIPE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GENPIPE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GENPIPE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "GENPIPE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GENPIPE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GENPIPE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "GENPIPE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "GENPIPE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GENPIPE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "GENPIPE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GENPIPE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GENPIPE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GENPIPE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GENPIPE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GENPIPE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.ConnectRetryMS, "GENPIPE_BUS_CONNECT_RETRY_MS")
	overrideString(&cfg.Bus.StoreDir, "GENPIPE_BUS_STORE_DIR")
	overrideString(&cfg.EventStore.Path, "GENPIPE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "GENPIPE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "GENPIPE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEvents, "GENPIPE_EVENT_STORE_MAX_EVENTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "GENPIPE_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Pipeline.BaseTimeoutMS, "GENPIPE_PIPELINE_BASE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.TimeoutStepMS, "GENPIPE_PIPELINE_TIMEOUT_STEP_MS")
	overrideInt(&cfg.Pipeline.MaxAttempts, "GENPIPE_PIPELINE_MAX_ATTEMPTS")
	overrideInt(&cfg.Pipeline.BaseWaitMS, "GENPIPE_PIPELINE_BASE_WAIT_MS")
	overrideInt(&cfg.Pipeline.AbortWaitMS, "GENPIPE_PIPELINE_ABORT_WAIT_MS")
	overrideInt(&cfg.Pipeline.DeadlineMS, "GENPIPE_PIPELINE_DEADLINE_MS")
	overrideInt(&cfg.Pipeline.RetentionMS, "GENPIPE_PIPELINE_RETENTION_MS")
	overrideInt(&cfg.Pipeline.MaxRetained, "GENPIPE_PIPELINE_MAX_RETAINED")
	overrideInt(&cfg.Pipeline.PollIntervalMS, "GENPIPE_PIPELINE_POLL_INTERVAL_MS")
	overrideFloat(&cfg.Pipeline.SubmitRatePerSec, "GENPIPE_PIPELINE_SUBMIT_RATE_PER_SEC")
	overrideInt(&cfg.Pipeline.SubmitBurst, "GENPIPE_PIPELINE_SUBMIT_BURST")
	overrideInt(&cfg.Pipeline.DrainTimeoutMS, "GENPIPE_PIPELINE_DRAIN_TIMEOUT_MS")
	overrideProvider(&cfg.Providers.Audio, "GENPIPE_PROVIDERS_AUDIO")
	overrideProvider(&cfg.Providers.Image, "GENPIPE_PROVIDERS_IMAGE")
	overrideInt(&cfg.Segments.MaxChars, "GENPIPE_SEGMENTS_MAX_CHARS")
	overrideBool(&cfg.Segments.NormalizeWhitespace, "GENPIPE_SEGMENTS_NORMALIZE_WHITESPACE")
	overrideBool(&cfg.Router.Enabled, "GENPIPE_ROUTER_ENABLED")
	overrideString(&cfg.Router.DefaultVoice, "GENPIPE_ROUTER_DEFAULT_VOICE")
}

func overrideProvider(p *ProviderConfig, prefix string) {
	overrideString(&p.Mode, prefix+"_MODE")
	overrideString(&p.Endpoint, prefix+"_ENDPOINT")
	overrideString(&p.Command, prefix+"_COMMAND")
	overrideString(&p.SubjectPrefix, prefix+"_SUBJECT_PREFIX")
	overrideInt(&p.TimeoutMS, prefix+"_TIMEOUT_MS")
	overrideInt(&p.MockPendingPolls, prefix+"_MOCK_PENDING_POLLS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.ConnectRetryMS < 0 {
		return errors.New("bus.connect_retry_ms must be >= 0")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	if err := validateProvider("providers.audio", cfg.Providers.Audio); err != nil {
		return err
	}
	if err := validateProvider("providers.image", cfg.Providers.Image); err != nil {
		return err
	}
	if cfg.Segments.MaxChars < 0 {
		return errors.New("segments.max_chars must be >= 0")
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	if p.BaseTimeoutMS <= 0 {
		return errors.New("pipeline.base_timeout_ms must be positive")
	}
	if p.TimeoutStepMS < 0 || p.BaseWaitMS < 0 || p.AbortWaitMS < 0 {
		return errors.New("pipeline.timeout_step_ms, base_wait_ms and abort_wait_ms must be >= 0")
	}
	if p.MaxAttempts <= 0 {
		return errors.New("pipeline.max_attempts must be >= 1")
	}
	if p.DeadlineMS <= 0 {
		return errors.New("pipeline.deadline_ms must be positive")
	}
	if p.RetentionMS <= 0 {
		return errors.New("pipeline.retention_ms must be positive")
	}
	if p.MaxRetained <= 0 {
		return errors.New("pipeline.max_retained must be >= 1")
	}
	if p.PollIntervalMS <= 0 {
		return errors.New("pipeline.poll_interval_ms must be positive")
	}
	if p.SubmitRatePerSec < 0 {
		return errors.New("pipeline.submit_rate_per_sec must be >= 0")
	}
	if p.SubmitRatePerSec > 0 && p.SubmitBurst <= 0 {
		return errors.New("pipeline.submit_burst must be >= 1 when a submit rate is set")
	}
	if p.DrainTimeoutMS < 0 {
		return errors.New("pipeline.drain_timeout_ms must be >= 0")
	}
	return nil
}

func validateProvider(section string, p ProviderConfig) error {
	switch p.Mode {
	case "", "disabled", "mock":
	case "exec":
		if p.Command == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", section)
		}
	case "http":
		if p.Endpoint == "" {
			return fmt.Errorf("%s.endpoint must be set when mode=http", section)
		}
	case "nats":
		if p.SubjectPrefix == "" {
			return fmt.Errorf("%s.subject_prefix must be set when mode=nats", section)
		}
	default:
		return fmt.Errorf("%s.mode must be one of disabled|mock|exec|http|nats", section)
	}
	if p.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms must be >= 0", section)
	}
	if p.MockPendingPolls < 0 {
		return fmt.Errorf("%s.mock_pending_polls must be >= 0", section)
	}
	return nil
}
