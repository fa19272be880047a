package config

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the graphloom configuration
// file. Hidden-file format following common tool conventions.
const DefaultConfigPath = ".graphloom.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "GRAPHLOOM_CONFIG_PATH"

const (
	defaultProcessInterval  = 10 * time.Second
	defaultPollInterval     = 10 * time.Second
	defaultBatchSize        = 1000
	defaultHTTPTimeout      = 30 * time.Second
	defaultResolverSchedule = "@every 5s"
	defaultEventTopic       = "graphloom.pipeline"
)

// Service holds the pipeline-wide settings shared by the processing loops,
// the mapping resolver sweep, and the HTTP pollers. Values come from
// .graphloom.yaml with environment variables taking precedence.
type Service struct {
	// ProcessInterval is the sleep between processing loop ticks per source.
	ProcessInterval time.Duration `yaml:"process_interval"`

	// PollInterval is the default cool-down between HTTP poll ticks. A data
	// source's own config may override it per source.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchSize bounds how many staging records are fetched per listing call
	// while draining an import.
	BatchSize int `yaml:"batch_size"`

	// HTTPTimeout bounds a single outbound poll request end to end.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// ResolverSchedule is the cron expression for the mapping resolver sweep.
	ResolverSchedule string `yaml:"resolver_schedule"`

	// KafkaBrokers lists the event bus brokers. Empty disables event emission.
	KafkaBrokers []string `yaml:"kafka_brokers"`

	// EventTopic is the Kafka topic pipeline events are published to.
	EventTopic string `yaml:"event_topic"`

	// PrivateKeyPath points at the PEM-encoded RSA key used to decrypt
	// data source credentials.
	PrivateKeyPath string `yaml:"private_key_path"`
}

func defaultService() *Service {
	return &Service{
		ProcessInterval:  defaultProcessInterval,
		PollInterval:     defaultPollInterval,
		BatchSize:        defaultBatchSize,
		HTTPTimeout:      defaultHTTPTimeout,
		ResolverSchedule: defaultResolverSchedule,
		EventTopic:       defaultEventTopic,
	}
}

// LoadService loads service configuration from a YAML file at the given path,
// then applies environment variable overrides.
//
// Behavior:
//   - Missing file returns defaults (the file is optional)
//   - Invalid YAML logs a warning and returns defaults (graceful degradation)
//   - Environment variables always win over file values
func LoadService(path string) *Service {
	cfg := defaultService()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to read config file, continuing with defaults",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Warn("failed to parse config file, continuing with defaults",
				slog.String("path", path),
				slog.String("error", err.Error()))

			cfg = defaultService()
		}
	}

	cfg.ProcessInterval = GetEnvDuration("GRAPHLOOM_PROCESS_INTERVAL", cfg.ProcessInterval)
	cfg.PollInterval = GetEnvDuration("GRAPHLOOM_POLL_INTERVAL", cfg.PollInterval)
	cfg.BatchSize = GetEnvInt("GRAPHLOOM_BATCH_SIZE", cfg.BatchSize)
	cfg.HTTPTimeout = GetEnvDuration("GRAPHLOOM_HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.ResolverSchedule = GetEnvStr("GRAPHLOOM_RESOLVER_SCHEDULE", cfg.ResolverSchedule)
	cfg.EventTopic = GetEnvStr("GRAPHLOOM_EVENT_TOPIC", cfg.EventTopic)
	cfg.PrivateKeyPath = GetEnvStr("GRAPHLOOM_PRIVATE_KEY_PATH", cfg.PrivateKeyPath)

	if brokers := GetEnvStr("GRAPHLOOM_KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = ParseCommaSeparatedList(brokers)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	return cfg
}

// LoadServiceFromEnv loads the service config from the path named by
// GRAPHLOOM_CONFIG_PATH, falling back to ".graphloom.yaml".
func LoadServiceFromEnv() *Service {
	return LoadService(GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}
