package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".graphloom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadService_MissingFileReturnsDefaults(t *testing.T) {
	cfg := LoadService(filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	assert.Equal(t, 10*time.Second, cfg.ProcessInterval)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, "@every 5s", cfg.ResolverSchedule)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadService_FileValues(t *testing.T) {
	path := writeConfigFile(t, `
process_interval: 2s
poll_interval: 1m
batch_size: 50
resolver_schedule: "@every 30s"
kafka_brokers:
  - broker-1:9092
  - broker-2:9092
event_topic: custom.topic
`)

	cfg := LoadService(path)

	assert.Equal(t, 2*time.Second, cfg.ProcessInterval)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, "@every 30s", cfg.ResolverSchedule)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom.topic", cfg.EventTopic)
}

func TestLoadService_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "batch_size: 50\npoll_interval: 1m\n")

	t.Setenv("GRAPHLOOM_BATCH_SIZE", "7")
	t.Setenv("GRAPHLOOM_POLL_INTERVAL", "3s")
	t.Setenv("GRAPHLOOM_KAFKA_BROKERS", "env-broker:9092, other:9092")

	cfg := LoadService(path)

	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"env-broker:9092", "other:9092"}, cfg.KafkaBrokers)
}

func TestLoadService_InvalidYAMLFallsBackToDefaults(t *testing.T) {
	path := writeConfigFile(t, "batch_size: [not an int\n")

	cfg := LoadService(path)

	assert.Equal(t, 1000, cfg.BatchSize)
}

func TestLoadService_NonPositiveBatchSizeCorrected(t *testing.T) {
	path := writeConfigFile(t, "batch_size: -5\n")

	cfg := LoadService(path)

	assert.Equal(t, 1000, cfg.BatchSize)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("GRAPHLOOM_TEST_STR", "value")
	t.Setenv("GRAPHLOOM_TEST_INT", "42")
	t.Setenv("GRAPHLOOM_TEST_BOOL", "yes")
	t.Setenv("GRAPHLOOM_TEST_DURATION", "90s")
	t.Setenv("GRAPHLOOM_TEST_BAD_INT", "not-a-number")

	assert.Equal(t, "value", GetEnvStr("GRAPHLOOM_TEST_STR", "default"))
	assert.Equal(t, "default", GetEnvStr("GRAPHLOOM_TEST_UNSET", "default"))
	assert.Equal(t, 42, GetEnvInt("GRAPHLOOM_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("GRAPHLOOM_TEST_BAD_INT", 1))
	assert.True(t, GetEnvBool("GRAPHLOOM_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, GetEnvDuration("GRAPHLOOM_TEST_DURATION", time.Second))
}

func TestParseCommaSeparatedList(t *testing.T) {
	assert.Empty(t, ParseCommaSeparatedList(""))
	assert.Equal(t, []string{"a", "b"}, ParseCommaSeparatedList(" a , b ,"))
}
