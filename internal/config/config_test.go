package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "skyguard.quarantine", cfg.NATSSubject)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092 ,")
	t.Setenv("FILTER_CALLSIGN_PREFIXES", "UAL,DAL")

	cfg := Load()

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"UAL", "DAL"}, cfg.CallsignPrefixes)
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "not-a-duration")
	cfg := Load()
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
}

func TestLoadPolicyEmptyPathReturnsDefaults(t *testing.T) {
	vcfg, dcfg, deccfg, err := LoadPolicy("")
	require.NoError(t, err)

	assert.Equal(t, 0.30, vcfg.CompletenessWeight)
	assert.Equal(t, 3.0, dcfg.ZScoreThreshold)
	assert.Equal(t, 30, deccfg.RetentionDays)
}

func TestLoadPolicyOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `
weights:
  completeness: 0.4
  validity: 0.3
  consistency: 0.2
  timeliness: 0.1
quarantine_threshold: 0.5
speed_altitude_ratio: 6.0
retention_days: 14
zscore_threshold: 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	vcfg, dcfg, deccfg, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 0.4, vcfg.CompletenessWeight)
	assert.Equal(t, 0.5, vcfg.QuarantineThreshold)
	assert.Equal(t, 0.5, deccfg.AutoQuarantineThreshold)
	assert.Equal(t, 6.0, vcfg.SpeedAltitudeRatio)
	assert.Equal(t, 14, deccfg.RetentionDays)
	assert.Equal(t, 2.5, dcfg.ZScoreThreshold)
	// Untouched fields keep their defaults.
	assert.Equal(t, 100.0, dcfg.PositionJumpKm)
}

func TestLoadPolicyRejectsBadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `
weights:
  completeness: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, _, _, err := LoadPolicy(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "weights sum")
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, _, _, err := LoadPolicy("/nonexistent/policy.yaml")
	assert.Error(t, err)
}
