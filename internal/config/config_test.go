package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inDir 在临时目录中加载配置，避免读到仓库里的 configs/
func inDir(t *testing.T, yaml string) *Config {
	t.Helper()
	dir := t.TempDir()
	if yaml != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	}
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := inDir(t, "")
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "Kalite", cfg.Tracking.QualityOperation)
	assert.Equal(t, "Sevkiyat", cfg.Tracking.ShipmentOperation)
	assert.Equal(t, 3, cfg.Tracking.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Tracking.RetryBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Tracking.LockTTL)
	assert.Equal(t, "postgres", cfg.Tracking.Store)
	assert.Equal(t, "mes.unit-status", cfg.Kafka.Topic)
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("MES_STORE", "memory")
	cfg := inDir(t, `
server:
  port: 9000
database:
  port: 6543
  dbname: mes
tracking:
  quality_operation: QC
  shipment_operation: Ship
  retry_base_delay: 250ms
  model_grouped_operations: [Assembly, Glazing]
`)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "memory", cfg.Tracking.Store)
	assert.Equal(t, "QC", cfg.Tracking.QualityOperation)
	assert.Equal(t, 250*time.Millisecond, cfg.Tracking.RetryBaseDelay)
	assert.Equal(t, []string{"Assembly", "Glazing"}, cfg.Tracking.ModelGroupedOperations)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal port=6543")
}

func TestValidate(t *testing.T) {
	base := Config{Tracking: TrackingConfig{Store: "memory", RetryAttempts: 1, QualityOperation: "Q", ShipmentOperation: "S"}}
	assert.NoError(t, base.Validate())

	bad := base
	bad.Tracking.Store = "mongo"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Tracking.RetryAttempts = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.Tracking.ShipmentOperation = "Q"
	assert.Error(t, bad.Validate())
}
