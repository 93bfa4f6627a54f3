package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Server.Mode)
	assert.Equal(t, 4, cfg.LLM.MaxInFlight)
	assert.Equal(t, 3, cfg.LLM.MaxAttempts)
	assert.Equal(t, 2, cfg.Pipeline.VerifyRounds)
	assert.Equal(t, filepath.Join("data", "catalog.db"), cfg.Data.CatalogPath)
	assert.Equal(t, filepath.Join("data", "oven"), cfg.Data.OvenDir)
	assert.Equal(t, []string{"description"}, cfg.Classifier.StaticHints)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "kitchen.yaml", `
server:
  mode: queue
llm:
  maxInFlight: 8
  callTimeout: 45s
classifier:
  referenceHints: [command, cmd]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "queue", cfg.Server.Mode)
	assert.Equal(t, 8, cfg.LLM.MaxInFlight)
	assert.Equal(t, 45*time.Second, cfg.LLM.CallTimeout.D())
	assert.Equal(t, []string{"command", "cmd"}, cfg.Classifier.ReferenceHints)
	assert.Equal(t, 3, cfg.LLM.MaxAttempts)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "kitchen.toml", `
[pipeline]
verifyRounds = 3
outputFormat = ".json"

[queue]
statusTTL = "1h"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.VerifyRounds)
	assert.Equal(t, ".json", cfg.Pipeline.OutputFormat)
	assert.Equal(t, time.Hour, cfg.Queue.StatusTTL.D())
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "kitchen.json", `{"server": {"mode": "local", "colour": "blue"}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OLLAMA_ENDPOINT", "http://ollama:11434")
	t.Setenv("KITCHEN_LLM_MAX_IN_FLIGHT", "6")
	t.Setenv("MINIO_BUCKET_NAME", "kitchen")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://ollama:11434", cfg.LLM.Endpoint)
	assert.Equal(t, 6, cfg.LLM.MaxInFlight)
	assert.Equal(t, "kitchen", cfg.Minio.BucketName)

	t.Setenv("KITCHEN_LLM_MAX_IN_FLIGHT", "lots")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server:\n  mode: cluster\n")
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(writeFile(t, "kitchen.ini", "mode=local"))
	assert.Error(t, err)
}
