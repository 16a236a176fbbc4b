package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
api:
  base_url: https://rag.example.com
  token: dummy
timeouts:
  ask: 30s
  upload: 90s
  ingest: 10m
upload:
  max_bytes: 2048
  history_limit: 7
  concurrency: 2
history:
  db_path: /tmp/ragchat-test.db
log:
  level: debug
  format: console
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	require.NoError(t, err)
	_, err = tmp.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	return tmp.Name()
}

// TestLoad_File verifies that Load unmarshals every section of the file.
func TestLoad_File(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "https://rag.example.com", cfg.API.BaseURL)
	require.Equal(t, "dummy", cfg.API.Token)
	require.Equal(t, 30*time.Second, cfg.Timeouts.Ask)
	require.Equal(t, 90*time.Second, cfg.Timeouts.Upload)
	require.Equal(t, 10*time.Minute, cfg.Timeouts.Ingest)
	require.EqualValues(t, 2048, cfg.Upload.MaxBytes)
	require.Equal(t, 7, cfg.Upload.HistoryLimit)
	require.Equal(t, 2, cfg.Upload.Concurrency)
	require.Equal(t, "/tmp/ragchat-test.db", cfg.History.DBPath)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format)
	// not in file, default applies
	require.Equal(t, 5*time.Minute, cfg.Identity.ProfileTTL)
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "http://localhost:3001", cfg.API.BaseURL)
	require.Equal(t, 60*time.Second, cfg.Timeouts.Ask)
	require.Equal(t, 2*time.Minute, cfg.Timeouts.Upload)
	require.Equal(t, 5*time.Minute, cfg.Timeouts.Ingest)
	require.EqualValues(t, DefaultMaxBytes, cfg.Upload.MaxBytes)
	require.Equal(t, 50, cfg.Upload.HistoryLimit)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))
	t.Setenv("RAGCHAT_API_TOKEN", "from-env")
	t.Setenv("RAGCHAT_TIMEOUTS_ASK", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.API.Token)
	require.Equal(t, 5*time.Second, cfg.Timeouts.Ask)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, `
api:
  base_url: not a url
log:
  format: xml
`))

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/nonexistent/ragchat.yaml")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_UploadLimitCannotExceedBackendCap(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, `
upload:
  max_bytes: 20971520
`))
	_, err := Load()
	require.Error(t, err)

	t.Setenv("CONFIG_PATH", writeConfig(t, `
upload:
  max_bytes: 10485760
`))
	cfg, err := Load()
	require.NoError(t, err)
	require.EqualValues(t, DefaultMaxBytes, cfg.Upload.MaxBytes)
}
