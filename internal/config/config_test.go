package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points CONFIG_PATH at a file that does not exist so a developer's
// local config never leaks into tests.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("CONFIG_PATH", "")
	t.Chdir(dir)
	return dir
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.HTTPPort)
	assert.Equal(t, "data/leads.json", cfg.LeadsPath)
	assert.Equal(t, "data/calls.db", cfg.DBPath)
	assert.Equal(t, 50, cfg.HistorySize)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, 64, cfg.SendBuffer)
	assert.Equal(t, 20*time.Second, cfg.WSPingInterval)
	assert.True(t, cfg.WatchLeads)
	assert.Equal(t, 2, cfg.Archive.Workers)
	assert.Equal(t, "https://api.cartesia.ai", cfg.Provider.BaseURL)
	assert.Equal(t, "2025-04-16", cfg.Provider.Version)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestHTTPPortDefaultFormatting(t *testing.T) {
	isolate(t)
	t.Setenv("HTTP_PORT", "9000")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPPort)
}

func TestFileThenEnvPrecedence(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	body := `
http_port: ":7000"
leads_path: /srv/leads.json
history_size: 10
send_timeout: 2s
watch_leads: false
archive:
  workers: 3
  timeout: 1s
provider:
  agent_id: agent-from-file
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("HISTORY_SIZE", "20")
	t.Setenv("AGENT_ID", "agent-from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTPPort)
	assert.Equal(t, "/srv/leads.json", cfg.LeadsPath)
	assert.Equal(t, 20, cfg.HistorySize, "env beats file")
	assert.Equal(t, 2*time.Second, cfg.SendTimeout)
	assert.False(t, cfg.WatchLeads)
	assert.Equal(t, 3, cfg.Archive.Workers)
	assert.Equal(t, time.Second, cfg.Archive.Timeout)
	assert.Equal(t, "agent-from-env", cfg.Provider.AgentID)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestInvalidValuesKeepDefaultsWhenLenient(t *testing.T) {
	isolate(t)
	t.Setenv("SEND_BUFFER", "lots")
	t.Setenv("SEND_TIMEOUT", "-1s")
	t.Setenv("HISTORY_SIZE", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.SendBuffer)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, 50, cfg.HistorySize)
}

func TestStrictConfigFailsOnBadValues(t *testing.T) {
	isolate(t)
	t.Setenv("STRICT_CONFIG", "1")
	t.Setenv("SEND_BUFFER", "lots")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SEND_BUFFER")
}

func TestStrictConfigFailsOnMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("STRICT_CONFIG", "true")
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "nope.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("LEADS_PATH=/from/dotenv.json\nDB_PATH=/from/dotenv.db\n"), 0o644))
	t.Setenv("ENV_FILE", envFile)
	t.Setenv("DB_PATH", "/from/env.db")
	// t.Setenv restores the variable afterwards; godotenv sets it for real
	t.Setenv("LEADS_PATH", "")
	require.NoError(t, os.Unsetenv("LEADS_PATH"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/dotenv.json", cfg.LeadsPath)
	assert.Equal(t, "/from/env.db", cfg.DBPath)
}

func TestOutOfRangeFileValuesKeepDefaultsWhenLenient(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	body := `
history_size: 0
send_buffer: 0
event_buffer: -1
archive:
  workers: 0
  queue_size: 100000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.HistorySize)
	assert.Equal(t, 64, cfg.SendBuffer)
	assert.Equal(t, 256, cfg.EventBuffer)
	assert.Equal(t, 2, cfg.Archive.Workers)
	assert.Equal(t, 128, cfg.Archive.QueueSize)
}

func TestOutOfRangeFileValuesFailWhenStrict(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archive:\n  workers: 0\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("STRICT_CONFIG", "1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive.workers")
}

func TestValidateConfigResetsInvalidFields(t *testing.T) {
	cfg := defaults()
	cfg.Archive.Workers = 0
	cfg.Log.Format = "xml"
	cfg.DBPath = " "

	err := validateConfig(&cfg)
	require.Error(t, err)
	assert.Equal(t, 2, cfg.Archive.Workers)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "data/calls.db", cfg.DBPath)
}
