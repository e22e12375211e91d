package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	t.Setenv("DFC_DB_PATH", "/tmp/analytics.duckdb")
	t.Setenv("DFC_STORE_PATH", "/tmp/policies.sqlite")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DFC_TWO_PHASE", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/analytics.duckdb", cfg.DBPath)
	assert.Equal(t, "/tmp/policies.sqlite", cfg.StorePath)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.True(t, cfg.TwoPhase)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("DFC_DB_PATH", "")
	t.Setenv("DFC_STORE_PATH", "")
	t.Setenv("DFC_POLICY_FILE", "")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DFC_TWO_PHASE", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "", cfg.DBPath)
	assert.Equal(t, "dfcgate_policies.sqlite", cfg.StorePath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.False(t, cfg.TwoPhase)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadFromEnv_MissingPolicyFile(t *testing.T) {
	t.Setenv("DFC_POLICY_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"# comment\nDFC_TEST_A=hello\nDFC_TEST_B=\"quoted\"\n"), 0o600))

	t.Setenv("DFC_TEST_A", "")
	t.Setenv("DFC_TEST_B", "")
	require.NoError(t, LoadDotEnv(path))

	assert.Equal(t, "hello", os.Getenv("DFC_TEST_A"))
	assert.Equal(t, "quoted", os.Getenv("DFC_TEST_B"))
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DFC_TEST_C=file\n"), 0o600))

	t.Setenv("DFC_TEST_C", "env")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "env", os.Getenv("DFC_TEST_C"))
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), "level %q", in)
	}
}
