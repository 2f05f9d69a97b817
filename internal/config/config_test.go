package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GEMINI_API_KEYS", "GEMINI_API_KEY", "OPENROUTER_API_KEY", "API_KEY_FILE",
		"LLM_PROVIDER", "LLM_MODEL", "EXTRACTOR_PROXY", "EXTRACTOR_CONCURRENCY",
		"CHECKPOINT_DSN", "REDIS_URL", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Input.Folder = "/in"
	cfg.Input.OutputFolder = "/out"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "*.pdf", cfg.Input.Pattern)
	assert.True(t, cfg.Input.Resume)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 5, cfg.Worker.RetryLimit)
	assert.Equal(t, time.Second, cfg.Worker.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Worker.BackoffCap)
	assert.Equal(t, "file", cfg.Checkpoint.Driver)
	assert.Equal(t, "gemini", cfg.Recognizer.Provider)
	assert.Equal(t, 1024, cfg.Recognizer.MaxImageSide)

	assert.NoError(t, validConfig().Validate())
}

func TestLoad_YAMLAndKeyFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "keys.txt"), []byte("# team keys\nkey-b\n\nkey-c\n"), 0o600))
	yaml := `
input:
  folder: ./pdfs
  output_folder: ./out
  start: 10
  end: 20
credentials:
  keys: [key-a, key-b]
  key_file: keys.txt
  per_minute: 5
  window: 30s
worker:
  concurrency: 4
  backoff_cap: 10s
checkpoint:
  driver: sqlite
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Input.Start)
	assert.Equal(t, 20, cfg.Input.End)
	assert.Equal(t, 5, cfg.Credentials.PerMinute)
	assert.Equal(t, 30*time.Second, cfg.Credentials.Window)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Worker.BackoffCap)
	assert.Equal(t, time.Second, cfg.Worker.BackoffBase, "defaults survive partial files")
	assert.Equal(t, "sqlite", cfg.Checkpoint.Driver)
	assert.Equal(t, filepath.Join(dir, "keys.txt"), cfg.Credentials.KeyFile)

	keys, err := cfg.ResolveKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, keys)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEYS", "k1,k2")
	t.Setenv("GEMINI_API_KEY", "k3")
	t.Setenv("EXTRACTOR_CONCURRENCY", "3")
	t.Setenv("CHECKPOINT_DSN", "postgres://u:p@localhost/db")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.Credentials.Keys)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, "postgres", cfg.Checkpoint.Driver)
	assert.Equal(t, "localhost:6379", cfg.Checkpoint.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing input", func(c *Config) { c.Input.Folder = "" }},
		{"missing output", func(c *Config) { c.Input.OutputFolder = "" }},
		{"negative start", func(c *Config) { c.Input.Start = -1 }},
		{"end before start", func(c *Config) { c.Input.Start = 5; c.Input.End = 5 }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"zero retry limit", func(c *Config) { c.Worker.RetryLimit = 0 }},
		{"cap below base", func(c *Config) { c.Worker.BackoffCap = time.Millisecond }},
		{"zero window", func(c *Config) { c.Credentials.Window = 0 }},
		{"unknown provider", func(c *Config) { c.Recognizer.Provider = "ollama" }},
		{"bad quality", func(c *Config) { c.Recognizer.JPEGQuality = 0 }},
		{"unknown driver", func(c *Config) { c.Checkpoint.Driver = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.Checkpoint.Driver = "postgres" }},
		{"redis without addr", func(c *Config) { c.Checkpoint.Driver = "redis" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveKeys_NoneConfigured(t *testing.T) {
	cfg := validConfig()
	cfg.Credentials.Keys = []string{" ", ""}

	_, err := cfg.ResolveKeys()
	assert.Error(t, err)
}

func TestRecoveryDir(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, filepath.Join("/out", ".recovery"), cfg.RecoveryDir())
}

func TestResolveRelativePath(t *testing.T) {
	assert.Equal(t, "/etc/bx/keys.txt", ResolveRelativePath("/etc/bx/config.yaml", "keys.txt"))
	assert.Equal(t, "/abs/keys.txt", ResolveRelativePath("/etc/bx/config.yaml", "/abs/keys.txt"))
}
