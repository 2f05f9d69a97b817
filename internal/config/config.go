// Package config provides configuration loading for batch extraction runs.
// Supports YAML files, .env files, environment variables and flag overrides.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a batch extraction run.
type Config struct {
	Input       InputConfig      `yaml:"input"`
	Credentials CredentialConfig `yaml:"credentials"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Worker      WorkerConfig     `yaml:"worker"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	Progress    ProgressConfig   `yaml:"progress"`
	Log         LogConfig        `yaml:"log"`
}

// InputConfig selects the documents to process.
type InputConfig struct {
	Folder       string `yaml:"folder"`
	Pattern      string `yaml:"pattern"`
	OutputFolder string `yaml:"output_folder"`
	Start        int    `yaml:"start"`
	End          int    `yaml:"end"` // 0 means through the last document
	Resume       bool   `yaml:"resume"`
	Adopt        bool   `yaml:"adopt_existing"`
}

// CredentialConfig holds the API keys and their quota policy.
type CredentialConfig struct {
	Keys           []string      `yaml:"keys"`
	KeyFile        string        `yaml:"key_file"`
	PerMinute      int           `yaml:"per_minute"`
	PerDay         int           `yaml:"per_day"`
	Window         time.Duration `yaml:"window"`
	MinuteCooldown time.Duration `yaml:"minute_cooldown"`
	DayCooldown    time.Duration `yaml:"day_cooldown"` // 0 means until the next UTC midnight
	Exclusive      bool          `yaml:"exclusive"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// RecognizerConfig holds vision model and rendering settings.
type RecognizerConfig struct {
	Provider     string        `yaml:"provider"` // gemini or openrouter
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	Proxy        string        `yaml:"proxy"`
	DPI          int           `yaml:"dpi"`
	MaxImageSide int           `yaml:"max_image_side"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	PageDelay    time.Duration `yaml:"page_delay"`
}

// WorkerConfig holds concurrency and retry policy.
type WorkerConfig struct {
	Concurrency           int           `yaml:"concurrency"`
	RetryLimit            int           `yaml:"retry_limit"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffCap            time.Duration `yaml:"backoff_cap"`
	MaxCredentialSwitches int           `yaml:"max_credential_switches"` // 0 means twice the key count
}

// CheckpointConfig selects the checkpoint persistence driver.
type CheckpointConfig struct {
	Driver    string `yaml:"driver"` // file, sqlite, postgres or redis
	Path      string `yaml:"path"`   // file/sqlite location, defaults under <output>/.recovery
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Prefix    string `yaml:"prefix"`
}

// ProgressConfig controls progress reporting surfaces.
type ProgressConfig struct {
	Interval     time.Duration `yaml:"interval"`
	StatusAddr   string        `yaml:"status_addr"`
	RedisChannel bool          `yaml:"redis_channel"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}

		if cfg.Credentials.KeyFile != "" {
			cfg.Credentials.KeyFile = ResolveRelativePath(path, cfg.Credentials.KeyFile)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Input: InputConfig{
			Pattern: "*.pdf",
			Resume:  true,
			Adopt:   true,
		},
		Credentials: CredentialConfig{
			PerMinute:      2,
			PerDay:         50,
			Window:         time.Minute,
			MinuteCooldown: time.Minute,
			AcquireTimeout: 5 * time.Minute,
		},
		Recognizer: RecognizerConfig{
			Provider:     "gemini",
			Model:        "gemini-2.0-flash",
			Timeout:      3 * time.Minute,
			DPI:          150,
			MaxImageSide: 1024,
			JPEGQuality:  85,
		},
		Worker: WorkerConfig{
			Concurrency: 2,
			RetryLimit:  5,
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Driver: "file",
			Prefix: "bx:",
		},
		Progress: ProgressConfig{
			Interval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Input.Folder == "" {
		return fmt.Errorf("input folder is required")
	}
	if c.Input.OutputFolder == "" {
		return fmt.Errorf("output folder is required")
	}
	if c.Input.Start < 0 {
		return fmt.Errorf("range start must be >= 0, got %d", c.Input.Start)
	}
	if c.Input.End < 0 {
		return fmt.Errorf("range end must be >= 0, got %d", c.Input.End)
	}
	if c.Input.End > 0 && c.Input.End <= c.Input.Start {
		return fmt.Errorf("range end (%d) must be greater than start (%d)", c.Input.End, c.Input.Start)
	}

	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
		return fmt.Errorf("concurrency must be between 1 and 64, got %d", c.Worker.Concurrency)
	}
	if c.Worker.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be >= 1")
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffCap < c.Worker.BackoffBase {
		return fmt.Errorf("backoff_base must be > 0 and backoff_cap >= backoff_base")
	}

	if c.Credentials.PerMinute < 0 || c.Credentials.PerDay < 0 {
		return fmt.Errorf("credential limits must be >= 0")
	}
	if c.Credentials.Window <= 0 {
		return fmt.Errorf("credential window must be > 0")
	}

	switch c.Recognizer.Provider {
	case "gemini", "openrouter":
	default:
		return fmt.Errorf("invalid recognizer provider: %s", c.Recognizer.Provider)
	}
	if c.Recognizer.JPEGQuality < 1 || c.Recognizer.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100")
	}

	switch c.Checkpoint.Driver {
	case "file", "sqlite":
	case "postgres":
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint dsn is required for the postgres driver")
		}
	case "redis":
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("checkpoint redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("invalid checkpoint driver: %s", c.Checkpoint.Driver)
	}

	return nil
}

// RecoveryDir is where file-based run state lives for an output folder.
func (c *Config) RecoveryDir() string {
	return filepath.Join(c.Input.OutputFolder, ".recovery")
}

// ResolveKeys merges inline keys and the key file, dropping duplicates while
// keeping first-seen order.
func (c *Config) ResolveKeys() ([]string, error) {
	keys := append([]string(nil), c.Credentials.Keys...)

	if c.Credentials.KeyFile != "" {
		fromFile, err := LoadKeyFile(c.Credentials.KeyFile)
		if err != nil {
			return nil, err
		}
		keys = append(keys, fromFile...)
	}

	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no API keys configured (use --api-key, --key-file or GEMINI_API_KEYS)")
	}
	return out, nil
}

// LoadKeyFile reads one key per line. Blank lines and lines starting with #
// are ignored.
func LoadKeyFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return keys, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEMINI_API_KEYS"); v != "" {
		cfg.Credentials.Keys = append(cfg.Credentials.Keys, strings.Split(v, ",")...)
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Credentials.Keys = append(cfg.Credentials.Keys, v)
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" && cfg.Recognizer.Provider == "openrouter" {
		cfg.Credentials.Keys = append(cfg.Credentials.Keys, v)
	}

	if v := os.Getenv("API_KEY_FILE"); v != "" {
		cfg.Credentials.KeyFile = v
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.Recognizer.Provider = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Recognizer.Model = v
	}

	if v := os.Getenv("EXTRACTOR_PROXY"); v != "" {
		cfg.Recognizer.Proxy = v
	}

	if v := os.Getenv("EXTRACTOR_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}

	if v := os.Getenv("CHECKPOINT_DSN"); v != "" {
		cfg.Checkpoint.DSN = v
		if strings.HasPrefix(v, "postgres") {
			cfg.Checkpoint.Driver = "postgres"
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Checkpoint.RedisAddr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
