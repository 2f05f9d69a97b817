package llm

import (
	"os"

	"github.com/spherical/batch-extractor/internal/config"
	"github.com/spherical/batch-extractor/internal/domain"
)

// NewPageRecognizer builds the recognizer selected by cfg.Provider. The
// returned func releases provider clients.
func NewPageRecognizer(cfg config.RecognizerConfig) (domain.PageRecognizer, func() error, error) {
	switch cfg.Provider {
	case "", "gemini":
		if cfg.Proxy != "" {
			// The Gemini SDK builds its own transport from the environment.
			os.Setenv("HTTPS_PROXY", cfg.Proxy)
			os.Setenv("HTTP_PROXY", cfg.Proxy)
		}
		g := NewGeminiClient(cfg.Model)
		return g, g.Close, nil

	case "openrouter":
		c := NewClient(cfg.Model, WithProxy(cfg.Proxy))
		return c, func() error { return nil }, nil

	default:
		return nil, nil, domain.ConfigError("unsupported recognizer provider: "+cfg.Provider, nil)
	}
}
