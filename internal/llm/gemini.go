package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"github.com/spherical/batch-extractor/internal/domain"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiClient recognizes pages with Google's Gemini models through
// langchaingo. One underlying client is kept per API key.
type GeminiClient struct {
	model string

	mu      sync.Mutex
	clients map[string]llms.Model
	closers []func() error

	// newModel builds the model for a key. Replaced in tests.
	newModel func(ctx context.Context, apiKey, model string) (llms.Model, func() error, error)
}

// NewGeminiClient creates a Gemini page recognizer.
func NewGeminiClient(model string) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{
		model:    model,
		clients:  make(map[string]llms.Model),
		newModel: newGoogleAIModel,
	}
}

func newGoogleAIModel(ctx context.Context, apiKey, model string) (llms.Model, func() error, error) {
	m, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}

// RecognizePage sends the page image and prompt with temperature 0.
func (g *GeminiClient) RecognizePage(ctx context.Context, image domain.PageImage, apiKey string) (string, error) {
	model, err := g.modelFor(ctx, apiKey)
	if err != nil {
		return "", Classify(err)
	}

	data, err := os.ReadFile(image.ImagePath)
	if err != nil {
		return "", &domain.PermanentError{Reason: "read page image", Err: err}
	}

	messages := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(buildPrompt()),
				llms.TextPart(pageHint(image.PageNumber)),
				llms.BinaryPart("image/jpeg", data),
			},
		},
	}

	resp, err := model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return "", Classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &domain.TransientError{Err: fmt.Errorf("no response choices")}
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func (g *GeminiClient) modelFor(ctx context.Context, apiKey string) (llms.Model, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.clients[apiKey]; ok {
		return m, nil
	}
	m, closer, err := g.newModel(ctx, apiKey, g.model)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.clients[apiKey] = m
	if closer != nil {
		g.closers = append(g.closers, closer)
	}
	return m, nil
}

// Close releases every underlying client.
func (g *GeminiClient) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for _, c := range g.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.closers = nil
	g.clients = make(map[string]llms.Model)
	return firstErr
}
