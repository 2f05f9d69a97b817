package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spherical/batch-extractor/internal/domain"
)

const (
	openRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	defaultModel  = "google/gemini-2.0-flash-001"
)

// Client handles communication with OpenRouter API. It holds no credential:
// the key is supplied per call by the credential pool.
type Client struct {
	endpoint   string
	model      string
	httpClient *http.Client
	now        func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithEndpoint overrides the chat completions URL.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithProxy routes requests through the given proxy URL.
func WithProxy(proxy string) ClientOption {
	return func(c *Client) {
		if proxy == "" {
			return
		}
		u, err := url.Parse(proxy)
		if err != nil {
			return
		}
		c.httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// Request represents the API request structure
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
}

// Response represents the API response structure
type Response struct {
	ID      string     `json:"id"`
	Choices []Choice   `json:"choices"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the error object OpenRouter sends in place of choices.
type ErrorBody struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// Status returns the numeric code when the provider sent one.
func (e *ErrorBody) Status() int {
	var n int
	if err := json.Unmarshal(e.Code, &n); err == nil {
		return n
	}
	return 0
}

// Choice represents a single completion choice
type Choice struct {
	Delta        Delta  `json:"delta"`
	Message      Delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Delta represents a message delta in streaming response
type Delta struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// NewClient creates a new OpenRouter page recognizer
func NewClient(model string, opts ...ClientOption) *Client {
	if model == "" {
		model = defaultModel
	}

	c := &Client{
		endpoint:   openRouterURL,
		model:      model,
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecognizePage sends one page image and returns the streamed Markdown.
// Failures are classified; retrying is left to the caller.
func (c *Client) RecognizePage(ctx context.Context, image domain.PageImage, apiKey string) (string, error) {
	req, err := c.buildRequest(image)
	if err != nil {
		return "", &domain.PermanentError{Reason: "build request", Err: err}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &domain.PermanentError{Reason: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &domain.PermanentError{Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/spherical/batch-extractor")
	httpReq.Header.Set("X-Title", "Batch PDF Extractor")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return "", ClassifyStatus(resp.StatusCode, string(bodyBytes), retryAfter)
	}

	text, apiErr, err := NewStreamParser(resp.Body).Collect()
	if err != nil {
		return "", Classify(fmt.Errorf("read stream: %w", err))
	}
	if apiErr != nil {
		status := apiErr.Status()
		if status == 0 {
			status = http.StatusBadGateway
		}
		return "", ClassifyStatus(status, apiErr.Message, 0)
	}
	return strings.TrimSpace(text), nil
}

// buildRequest constructs the API request with the image
func (c *Client) buildRequest(image domain.PageImage) (*Request, error) {
	imageData, err := os.ReadFile(image.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	base64Image := base64.StdEncoding.EncodeToString(imageData)
	imageURL := "data:image/jpeg;base64," + base64Image

	msg := Message{
		Role: "user",
		Content: []ContentPart{
			{
				Type: "text",
				Text: buildPrompt(),
			},
			{
				Type: "text",
				Text: pageHint(image.PageNumber),
			},
			{
				Type: "image_url",
				ImageURL: &ImageURL{
					URL: imageURL,
				},
			},
		},
	}

	return &Request{
		Model:       c.model,
		Messages:    []Message{msg},
		Stream:      true,
		Temperature: 0,
	}, nil
}
