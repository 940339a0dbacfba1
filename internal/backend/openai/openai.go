// Package openai implements the backend capability against any service that
// speaks the OpenAI chat completions API, including Ollama's /v1 endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/cauldron/internal/backend"
)

// HTTP constants.
const (
	chatCompletionsPath = "/chat/completions"
	modelsPath          = "/models"
	contentTypeHeader   = "Content-Type"
	applicationJSON     = "application/json"

	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout bounds a single HTTP exchange.
	DefaultTimeout = 60 * time.Second

	// maxErrorBody caps how much of a failed response body ends up in an error.
	maxErrorBody = 4 << 10
)

// ErrNoChoices is returned when a completion response carries no choices.
var ErrNoChoices = errors.New("no choices in response")

// Config configures a Backend.
type Config struct {
	BaseURL string
	APIKey  string

	// Models pins the model list reported by ListModels. When empty the list
	// is fetched from the service.
	Models []string

	Timeout time.Duration

	// RequestsPerSecond enables a client-side rate limit when positive.
	RequestsPerSecond float64

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Backend talks to an OpenAI-compatible HTTP API.
type Backend struct {
	baseURL string
	apiKey  string
	models  []string
	client  *http.Client
	limiter *rate.Limiter
}

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// New creates a Backend from cfg.
func New(cfg Config) *Backend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	b := &Backend{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		models:  cfg.Models,
		client:  client,
	}
	if cfg.RequestsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return b
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Complete sends a chat completion request with an optional system message
// followed by the prompt as a single user message.
func (b *Backend) Complete(ctx context.Context, req backend.CompletionRequest) (backend.CompletionResponse, error) {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return backend.CompletionResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	respBody, err := b.do(ctx, http.MethodPost, chatCompletionsPath, body)
	if err != nil {
		return backend.CompletionResponse{}, err
	}
	latency := time.Since(start)

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return backend.CompletionResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if chat.Error != nil {
		return backend.CompletionResponse{}, fmt.Errorf("api error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return backend.CompletionResponse{}, ErrNoChoices
	}

	choice := chat.Choices[0]
	served := chat.Model
	if served == "" {
		served = req.Model
	}

	return backend.CompletionResponse{
		Text:  choice.Message.Content,
		Model: served,
		Usage: map[string]any{
			"prompt_tokens":     chat.Usage.PromptTokens,
			"completion_tokens": chat.Usage.CompletionTokens,
			"total_tokens":      chat.Usage.TotalTokens,
		},
		Metadata: map[string]any{
			"response_id":   chat.ID,
			"finish_reason": choice.FinishReason,
			"model":         served,
			"latency_ms":    latency.Milliseconds(),
		},
	}, nil
}

// ListModels returns the pinned model list or fetches it from the service.
func (b *Backend) ListModels(ctx context.Context) ([]string, error) {
	if len(b.models) > 0 {
		return append([]string(nil), b.models...), nil
	}
	return b.fetchModels(ctx)
}

// HealthCheck queries the models endpoint; pinned models are not consulted so
// the check always reaches the service.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.fetchModels(ctx); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// Close releases idle HTTP connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) fetchModels(ctx context.Context) ([]string, error) {
	respBody, err := b.do(ctx, http.MethodGet, modelsPath, nil)
	if err != nil {
		return nil, err
	}

	var models modelsResponse
	if err := json.Unmarshal(respBody, &models); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}

	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// do performs one HTTP exchange and returns the body of a 2xx response.
func (b *Backend) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	url := b.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set(contentTypeHeader, applicationJSON)
	}
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, fmt.Errorf("request to %s failed with status %d: %s", url, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
