// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Configuration constants for OpenRouter API.
const (
	// DefaultOpenRouterURL is the base URL for OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout is the hard deadline for a single upstream call.
	DefaultTimeout = 30 * time.Second

	// DefaultTemperature and DefaultMaxTokens shape every completion request.
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit

	// maxErrorBodyLog bounds how much of an error body is logged.
	maxErrorBodyLog = 512

	userAgent = "kot-relay/1.0"
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
// Deadlines come from the request context, so the client has no Timeout.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// Error variables for common OpenRouter errors.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("OpenRouter API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrTimeout indicates the request hit the hard deadline and was aborted.
	ErrTimeout = errors.New("upstream request timed out")

	// ErrEmptyResponse indicates a 2xx response without any choice.
	ErrEmptyResponse = errors.New("upstream returned no choices")

	errNoModels = errors.New("empty model list")
)

// OpenRouterError represents a non-success response from the OpenRouter API.
type OpenRouterError struct {
	Code    string
	Message string
	Status  int
	Body    string
}

// Error implements the error interface.
func (e *OpenRouterError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("OpenRouter error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("OpenRouter error (HTTP %d): %s", e.Status, e.Message)
}

// Is maps well-known status codes to the package sentinels.
func (e *OpenRouterError) Is(target error) bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return target == ErrAuthFailed
	case http.StatusPaymentRequired:
		return target == ErrInsufficientCredits
	case http.StatusNotFound:
		return target == ErrModelNotFound
	case http.StatusTooManyRequests:
		return target == ErrRateLimited
	}
	return false
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds a data: URL or an absolute http(s) URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart creates a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart creates an image_url content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// ChatMessage represents a single message in a chat completion request.
// When Parts is non-nil the message is sent as multimodal content.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []ContentPart
}

// MarshalJSON renders content as a string or as a part array.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if m.Parts != nil {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

// IsMultimodal reports whether the message carries content parts.
func (m ChatMessage) IsMultimodal() bool {
	return m.Parts != nil
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// NewMultimodalMessage creates a message with content parts.
func NewMultimodalMessage(role string, parts ...ContentPart) ChatMessage {
	if parts == nil {
		parts = []ContentPart{}
	}
	return ChatMessage{Role: role, Parts: parts}
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Pricing represents the pricing information for a model.
type Pricing struct {
	Prompt     string `json:"prompt"`     // Cost per token for prompts
	Completion string `json:"completion"` // Cost per token for completions
}

// ModelInfo represents information about an available model.
type ModelInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ContextSize int      `json:"context_length,omitempty"`
	Pricing     *Pricing `json:"pricing,omitempty"`
}

// modelsResponse is the internal response structure for listing models.
type modelsResponse struct {
	Data []ModelInfo `json:"data"`
}

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a client for the OpenRouter API. It holds configuration only and
// is safe for concurrent use.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	defaultModel string
	timeout      time.Duration
	temperature  float64
	maxTokens    int
	siteURL      string
	siteName     string
}

// NewClient creates a new OpenRouter client with the given API key.
//
// If the API key is empty the client is still usable: Complete fails with
// ErrNotConfigured and ListModels returns the fallback list.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      DefaultOpenRouterURL,
		httpClient:   sharedHTTPClient,
		defaultModel: "openrouter/auto",
		timeout:      DefaultTimeout,
		temperature:  DefaultTemperature,
		maxTokens:    DefaultMaxTokens,
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithTimeout sets the per-request deadline.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

// WithDefaultModel sets the model used when a caller passes none, and the
// fallback entry of ListModels.
func (c *Client) WithDefaultModel(model string) *Client {
	if model != "" {
		c.defaultModel = model
	}
	return c
}

// WithSiteURL sets the HTTP-Referer header value.
func (c *Client) WithSiteURL(url string) *Client {
	c.siteURL = url
	return c
}

// WithSiteName sets the X-Title header value.
func (c *Client) WithSiteName(name string) *Client {
	c.siteName = name
	return c
}

// WithSampling sets temperature and max_tokens for completions.
func (c *Client) WithSampling(temperature float64, maxTokens int) *Client {
	c.temperature = temperature
	if maxTokens > 0 {
		c.maxTokens = maxTokens
	}
	return c
}

// Timeout returns the per-request deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// IsConfigured returns true if the client has an API key configured.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// APIKeyMasked returns a masked version of the API key for display.
// SECURITY: Never exposes API key fragments - use fingerprint instead.
func (c *Client) APIKeyMasked() string {
	if c.apiKey == "" {
		return "[not set]"
	}
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(c.apiKey), c.KeyFingerprint())
}

// KeyFingerprint returns the first 8 hex chars of the SHA-256 of the key.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// setHeaders sets the required headers for OpenRouter API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// =============================================================================
// COMPLETE
// =============================================================================

// Complete sends messages to the chat completions endpoint and returns the
// first choice's content verbatim.
//
// The call is aborted after the configured timeout and no retries are
// attempted. An empty model selects the default model.
func (c *Client) Complete(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	if model == "" {
		model = c.defaultModel
	}

	reqBody := ChatRequest{
		Model:       model,
		Messages:    messages,
		Stream:      false,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	log.Printf("UPSTREAM_REQUEST | model=%s messages=%d key=%s", model, len(messages), c.KeyFingerprint())

	resp, err := c.httpClient.Do(req)

	// SECURITY: Clear Authorization header immediately after request to prevent logging
	req.Header.Del("Authorization")

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %v", ErrTimeout, c.timeout)
		}
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %v", ErrTimeout, c.timeout)
		}
		return "", err
	}

	log.Printf("UPSTREAM_RESPONSE | model=%s status=%d duration=%v", model, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return chatResp.Choices[0].Message.Content, nil
}

// readResponse reads the response body with size limits to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	// Read one extra byte to detect truncation
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts a non-2xx response into an *OpenRouterError.
func handleErrorResponse(statusCode int, body []byte) error {
	orErr := &OpenRouterError{
		Status:  statusCode,
		Body:    string(body),
		Message: http.StatusText(statusCode),
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		orErr.Message = apiErr.Error.Message
		orErr.Code = strings.Trim(string(apiErr.Error.Code), `"`)
	} else if len(body) > 0 {
		orErr.Message = strings.TrimSpace(string(body))
	}

	logBody := orErr.Body
	if len(logBody) > maxErrorBodyLog {
		logBody = logBody[:maxErrorBodyLog] + "..."
	}
	log.Printf("UPSTREAM_ERROR | status=%d body=%q", statusCode, logBody)

	return orErr
}

// =============================================================================
// LIST MODELS
// =============================================================================

// FetchModels retrieves the model listing and reports any failure.
func (c *Client) FetchModels(ctx context.Context) ([]ModelInfo, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	var modelsResp modelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	if len(modelsResp.Data) == 0 {
		return nil, errNoModels
	}
	return modelsResp.Data, nil
}

// ListModels returns the available models. On any failure it returns a
// one-element list holding the default model, so callers always get at
// least one usable entry.
func (c *Client) ListModels(ctx context.Context) []ModelInfo {
	models, err := c.FetchModels(ctx)
	if err != nil {
		log.Printf("MODELS_FALLBACK | model=%s error=%v", c.defaultModel, err)
		return []ModelInfo{c.fallbackModel(err)}
	}
	log.Printf("MODELS_LISTED | count=%d", len(models))
	return models
}

func (c *Client) fallbackModel(err error) ModelInfo {
	name := "Default model (API error)"
	switch {
	case errors.Is(err, ErrNotConfigured):
		name = "Default model (API key not set)"
	case errors.Is(err, errNoModels):
		name = "Default model"
	}
	return ModelInfo{ID: c.defaultModel, Name: name}
}
