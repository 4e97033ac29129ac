// Package providers defines the adapter interface and shared types used by
// all upstream LLM provider implementations (OpenAI-compatible, Anthropic,
// Bedrock, Vertex AI).
//
// Each adapter lives in its own sub-package. Adapters normalize requests and
// responses to the OpenAI chat completions shape; streaming responses are
// passed through as raw SSE bytes.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatRequest — normalized client request. Params carries the
	// caller-provided generation parameters (temperature, max_tokens, ...)
	// keyed by their OpenAI wire names; adapters merge them with model
	// registry defaults before dispatch.
	ChatRequest struct {
		Model     string
		Messages  []Message
		Stream    bool
		Params    map[string]any
		RequestID string
	}

	// ChatChoice — one completion choice in OpenAI shape.
	ChatChoice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	// ChatResponse — normalized non-streaming provider response.
	ChatResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []ChatChoice `json:"choices"`
		Usage   Usage        `json:"usage"`
	}
)

// Adapter is the interface every upstream provider implements. All
// operations honor ctx deadline and cancellation.
type Adapter interface {
	Name() string

	// ChatCompletion performs a non-streaming chat completion.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChatCompletion opens a streaming chat completion and returns the
	// upstream SSE byte stream. The caller owns the reader and must close it.
	StreamChatCompletion(ctx context.Context, req *ChatRequest) (io.ReadCloser, error)

	// HealthCheck probes the provider. It issues a GET /models listing by
	// default, or a 1-token chat call when health-check params are configured.
	HealthCheck(ctx context.Context) error
}

// ErrUnsupportedOperation is returned by adapters for operations their
// upstream API does not offer (e.g. legacy text completions on Anthropic).
var ErrUnsupportedOperation = errors.New("operation not supported by provider")

// RateLimits caps outbound traffic to one provider.
type RateLimits struct {
	RequestsPerMinute int `json:"requestsPerMinute" mapstructure:"requestsPerMinute"`
	TokensPerMinute   int `json:"tokensPerMinute" mapstructure:"tokensPerMinute"`
}

// Config describes one provider entry inside a pool.
type Config struct {
	Name string `json:"name" mapstructure:"name"`
	Kind string `json:"provider" mapstructure:"provider"`

	// Exactly one of CredentialsRef (a named store) and APIKey (a direct
	// inline key) must be set.
	CredentialsRef string `json:"credentialsRef" mapstructure:"credentialsRef"`
	APIKey         string `json:"apiKey" mapstructure:"apiKey"`

	APIBase   string `json:"apiBase" mapstructure:"apiBase"`
	ModelName string `json:"modelName" mapstructure:"modelName"`

	// Priority orders providers for failover, 1 is highest. Valid range
	// 1-10; unset defaults to 1.
	Priority int `json:"priority" mapstructure:"priority"`
	// Weight biases weighted selection. Minimum 1.
	Weight int `json:"weight" mapstructure:"weight"`

	TimeoutMs    int               `json:"timeout" mapstructure:"timeout"`
	MaxRetries   int               `json:"maxRetries" mapstructure:"maxRetries"`
	RetryDelayMs int               `json:"retryDelay" mapstructure:"retryDelay"`
	Headers      map[string]string `json:"headers" mapstructure:"headers"`
	RateLimits   *RateLimits       `json:"rateLimits" mapstructure:"rateLimits"`

	ProviderParams    map[string]any `json:"providerParams" mapstructure:"providerParams"`
	HealthCheckParams map[string]any `json:"healthCheckParams" mapstructure:"healthCheckParams"`
	StreamingParams   map[string]any `json:"streamingParams" mapstructure:"streamingParams"`

	// CostPerToken feeds cost_optimized selection. Unset compares as zero.
	CostPerToken float64 `json:"costPerToken" mapstructure:"costPerToken"`

	// UseModelDefaults applies model registry defaults before caller params.
	// Defaults to true; set false to send only what the caller provided.
	UseModelDefaults *bool `json:"useModelDefaults" mapstructure:"useModelDefaults"`
}

// ApplyModelDefaults reports whether registry defaults should be merged in.
func (c *Config) ApplyModelDefaults() bool {
	return c.UseModelDefaults == nil || *c.UseModelDefaults
}

// Timeout returns the per-attempt provider timeout.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Validate checks the invariants a pool entry must hold.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("provider name is required")
	}
	if c.Kind == "" {
		return fmt.Errorf("provider %s: kind is required", c.Name)
	}
	if c.ModelName == "" {
		return fmt.Errorf("provider %s: modelName is required", c.Name)
	}
	if c.CredentialsRef == "" && c.APIKey == "" {
		return fmt.Errorf("provider %s: one of credentialsRef or apiKey is required", c.Name)
	}
	if c.CredentialsRef != "" && c.APIKey != "" {
		return fmt.Errorf("provider %s: credentialsRef and apiKey are mutually exclusive", c.Name)
	}
	if c.Priority == 0 {
		c.Priority = 1 // unset means highest priority
	}
	if c.Priority < 1 || c.Priority > 10 {
		return fmt.Errorf("provider %s: priority %d outside 1-10", c.Name, c.Priority)
	}
	if c.Weight < 0 {
		return fmt.Errorf("provider %s: weight must be >= 1", c.Name)
	}
	return nil
}

// Default tuning constants.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is a structured error from an upstream provider API.
type Error struct {
	Provider    string
	Status      int
	Code        string
	Message     string
	Retryable   bool
	RateLimited bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, code=%s)", e.Provider, e.Message, e.Status, e.Code)
}

func (e *Error) HTTPStatus() int { return e.Status }

// NewError builds an Error from an upstream HTTP status, deriving the
// symbolic code and retryability from the status.
func NewError(provider string, status int, message string) *Error {
	return &Error{
		Provider:    provider,
		Status:      status,
		Code:        statusCode(status),
		Message:     message,
		Retryable:   retryableStatus[status],
		RateLimited: status == 429,
	}
}

// retryableStatus is the set of upstream statuses worth retrying.
var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

func statusCode(status int) string {
	switch status {
	case 400:
		return "bad_request"
	case 401:
		return "unauthorized"
	case 403:
		return "forbidden"
	case 404:
		return "not_found"
	case 408:
		return "request_timeout"
	case 429:
		return "rate_limit_exceeded"
	case 500:
		return "internal_error"
	case 502:
		return "bad_gateway"
	case 503:
		return "service_unavailable"
	case 504:
		return "gateway_timeout"
	default:
		if status >= 400 && status < 500 {
			return "client_error"
		}
		if status >= 500 {
			return "server_error"
		}
		return "unknown"
	}
}
