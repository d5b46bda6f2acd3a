package aiservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

// backendClient talks to the generative-text backend over HTTPS. All calls
// go through a circuit breaker so a flapping backend trips fast instead of
// piling up 120s timeouts.
type backendClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newBackendClient(baseURL string, timeout time.Duration) *backendClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &backendClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ai-backend",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A caller abandoning its own request says nothing about
			// backend health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

// ── Wire types (OpenAI-compatible chat completion) ──────────

type chatRequest struct {
	Model         string               `json:"model"`
	Messages      []models.ChatMessage `json:"messages"`
	Temperature   float64              `json:"temperature,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type chatStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// statusError carries the backend HTTP status for error classification.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.status, e.body)
}

// ── Calls ───────────────────────────────────────────────────

// complete performs one unary chat completion.
func (c *backendClient) complete(ctx context.Context, apiKey string, req chatRequest) (*chatResponse, error) {
	req.Stream = false
	req.StreamOptions = nil

	httpResp, err := c.send(ctx, apiKey, "/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &statusError{status: httpResp.StatusCode, body: string(body)}
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// openStream starts a streaming chat completion and returns the response
// body for incremental consumption. The caller owns closing it.
func (c *backendClient) openStream(ctx context.Context, apiKey string, req chatRequest) (io.ReadCloser, error) {
	req.Stream = true
	req.StreamOptions = &streamOptions{IncludeUsage: true}

	httpResp, err := c.send(ctx, apiKey, "/chat/completions", req)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		httpResp.Body.Close()
		return nil, &statusError{status: httpResp.StatusCode, body: string(body)}
	}
	return httpResp.Body, nil
}

// healthCheck verifies the credential against the backend's model listing
// endpoint.
func (c *backendClient) healthCheck(ctx context.Context, apiKey string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := c.do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return &statusError{status: httpResp.StatusCode, body: string(body)}
	}
	return nil
}

func (c *backendClient) send(ctx context.Context, apiKey, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	return c.do(httpReq)
}

// do dispatches through the circuit breaker. Only transport failures count
// against the breaker; HTTP error statuses and caller-initiated
// cancellations do not.
func (c *backendClient) do(req *http.Request) (*http.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	return result.(*http.Response), nil
}

// ── Error classification ────────────────────────────────────

// classify maps a failure into the closed AIError taxonomy. The original
// diagnostic message is always retained.
func classify(err error) *models.AIError {
	var aiErr *models.AIError
	if errors.As(err, &aiErr) {
		return aiErr
	}

	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.status == http.StatusTooManyRequests:
			return models.NewAIError(models.ErrCodeRateLimited, se.Error())
		case se.status == http.StatusUnauthorized || se.status == http.StatusForbidden:
			return models.NewAIError(models.ErrCodeInvalidAPIKey, se.Error())
		default:
			return models.NewAIError(models.ErrCodeUnknown, se.Error())
		}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.NewAIError(models.ErrCodeNetwork, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewAIError(models.ErrCodeNetwork, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return models.NewAIError(models.ErrCodeUnknown, "request cancelled")
	}

	// Transport failures surface as *url.Error with no response attached.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return models.NewAIError(models.ErrCodeNetwork, err.Error())
	}

	return models.NewAIError(models.ErrCodeUnknown, err.Error())
}
