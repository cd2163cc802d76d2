package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const defaultMaxInputSize = 256 * 1024

// HTTPProvider talks to an Ollama-compatible local inference server.
type HTTPProvider struct {
	baseURL      string
	model        string
	maxInputSize int
	httpClient   *http.Client
	attempts     uint
}

// NewHTTPProvider creates an HTTPProvider for the server at baseURL using
// the given model. maxInputSize <= 0 selects the default.
func NewHTTPProvider(baseURL, model string, maxInputSize int) *HTTPProvider {
	if maxInputSize <= 0 {
		maxInputSize = defaultMaxInputSize
	}
	return &HTTPProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		maxInputSize: maxInputSize,
		// Per-call deadlines come from the request context.
		httpClient: &http.Client{Timeout: 0},
		attempts:   3,
	}
}

func (p *HTTPProvider) Name() string      { return "http" }
func (p *HTTPProvider) MaxInputSize() int { return p.maxInputSize }

func (p *HTTPProvider) DefaultTimeout(inputLen int) time.Duration {
	return scaledTimeout(inputLen)
}

// IsAvailable reports whether the server answers GET /api/tags.
func (p *HTTPProvider) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// retryableStatus marks HTTP statuses worth another attempt.
type retryableStatus struct{ code int }

func (e *retryableStatus) Error() string {
	return fmt.Sprintf("chat: unexpected status %d", e.code)
}

// Invoke sends the prompt as a single user message and returns the
// assistant response. Transient transport failures and 5xx statuses are
// retried a few times with backoff; deadline expiry maps to ErrTimeout.
func (p *HTTPProvider) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:    p.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	var content string
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("creating chat request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := p.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("chat request: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				if resp.StatusCode >= 500 {
					return &retryableStatus{code: resp.StatusCode}
				}
				return retry.Unrecoverable(fmt.Errorf("chat: unexpected status %d", resp.StatusCode))
			}

			var result chatResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decoding chat response: %w", err))
			}
			content = result.Message.Content
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return content, nil
}
