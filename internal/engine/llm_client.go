package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"char-chat/server/internal/config"
	"char-chat/server/internal/interfaces"
	"char-chat/server/internal/logger"
	"char-chat/server/internal/metrics"
	"char-chat/server/internal/models"
)

const retryDelay = 1 * time.Second

// LLMClient talks to an OpenAI-compatible chat completions endpoint.
type LLMClient struct {
	client  *openai.Client
	cfg     config.LLMConfig
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewLLMClient(cfg config.LLMConfig, m *metrics.Metrics) *LLMClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &LLMClient{
		client:  openai.NewClientWithConfig(oc),
		cfg:     cfg,
		metrics: m,
		log:     logger.Named("llm"),
	}
}

// Generate runs one chat completion with retries. Every failure is reported
// as models.ErrModelUnavailable.
func (c *LLMClient) Generate(ctx context.Context, req interfaces.GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	temperature := c.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(temperature),
		MaxTokens:   c.maxTokens(req.Length),
	}

	start := time.Now()
	var content string
	attempt := 0
	op := func() error {
		attempt++
		resp, err := c.client.CreateChatCompletion(ctx, creq)
		if err != nil {
			if !isRetryableError(err) {
				return backoff.Permanent(err)
			}
			c.log.Warn("model call failed, retrying",
				zap.String("purpose", req.Purpose),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return errors.New("empty completion")
		}
		content = resp.Choices[0].Message.Content
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryDelay
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx))
	if c.metrics != nil {
		c.metrics.ModelLatency.WithLabelValues(req.Purpose).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s after %d attempts: %v", models.ErrModelUnavailable, req.Purpose, attempt, err)
	}
	return content, nil
}

func (c *LLMClient) maxTokens(length string) int {
	if length == "" {
		length = "medium"
	}
	return c.cfg.MaxTokens[length]
}

// isRetryableError reports whether a failed call may succeed when repeated:
// rate limits, server errors and transport failures.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "rate limit")
}
