package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"tradejournal/models"
)

const (
	defaultModel      = "gpt-4o"
	defaultMaxTokens  = 500
	defaultTimeout    = 120 * time.Second
	defaultRetryDelay = 2 * time.Second
	defaultTimeframe  = "15-minute"

	systemPrompt = "You are a professional Technical Analyst. Focus only on chart analysis."
	emptyResult  = "AI critique returned no content"
)

// Critic reviews a rendered trade chart
type Critic interface {
	// Critique never fails: problems are reported as journal text
	Critique(ctx context.Context, chartPath, symbol string, side models.PositionSide) string
}

// Config vision model configuration. Any OpenAI compatible endpoint works.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string // Empty uses api.openai.com
	Timeframe  string // Chart timeframe as worded in the prompt
	Timeout    time.Duration
	MaxRetries int // Extra attempts on transient failures
	RetryDelay time.Duration
}

// Client vision chat completion critic
type Client struct {
	cfg    Config
	api    *openai.Client
	logger *zap.Logger
}

var _ Critic = (*Client)(nil)

// New creates the critic. A missing key is not an error: every critique then
// reports the unavailable sentinel.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = defaultTimeframe
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{cfg: cfg, logger: logger}
	if cfg.APIKey != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
		c.api = openai.NewClientWithConfig(oc)
	} else {
		logger.Warn("OPENAI_API_KEY not set, trade critiques disabled")
	}
	return c
}

// Enabled reports whether an API key was configured
func (c *Client) Enabled() bool { return c.api != nil }

// Critique sends the chart with trade context and returns the model's summary
func (c *Client) Critique(ctx context.Context, chartPath, symbol string, side models.PositionSide) string {
	if c.api == nil {
		return models.CritiqueUnavailable
	}

	image, err := os.ReadFile(chartPath)
	if err != nil {
		return models.CritiqueFailed(fmt.Errorf("read chart: %w", err))
	}

	req := openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		MaxTokens: defaultMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: BuildPrompt(c.cfg.Timeframe, symbol, side)},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
						},
					},
				},
			},
		},
	}

	text, err := c.complete(ctx, req)
	if err != nil {
		c.logger.Warn("trade critique failed", zap.String("symbol", symbol), zap.Error(err))
		return models.CritiqueFailed(err)
	}
	return text
}

// BuildPrompt user instruction for one trade chart
func BuildPrompt(timeframe, symbol string, side models.PositionSide) string {
	return fmt.Sprintf(
		"This is a %s candlestick chart of %s. "+
			"The green arrow (▲) marks a Buy and the red arrow (▼) marks a Sell. "+
			"My position was %s. "+
			"Judge purely from technical analysis (candle patterns, support/resistance, trend lines) "+
			"whether the entry and exit were well placed. Summarize the key points in 3 lines.",
		timeframe, symbol, side)
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying trade critique", zap.Int("attempt", attempt+1), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
				return emptyResult, nil
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
	}
	return "", lastErr
}

// isRetryableError transport hiccups, rate limits and server errors
func isRetryableError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	errStr := err.Error()
	retryableErrors := []string{
		"EOF",
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"no such host",
		"broken pipe",
		"network is unreachable",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
