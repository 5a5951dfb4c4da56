package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradejournal/models"
)

const okCompletion = `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o",
"choices":[{"index":0,"message":{"role":"assistant","content":"Entry near support.\nExit early.\nTrend intact."},"finish_reason":"stop"}]}`

func writeChart(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Trade_BTCUSDT_1.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake"), 0644))
	return path
}

func TestCritiqueWithoutKeyIsUnavailable(t *testing.T) {
	c := New(Config{}, nil)
	assert.False(t, c.Enabled())
	assert.Equal(t, models.CritiqueUnavailable, c.Critique(context.Background(), "missing.png", "BTCUSDT", models.PositionLong))
}

func TestCritiqueSendsVisionRequest(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}, nil)
	got := c.Critique(context.Background(), writeChart(t), "BTCUSDT", models.PositionLong)
	assert.Equal(t, "Entry near support.\nExit early.\nTrend intact.", got)

	assert.Equal(t, "gpt-4o", body["model"])
	assert.EqualValues(t, 500, body["max_tokens"])

	raw, err := json.Marshal(body["messages"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "data:image/png;base64,")
	assert.Contains(t, string(raw), "My position was LONG")
	assert.Contains(t, string(raw), "Technical Analyst")
}

func TestCritiqueRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(okCompletion))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", MaxRetries: 1, RetryDelay: time.Millisecond}, nil)
	got := c.Critique(context.Background(), writeChart(t), "ETHUSDT", models.PositionShort)
	assert.True(t, strings.HasPrefix(got, "Entry near support."))
	assert.Equal(t, int32(2), calls.Load())
}

func TestCritiqueClientErrorIsReportedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"image too large","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", MaxRetries: 3, RetryDelay: time.Millisecond}, nil)
	got := c.Critique(context.Background(), writeChart(t), "ETHUSDT", models.PositionShort)
	assert.True(t, strings.HasPrefix(got, "AI critique failed: "), got)
	assert.Contains(t, got, "image too large")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCritiqueMissingChart(t *testing.T) {
	c := New(Config{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"}, nil)
	got := c.Critique(context.Background(), filepath.Join(t.TempDir(), "nope.png"), "BTCUSDT", models.PositionLong)
	assert.True(t, strings.HasPrefix(got, "AI critique failed: "))
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("15-minute", "BTC/USDT", models.PositionShort)
	assert.Contains(t, p, "15-minute candlestick chart of BTC/USDT")
	assert.Contains(t, p, "▲")
	assert.Contains(t, p, "▼")
	assert.Contains(t, p, "SHORT")
	assert.Contains(t, p, "3 lines")
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(errors.New("read tcp: connection reset by peer")))
	assert.True(t, isRetryableError(errors.New("unexpected EOF")))
	assert.False(t, isRetryableError(errors.New("invalid model")))
}
