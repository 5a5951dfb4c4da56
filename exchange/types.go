package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ClosedOrder the most recent closed order on the account
type ClosedOrder struct {
	ID        string    // Unique per exchange, dedup key
	Symbol    string    // Exchange symbol, e.g. BTCUSDT
	Side      string    // buy or sell
	Quantity  float64   // Filled quantity
	Price     float64   // Average fill price
	Timestamp time.Time // Close time
}

// Fill a single trade execution
type Fill struct {
	OrderID   string // May be empty for some exchange responses
	Side      string // buy or sell
	Price     float64
	Quantity  float64
	Timestamp time.Time
	Info      Payload // Raw exchange payload
}

// Kline one OHLCV candle
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Gateway read-only facade over the exchange REST surface
type Gateway interface {
	// LatestClosedOrder returns nil, nil when the account has no closed order
	LatestClosedOrder(ctx context.Context) (*ClosedOrder, error)
	// RecentFills returns a bounded window of the most recent fills, oldest first
	RecentFills(ctx context.Context, symbol string) ([]Fill, error)
	Leverage(ctx context.Context, symbol string) (float64, error)
	Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]Kline, error)
}

// Payload loosely typed exchange payload. Accessors never fail: a missing or
// malformed field reads as absent.
type Payload map[string]any

// PayloadFrom decodes any JSON-serialisable exchange object into a Payload
func PayloadFrom(v any) Payload {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil || p == nil {
		return Payload{}
	}
	return p
}

// Has reports whether key is present with a non-nil value
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// String returns the field as text, or def
func (p Payload) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Float returns the field as a number, or def when absent or not numeric
func (p Payload) Float(key string, def float64) float64 {
	if f, ok := p.lookupFloat(key); ok {
		return f
	}
	return def
}

// FirstFloat returns the first of keys that holds a numeric value
func (p Payload) FirstFloat(keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := p.lookupFloat(k); ok {
			return f, true
		}
	}
	return 0, false
}

func (p Payload) lookupFloat(key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		return parseDecimal(t.String())
	case string:
		return parseDecimal(t)
	}
	return 0, false
}

func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// toFloat parses an exchange numeric string, zero on garbage
func toFloat(s string) float64 {
	f, _ := parseDecimal(s)
	return f
}
