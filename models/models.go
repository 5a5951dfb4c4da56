package models

import (
	"fmt"
	"strings"
	"time"
)

// PositionSide side of the position that a closing order closed
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionSideFromClosingSide derives the closed position from the closing order side.
// A closing sell closes a LONG, a closing buy closes a SHORT.
func PositionSideFromClosingSide(orderSide string) PositionSide {
	if strings.EqualFold(strings.TrimSpace(orderSide), "sell") {
		return PositionLong
	}
	return PositionShort
}

// EntrySide returns the order side that opened a position of this side
func (s PositionSide) EntrySide() string {
	if s == PositionLong {
		return "buy"
	}
	return "sell"
}

// ParsePositionSide parses a journal value, ok is false for unknown text
func ParsePositionSide(v string) (PositionSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case string(PositionLong):
		return PositionLong, true
	case string(PositionShort):
		return PositionShort, true
	}
	return "", false
}

// Result trade outcome
type Result string

const (
	ResultWin  Result = "WIN"
	ResultLose Result = "LOSE"
)

// ResultFromPnL break-even counts as LOSE
func ResultFromPnL(pnl float64) Result {
	if pnl > 0 {
		return ResultWin
	}
	return ResultLose
}

// EntrySource tells where the entry price of a record came from
type EntrySource string

const (
	EntryFromFill     EntrySource = "fill"     // explicit opening fill
	EntryDerived      EntrySource = "derived"  // exit price adjusted by pnl/qty
	EntryExitFallback EntrySource = "fallback" // no fill, no quantity: entry = exit
)

// Critique sentinels
const (
	CritiqueUnavailable = "AI critique unavailable (OPENAI_API_KEY not set)"
	CritiqueSkipped     = "AI critique skipped (no chart)"
	critiqueFailedFmt   = "AI critique failed: %v"
)

// CritiqueFailed formats a critique failure as journal text
func CritiqueFailed(err error) string {
	return fmt.Sprintf(critiqueFailedFmt, err)
}

// TradeRecord one reconciled closed order, the unit of journal persistence
type TradeRecord struct {
	Time        time.Time    `json:"time"`     // Reconciliation time
	OrderID     string       `json:"order_id"` // Dedup key
	Symbol      string       `json:"symbol"`
	Side        PositionSide `json:"side"`
	Leverage    float64      `json:"leverage"`
	Quantity    float64      `json:"quantity"`
	EntryPrice  float64      `json:"entry_price"`
	ExitPrice   float64      `json:"exit_price"`
	PnL         float64      `json:"pnl"`
	ROI         float64      `json:"roi"` // Percent of margin, signed
	Result      Result       `json:"result"`
	Critique    string       `json:"ai_analysis"`
	ChartFile   string       `json:"chart,omitempty"`
	EntryTime   time.Time    `json:"entry_time,omitempty"` // Zero when no opening fill was found
	ExitTime    time.Time    `json:"exit_time,omitempty"`
	EntrySource EntrySource  `json:"entry_source,omitempty"`
}

// Summary one-line human readable status
func (r TradeRecord) Summary() string {
	return fmt.Sprintf("saved: %s %s PnL %g", r.Symbol, r.Result, r.PnL)
}

// MaskKey hides an API key for display
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}
