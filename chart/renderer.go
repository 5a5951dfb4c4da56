package chart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"go.uber.org/zap"

	"tradejournal/exchange"
	"tradejournal/models"
)

const (
	defaultTimeframe  = "15m"
	defaultCandles    = 200
	leadCandles       = 10   // candles shown before the entry
	futureSlots       = 15   // empty slots padded after the last candle
	markerOffsetRatio = 0.008
	defaultWidth      = 1500
	defaultHeight     = 900
)

// ErrNoCandles the exchange returned nothing to draw
var ErrNoCandles = errors.New("no candles returned")

// CandleSource market data provider
type CandleSource interface {
	Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]exchange.Kline, error)
}

// Request what to draw for one trade
type Request struct {
	Symbol    string
	OrderID   string
	Side      models.PositionSide
	EntryTime time.Time // Zero ⇒ exit marker only
	ExitTime  time.Time
}

// Config renderer configuration
type Config struct {
	Dir       string
	Timeframe string
	Candles   int
	Width     int
	Height    int
}

// Renderer draws annotated candlestick charts with gg
type Renderer struct {
	cfg    Config
	logger *zap.Logger
}

// NewRenderer creates the chart directory
func NewRenderer(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.Dir == "" {
		cfg.Dir = "charts"
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = defaultTimeframe
	}
	if _, err := ParseTimeframe(cfg.Timeframe); err != nil {
		return nil, err
	}
	if cfg.Candles <= 0 {
		cfg.Candles = defaultCandles
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chart directory: %w", err)
	}
	return &Renderer{cfg: cfg, logger: logger}, nil
}

// Dir directory holding chart artifacts
func (r *Renderer) Dir() string { return r.cfg.Dir }

// FileName deterministic artifact name for a symbol and order
func FileName(symbol, orderID string) string {
	return fmt.Sprintf("Trade_%s_%s.png", safeSlug(symbol), safeSlug(orderID))
}

func safeSlug(s string) string {
	return strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(s)
}

// ParseTimeframe converts exchange intervals such as 15m, 4h, 1d, 1w
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe: %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe: %q", tf)
	}
	unit := map[byte]time.Duration{
		'm': time.Minute,
		'h': time.Hour,
		'd': 24 * time.Hour,
		'w': 7 * 24 * time.Hour,
	}[tf[len(tf)-1]]
	if unit == 0 {
		return 0, fmt.Errorf("invalid timeframe: %q", tf)
	}
	return time.Duration(n) * unit, nil
}

// Render fetches candles around the trade from source and writes the PNG,
// returning its file name. An existing chart for the same order is overwritten.
func (r *Renderer) Render(ctx context.Context, source CandleSource, req Request) (string, error) {
	if source == nil {
		return "", errors.New("candle source is required")
	}
	step, _ := ParseTimeframe(r.cfg.Timeframe)

	var start time.Time
	if !req.EntryTime.IsZero() {
		start = req.EntryTime.Add(-leadCandles * step)
	}
	candles, err := source.Klines(ctx, req.Symbol, r.cfg.Timeframe, start, r.cfg.Candles)
	if err != nil {
		return "", fmt.Errorf("failed to fetch candles: %w", err)
	}
	if len(candles) == 0 {
		return "", ErrNoCandles
	}

	name := FileName(req.Symbol, req.OrderID)
	path := filepath.Join(r.cfg.Dir, name)

	dc := r.draw(req.Symbol, candles, Markers(candles, req.Side, req.EntryTime, req.ExitTime))
	if err := dc.SavePNG(path); err != nil {
		return "", fmt.Errorf("failed to save chart: %w", err)
	}
	r.logger.Info("chart rendered", zap.String("file", name), zap.Int("candles", len(candles)))
	return name, nil
}

// Marker trade arrow anchored to a candle
type Marker struct {
	Index int
	Price float64
	Up    bool // ▲ buy (green, under the low), otherwise ▼ sell (red, over the high)
}

// Markers places the entry and exit arrows on the nearest candles. A LONG
// enters with a buy and exits with a sell, a SHORT the other way round.
func Markers(candles []exchange.Kline, side models.PositionSide, entryTime, exitTime time.Time) []Marker {
	if len(candles) == 0 {
		return nil
	}
	var markers []Marker
	place := func(t time.Time, buy bool) {
		i := nearestCandle(candles, t)
		if buy {
			markers = append(markers, Marker{Index: i, Price: candles[i].Low * (1 - markerOffsetRatio), Up: true})
		} else {
			markers = append(markers, Marker{Index: i, Price: candles[i].High * (1 + markerOffsetRatio)})
		}
	}
	long := side == models.PositionLong
	if !entryTime.IsZero() {
		place(entryTime, long)
	}
	if !exitTime.IsZero() {
		place(exitTime, !long)
	}
	return markers
}

func nearestCandle(candles []exchange.Kline, t time.Time) int {
	best := 0
	bestDiff := time.Duration(math.MaxInt64)
	for i, c := range candles {
		d := c.OpenTime.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}

func (r *Renderer) draw(title string, candles []exchange.Kline, markers []Marker) *gg.Context {
	w, h := float64(r.cfg.Width), float64(r.cfg.Height)
	const (
		left, right = 60.0, 90.0
		top, bottom = 50.0, 40.0
		gap         = 20.0
	)
	plotW := w - left - right
	priceH := (h - top - bottom - gap) * 0.78
	volTop := top + priceH + gap
	volH := h - volTop - bottom

	slots := len(candles) + futureSlots
	slotW := plotW / float64(slots)
	bodyW := math.Max(slotW*0.7, 1)

	lo, hi := math.Inf(1), math.Inf(-1)
	maxVol := 0.0
	for _, c := range candles {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
		maxVol = math.Max(maxVol, c.Volume)
	}
	for _, m := range markers {
		lo = math.Min(lo, m.Price)
		hi = math.Max(hi, m.Price)
	}
	if hi <= lo {
		hi, lo = hi+1, lo-1
	}
	pad := (hi - lo) * 0.03
	lo, hi = lo-pad, hi+pad

	x := func(i int) float64 { return left + (float64(i)+0.5)*slotW }
	y := func(p float64) float64 { return top + (hi-p)/(hi-lo)*priceH }

	dc := gg.NewContext(r.cfg.Width, r.cfg.Height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	// frame and price scale
	dc.SetRGB(0.8, 0.8, 0.8)
	dc.SetLineWidth(1)
	dc.DrawRectangle(left, top, plotW, priceH)
	dc.DrawRectangle(left, volTop, plotW, volH)
	dc.Stroke()
	dc.SetRGB(0.3, 0.3, 0.3)
	for i := 0; i <= 4; i++ {
		p := lo + (hi-lo)*float64(i)/4
		dc.DrawStringAnchored(strconv.FormatFloat(p, 'f', pricePrecision(hi-lo), 64), left+plotW+6, y(p), 0, 0.5)
	}
	dc.DrawStringAnchored(title, w/2, top/2, 0.5, 0.5)
	dc.DrawStringAnchored(candles[0].OpenTime.UTC().Format("2006-01-02 15:04"), left, h-bottom/2, 0, 0.5)
	dc.DrawStringAnchored(candles[len(candles)-1].OpenTime.UTC().Format("2006-01-02 15:04"), x(len(candles)-1), h-bottom/2, 0.5, 0.5)

	for i, c := range candles {
		if c.Close >= c.Open {
			dc.SetRGB(0.85, 0.1, 0.1)
		} else {
			dc.SetRGB(0.1, 0.2, 0.85)
		}
		cx := x(i)
		dc.DrawLine(cx, y(c.High), cx, y(c.Low))
		dc.Stroke()
		bodyTop, bodyBot := y(math.Max(c.Open, c.Close)), y(math.Min(c.Open, c.Close))
		dc.DrawRectangle(cx-bodyW/2, bodyTop, bodyW, math.Max(bodyBot-bodyTop, 1))
		dc.Fill()

		if maxVol > 0 {
			vh := c.Volume / maxVol * volH
			dc.DrawRectangle(cx-bodyW/2, volTop+volH-vh, bodyW, vh)
			dc.Fill()
		}
	}

	size := math.Max(slotW*1.2, 8)
	for _, m := range markers {
		cx, cy := x(m.Index), y(m.Price)
		if m.Up {
			dc.SetRGB(0, 0.65, 0)
			dc.MoveTo(cx, cy-size)
			dc.LineTo(cx-size*0.6, cy+size*0.4)
			dc.LineTo(cx+size*0.6, cy+size*0.4)
		} else {
			dc.SetRGB(0.85, 0, 0)
			dc.MoveTo(cx, cy+size)
			dc.LineTo(cx-size*0.6, cy-size*0.4)
			dc.LineTo(cx+size*0.6, cy-size*0.4)
		}
		dc.ClosePath()
		dc.Fill()
	}
	return dc
}

func pricePrecision(span float64) int {
	switch {
	case span >= 100:
		return 0
	case span >= 1:
		return 2
	default:
		return 6
	}
}
