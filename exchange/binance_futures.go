package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRecentFillLimit   = 100
	defaultOrderLookback     = 10
	defaultRequestsPerSecond = 8.0
	resyncCooldown           = time.Minute
)

// BinanceConfig Binance USDⓈ-M futures gateway configuration
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string // Optional override, e.g. testnet

	// Binance order history is per symbol, so the watched symbols are explicit
	Symbols []string

	RecentFillLimit   int     // Fill window size per symbol
	OrderLookback     int     // Orders fetched per symbol when looking for the latest close
	RequestsPerSecond float64 // Client-side throttle
}

// BinanceGateway read-only Binance futures facade
type BinanceGateway struct {
	client     *futures.Client
	symbols    []string
	fillLimit  int
	orderLimit int
	limiter    *rate.Limiter
	logger     *zap.Logger

	lastTimeSync  time.Time
	timeSyncMutex sync.Mutex
}

var _ Gateway = (*BinanceGateway)(nil)

// NewBinanceGateway creates the gateway and syncs with server time
func NewBinanceGateway(ctx context.Context, cfg BinanceConfig, logger *zap.Logger) (*BinanceGateway, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("binance api key and secret are required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("at least one symbol must be watched")
	}
	if cfg.RecentFillLimit <= 0 {
		cfg.RecentFillLimit = defaultRecentFillLimit
	}
	if cfg.OrderLookback <= 0 {
		cfg.OrderLookback = defaultOrderLookback
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			symbols = append(symbols, s)
		}
	}

	g := &BinanceGateway{
		client:     client,
		symbols:    symbols,
		fillLimit:  cfg.RecentFillLimit,
		orderLimit: cfg.OrderLookback,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:     logger.With(zap.String("exchange", "binance_futures")),
	}
	g.syncServerTime(ctx)
	return g, nil
}

// syncServerTime aligns request timestamps with Binance server time
func (g *BinanceGateway) syncServerTime(ctx context.Context) {
	offset, err := g.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		g.logger.Warn("failed to get binance server time, continuing without sync", zap.Error(err))
		return
	}
	if offset > 1000 || offset < -1000 {
		g.logger.Warn("local clock differs from binance server time", zap.Int64("offset_ms", offset))
	} else {
		g.logger.Info("time synchronized with binance server", zap.Int64("offset_ms", offset))
	}
	g.timeSyncMutex.Lock()
	g.lastTimeSync = time.Now()
	g.timeSyncMutex.Unlock()
}

// reSyncServerTime re-syncs on timestamp errors, at most once per cooldown
func (g *BinanceGateway) reSyncServerTime(ctx context.Context) {
	g.timeSyncMutex.Lock()
	recent := time.Since(g.lastTimeSync) < resyncCooldown
	g.timeSyncMutex.Unlock()
	if recent {
		return
	}
	g.logger.Info("re-syncing binance server time after timestamp error")
	g.syncServerTime(ctx)
}

// call throttles op and retries it once after a time re-sync on timestamp errors
func (g *BinanceGateway) call(ctx context.Context, op func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	err := op()
	if err == nil || !isTimestampError(err) {
		return err
	}
	g.reSyncServerTime(ctx)
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := op(); err != nil {
		return fmt.Errorf("timestamp error persists after re-sync: %w", err)
	}
	return nil
}

func isTimestampError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "-1021") || strings.Contains(msg, "recvWindow") || strings.Contains(msg, "timestamp")
}

// LatestClosedOrder scans the watched symbols and returns the most recently filled order
func (g *BinanceGateway) LatestClosedOrder(ctx context.Context) (*ClosedOrder, error) {
	var latest *futures.Order
	for _, symbol := range g.symbols {
		var orders []*futures.Order
		err := g.call(ctx, func() error {
			var err error
			orders, err = g.client.NewListOrdersService().Symbol(symbol).Limit(g.orderLimit).Do(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list orders for %s: %w", symbol, err)
		}
		for _, o := range orders {
			if o == nil || o.Status != futures.OrderStatusTypeFilled {
				continue
			}
			if latest == nil || orderCloseTime(o) > orderCloseTime(latest) ||
				(orderCloseTime(o) == orderCloseTime(latest) && o.OrderID > latest.OrderID) {
				latest = o
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	return toClosedOrder(latest), nil
}

func orderCloseTime(o *futures.Order) int64 {
	if o.UpdateTime > 0 {
		return o.UpdateTime
	}
	return o.Time
}

func toClosedOrder(o *futures.Order) *ClosedOrder {
	qty := toFloat(o.ExecutedQuantity)
	if qty == 0 {
		qty = toFloat(o.OrigQuantity)
	}
	price := toFloat(o.AvgPrice)
	if price == 0 {
		price = toFloat(o.Price)
	}
	return &ClosedOrder{
		ID:        strconv.FormatInt(o.OrderID, 10),
		Symbol:    o.Symbol,
		Side:      strings.ToLower(string(o.Side)),
		Quantity:  qty,
		Price:     price,
		Timestamp: time.UnixMilli(orderCloseTime(o)),
	}
}

// RecentFills returns the last fills of symbol, oldest first
func (g *BinanceGateway) RecentFills(ctx context.Context, symbol string) ([]Fill, error) {
	var trades []*futures.AccountTrade
	err := g.call(ctx, func() error {
		var err error
		trades, err = g.client.NewListAccountTradeService().Symbol(symbol).Limit(g.fillLimit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list trades for %s: %w", symbol, err)
	}

	fills := make([]Fill, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		orderID := ""
		if t.OrderID != 0 {
			orderID = strconv.FormatInt(t.OrderID, 10)
		}
		fills = append(fills, Fill{
			OrderID:   orderID,
			Side:      strings.ToLower(string(t.Side)),
			Price:     toFloat(t.Price),
			Quantity:  toFloat(t.Quantity),
			Timestamp: time.UnixMilli(t.Time),
			Info:      PayloadFrom(t),
		})
	}
	return fills, nil
}

// Leverage returns the configured leverage of symbol
func (g *BinanceGateway) Leverage(ctx context.Context, symbol string) (float64, error) {
	var positions []*futures.PositionRisk
	err := g.call(ctx, func() error {
		var err error
		positions, err = g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get position risk for %s: %w", symbol, err)
	}
	for _, pos := range positions {
		if pos == nil || pos.Symbol != symbol {
			continue
		}
		if lev := toFloat(pos.Leverage); lev > 0 {
			return lev, nil
		}
	}
	return 0, fmt.Errorf("no position found for %s", symbol)
}

// Klines returns candles of symbol starting at start (latest candles when start is zero)
func (g *BinanceGateway) Klines(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]Kline, error) {
	var raw []*futures.Kline
	err := g.call(ctx, func() error {
		svc := g.client.NewKlinesService().Symbol(symbol).Interval(interval)
		if limit > 0 {
			svc = svc.Limit(limit)
		}
		if !start.IsZero() {
			svc = svc.StartTime(start.UnixMilli())
		}
		var err error
		raw, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		if k == nil {
			continue
		}
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     toFloat(k.Open),
			High:     toFloat(k.High),
			Low:      toFloat(k.Low),
			Close:    toFloat(k.Close),
			Volume:   toFloat(k.Volume),
		})
	}
	return klines, nil
}
