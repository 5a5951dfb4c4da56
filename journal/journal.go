package journal

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"tradejournal/models"
)

// Store durable trade journal
type Store interface {
	Append(ctx context.Context, rec models.TradeRecord) error
	// Recent returns up to n records, newest first
	Recent(ctx context.Context, n int) ([]models.TradeRecord, error)
	Stats(ctx context.Context) (*Statistics, error)
	Close() error
}

// Statistics journal-wide performance summary
type Statistics struct {
	TotalTrades  int                     `json:"total_trades"`
	Wins         int                     `json:"wins"`
	Losses       int                     `json:"losses"`
	WinRate      float64                 `json:"win_rate"` // Percent
	TotalPnL     float64                 `json:"total_pnl"`
	AvgPnL       float64                 `json:"avg_pnl"`
	AvgROI       float64                 `json:"avg_roi"`
	BestPnL      float64                 `json:"best_pnl"`
	WorstPnL     float64                 `json:"worst_pnl"`
	ProfitFactor float64                 `json:"profit_factor"` // Gross profit / gross loss
	BySymbol     map[string]*SymbolStats `json:"by_symbol"`
	BestSymbol   string                  `json:"best_symbol,omitempty"`
	WorstSymbol  string                  `json:"worst_symbol,omitempty"`
}

// SymbolStats per-symbol performance
type SymbolStats struct {
	Symbol   string  `json:"symbol"`
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
	AvgPnL   float64 `json:"avg_pnl"`
}

// profitFactorCap reported when there are wins and no losses
const profitFactorCap = 999.0

// ComputeStatistics summarises records in any order
func ComputeStatistics(records []models.TradeRecord) *Statistics {
	stats := &Statistics{BySymbol: make(map[string]*SymbolStats)}
	if len(records) == 0 {
		return stats
	}

	var grossWin, grossLoss, roiSum float64
	stats.BestPnL = records[0].PnL
	stats.WorstPnL = records[0].PnL

	for _, r := range records {
		stats.TotalTrades++
		stats.TotalPnL += r.PnL
		roiSum += r.ROI
		if r.PnL > stats.BestPnL {
			stats.BestPnL = r.PnL
		}
		if r.PnL < stats.WorstPnL {
			stats.WorstPnL = r.PnL
		}

		sym := stats.BySymbol[r.Symbol]
		if sym == nil {
			sym = &SymbolStats{Symbol: r.Symbol}
			stats.BySymbol[r.Symbol] = sym
		}
		sym.Trades++
		sym.TotalPnL += r.PnL

		if r.Result == models.ResultWin {
			stats.Wins++
			sym.Wins++
			grossWin += r.PnL
		} else {
			stats.Losses++
			sym.Losses++
			grossLoss += -r.PnL
		}
	}

	n := float64(stats.TotalTrades)
	stats.WinRate = float64(stats.Wins) / n * 100
	stats.AvgPnL = stats.TotalPnL / n
	stats.AvgROI = roiSum / n
	if grossLoss > 0 {
		stats.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		stats.ProfitFactor = profitFactorCap
	}

	// Deterministic best/worst on ties
	symbols := make([]string, 0, len(stats.BySymbol))
	for s := range stats.BySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for i, s := range symbols {
		sym := stats.BySymbol[s]
		sym.WinRate = float64(sym.Wins) / float64(sym.Trades) * 100
		sym.AvgPnL = sym.TotalPnL / float64(sym.Trades)
		if i == 0 || sym.TotalPnL > stats.BySymbol[stats.BestSymbol].TotalPnL {
			stats.BestSymbol = s
		}
		if i == 0 || sym.TotalPnL < stats.BySymbol[stats.WorstSymbol].TotalPnL {
			stats.WorstSymbol = s
		}
	}
	return stats
}

// Multi writes to a primary store and best-effort mirrors. Reads go to the primary.
type Multi struct {
	primary Store
	mirrors []Store
	logger  *zap.Logger
}

var _ Store = (*Multi)(nil)

// NewMulti nil mirrors are ignored
func NewMulti(primary Store, logger *zap.Logger, mirrors ...Store) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Multi{primary: primary, logger: logger}
	for _, s := range mirrors {
		if s != nil {
			m.mirrors = append(m.mirrors, s)
		}
	}
	return m
}

// Append primary failure is returned, mirror failures are only logged
func (m *Multi) Append(ctx context.Context, rec models.TradeRecord) error {
	if err := m.primary.Append(ctx, rec); err != nil {
		return err
	}
	for _, s := range m.mirrors {
		if err := s.Append(ctx, rec); err != nil {
			m.logger.Warn("journal mirror append failed", zap.String("order_id", rec.OrderID), zap.Error(err))
		}
	}
	return nil
}

func (m *Multi) Recent(ctx context.Context, n int) ([]models.TradeRecord, error) {
	return m.primary.Recent(ctx, n)
}

func (m *Multi) Stats(ctx context.Context) (*Statistics, error) {
	return m.primary.Stats(ctx)
}

func (m *Multi) Close() error {
	errs := []error{m.primary.Close()}
	for _, s := range m.mirrors {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
