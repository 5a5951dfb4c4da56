package reconcile

import (
	"sort"
	"strings"
	"time"

	"tradejournal/exchange"
	"tradejournal/models"
)

// Authoritative payload keys, first match wins (Bybit style, then Binance style)
var (
	pnlKeys   = []string{"closedPnl", "realizedPnl"}
	priceKeys = []string{"execPrice", "price"}
	qtyKeys   = []string{"execQty", "qty"}
)

// Reconciler turns a closed order plus its fill window into a TradeRecord
type Reconciler struct {
	Now func() time.Time
}

// New creates a reconciler stamped with wall-clock time
func New() *Reconciler {
	return &Reconciler{Now: time.Now}
}

// Reconcile builds the record for order. Chart and critique fields are left empty.
// Missing fills or payload fields degrade precision but never fail.
func (r *Reconciler) Reconcile(order exchange.ClosedOrder, fills []exchange.Fill, leverage float64) models.TradeRecord {
	side := models.PositionSideFromClosingSide(order.Side)

	exitPrice := order.Price
	quantity := order.Quantity
	exitTime := order.Timestamp
	pnl := 0.0

	newest := newestFirst(fills)

	if closing, ok := findClosingFill(newest, order.ID); ok {
		if v, ok := closing.Info.FirstFloat(pnlKeys...); ok {
			pnl = v
		}
		if v, ok := closing.Info.FirstFloat(priceKeys...); ok {
			exitPrice = v
		}
		if v, ok := closing.Info.FirstFloat(qtyKeys...); ok {
			quantity = v
		}
		exitTime = closing.Timestamp
	}

	entryPrice := exitPrice
	var entryTime time.Time
	source := models.EntryExitFallback

	if opening, ok := findOpeningFill(newest, side.EntrySide(), exitTime); ok {
		if opening.Price > 0 {
			entryPrice = opening.Price
		}
		entryTime = opening.Timestamp
		source = models.EntryFromFill
	} else if quantity > 0 {
		if side == models.PositionLong {
			entryPrice = exitPrice - pnl/quantity
		} else {
			entryPrice = exitPrice + pnl/quantity
		}
		source = models.EntryDerived
	}

	if leverage < 1 {
		leverage = 1
	}

	now := time.Now
	if r != nil && r.Now != nil {
		now = r.Now
	}

	return models.TradeRecord{
		Time:        now(),
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        side,
		Leverage:    leverage,
		Quantity:    quantity,
		EntryPrice:  entryPrice,
		ExitPrice:   exitPrice,
		PnL:         pnl,
		ROI:         ROI(pnl, entryPrice, quantity, leverage),
		Result:      models.ResultFromPnL(pnl),
		EntryTime:   entryTime,
		ExitTime:    exitTime,
		EntrySource: source,
	}
}

// ROI percent return on margin, zero when margin is not positive
func ROI(pnl, entryPrice, quantity, leverage float64) float64 {
	if leverage < 1 {
		leverage = 1
	}
	margin := entryPrice * quantity / leverage
	if margin <= 0 {
		return 0
	}
	return pnl / margin * 100
}

// newestFirst returns a reversed copy ordered by timestamp descending; equal
// timestamps keep the reversed window order
func newestFirst(fills []exchange.Fill) []exchange.Fill {
	out := make([]exchange.Fill, len(fills))
	for i, f := range fills {
		out[len(fills)-1-i] = f
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func findClosingFill(newest []exchange.Fill, orderID string) (exchange.Fill, bool) {
	if orderID == "" {
		return exchange.Fill{}, false
	}
	for _, f := range newest {
		if f.OrderID == orderID {
			return f, true
		}
	}
	return exchange.Fill{}, false
}

func findOpeningFill(newest []exchange.Fill, entrySide string, exitTime time.Time) (exchange.Fill, bool) {
	for _, f := range newest {
		if f.Timestamp.Before(exitTime) && strings.EqualFold(strings.TrimSpace(f.Side), entrySide) {
			return f, true
		}
	}
	return exchange.Fill{}, false
}
