package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradejournal/exchange"
	"tradejournal/models"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler() *Reconciler {
	return &Reconciler{Now: func() time.Time { return fixedNow }}
}

func TestReconcileEndToEnd(t *testing.T) {
	T := time.UnixMilli(1714564800000)
	order := exchange.ClosedOrder{ID: "101", Symbol: "BTC/USDT", Side: "sell", Quantity: 0.01, Price: 65000, Timestamp: T}
	fills := []exchange.Fill{
		{OrderID: "99", Side: "buy", Price: 64500, Quantity: 0.01, Timestamp: T.Add(-900000 * time.Millisecond)},
		{OrderID: "101", Side: "sell", Price: 65000, Quantity: 0.01, Timestamp: T,
			Info: exchange.Payload{"closedPnl": 12.5, "execPrice": 65010.0, "execQty": 0.01}},
	}

	rec := newTestReconciler().Reconcile(order, fills, 10)

	assert.Equal(t, fixedNow, rec.Time)
	assert.Equal(t, "101", rec.OrderID)
	assert.Equal(t, "BTC/USDT", rec.Symbol)
	assert.Equal(t, models.PositionLong, rec.Side)
	assert.Equal(t, 64500.0, rec.EntryPrice)
	assert.Equal(t, 65010.0, rec.ExitPrice)
	assert.Equal(t, 0.01, rec.Quantity)
	assert.Equal(t, 12.5, rec.PnL)
	assert.Equal(t, 10.0, rec.Leverage)
	assert.InDelta(t, 19.38, rec.ROI, 0.01)
	assert.Equal(t, models.ResultWin, rec.Result)
	assert.Equal(t, T.Add(-900000*time.Millisecond), rec.EntryTime)
	assert.Equal(t, T, rec.ExitTime)
	assert.Equal(t, models.EntryFromFill, rec.EntrySource)
}

func TestReconcilePositionSide(t *testing.T) {
	r := newTestReconciler()
	assert.Equal(t, models.PositionLong, r.Reconcile(exchange.ClosedOrder{ID: "1", Side: "sell"}, nil, 1).Side)
	assert.Equal(t, models.PositionShort, r.Reconcile(exchange.ClosedOrder{ID: "1", Side: "buy"}, nil, 1).Side)
}

func TestReconcileDerivesEntryWithoutOpeningFill(t *testing.T) {
	T := time.UnixMilli(1714564800000)

	tests := []struct {
		name  string
		side  string
		want  float64
		wantS models.PositionSide
	}{
		{"long", "sell", 107.5, models.PositionLong},
		{"short", "buy", 112.5, models.PositionShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := exchange.ClosedOrder{ID: "7", Symbol: "ETHUSDT", Side: tt.side, Quantity: 4, Price: 100, Timestamp: T}
			fills := []exchange.Fill{
				{OrderID: "7", Side: tt.side, Timestamp: T, Info: exchange.Payload{"realizedPnl": "10", "price": "110", "qty": "4"}},
			}
			rec := newTestReconciler().Reconcile(order, fills, 5)
			assert.Equal(t, tt.wantS, rec.Side)
			assert.Equal(t, tt.want, rec.EntryPrice)
			assert.Equal(t, 110.0, rec.ExitPrice)
			assert.True(t, rec.EntryTime.IsZero())
			assert.Equal(t, models.EntryDerived, rec.EntrySource)
		})
	}
}

func TestReconcileZeroQuantityKeepsExitAsEntry(t *testing.T) {
	order := exchange.ClosedOrder{ID: "8", Symbol: "ETHUSDT", Side: "sell", Quantity: 0, Price: 2000, Timestamp: fixedNow}
	fills := []exchange.Fill{
		{OrderID: "8", Side: "sell", Timestamp: fixedNow, Info: exchange.Payload{"closedPnl": 3.0}},
	}
	rec := newTestReconciler().Reconcile(order, fills, 3)
	assert.Equal(t, 2000.0, rec.EntryPrice)
	assert.Equal(t, 0.0, rec.ROI)
	assert.Equal(t, models.ResultWin, rec.Result)
	assert.Equal(t, models.EntryExitFallback, rec.EntrySource)
}

func TestReconcileWithoutFills(t *testing.T) {
	order := exchange.ClosedOrder{ID: "9", Symbol: "SOLUSDT", Side: "buy", Quantity: 2, Price: 150, Timestamp: fixedNow}
	rec := newTestReconciler().Reconcile(order, nil, 0)
	assert.Equal(t, 150.0, rec.EntryPrice)
	assert.Equal(t, 150.0, rec.ExitPrice)
	assert.Equal(t, 0.0, rec.PnL)
	assert.Equal(t, 1.0, rec.Leverage)
	assert.Equal(t, models.ResultLose, rec.Result)
	assert.Equal(t, fixedNow, rec.ExitTime)
}

func TestReconcilePayloadOverridesOrderValues(t *testing.T) {
	T := fixedNow.Add(-time.Minute)
	later := fixedNow
	order := exchange.ClosedOrder{ID: "10", Symbol: "BTCUSDT", Side: "sell", Quantity: 1, Price: 100, Timestamp: T}
	fills := []exchange.Fill{
		{OrderID: "10", Side: "sell", Price: 1, Quantity: 1, Timestamp: later,
			Info: exchange.Payload{"closedPnl": "-4", "execPrice": "96", "execQty": "2"}},
	}
	rec := newTestReconciler().Reconcile(order, fills, 1)
	assert.Equal(t, -4.0, rec.PnL)
	assert.Equal(t, 96.0, rec.ExitPrice)
	assert.Equal(t, 2.0, rec.Quantity)
	assert.Equal(t, later, rec.ExitTime)
	assert.Equal(t, models.ResultLose, rec.Result)
}

func TestReconcileMalformedPayloadKeepsFallbacks(t *testing.T) {
	order := exchange.ClosedOrder{ID: "11", Symbol: "BTCUSDT", Side: "sell", Quantity: 1, Price: 100, Timestamp: fixedNow}
	fills := []exchange.Fill{
		{OrderID: "11", Side: "sell", Timestamp: fixedNow, Info: exchange.Payload{"closedPnl": "NaN?", "execPrice": nil, "execQty": map[string]any{}}},
	}
	rec := newTestReconciler().Reconcile(order, fills, 1)
	assert.Equal(t, 0.0, rec.PnL)
	assert.Equal(t, 100.0, rec.ExitPrice)
	assert.Equal(t, 1.0, rec.Quantity)
}

func TestReconcilePicksLatestOpeningFillBeforeExit(t *testing.T) {
	exit := fixedNow
	order := exchange.ClosedOrder{ID: "12", Symbol: "BTCUSDT", Side: "buy", Quantity: 1, Price: 90, Timestamp: exit}
	fills := []exchange.Fill{
		{OrderID: "1", Side: "sell", Price: 95, Timestamp: exit.Add(-2 * time.Hour)},
		{OrderID: "2", Side: "sell", Price: 97, Timestamp: exit.Add(-time.Hour)},
		{OrderID: "3", Side: "buy", Price: 80, Timestamp: exit.Add(-30 * time.Minute)},
		{OrderID: "4", Side: "sell", Price: 99, Timestamp: exit.Add(time.Minute)},
		{OrderID: "12", Side: "buy", Timestamp: exit, Info: exchange.Payload{"closedPnl": 7.0}},
	}
	rec := newTestReconciler().Reconcile(order, fills, 2)
	assert.Equal(t, models.PositionShort, rec.Side)
	assert.Equal(t, 97.0, rec.EntryPrice)
	assert.Equal(t, exit.Add(-time.Hour), rec.EntryTime)
	assert.InDelta(t, 7.0/(97.0/2)*100, rec.ROI, 1e-9)
}

func TestReconcileLatestClosingFillWins(t *testing.T) {
	order := exchange.ClosedOrder{ID: "13", Symbol: "BTCUSDT", Side: "sell", Quantity: 1, Price: 100, Timestamp: fixedNow}
	fills := []exchange.Fill{
		{OrderID: "13", Side: "sell", Timestamp: fixedNow.Add(-time.Second), Info: exchange.Payload{"closedPnl": 1.0}},
		{OrderID: "13", Side: "sell", Timestamp: fixedNow, Info: exchange.Payload{"closedPnl": 2.0}},
	}
	rec := newTestReconciler().Reconcile(order, fills, 1)
	assert.Equal(t, 2.0, rec.PnL)
}

func TestROI(t *testing.T) {
	assert.Equal(t, 0.0, ROI(5, 0, 1, 10))
	assert.Equal(t, 0.0, ROI(5, -10, 1, 10))
	assert.Equal(t, 50.0, ROI(5, 100, 1, 10))
	assert.Equal(t, 5.0, ROI(5, 100, 1, 0))
}
