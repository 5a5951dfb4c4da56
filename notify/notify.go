package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"tradejournal/models"
)

// Notifier receives every persisted trade record
type Notifier interface {
	Notify(ctx context.Context, rec models.TradeRecord) error
	Close() error
}

// Multi fans a record out to every notifier, collecting failures. The caller
// logs the joined error.
type Multi struct {
	notifiers []Notifier
}

var _ Notifier = (*Multi)(nil)

// NewMulti nil notifiers are skipped
func NewMulti(notifiers ...Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len number of active notifiers
func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Notify(ctx context.Context, rec models.TradeRecord) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}

// FormatMessage human readable trade summary
func FormatMessage(rec models.TradeRecord) string {
	icon := "🔴"
	if rec.Result == models.ResultWin {
		icon = "🟢"
	}
	return fmt.Sprintf("%s %s %s %s x%g\nPnL %s (%s%%)\nentry %g → exit %g, qty %g",
		icon, rec.Result, rec.Symbol, rec.Side, rec.Leverage,
		decimal.NewFromFloat(rec.PnL).String(), strconv.FormatFloat(rec.ROI, 'f', 2, 64),
		rec.EntryPrice, rec.ExitPrice, rec.Quantity)
}
