package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradejournal/chart"
	"tradejournal/exchange"
	"tradejournal/mcp"
	"tradejournal/models"
	"tradejournal/notify"
	"tradejournal/reconcile"
)

const defaultPollInterval = time.Second

// GatewayFactory builds the exchange gateway for one monitoring session
type GatewayFactory func(ctx context.Context, creds Credentials) (exchange.Gateway, error)

// PermissionChecker pre-flight verification that a key cannot move funds
type PermissionChecker interface {
	Verify(ctx context.Context, apiKey, secretKey string) error
}

// ChartRenderer draws a trade chart and returns its file name inside Dir
type ChartRenderer interface {
	Render(ctx context.Context, source chart.CandleSource, req chart.Request) (string, error)
	Dir() string
}

// Journal durable record sink
type Journal interface {
	Append(ctx context.Context, rec models.TradeRecord) error
}

// Options monitor collaborators. Gateways and Journal are required.
type Options struct {
	Gateways     GatewayFactory
	Permissions  PermissionChecker // nil skips the pre-flight check
	Charts       ChartRenderer     // nil skips charts and critiques
	Critic       mcp.Critic        // nil reports critiques as unavailable
	Journal      Journal
	Notifier     notify.Notifier // nil disables notifications
	PollInterval time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Monitor single-worker closed-trade polling loop. Exactly one worker runs
// between a successful Start and the matching Stop.
type Monitor struct {
	opts       Options
	reconciler *reconcile.Reconciler
	logger     *zap.Logger

	mu            sync.RWMutex
	phase         Phase
	status        string
	keyMask       string
	sessionID     string
	startedAt     time.Time
	lastOrderID   string
	processed     int
	failures      int
	recent        []models.TradeRecord
	stopRequested bool
	stopCh        chan struct{}
	done          chan struct{}

	// annotated record whose journal append failed, owned by the worker
	pending *models.TradeRecord
}

// New creates a stopped monitor
func New(opts Options) (*Monitor, error) {
	if opts.Gateways == nil {
		return nil, errors.New("gateway factory is required")
	}
	if opts.Journal == nil {
		return nil, errors.New("journal is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := reconcile.New()
	if opts.Now != nil {
		r.Now = opts.Now
	}

	done := make(chan struct{})
	close(done)
	return &Monitor{
		opts:       opts,
		reconciler: r,
		logger:     opts.Logger.With(zap.String("component", "monitor")),
		phase:      PhaseStopped,
		status:     msgStopped,
		recent:     []models.TradeRecord{},
		done:       done,
	}, nil
}

// Start validates the credentials, runs the pre-flight check, seeds the
// cursor and spawns the worker. A start while not stopped is a no-op.
func (m *Monitor) Start(ctx context.Context, creds Credentials) (StartResult, error) {
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.SecretKey = strings.TrimSpace(creds.SecretKey)

	m.mu.Lock()
	if m.phase != PhaseStopped {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return StartResult{Snapshot: snap, AlreadyRunning: true}, nil
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		m.status = msgMissingCreds
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return StartResult{Snapshot: snap}, ErrMissingCredentials
	}
	m.phase = PhaseStarting
	m.status = msgStarting
	m.stopRequested = false
	m.mu.Unlock()

	keyMask := models.MaskKey(creds.APIKey)
	m.logger.Info("🚀 starting monitor", zap.String("key", keyMask))

	if m.opts.Permissions != nil {
		if err := m.opts.Permissions.Verify(ctx, creds.APIKey, creds.SecretKey); err != nil {
			m.logger.Warn("key rejected by permission check", zap.String("key", keyMask), zap.Error(err))
			return m.abortStart(err.Error()), &StartRejectedError{Reason: err}
		}
	}

	gw, err := m.opts.Gateways(ctx, creds)
	if err != nil {
		return m.abortStart(err.Error()), fmt.Errorf("failed to create exchange gateway: %w", err)
	}

	status := msgStarted
	seed := ""
	if order, err := gw.LatestClosedOrder(ctx); err != nil {
		status = fmt.Sprintf(msgSeedFailedFmt, err)
		m.logger.Warn("initial order lookup failed, next closed order will be processed", zap.Error(err))
	} else if order != nil {
		seed = order.ID
	}

	m.mu.Lock()
	if m.stopRequested {
		m.phase = PhaseStopped
		m.status = msgStopped
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return StartResult{Snapshot: snap}, nil
	}
	m.phase = PhaseRunning
	m.status = status
	m.keyMask = keyMask
	m.sessionID = uuid.NewString()
	m.startedAt = time.Now()
	m.lastOrderID = seed
	m.processed = 0
	m.failures = 0
	m.pending = nil
	stop, done := make(chan struct{}), make(chan struct{})
	m.stopCh, m.done = stop, done
	sessionID := m.sessionID
	snap := m.snapshotLocked()
	m.mu.Unlock()

	logger := m.logger.With(zap.String("session_id", sessionID))
	logger.Info("✅ monitor running", zap.String("seed_order_id", seed), zap.Duration("poll_interval", m.opts.PollInterval))

	go m.run(context.WithoutCancel(ctx), gw, stop, done, logger)
	return StartResult{Snapshot: snap}, nil
}

func (m *Monitor) abortStart(reason string) StartResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseStopped
	m.status = reason
	return StartResult{Snapshot: m.snapshotLocked()}
}

// Stop signals the worker and returns immediately. The worker finishes its
// current iteration before stopping.
func (m *Monitor) Stop() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseRunning:
		m.phase = PhaseStopping
		m.status = msgStopping
		close(m.stopCh)
		m.logger.Info("⏹ monitor stop requested", zap.String("session_id", m.sessionID))
	case PhaseStarting:
		m.stopRequested = true
	}
	return m.snapshotLocked()
}

// Status current snapshot
func (m *Monitor) Status() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Done is closed once the current worker has exited
func (m *Monitor) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

func (m *Monitor) snapshotLocked() Snapshot {
	snap := Snapshot{
		Running:     m.phase == PhaseRunning || m.phase == PhaseStopping,
		Phase:       m.phase,
		Status:      m.status,
		KeyMask:     m.keyMask,
		SessionID:   m.sessionID,
		LastOrderID: m.lastOrderID,
		Processed:   m.processed,
		Failures:    m.failures,
		Recent:      append([]models.TradeRecord{}, m.recent...),
	}
	if !m.startedAt.IsZero() {
		t := m.startedAt
		snap.StartedAt = &t
	}
	return snap
}

func (m *Monitor) run(ctx context.Context, gw exchange.Gateway, stop <-chan struct{}, done chan<- struct{}, logger *zap.Logger) {
	defer close(done)
	defer m.finish(logger)

	for {
		select {
		case <-stop:
			return
		default:
		}

		m.apply(ctx, m.iterate(ctx, gw, logger), logger)

		select {
		case <-stop:
			return
		case <-time.After(m.opts.PollInterval):
		}
	}
}

func (m *Monitor) finish(logger *zap.Logger) {
	m.mu.Lock()
	m.phase = PhaseStopped
	m.status = msgStopped
	m.mu.Unlock()
	logger.Info("⏹ monitor stopped")
}

func (m *Monitor) cursor() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastOrderID
}

// iterate one polling step. Panics become failed outcomes.
func (m *Monitor) iterate(ctx context.Context, gw exchange.Gateway, logger *zap.Logger) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("🚨 panic in monitor iteration", zap.Any("panic", r), zap.Stack("stack"))
			out = failed(fmt.Errorf("panic: %v", r))
		}
	}()

	order, err := gw.LatestClosedOrder(ctx)
	if err != nil {
		return failed(fmt.Errorf("failed to fetch latest closed order: %w", err))
	}
	if order == nil || order.ID == m.cursor() {
		return idle()
	}

	rec, err := m.process(ctx, gw, *order, logger.With(zap.String("order_id", order.ID), zap.String("symbol", order.Symbol)))
	if err != nil {
		return failed(err)
	}
	return processed(rec)
}

// process reconciles, annotates and persists one newly closed order. A record
// that failed to persist is retried as is, without a new chart or critique.
func (m *Monitor) process(ctx context.Context, gw exchange.Gateway, order exchange.ClosedOrder, logger *zap.Logger) (models.TradeRecord, error) {
	var rec models.TradeRecord
	if m.pending != nil && m.pending.OrderID == order.ID {
		rec = *m.pending
		logger.Info("retrying journal append for annotated trade")
	} else {
		leverage, err := gw.Leverage(ctx, order.Symbol)
		if err != nil {
			logger.Warn("leverage lookup failed, assuming 1x", zap.Error(err))
			leverage = 1
		}

		fills, err := gw.RecentFills(ctx, order.Symbol)
		if err != nil {
			return models.TradeRecord{}, fmt.Errorf("failed to fetch fills for %s: %w", order.Symbol, err)
		}

		rec = m.reconciler.Reconcile(order, fills, leverage)
		if rec.EntrySource != models.EntryFromFill {
			logger.Info("opening fill not in recent window", zap.String("entry_source", string(rec.EntrySource)))
		}
		m.annotate(ctx, gw, &rec, logger)
	}

	if err := m.opts.Journal.Append(ctx, rec); err != nil {
		m.pending = &rec
		return models.TradeRecord{}, fmt.Errorf("failed to persist trade %s: %w", order.ID, err)
	}
	m.pending = nil
	return rec, nil
}

// annotate attaches the chart and, only when a chart exists, the critique
func (m *Monitor) annotate(ctx context.Context, gw exchange.Gateway, rec *models.TradeRecord, logger *zap.Logger) {
	if m.opts.Charts == nil {
		rec.Critique = models.CritiqueSkipped
		return
	}
	name, err := m.opts.Charts.Render(ctx, gw, chart.Request{
		Symbol:    rec.Symbol,
		OrderID:   rec.OrderID,
		Side:      rec.Side,
		EntryTime: rec.EntryTime,
		ExitTime:  rec.ExitTime,
	})
	if err != nil {
		logger.Warn("chart rendering failed, critique skipped", zap.Error(err))
		rec.Critique = models.CritiqueSkipped
		return
	}
	rec.ChartFile = name

	if m.opts.Critic == nil {
		rec.Critique = models.CritiqueUnavailable
		return
	}
	rec.Critique = m.opts.Critic.Critique(ctx, filepath.Join(m.opts.Charts.Dir(), name), rec.Symbol, rec.Side)
}

func (m *Monitor) apply(ctx context.Context, out outcome, logger *zap.Logger) {
	switch out.kind {
	case outcomeIdle:
		return

	case outcomeFailed:
		m.mu.Lock()
		m.failures++
		m.status = fmt.Sprintf(msgRetryFmt, out.err)
		m.mu.Unlock()
		logger.Warn("❌ monitor iteration failed, retrying", zap.Error(out.err))

	case outcomeProcessed:
		rec := out.record
		m.mu.Lock()
		m.lastOrderID = rec.OrderID
		m.processed++
		m.status = rec.Summary()
		m.recent = append([]models.TradeRecord{rec}, m.recent...)
		if len(m.recent) > recentSize {
			m.recent = m.recent[:recentSize]
		}
		m.mu.Unlock()

		logger.Info("💾 trade journaled",
			zap.String("order_id", rec.OrderID),
			zap.String("symbol", rec.Symbol),
			zap.String("result", string(rec.Result)),
			zap.Float64("pnl", rec.PnL),
			zap.Float64("roi", rec.ROI))

		if m.opts.Notifier != nil {
			if err := m.opts.Notifier.Notify(ctx, rec); err != nil {
				logger.Warn("trade notification failed", zap.String("order_id", rec.OrderID), zap.Error(err))
			}
		}
	}
}
