package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tradejournal/models"
)

// Supported SQL drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore trade journal mirror on SQLite or PostgreSQL, keyed by order id
type SQLStore struct {
	db         *sql.DB
	isPostgres bool
	logger     *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens and migrates the database. For sqlite dsn is a file path.
func NewSQLStore(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dsn == "" {
		return nil, errors.New("sql dsn is empty")
	}

	s := &SQLStore{logger: logger.With(zap.String("sql_driver", driver))}

	var connString string
	switch driver {
	case DriverPostgres:
		s.isPostgres = true
		connString = dsn
		if !strings.Contains(connString, "connect_timeout") {
			if strings.Contains(connString, "?") {
				connString += "&connect_timeout=30"
			} else {
				connString += "?connect_timeout=30"
			}
		}
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		connString = dsn + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported sql driver: %q", driver)
	}

	db, err := sql.Open(driver, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if s.isPostgres {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(10 * time.Minute)
	} else {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s database connection failed (%s): %w", driver, maskConnectionString(dsn), err)
	}
	s.db = db

	if err := s.initDB(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize trades table: %w", err)
	}
	s.logger.Info("journal database ready")
	return s, nil
}

// maskConnectionString hides the password of a URL style DSN
func maskConnectionString(connStr string) string {
	idx := strings.Index(connStr, "://")
	if idx == -1 {
		return connStr
	}
	start := idx + 3
	at := strings.Index(connStr[start:], "@")
	if at == -1 {
		return connStr
	}
	creds := connStr[start : start+at]
	colon := strings.Index(creds, ":")
	if colon == -1 {
		return connStr
	}
	return connStr[:start+colon+1] + "***" + connStr[start+at:]
}

func (s *SQLStore) initDB(ctx context.Context) error {
	floatType := "REAL"
	if s.isPostgres {
		floatType = "DOUBLE PRECISION"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS trades (
			order_id TEXT PRIMARY KEY,
			recorded_at_ms BIGINT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			leverage %[1]s NOT NULL,
			quantity %[1]s NOT NULL,
			entry_price %[1]s NOT NULL,
			exit_price %[1]s NOT NULL,
			pnl %[1]s NOT NULL,
			roi %[1]s NOT NULL,
			result TEXT NOT NULL,
			ai_analysis TEXT,
			chart TEXT,
			entry_time_ms BIGINT NOT NULL DEFAULT 0,
			exit_time_ms BIGINT NOT NULL DEFAULT 0,
			entry_source TEXT
		)`, floatType)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_trades_recorded_at ON trades(recorded_at_ms)`)
	return err
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append inserts the record, replacing any previous row for the same order
func (s *SQLStore) Append(ctx context.Context, rec models.TradeRecord) error {
	query := s.rebind(`
		INSERT INTO trades (
			order_id, recorded_at_ms, symbol, side, leverage, quantity,
			entry_price, exit_price, pnl, roi, result, ai_analysis, chart,
			entry_time_ms, exit_time_ms, entry_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			recorded_at_ms = excluded.recorded_at_ms,
			symbol = excluded.symbol,
			side = excluded.side,
			leverage = excluded.leverage,
			quantity = excluded.quantity,
			entry_price = excluded.entry_price,
			exit_price = excluded.exit_price,
			pnl = excluded.pnl,
			roi = excluded.roi,
			result = excluded.result,
			ai_analysis = excluded.ai_analysis,
			chart = excluded.chart,
			entry_time_ms = excluded.entry_time_ms,
			exit_time_ms = excluded.exit_time_ms,
			entry_source = excluded.entry_source`)

	_, err := s.db.ExecContext(ctx, query,
		rec.OrderID, unixMillis(rec.Time), rec.Symbol, string(rec.Side), rec.Leverage, rec.Quantity,
		rec.EntryPrice, rec.ExitPrice, rec.PnL, rec.ROI, string(rec.Result), rec.Critique, rec.ChartFile,
		unixMillis(rec.EntryTime), unixMillis(rec.ExitTime), string(rec.EntrySource),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trade %s: %w", rec.OrderID, err)
	}
	return nil
}

const selectColumns = `order_id, recorded_at_ms, symbol, side, leverage, quantity,
	entry_price, exit_price, pnl, roi, result, ai_analysis, chart,
	entry_time_ms, exit_time_ms, entry_source`

// Recent newest first by reconciliation time
func (s *SQLStore) Recent(ctx context.Context, n int) ([]models.TradeRecord, error) {
	if n <= 0 {
		return []models.TradeRecord{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM trades ORDER BY recorded_at_ms DESC, order_id DESC LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trades: %w", err)
	}
	return scanRecords(rows)
}

func (s *SQLStore) Stats(ctx context.Context) (*Statistics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM trades`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return ComputeStatistics(records), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]models.TradeRecord, error) {
	defer rows.Close()

	records := []models.TradeRecord{}
	for rows.Next() {
		var (
			rec                         models.TradeRecord
			side, result                string
			critique, chart, source     sql.NullString
			recordedAt, entryAt, exitAt int64
		)
		if err := rows.Scan(
			&rec.OrderID, &recordedAt, &rec.Symbol, &side, &rec.Leverage, &rec.Quantity,
			&rec.EntryPrice, &rec.ExitPrice, &rec.PnL, &rec.ROI, &result, &critique, &chart,
			&entryAt, &exitAt, &source,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		rec.Side = models.PositionSide(side)
		rec.Result = models.Result(result)
		rec.EntrySource = models.EntrySource(source.String)
		rec.Critique = critique.String
		rec.ChartFile = chart.String
		rec.Time = fromMillis(recordedAt)
		rec.EntryTime = fromMillis(entryAt)
		rec.ExitTime = fromMillis(exitAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return records, nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
