package journal

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradejournal/models"
)

const (
	utf8BOM         = "\ufeff"
	timeLayout      = "2006-01-02 15:04:05"
	defaultCacheTTL = 30 * time.Second
)

// Header CSV column order
var Header = []string{
	"time",
	"order_id",
	"symbol",
	"position",
	"leverage",
	"quantity",
	"entry_price",
	"exit_price",
	"pnl",
	"roi",
	"result",
	"ai_analysis",
	"chart",
}

// CSVStore append-only spreadsheet-friendly journal, the authoritative store
type CSVStore struct {
	path   string
	logger *zap.Logger

	mu         sync.RWMutex
	generation uint64

	cache    *ristretto.Cache
	cacheTTL time.Duration
}

var _ Store = (*CSVStore)(nil)

// NewCSVStore creates the parent directory; the file is created on first append
func NewCSVStore(path string, cacheTTL time.Duration, logger *zap.Logger) (*CSVStore, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal cache: %w", err)
	}

	return &CSVStore{
		path:     path,
		logger:   logger.With(zap.String("journal", path)),
		cache:    cache,
		cacheTTL: cacheTTL,
	}, nil
}

// Path journal file location
func (s *CSVStore) Path() string { return s.path }

// Append writes one row with a single append. The BOM and header precede the
// first row of a new or empty file.
func (s *CSVStore) Append(_ context.Context, rec models.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if info.Size() == 0 {
		buf.WriteString(utf8BOM)
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("failed to encode journal header: %w", err)
		}
	}
	if err := w.Write(toRow(rec)); err != nil {
		return fmt.Errorf("failed to encode journal row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode journal row: %w", err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append journal row: %w", err)
	}
	s.generation++
	s.logger.Debug("journal row appended", zap.String("order_id", rec.OrderID))
	return nil
}

// Recent returns the last n rows, newest first
func (s *CSVStore) Recent(_ context.Context, n int) ([]models.TradeRecord, error) {
	if n <= 0 {
		return []models.TradeRecord{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key := fmt.Sprintf("recent:%d:%d", s.generation, n)
	if v, ok := s.cache.Get(key); ok {
		if cached, ok := v.([]models.TradeRecord); ok {
			return append([]models.TradeRecord(nil), cached...), nil
		}
	}

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]models.TradeRecord, len(all))
	for i, r := range all {
		out[len(all)-1-i] = r
	}

	s.cache.SetWithTTL(key, out, int64(len(out))+1, s.cacheTTL)
	return append([]models.TradeRecord(nil), out...), nil
}

// Stats computed over the whole journal
func (s *CSVStore) Stats(_ context.Context) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	return ComputeStatistics(all), nil
}

func (s *CSVStore) Close() error {
	s.cache.Close()
	return nil
}

// readAll callers hold at least the read lock
func (s *CSVStore) readAll() ([]models.TradeRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.TradeRecord{}, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	return ReadRecords(f)
}

// ReadRecords parses journal CSV in file order. Unparseable fields read as zero.
func ReadRecords(r io.Reader) ([]models.TradeRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return []models.TradeRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimPrefix(strings.TrimSpace(h), utf8BOM)] = i
	}

	records := []models.TradeRecord{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read journal row: %w", err)
		}
		records = append(records, fromRow(row, index))
	}
	return records, nil
}

func toRow(r models.TradeRecord) []string {
	return []string{
		r.Time.Local().Format(timeLayout),
		r.OrderID,
		r.Symbol,
		string(r.Side),
		formatNumber(r.Leverage),
		formatNumber(r.Quantity),
		formatNumber(r.EntryPrice),
		formatNumber(r.ExitPrice),
		formatNumber(r.PnL),
		FormatROI(r.ROI),
		string(r.Result),
		r.Critique,
		r.ChartFile,
	}
}

func fromRow(row []string, index map[string]int) models.TradeRecord {
	get := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	rec := models.TradeRecord{
		OrderID:    get("order_id"),
		Symbol:     get("symbol"),
		Leverage:   parseNumber(get("leverage")),
		Quantity:   parseNumber(get("quantity")),
		EntryPrice: parseNumber(get("entry_price")),
		ExitPrice:  parseNumber(get("exit_price")),
		PnL:        parseNumber(get("pnl")),
		ROI:        parseNumber(strings.TrimSuffix(strings.TrimSpace(get("roi")), "%")),
		Result:     models.Result(get("result")),
		Critique:   get("ai_analysis"),
		ChartFile:  get("chart"),
	}
	if side, ok := models.ParsePositionSide(get("position")); ok {
		rec.Side = side
	}
	if t, err := time.ParseInLocation(timeLayout, get("time"), time.Local); err == nil {
		rec.Time = t
	}
	return rec
}

// FormatROI renders a percentage with two decimals, e.g. "19.38%". Rounding
// follows the binary value, so 2.675 renders as "2.67%".
func FormatROI(roi float64) string {
	return strconv.FormatFloat(roi, 'f', 2, 64) + "%"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseNumber(s string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
