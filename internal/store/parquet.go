package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"barfill/internal/domain"
)

// ParquetArchiver exports bar history from SQLite into Parquet files for
// downstream analytical tooling. It is a one-way archive, not a read path for
// the API.
type ParquetArchiver struct {
	DataDir string
}

// NewParquetArchiver creates a ParquetArchiver rooted at the given directory.
func NewParquetArchiver(dataDir string) *ParquetArchiver {
	return &ParquetArchiver{DataDir: dataDir}
}

// BarRecord is the Parquet schema for archived bars.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timeframe string  `parquet:"timeframe"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	Provider  string  `parquet:"provider"`
}

// ArchiveBars writes bars to Parquet files grouped by symbol and year.
// Each (timeframe, symbol, year) combination produces a separate file at:
//
//	<DataDir>/<timeframe>/<SYMBOL>/<YYYY>.parquet
//
// Existing files are merged, with incoming records winning on collision, so
// re-archiving a range is idempotent.
func (a *ParquetArchiver) ArchiveBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		tf     domain.Timeframe
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, tf: b.Timeframe, year: b.Timestamp.Year()}
		open, _ := b.Open.Float64()
		high, _ := b.High.Float64()
		low, _ := b.Low.Float64()
		cls, _ := b.Close.Float64()
		groups[k] = append(groups[k], BarRecord{
			Symbol:    b.Symbol,
			Timeframe: string(b.Timeframe),
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    b.Volume,
			Provider:  b.Provider,
		})
	}

	for k, records := range groups {
		path := a.barPath(k.symbol, k.tf, k.year)

		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("archiving bars for %s/%s/%d: %w", k.symbol, k.tf, k.year, err)
		}
	}
	return nil
}

// ArchiveFromStore reads bars for the given key out of src and archives them.
// Returns the number of bars archived.
func (a *ParquetArchiver) ArchiveFromStore(ctx context.Context, src BarStore, symbol string, tf domain.Timeframe, from, to time.Time) (int, error) {
	bars, err := src.ReadBars(ctx, symbol, tf, from, to)
	if err != nil {
		return 0, fmt.Errorf("reading bars to archive: %w", err)
	}
	if err := a.ArchiveBars(ctx, bars); err != nil {
		return 0, err
	}
	return len(bars), nil
}

// ReadArchivedBars reads archived bars back for the given symbol, timeframe,
// and time range. Years without a file are skipped.
func (a *ParquetArchiver) ReadArchivedBars(_ context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := from.Year(); year <= to.Year(); year++ {
		records, err := readParquetFile[BarRecord](a.barPath(symbol, tf, year))
		if err != nil {
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(from) || !ts.Before(to) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:    r.Symbol,
				Timeframe: domain.Timeframe(r.Timeframe),
				Timestamp: ts,
				Open:      decimal.NewFromFloat(r.Open),
				High:      decimal.NewFromFloat(r.High),
				Low:       decimal.NewFromFloat(r.Low),
				Close:     decimal.NewFromFloat(r.Close),
				Volume:    r.Volume,
				Provider:  r.Provider,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols with archived data for the given timeframe.
func (a *ParquetArchiver) ListSymbols(_ context.Context, tf domain.Timeframe) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.DataDir, string(tf)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// barPath returns the archive path for one year of one symbol's bars.
// Layout: <dataDir>/<timeframe>/<SYMBOL>/<YYYY>.parquet
func (a *ParquetArchiver) barPath(symbol string, tf domain.Timeframe, year int) string {
	return filepath.Join(a.DataDir, string(tf), strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates records by (symbol, timeframe, timestamp,
// provider), preferring incoming over existing. Results are sorted by
// timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol   string
		tf       string
		ts       int64
		provider string
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timeframe, r.Timestamp, r.Provider}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timeframe, r.Timestamp, r.Provider}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
