// barfill-archive exports stored bar history into Parquet files for
// downstream analytical tooling.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"barfill/internal/config"
	"barfill/internal/domain"
	"barfill/internal/store"
	"barfill/internal/util"
)

func main() {
	symbol := flag.String("symbol", "", "symbol to archive (required)")
	timeframes := flag.String("timeframes", "d1", "comma-separated timeframes to archive")
	fromStr := flag.String("from", "", "range start, YYYY-MM-DD (required)")
	toStr := flag.String("to", "", "range end, YYYY-MM-DD (defaults to today)")
	flag.Parse()

	cfgPath := "config/barfill.yaml"
	if p := os.Getenv("BARFILL_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, "text"))

	if *symbol == "" || *fromStr == "" {
		flag.Usage()
		os.Exit(2)
	}
	if cfg.Storage.ArchiveDir == "" {
		log.Fatal("storage.archive_dir not configured")
	}

	from, err := time.Parse("2006-01-02", *fromStr)
	if err != nil {
		log.Fatalf("invalid -from: %v", err)
	}
	to := time.Now().UTC()
	if *toStr != "" {
		if to, err = time.Parse("2006-01-02", *toStr); err != nil {
			log.Fatalf("invalid -to: %v", err)
		}
	}

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	archiver := store.NewParquetArchiver(cfg.Storage.ArchiveDir)
	ctx := context.Background()

	for _, raw := range strings.Split(*timeframes, ",") {
		tf, err := domain.ParseTimeframe(strings.TrimSpace(raw))
		if err != nil {
			log.Fatalf("invalid timeframe: %v", err)
		}
		n, err := archiver.ArchiveFromStore(ctx, db, strings.ToUpper(*symbol), tf, from, to)
		if err != nil {
			log.Fatalf("archiving %s/%s: %v", *symbol, tf, err)
		}
		log.Printf("archived %d %s bars for %s", n, tf, strings.ToUpper(*symbol))
	}
}
