// barfill-cli is a small command-line client for a running barfill daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"barfill/pkg/barfill"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: barfill-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  ensure     Request coverage for a symbol\n")
		fmt.Fprintf(os.Stderr, "  status     Show coverage status for a symbol\n")
		fmt.Fprintf(os.Stderr, "  bars       Print stored bars for a symbol\n")
		fmt.Fprintf(os.Stderr, "\nThe daemon address comes from -addr or BARFILL_ADDR (default http://localhost:8080).\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("barfill-cli %s\n", version)

	case "ensure":
		err = runEnsure(ctx, os.Args[2:])

	case "status":
		err = runStatus(ctx, os.Args[2:])

	case "bars":
		err = runBars(ctx, os.Args[2:])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(addr string) *barfill.Client {
	if addr == "" {
		addr = os.Getenv("BARFILL_ADDR")
	}
	if addr == "" {
		addr = "http://localhost:8080"
	}
	return barfill.NewClient(addr)
}

func runEnsure(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ensure", flag.ExitOnError)
	addr := fs.String("addr", "", "daemon base URL")
	symbol := fs.String("symbol", "", "symbol (required)")
	timeframes := fs.String("timeframes", "d1", "comma-separated timeframes")
	windowDays := fs.Int("window-days", 30, "coverage window in days")
	priority := fs.Int("priority", 0, "scheduling priority")
	fs.Parse(args)

	if *symbol == "" {
		return fmt.Errorf("-symbol required")
	}

	defs, err := newClient(*addr).EnsureCoverage(ctx, strings.ToUpper(*symbol), barfill.CoverageRequest{
		Timeframes: strings.Split(*timeframes, ","),
		WindowDays: *windowDays,
		Priority:   *priority,
	})
	if err != nil {
		return err
	}
	for _, def := range defs {
		fmt.Printf("%s %-4s window=%dd priority=%d (definition %d)\n",
			def.Symbol, def.Timeframe, def.WindowDays, def.Priority, def.ID)
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "daemon base URL")
	symbol := fs.String("symbol", "", "symbol (required)")
	fs.Parse(args)

	if *symbol == "" {
		return fmt.Errorf("-symbol required")
	}

	status, err := newClient(*addr).GetCoverage(ctx, strings.ToUpper(*symbol))
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", status.Symbol)
	for _, tf := range status.Timeframes {
		span := "no coverage yet"
		if tf.FromTS != nil && tf.ToTS != nil {
			span = fmt.Sprintf("%s .. %s", tf.FromTS.Format(time.RFC3339), tf.ToTS.Format(time.RFC3339))
		}
		fmt.Printf("  %-4s %s", tf.Timeframe, span)
		if tf.LastProvider != "" {
			fmt.Printf(" (last: %s)", tf.LastProvider)
		}
		if len(tf.RunCounts) > 0 {
			parts := make([]string, 0, len(tf.RunCounts))
			for status, n := range tf.RunCounts {
				parts = append(parts, fmt.Sprintf("%s=%d", status, n))
			}
			fmt.Printf(" runs[%s]", strings.Join(parts, " "))
		}
		fmt.Println()
	}
	return nil
}

func runBars(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bars", flag.ExitOnError)
	addr := fs.String("addr", "", "daemon base URL")
	symbol := fs.String("symbol", "", "symbol (required)")
	timeframe := fs.String("timeframe", "d1", "timeframe")
	fromStr := fs.String("from", "", "range start, YYYY-MM-DD (required)")
	toStr := fs.String("to", "", "range end, YYYY-MM-DD (defaults to now)")
	fs.Parse(args)

	if *symbol == "" || *fromStr == "" {
		return fmt.Errorf("-symbol and -from required")
	}
	from, err := time.Parse("2006-01-02", *fromStr)
	if err != nil {
		return fmt.Errorf("invalid -from: %w", err)
	}
	to := time.Now().UTC()
	if *toStr != "" {
		if to, err = time.Parse("2006-01-02", *toStr); err != nil {
			return fmt.Errorf("invalid -to: %w", err)
		}
	}

	bars, err := newClient(*addr).GetBars(ctx, strings.ToUpper(*symbol), *timeframe, from, to)
	if err != nil {
		return err
	}
	for _, b := range bars {
		fmt.Printf("%s  o=%s h=%s l=%s c=%s v=%d  %s\n",
			b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume, b.Provider)
	}
	fmt.Fprintf(os.Stderr, "%d bars\n", len(bars))
	return nil
}
