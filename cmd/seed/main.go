// Seed program: fills a "translations" table with sample rows across
// languages and environments, checkpoints it and prints its stats.
// Run: go run ./cmd/seed [rows]
// Then inspect: data/translations.tbl, data/translations.delta.1 and
// data/indices/ (metadata.json, translations.idx once the table is large).
package main

import (
	"LineDB/bootstrap"
	storageengine "LineDB/storage_engine"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

const table = "translations"

var (
	langs = []string{"", "@de", "@fr"}
	pages = []string{"home", "about", "checkout", "account"}
)

func main() {
	rows := 1500
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n < 0 {
			log.Fatalf("invalid row count %q", os.Args[1])
		}
		rows = n
	}

	err := bootstrap.Run(func(se *storageengine.StorageEngine, logger *slog.Logger) error {
		return seed(se, logger, rows)
	})
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
}

func seed(se *storageengine.StorageEngine, logger *slog.Logger, rows int) error {
	ctx := context.Background()
	h, err := se.OpenTable(table)
	if err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < rows; i++ {
		page := pages[i%len(pages)]
		lang := langs[i%len(langs)]
		key := fmt.Sprintf("site.%s.label%04d%s", page, i, lang)
		fields := map[string]string{
			"text":    fmt.Sprintf("%s label %d%s", page, i, lang),
			"updated": time.Now().UTC().Format(time.RFC3339),
		}
		if err := h.Put(ctx, key, fields); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	took := time.Since(start)
	logger.Info("seeded", "rows", rows, "took", took)

	d, err := se.Checkpoint(ctx, table)
	if err != nil {
		return err
	}
	if d != nil {
		fmt.Printf("checkpoint: delta %d covers seq %d..%d (%d changes, %s compressed)\n",
			d.N, d.FromSeq, d.ToSeq, len(d.Entries), humanize.Bytes(uint64(d.Length)))
	}

	if row, ok, err := h.Lookup("site.home.label0000@de@prod"); err == nil && ok {
		fmt.Printf("lookup site.home.label0000@de@prod -> %s: %q\n", row.Key, row.Fields["text"])
	}

	fmt.Println()
	fmt.Println(h.Stats())
	fmt.Printf("%s rows/s\n", humanize.Commaf(float64(rows)/took.Seconds()))
	return nil
}
