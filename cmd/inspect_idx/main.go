// Inspect a B+Tree index file (.idx).
// Usage: go run ./cmd/inspect_idx <path-to-.idx> [-verify]
// Example: go run ./cmd/inspect_idx data/indices/translations.idx
package main

import (
	"LineDB/logger"
	bplus "LineDB/storage_engine/access/indexfile_manager/bplustree"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <index.idx> [-verify]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s data/indices/translations.idx\n", os.Args[0])
		os.Exit(1)
	}
	path := os.Args[1]
	verify := len(os.Args) > 2 && os.Args[2] == "-verify"

	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	tree, err := bplus.Open(path, 0, bplus.Options{Logger: logger.NewStderr("warn", "text")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer tree.Close()

	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
	fmt.Println("--- meta page ---")
	cfg.Dump(tree.Meta())
	fmt.Printf("file size: %s, free pages: %d\n\n", humanize.Bytes(uint64(tree.SizeOnDisk())), tree.FreePages())

	fmt.Println("--- levels ---")
	if err := tree.InspectTo(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if verify {
		if err := tree.VerifyIntegrity(); err != nil {
			fmt.Fprintf(os.Stderr, "integrity check failed: %v\n", err)
			os.Exit(2)
		}
		fmt.Println("\nintegrity check passed")
	}
}
