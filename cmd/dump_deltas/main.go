// Print the delta chain of a table.
// Usage: go run ./cmd/dump_deltas <data-dir> <table> [-v]
// With -v every change of every delta is printed as well.
package main

import (
	"LineDB/logger"
	version "LineDB/storage_engine/version_manager"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <data-dir> <table> [-v]\n", os.Args[0])
		os.Exit(1)
	}
	dir, table := os.Args[1], os.Args[2]
	verbose := len(os.Args) > 3 && os.Args[3] == "-v"

	vm, err := version.Open(dir, table, logger.NewStderr("warn", "text"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	chain, err := vm.Chain()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chain broken: %v\n", err)
		os.Exit(2)
	}
	if len(chain) == 0 {
		fmt.Printf("%s: no deltas\n", table)
		return
	}

	fmt.Printf("%s: %d deltas, seq 1..%d\n", table, len(chain), vm.LastSeq())
	for _, h := range chain {
		fmt.Printf("  delta %d (base %d) seq %d..%d, %d changes, %s, written %s\n",
			h.N, h.Base, h.FromSeq, h.ToSeq, h.Changes,
			humanize.Bytes(uint64(h.Length)), humanize.Time(h.Created))
		if !verbose {
			continue
		}
		d, err := vm.Load(h.N)
		if err != nil {
			fmt.Fprintf(os.Stderr, "    %v\n", err)
			os.Exit(2)
		}
		for _, c := range d.Entries {
			switch {
			case !c.HadOld:
				fmt.Printf("    + %s %s\n", c.Key, fields(c.New))
			case !c.HasNew:
				fmt.Printf("    - %s\n", c.Key)
			default:
				fmt.Printf("    ~ %s %s -> %s\n", c.Key, fields(c.Old), fields(c.New))
			}
		}
	}

	rows, seq, err := vm.Materialize(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "materialize: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("materialized: %s rows at seq %d\n", humanize.Comma(int64(len(rows))), seq)
}

func fields(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%q", k, m[k])
	}
	return out + "}"
}
