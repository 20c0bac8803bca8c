// chatrelay-inspect dumps the state of an offline data directory: log
// partitions with their committed offsets, and per-channel message counts
// from the store. Run it against a stopped server's --db path.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/store"
)

func main() {
	var dataDir, group string
	flag.StringVar(&dataDir, "db", "", "data directory of a stopped server")
	flag.StringVar(&group, "group", "store-applier", "consumer group to report offsets for")
	flag.Parse()
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}
	logger.Init()

	if err := store.Open(filepath.Join(dataDir, "store")); err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	l, err := chatlog.Open(filepath.Join(dataDir, "log"), chatlog.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	channels, err := store.ListChannels()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list channels: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("store: %d channels\n", len(channels))
	for _, ch := range channels {
		msgs, err := store.ListMessages(ch, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", ch, err)
			continue
		}
		fmt.Printf("  %-40s %6d messages\n", ch, len(msgs))
	}

	parts, err := l.Partitions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list partitions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("log: %d partitions (group %s)\n", len(parts), group)
	for _, ch := range parts {
		committed, err := l.Committed(group, ch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", ch, err)
			continue
		}
		recs, err := l.Read(ch, committed, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", ch, err)
			continue
		}
		fmt.Printf("  %-40s next=%d lag=%d\n", ch, committed, len(recs))
	}
}
