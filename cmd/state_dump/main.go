// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// state_dump inspects the forecast-chat BadgerDB state store.
//
// The service persists conversation contexts (under "convo:") and staged
// mutation previews (under "mut:") in BadgerDB. This tool opens the store
// read-only and prints a human-readable summary: per conversation the
// reporting period, accumulated filters, and TTL remaining; per staged
// mutation its state, target record, and expiry.
//
// Usage:
//
//	state_dump [--path /path/to/forecast-chat/data]
//
// If --path is not given, reads FORECAST_CHAT_DATA_DIR from the environment,
// falling back to ./data/forecast-chat.
//
// Exit codes:
//
//	0 — success (including "empty store" which prints a message and exits 0)
//	1 — error opening or reading the database
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/stratumops/forecast-chat/services/assistant"
	"github.com/stratumops/forecast-chat/services/assistant/convo"
	"github.com/stratumops/forecast-chat/services/forecast"
)

// Key prefixes must match the convo store and mutation store exactly.
const (
	convoKeyPrefix    = "convo:"
	mutationKeyPrefix = "mut:"
)

func main() {
	pathFlag := flag.String("path", "", "Path to the BadgerDB directory (overrides FORECAST_CHAT_DATA_DIR env var)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("FORECAST_CHAT_DATA_DIR")
	}
	if dbPath == "" {
		dbPath = "./data/forecast-chat"
	}

	fmt.Printf("State store path: %s\n", dbPath)

	// Check existence before trying to open — gives a cleaner error message
	// than BadgerDB's "no such file or directory" buried in a long error.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Store directory does not exist. The service has not yet persisted any state.")
		os.Exit(0)
	}

	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil).
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	convos, mutations, err := collect(db)
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if len(convos) == 0 && len(mutations) == 0 {
		fmt.Println("\nNo conversations or staged mutations found.")
		os.Exit(0)
	}

	printConversations(convos)
	printMutations(mutations)

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	fmt.Printf("Summary: %d conversation%s, %d staged mutation%s\n",
		len(convos), plural(len(convos)), len(mutations), plural(len(mutations)))
}

type storedEntry struct {
	key       string
	expiresAt time.Time
	hasExpiry bool
	raw       []byte
	decodeErr error
}

func collect(db *dgbadger.DB) (convos, mutations []storedEntry, err error) {
	err = db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			var e storedEntry
			e.key = key
			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				e.hasExpiry = true
				e.expiresAt = time.Unix(int64(expiresAt), 0)
			}
			raw, copyErr := item.ValueCopy(nil)
			if copyErr != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", copyErr)
			} else {
				e.raw = raw
			}

			switch {
			case strings.HasPrefix(key, convoKeyPrefix):
				convos = append(convos, e)
			case strings.HasPrefix(key, mutationKeyPrefix):
				mutations = append(mutations, e)
			}
		}
		return nil
	})
	return convos, mutations, err
}

func printConversations(entries []storedEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Printf("\nConversations (%d):\n", len(entries))
	fmt.Println(strings.Repeat("─", 80))

	for i, e := range entries {
		fmt.Printf("\n[%d] %s\n", i+1, strings.TrimPrefix(e.key, convoKeyPrefix))
		printTTL(e)
		if e.decodeErr != nil {
			fmt.Printf("    DECODE ERROR: %v\n", e.decodeErr)
			continue
		}

		var cc convo.Context
		if err := json.Unmarshal(e.raw, &cc); err != nil {
			fmt.Printf("    DECODE ERROR: %v\n", err)
			continue
		}

		if cc.Period != nil {
			fmt.Printf("    Period:      %02d-%d\n", cc.Period.Month, cc.Period.Year)
		} else {
			fmt.Printf("    Period:      not set\n")
		}
		printFilters(cc.Filters)
		if len(cc.ForecastMonths) > 0 {
			fmt.Printf("    Months:      %v\n", cc.ForecastMonths)
		}
		if cc.SelectedRecord != "" {
			fmt.Printf("    Selected:    %s\n", cc.SelectedRecord)
		}
		if cc.Preferences.ShowTotalsOnly {
			fmt.Printf("    Preference:  totals only\n")
		}
		if !cc.UpdatedAt.IsZero() {
			fmt.Printf("    Updated:     %s\n", cc.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
		}
	}
}

func printFilters(filters map[forecast.Field][]string) {
	if len(filters) == 0 {
		fmt.Printf("    Filters:     none\n")
		return
	}
	names := make([]string, 0, len(filters))
	for f := range filters {
		names = append(names, string(f))
	}
	sort.Strings(names)
	for i, name := range names {
		label := "    Filters:    "
		if i > 0 {
			label = "                "
		}
		fmt.Printf("%s %s = %s\n", label, name, strings.Join(filters[forecast.Field(name)], ", "))
	}
}

func printMutations(entries []storedEntry) {
	if len(entries) == 0 {
		return
	}
	fmt.Printf("\nStaged mutations (%d):\n", len(entries))
	fmt.Println(strings.Repeat("─", 80))

	for i, e := range entries {
		fmt.Printf("\n[%d] %s\n", i+1, strings.TrimPrefix(e.key, mutationKeyPrefix))
		printTTL(e)
		if e.decodeErr != nil {
			fmt.Printf("    DECODE ERROR: %v\n", e.decodeErr)
			continue
		}

		var pm assistant.PendingMutation
		if err := json.Unmarshal(e.raw, &pm); err != nil {
			fmt.Printf("    DECODE ERROR: %v\n", err)
			continue
		}

		fmt.Printf("    State:       %s\n", pm.State)
		fmt.Printf("    Conversation: %s\n", pm.ConversationID)
		fmt.Printf("    Change:      %s -> %v on %s (%02d-%d)\n",
			pm.Mutation.Field, pm.Mutation.NewValue, pm.Mutation.RecordKey,
			pm.Mutation.Month, pm.Mutation.Year)
		fmt.Printf("    Created:     %s\n", pm.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	}
}

func printTTL(e storedEntry) {
	if !e.hasExpiry {
		fmt.Printf("    TTL:         no expiry set\n")
		return
	}
	remaining := time.Until(e.expiresAt)
	if remaining < 0 {
		fmt.Printf("    TTL:         EXPIRED (%s ago)\n", (-remaining).Round(time.Second))
		return
	}
	fmt.Printf("    TTL:         %s remaining (expires %s)\n",
		remaining.Round(time.Second),
		e.expiresAt.Format("2006-01-02 15:04:05 MST"),
	)
}

// plural returns "s" for counts other than one.
func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "state_dump: "+format+"\n", args...)
	os.Exit(1)
}
