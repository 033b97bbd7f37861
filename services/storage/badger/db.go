// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance behind small transaction helpers.
// It is the durable tier for conversation context and pending mutation
// previews: embedded, no network dependency, native TTL support.
package badger

import (
	"context"
	"fmt"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config holds the options needed to open a DB.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM. Used by tests and by deployments that
	// accept losing context across restarts.
	InMemory bool

	// SyncWrites forces fsync on every write. Off by default: conversation
	// context is reconstructible and the write amplification is not worth it.
	SyncWrites bool
}

// DefaultConfig returns a Config with safe defaults and no path set.
func DefaultConfig() Config {
	return Config{}
}

// DB is an opened BadgerDB handle.
//
// Thread Safety: Safe for concurrent use. Badger transactions are
// per-goroutine.
type DB struct {
	db *dgbadger.DB
}

// OpenDB opens (creating if necessary) the store described by cfg.
//
// Outputs:
//   - *DB: Ready-to-use handle. The caller owns the lifecycle and must Close.
//   - error: Non-nil when the directory cannot be opened or locked.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger: path is required for on-disk store")
		}
		opts = dgbadger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: opening %q: %w", cfg.Path, err)
	}
	return &DB{db: db}, nil
}

// WithTxn runs fn inside a read-write transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// Close releases the store. Safe to call once; the handle is unusable after.
func (d *DB) Close() error {
	return d.db.Close()
}
