// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog memoizes the per-period filter catalog fetched from the
// forecast backend, so validation and diagnosis do not pay a backend round
// trip on every turn.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stratumops/forecast-chat/services/forecast"
)

// DefaultTTL is the catalog entry lifetime. Five minutes keeps validation
// working against a recent value set while an upload invalidation hook
// handles the only event that actually changes it.
const DefaultTTL = 5 * time.Minute

// ErrCatalogUnavailable means the backend catalog fetch failed and no cached
// copy (fresh or stale) exists for the period. Callers skip validation and
// proceed unvalidated, logged as degraded mode.
var ErrCatalogUnavailable = errors.New("filter catalog unavailable")

// entry is one cached snapshot plus its expiry.
type entry struct {
	catalog   *forecast.Catalog
	expiresAt time.Time
}

// Cache memoizes filter catalogs per (month, year).
//
// Description:
//
//	Entries expire lazily: expiry is checked on read, there is no background
//	sweep. A read that finds an expired entry attempts a refresh; if the
//	refresh fails the stale snapshot is served with Stale=true rather than
//	failing the caller. Concurrent misses for the same period collapse to a
//	single backend call via singleflight. The cache is process-local, so one
//	call per process on a cold start is the accepted cost.
//
//	Snapshots are replaced wholesale under the write lock; readers always
//	observe one complete catalog, never a partial update.
//
// Thread Safety: Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	backend forecast.OptionsFetcher
	ttl     time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates a Cache over the given backend fetcher.
//
// Inputs:
//   - backend: Catalog fetcher. Must not be nil.
//   - ttl: Entry lifetime. Pass 0 to use DefaultTTL.
//   - logger: Logger for hit/miss/stale diagnostics. May be nil.
func New(backend forecast.OptionsFetcher, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[string]*entry),
		backend: backend,
		ttl:     ttl,
		logger:  logger,
		clock:   time.Now,
	}
}

// Get returns the filter catalog for one period.
//
// Description:
//
//	Serves a fresh cached snapshot when present. On miss, fetches from the
//	backend (one flight per period). On an expired entry, attempts a refresh
//	and falls back to the stale snapshot, flagged Stale=true, when the
//	refresh fails; a caller with a usable value is never blocked on backend
//	recovery.
//
// Outputs:
//   - *forecast.Catalog: Never nil on success.
//   - error: ErrCatalogUnavailable (wrapped) when the fetch failed and no
//     cached copy exists.
func (c *Cache) Get(ctx context.Context, month, year int) (*forecast.Catalog, error) {
	key := periodKey(month, year)
	now := c.clock()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && now.Before(cached.expiresAt) {
		c.logger.Debug("catalog cache hit", slog.String("period", key))
		requestsTotal.WithLabelValues("hit").Inc()
		return cached.catalog, nil
	}

	fresh, err, _ := c.group.Do(key, func() (any, error) {
		return c.refresh(ctx, month, year, key)
	})
	if err == nil {
		requestsTotal.WithLabelValues("refresh").Inc()
		return fresh.(*forecast.Catalog), nil
	}

	// Refresh failed: serve the stale snapshot if one exists.
	if ok {
		c.logger.Warn("catalog refresh failed, serving stale snapshot",
			slog.String("period", key),
			slog.String("error", err.Error()),
		)
		requestsTotal.WithLabelValues("stale").Inc()
		stale := *cached.catalog
		stale.Stale = true
		return &stale, nil
	}

	requestsTotal.WithLabelValues("unavailable").Inc()
	return nil, fmt.Errorf("%w for %s: %w", ErrCatalogUnavailable, key, err)
}

// Invalidate drops the cached entry for one period. Called by the
// upload-completion collaborator when new data lands for that period.
func (c *Cache) Invalidate(month, year int) {
	key := periodKey(month, year)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.logger.Debug("catalog cache invalidated", slog.String("period", key))
}

// refresh fetches a new snapshot and stores it under the write lock.
func (c *Cache) refresh(ctx context.Context, month, year int, key string) (*forecast.Catalog, error) {
	catalog, err := c.backend.FilterOptions(ctx, month, year, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &entry{
		catalog:   catalog,
		expiresAt: c.clock().Add(c.ttl),
	}
	c.mu.Unlock()

	c.logger.Debug("catalog cache refreshed",
		slog.String("period", key),
		slog.Duration("ttl", c.ttl),
	)
	return catalog, nil
}

func periodKey(month, year int) string {
	return fmt.Sprintf("%02d-%d", month, year)
}
