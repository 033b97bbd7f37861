// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratumops/forecast-chat/services/forecast"
)

// fakeOptions counts backend calls and can be toggled to fail.
type fakeOptions struct {
	calls atomic.Int64
	fail  atomic.Bool
	delay time.Duration
}

func (f *fakeOptions) FilterOptions(_ context.Context, month, year int, _ map[forecast.Field][]string) (*forecast.Catalog, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail.Load() {
		return nil, errors.New("backend down")
	}
	return &forecast.Catalog{
		Month: month,
		Year:  year,
		Values: map[forecast.Field][]string{
			forecast.FieldPlatform: {"Amisys", "Facets"},
		},
		FetchedAt: time.Now(),
	}, nil
}

func TestCache_MissThenHit(t *testing.T) {
	backend := &fakeOptions{}
	c := New(backend, time.Minute, nil)

	first, err := c.Get(context.Background(), 6, 2025)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := c.Get(context.Background(), 6, 2025)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}

	if backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls.Load())
	}
	if first != second {
		t.Error("cache hit must return the same snapshot")
	}
	if first.Stale {
		t.Error("fresh snapshot must not be flagged stale")
	}
}

func TestCache_DistinctPeriods(t *testing.T) {
	backend := &fakeOptions{}
	c := New(backend, time.Minute, nil)

	if _, err := c.Get(context.Background(), 6, 2025); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), 7, 2025); err != nil {
		t.Fatal(err)
	}

	if backend.calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2 for distinct periods", backend.calls.Load())
	}
}

func TestCache_ExpiredEntryRefreshes(t *testing.T) {
	backend := &fakeOptions{}
	c := New(backend, time.Minute, nil)

	now := time.Now()
	c.clock = func() time.Time { return now }
	if _, err := c.Get(context.Background(), 6, 2025); err != nil {
		t.Fatal(err)
	}

	// Advance past the TTL; the next read must hit the backend again.
	c.clock = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := c.Get(context.Background(), 6, 2025); err != nil {
		t.Fatal(err)
	}

	if backend.calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2 after expiry", backend.calls.Load())
	}
}

func TestCache_StaleServedWhenRefreshFails(t *testing.T) {
	backend := &fakeOptions{}
	c := New(backend, time.Minute, nil)

	now := time.Now()
	c.clock = func() time.Time { return now }
	if _, err := c.Get(context.Background(), 6, 2025); err != nil {
		t.Fatal(err)
	}

	backend.fail.Store(true)
	c.clock = func() time.Time { return now.Add(2 * time.Minute) }

	got, err := c.Get(context.Background(), 6, 2025)
	if err != nil {
		t.Fatalf("stale fallback failed: %v", err)
	}
	if !got.Stale {
		t.Error("snapshot served past TTL after a failed refresh must be flagged stale")
	}
	if got.Month != 6 || got.Year != 2025 {
		t.Errorf("stale snapshot period = %02d-%d, want 06-2025", got.Month, got.Year)
	}
}

func TestCache_UnavailableWhenNothingCached(t *testing.T) {
	backend := &fakeOptions{}
	backend.fail.Store(true)
	c := New(backend, time.Minute, nil)

	_, err := c.Get(context.Background(), 6, 2025)
	if !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("err = %v, want ErrCatalogUnavailable", err)
	}
}

func TestCache_Invalidate(t *testing.T) {
	backend := &fakeOptions{}
	c := New(backend, time.Minute, nil)

	if _, err := c.Get(context.Background(), 6, 2025); err != nil {
		t.Fatal(err)
	}
	c.Invalidate(6, 2025)
	if _, err := c.Get(context.Background(), 6, 2025); err != nil {
		t.Fatal(err)
	}

	if backend.calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2 after invalidation", backend.calls.Load())
	}
}

func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	backend := &fakeOptions{delay: 20 * time.Millisecond}
	c := New(backend, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), 6, 2025); err != nil {
				t.Errorf("concurrent get: %v", err)
			}
		}()
	}
	wg.Wait()

	if backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1 (singleflight)", backend.calls.Load())
	}
}
