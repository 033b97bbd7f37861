// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/stratumops/forecast-chat/services/forecast"
	badgerstore "github.com/stratumops/forecast-chat/services/storage/badger"
	"github.com/stratumops/forecast-chat/services/storage/cache"
)

// DefaultTTL bounds how long an idle conversation's state is retained in the
// cache and durable tiers.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned by Store.Load when no state exists for the id.
var ErrNotFound = errors.New("convo: conversation not found")

// Store persists conversation contexts.
type Store interface {
	// Load returns the stored context for id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Context, error)

	// Save persists c, replacing any prior state for its id.
	Save(ctx context.Context, c *Context) error

	// Delete removes all state for id. Absent ids are not an error.
	Delete(ctx context.Context, id string) error
}

// TieredStore is a read-through Store: an in-process map in front of an
// optional byte cache in front of an optional BadgerDB. Reads promote hits
// upward; writes go through all configured tiers.
//
// Thread Safety: Safe for concurrent use.
type TieredStore struct {
	mu     sync.RWMutex
	hot    map[string]*Context
	cache  cache.Provider
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// StoreOption configures a TieredStore.
type StoreOption func(*TieredStore)

// WithCache adds a byte cache tier between memory and the durable tier.
func WithCache(p cache.Provider) StoreOption {
	return func(s *TieredStore) { s.cache = p }
}

// WithDurable adds a BadgerDB tier so conversations survive restarts.
func WithDurable(db *badgerstore.DB) StoreOption {
	return func(s *TieredStore) { s.db = db }
}

// WithTTL overrides DefaultTTL for the cache and durable tiers.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *TieredStore) { s.ttl = ttl }
}

// NewStore builds a TieredStore. With no options it is memory-only, which is
// what tests and single-node dev deployments use.
func NewStore(logger *slog.Logger, opts ...StoreOption) *TieredStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TieredStore{
		hot:    make(map[string]*Context),
		cache:  cache.NoopProvider{},
		ttl:    DefaultTTL,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func storeKey(id string) string { return "convo:" + id }

// Load implements Store. Lower-tier failures degrade to ErrNotFound rather
// than failing the turn; conversation state is reconstructible.
func (s *TieredStore) Load(ctx context.Context, id string) (*Context, error) {
	s.mu.RLock()
	if c, ok := s.hot[id]; ok {
		s.mu.RUnlock()
		return c.Clone(), nil
	}
	s.mu.RUnlock()

	if raw, err := s.cache.Get(ctx, storeKey(id)); err == nil {
		c, derr := decodeContext(raw)
		if derr == nil {
			s.promote(c)
			return c.Clone(), nil
		}
		s.logger.Warn("discarding undecodable cached conversation", "conversation_id", id, "error", derr)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("conversation cache read failed", "conversation_id", id, "error", err)
	}

	if s.db != nil {
		var raw []byte
		err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
			item, err := txn.Get([]byte(storeKey(id)))
			if err != nil {
				return err
			}
			raw, err = item.ValueCopy(nil)
			return err
		})
		switch {
		case err == nil:
			c, derr := decodeContext(raw)
			if derr == nil {
				s.promote(c)
				return c.Clone(), nil
			}
			s.logger.Warn("discarding undecodable stored conversation", "conversation_id", id, "error", derr)
		case errors.Is(err, dgbadger.ErrKeyNotFound):
			// fall through
		default:
			s.logger.Warn("conversation store read failed", "conversation_id", id, "error", err)
		}
	}

	return nil, fmt.Errorf("loading conversation %q: %w", id, ErrNotFound)
}

// Save implements Store. The memory tier always succeeds; cache and durable
// tier failures are logged and swallowed so a flaky lower tier cannot block
// the chat turn.
func (s *TieredStore) Save(ctx context.Context, c *Context) error {
	c.UpdatedAt = time.Now().UTC()
	stored := c.Clone()

	s.mu.Lock()
	s.hot[c.ConversationID] = stored
	s.mu.Unlock()

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding conversation %q: %w", c.ConversationID, err)
	}

	if err := s.cache.Set(ctx, storeKey(c.ConversationID), raw, s.ttl); err != nil {
		s.logger.Warn("conversation cache write failed", "conversation_id", c.ConversationID, "error", err)
	}

	if s.db != nil {
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			entry := dgbadger.NewEntry([]byte(storeKey(c.ConversationID)), raw).WithTTL(s.ttl)
			return txn.SetEntry(entry)
		})
		if err != nil {
			s.logger.Warn("conversation store write failed", "conversation_id", c.ConversationID, "error", err)
		}
	}
	return nil
}

// Delete implements Store.
func (s *TieredStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.hot, id)
	s.mu.Unlock()

	if err := s.cache.Delete(ctx, storeKey(id)); err != nil {
		s.logger.Warn("conversation cache delete failed", "conversation_id", id, "error", err)
	}

	if s.db != nil {
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			return txn.Delete([]byte(storeKey(id)))
		})
		if err != nil {
			s.logger.Warn("conversation store delete failed", "conversation_id", id, "error", err)
		}
	}
	return nil
}

func (s *TieredStore) promote(c *Context) {
	s.mu.Lock()
	s.hot[c.ConversationID] = c.Clone()
	s.mu.Unlock()
}

func decodeContext(raw []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.Filters == nil {
		c.Filters = make(map[forecast.Field][]string)
	}
	return &c, nil
}
