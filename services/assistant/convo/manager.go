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
	"errors"
	"fmt"
	"log/slog"
)

// Manager is the single writer of conversation contexts. It serializes
// read-modify-write cycles per conversation so concurrent turns on the same
// conversation cannot interleave partial merges.
//
// Thread Safety: Safe for concurrent use across conversations; operations on
// the same conversation are serialized.
type Manager struct {
	store  Store
	logger *slog.Logger
	locks  *keyedLocks
}

// NewManager wraps store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger,
		locks:  newKeyedLocks(),
	}
}

// Get returns the context for id, creating an empty one if none exists.
// The returned context is a private copy.
func (m *Manager) Get(ctx context.Context, id string) (*Context, error) {
	c, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return NewContext(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %q: %w", id, err)
	}
	return c, nil
}

// MergeEntities applies delta to the conversation under mode and returns the
// updated context.
func (m *Manager) MergeEntities(ctx context.Context, id string, mode MergeMode, delta Delta) (*Context, error) {
	return m.update(ctx, id, func(c *Context) {
		c.merge(mode, delta)
	})
}

// SetSelectedRecord marks the record the user drilled into.
func (m *Manager) SetSelectedRecord(ctx context.Context, id, compositeKey string) (*Context, error) {
	return m.update(ctx, id, func(c *Context) {
		c.SelectedRecord = compositeKey
	})
}

// ClearSelectedRecord drops the drill-in selection, if any.
func (m *Manager) ClearSelectedRecord(ctx context.Context, id string) (*Context, error) {
	return m.update(ctx, id, func(c *Context) {
		c.SelectedRecord = ""
	})
}

// SetLastShape records the shape of the data just returned to the user.
func (m *Manager) SetLastShape(ctx context.Context, id, shape string) (*Context, error) {
	return m.update(ctx, id, func(c *Context) {
		c.LastShape = shape
	})
}

// Clear resets the conversation. With keepPeriod the established reporting
// period survives; everything else is dropped.
func (m *Manager) Clear(ctx context.Context, id string, keepPeriod bool) (*Context, error) {
	return m.update(ctx, id, func(c *Context) {
		c.merge(MergeReset, Delta{KeepPeriod: keepPeriod})
	})
}

// Archive moves the conversation's context under an archive id and removes
// the live entry, so a fresh conversation can start while the old context
// stays inspectable until its TTL runs out. Archiving a conversation with no
// stored state is a no-op.
func (m *Manager) Archive(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	c, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archiving conversation %q: %w", id, err)
	}

	archived := c.Clone()
	archived.ConversationID = "archived:" + id
	if err := m.store.Save(ctx, archived); err != nil {
		return fmt.Errorf("archiving conversation %q: %w", id, err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("archiving conversation %q: %w", id, err)
	}
	m.logger.Debug("conversation archived", slog.String("conversation_id", id))
	return nil
}

// Forget removes all stored state for the conversation.
func (m *Manager) Forget(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()
	return m.store.Delete(ctx, id)
}

func (m *Manager) update(ctx context.Context, id string, fn func(*Context)) (*Context, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	c, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		c = NewContext(id)
	} else if err != nil {
		return nil, fmt.Errorf("updating conversation %q: %w", id, err)
	}

	fn(c)

	if err := m.store.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("updating conversation %q: %w", id, err)
	}
	return c.Clone(), nil
}
