// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/stratumops/forecast-chat/services/forecast"
	badgerstore "github.com/stratumops/forecast-chat/services/storage/badger"
)

// DefaultMutationTTL is the confirmation window for a previewed mutation.
const DefaultMutationTTL = 10 * time.Minute

// MutationState is the lifecycle state of a pending mutation.
type MutationState string

const (
	MutationPreviewed MutationState = "previewed"
	MutationConfirmed MutationState = "confirmed"
	MutationCancelled MutationState = "cancelled"
)

// PendingMutation is a staged edit awaiting user confirmation. The token is
// server issued; the model only relays it back in narration, so a fabricated
// token can never match a stored preview.
type PendingMutation struct {
	Token          string            `json:"token"`
	ConversationID string            `json:"conversation_id"`
	Mutation       forecast.Mutation `json:"mutation"`
	State          MutationState     `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// MutationStore stages previewed mutations in BadgerDB with a TTL matching
// the confirmation window. Expiry is enforced twice: Badger drops the entry,
// and ExpiresAt is checked on read in case the sweep has not run yet.
//
// Thread Safety: Safe for concurrent use.
type MutationStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time
}

// NewMutationStore creates a store with the given confirmation window.
// Pass 0 for ttl to use DefaultMutationTTL.
func NewMutationStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *MutationStore {
	if ttl <= 0 {
		ttl = DefaultMutationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MutationStore{
		db:     db,
		ttl:    ttl,
		logger: logger,
		clock:  time.Now,
	}
}

func mutationKey(token string) []byte { return []byte("mut:" + token) }

// Preview stages m for conversation id and returns the pending record with
// its server-issued token.
func (s *MutationStore) Preview(ctx context.Context, conversationID string, m forecast.Mutation) (*PendingMutation, error) {
	now := s.clock().UTC()
	pending := &PendingMutation{
		Token:          uuid.NewString(),
		ConversationID: conversationID,
		Mutation:       m,
		State:          MutationPreviewed,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}

	raw, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("staging mutation: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(mutationKey(pending.Token), raw).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("staging mutation: %w", err)
	}

	s.logger.Info("mutation previewed",
		slog.String("token", pending.Token),
		slog.String("conversation_id", conversationID),
		slog.String("field", m.Field),
	)
	return pending, nil
}

// Confirm resolves the pending mutation for token and returns it for
// application. The preview is consumed: a second confirm of the same token
// fails with ErrMutationConsumed.
func (s *MutationStore) Confirm(ctx context.Context, conversationID, token string) (*PendingMutation, error) {
	return s.resolve(ctx, conversationID, token, MutationConfirmed)
}

// Cancel discards the pending mutation for token.
func (s *MutationStore) Cancel(ctx context.Context, conversationID, token string) (*PendingMutation, error) {
	return s.resolve(ctx, conversationID, token, MutationCancelled)
}

func (s *MutationStore) resolve(ctx context.Context, conversationID, token string, next MutationState) (*PendingMutation, error) {
	var pending PendingMutation

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(mutationKey(token))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrMutationNotFound
		}
		if err != nil {
			return err
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &pending); err != nil {
			return fmt.Errorf("decoding pending mutation: %w", err)
		}

		// A token from another conversation is treated as unknown rather
		// than leaking that it exists.
		if pending.ConversationID != conversationID {
			return ErrMutationNotFound
		}
		if pending.State != MutationPreviewed {
			return ErrMutationConsumed
		}
		if s.clock().UTC().After(pending.ExpiresAt) {
			return ErrMutationExpired
		}

		pending.State = next
		updated, err := json.Marshal(&pending)
		if err != nil {
			return err
		}
		// Keep the resolved record around briefly so a duplicate confirm
		// gets ErrMutationConsumed instead of ErrMutationNotFound.
		entry := dgbadger.NewEntry(mutationKey(token), updated).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("resolving mutation %q: %w", token, err)
	}

	s.logger.Info("mutation resolved",
		slog.String("token", token),
		slog.String("state", string(next)),
	)
	return &pending, nil
}
