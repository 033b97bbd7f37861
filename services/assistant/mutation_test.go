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
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stratumops/forecast-chat/services/forecast"
	badgerstore "github.com/stratumops/forecast-chat/services/storage/badger"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newMutationStore(t *testing.T, ttl time.Duration) *MutationStore {
	t.Helper()
	db, err := badgerstore.OpenDB(badgerstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMutationStore(db, ttl, quietLogger())
}

func testMutation() forecast.Mutation {
	return forecast.Mutation{
		Kind:      "set_field",
		Month:     4,
		Year:      2025,
		RecordKey: "Amisys|West|Remote|CA|Medicaid|04-2025",
		Field:     "target_rate",
		NewValue:  3.5,
	}
}

func TestMutationPreviewThenConfirm(t *testing.T) {
	s := newMutationStore(t, time.Minute)
	ctx := context.Background()

	pending, err := s.Preview(ctx, "c1", testMutation())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if pending.Token == "" {
		t.Fatal("no token issued")
	}
	if pending.State != MutationPreviewed {
		t.Errorf("state = %q, want previewed", pending.State)
	}
	if !pending.ExpiresAt.After(pending.CreatedAt) {
		t.Errorf("expiry %v not after creation %v", pending.ExpiresAt, pending.CreatedAt)
	}

	confirmed, err := s.Confirm(ctx, "c1", pending.Token)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.State != MutationConfirmed {
		t.Errorf("state = %q, want confirmed", confirmed.State)
	}
	if confirmed.Mutation.Field != "target_rate" || confirmed.Mutation.NewValue != 3.5 {
		t.Errorf("mutation round-trip lost data: %+v", confirmed.Mutation)
	}
}

func TestMutationConfirmIsOneShot(t *testing.T) {
	s := newMutationStore(t, time.Minute)
	ctx := context.Background()

	pending, err := s.Preview(ctx, "c1", testMutation())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if _, err := s.Confirm(ctx, "c1", pending.Token); err != nil {
		t.Fatalf("first Confirm: %v", err)
	}

	if _, err := s.Confirm(ctx, "c1", pending.Token); !errors.Is(err, ErrMutationConsumed) {
		t.Errorf("second Confirm = %v, want ErrMutationConsumed", err)
	}
}

func TestMutationCancel(t *testing.T) {
	s := newMutationStore(t, time.Minute)
	ctx := context.Background()

	pending, err := s.Preview(ctx, "c1", testMutation())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	cancelled, err := s.Cancel(ctx, "c1", pending.Token)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.State != MutationCancelled {
		t.Errorf("state = %q, want cancelled", cancelled.State)
	}

	if _, err := s.Confirm(ctx, "c1", pending.Token); !errors.Is(err, ErrMutationConsumed) {
		t.Errorf("Confirm after Cancel = %v, want ErrMutationConsumed", err)
	}
}

func TestMutationUnknownToken(t *testing.T) {
	s := newMutationStore(t, time.Minute)

	if _, err := s.Confirm(context.Background(), "c1", "not-a-real-token"); !errors.Is(err, ErrMutationNotFound) {
		t.Errorf("Confirm = %v, want ErrMutationNotFound", err)
	}
}

func TestMutationWrongConversationLooksUnknown(t *testing.T) {
	s := newMutationStore(t, time.Minute)
	ctx := context.Background()

	pending, err := s.Preview(ctx, "c1", testMutation())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	if _, err := s.Confirm(ctx, "other-conversation", pending.Token); !errors.Is(err, ErrMutationNotFound) {
		t.Errorf("cross-conversation Confirm = %v, want ErrMutationNotFound", err)
	}

	// The rightful conversation can still confirm.
	if _, err := s.Confirm(ctx, "c1", pending.Token); err != nil {
		t.Errorf("rightful Confirm: %v", err)
	}
}

func TestMutationExpiry(t *testing.T) {
	s := newMutationStore(t, time.Hour)
	ctx := context.Background()

	now := time.Now()
	s.clock = func() time.Time { return now }

	pending, err := s.Preview(ctx, "c1", testMutation())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	s.clock = func() time.Time { return now.Add(2 * time.Hour) }

	if _, err := s.Confirm(ctx, "c1", pending.Token); !errors.Is(err, ErrMutationExpired) {
		t.Errorf("Confirm after window = %v, want ErrMutationExpired", err)
	}
}
