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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stratumops/forecast-chat/services/assistant/catalog"
	"github.com/stratumops/forecast-chat/services/assistant/convo"
	"github.com/stratumops/forecast-chat/services/assistant/diagnosis"
	"github.com/stratumops/forecast-chat/services/assistant/validation"
	"github.com/stratumops/forecast-chat/services/forecast"
	"github.com/stratumops/forecast-chat/services/llm"
	badgerstore "github.com/stratumops/forecast-chat/services/storage/badger"
)

// fakeChat scripts the tool-selection and narration calls and records what
// the loop sent.
type fakeChat struct {
	mu sync.Mutex

	selections []*llm.ChatWithToolsResult
	selectErr  error

	narration    string
	narrationErr error

	toolMessages [][]llm.ChatMessage
	chatMessages [][]llm.ChatMessage
}

func (f *fakeChat) ChatWithTools(_ context.Context, messages []llm.ChatMessage, _ llm.GenerationParams, _ []llm.ToolDef) (*llm.ChatWithToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolMessages = append(f.toolMessages, messages)
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	if len(f.selections) == 0 {
		return &llm.ChatWithToolsResult{Content: "nothing to do", StopReason: llm.StopEnd}, nil
	}
	next := f.selections[0]
	f.selections = f.selections[1:]
	return next, nil
}

func (f *fakeChat) Chat(_ context.Context, messages []llm.ChatMessage, _ llm.GenerationParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatMessages = append(f.chatMessages, messages)
	if f.narrationErr != nil {
		return "", f.narrationErr
	}
	return f.narration, nil
}

// fakeForecast serves catalog options, datasets, and mutations in memory.
type fakeForecast struct {
	mu sync.Mutex

	options    map[forecast.Field][]string
	optionsErr error
	data       *forecast.Dataset
	dataErr    error

	reports []forecast.ReportInfo
	applied []forecast.Mutation
	applyErr error
}

func (f *fakeForecast) FilterOptions(_ context.Context, month, year int, _ map[forecast.Field][]string) (*forecast.Catalog, error) {
	if f.optionsErr != nil {
		return nil, f.optionsErr
	}
	return &forecast.Catalog{Month: month, Year: year, Values: f.options, FetchedAt: time.Now()}, nil
}

func (f *fakeForecast) ForecastData(_ context.Context, _ forecast.Query) (*forecast.Dataset, error) {
	if f.dataErr != nil {
		return nil, f.dataErr
	}
	return f.data, nil
}

func (f *fakeForecast) ListReports(_ context.Context, _ int) ([]forecast.ReportInfo, error) {
	return f.reports, nil
}

func (f *fakeForecast) ApplyMutation(_ context.Context, m forecast.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, m)
	return nil
}

func defaultOptions() map[forecast.Field][]string {
	return map[forecast.Field][]string{
		forecast.FieldPlatform: {"Amisys", "Facets"},
		forecast.FieldMarket:   {"West", "East"},
		forecast.FieldLocality: {"Remote", "Onsite"},
		forecast.FieldState:    {"CA", "TX", "WA"},
		forecast.FieldCaseType: {"Medicaid", "Medicare"},
	}
}

type loopFixture struct {
	loop    *Loop
	chat    *fakeChat
	backend *fakeForecast
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	logger := quietLogger()

	backend := &fakeForecast{
		options: defaultOptions(),
		data:    &forecast.Dataset{RecordCount: 0},
	}
	chat := &fakeChat{narration: "narrated reply"}

	db, err := badgerstore.OpenDB(badgerstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	loop := NewLoop(
		chat,
		backend,
		catalog.New(backend, time.Minute, logger),
		validation.New(),
		diagnosis.New(backend, backend, 0, logger),
		convo.NewManager(convo.NewStore(logger), logger),
		NewMutationStore(db, time.Minute, logger),
		logger,
	)
	return &loopFixture{loop: loop, chat: chat, backend: backend}
}

func toolCall(id, name, args string) llm.ToolCallResponse {
	return llm.ToolCallResponse{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestTurnWithoutToolsPassesReplyThrough(t *testing.T) {
	fx := newLoopFixture(t)
	fx.chat.selections = []*llm.ChatWithToolsResult{
		{Content: "Hello! Which reporting period interests you?", StopReason: llm.StopEnd},
	}

	resp, err := fx.loop.Turn(context.Background(), TurnRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if resp.Reply != "Hello! Which reporting period interests you?" {
		t.Errorf("Reply = %q", resp.Reply)
	}
	if resp.ConversationID == "" {
		t.Error("no conversation id assigned")
	}
	if len(fx.chat.chatMessages) != 0 {
		t.Error("narration call made despite no tool calls")
	}
}

func TestTurnUpdateFiltersCorrectsAndMerges(t *testing.T) {
	fx := newLoopFixture(t)
	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls: []llm.ToolCallResponse{
			toolCall("tc-1", "update_filters",
				`{"mode":"extend","month":4,"year":2025,"platform":["Amysis"],"state":["ca"]}`),
		},
	}}

	resp, err := fx.loop.Turn(context.Background(), TurnRequest{Message: "april 2025, amysis platform in ca"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	if resp.Validation == nil {
		t.Fatal("no validation summary attached")
	}
	if resp.Context == nil || resp.Context.Period == nil || resp.Context.Period.Month != 4 {
		t.Fatalf("period not established: %+v", resp.Context)
	}
	if got := resp.Context.Filters[forecast.FieldPlatform]; len(got) != 1 || got[0] != "Amisys" {
		t.Errorf("platform = %v, want [Amisys]", got)
	}
	if got := resp.Context.Filters[forecast.FieldState]; len(got) != 1 || got[0] != "CA" {
		t.Errorf("state = %v, want [CA]", got)
	}
	if resp.Reply != "narrated reply" {
		t.Errorf("Reply = %q", resp.Reply)
	}

	// The narration call must have seen the tool result payload.
	if len(fx.chat.chatMessages) != 1 {
		t.Fatalf("narration calls = %d, want 1", len(fx.chat.chatMessages))
	}
	last := fx.chat.chatMessages[0][len(fx.chat.chatMessages[0])-1]
	if last.Role != "tool" || last.ToolCallID != "tc-1" {
		t.Errorf("last narration message = %+v", last)
	}
	if !strings.Contains(last.Content, `"status":"ok"`) {
		t.Errorf("tool payload = %s", last.Content)
	}
}

func TestTurnCatalogOutageAppliesFiltersUnvalidated(t *testing.T) {
	fx := newLoopFixture(t)
	fx.backend.optionsErr = errors.New("catalog endpoint down")
	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls: []llm.ToolCallResponse{
			toolCall("tc-1", "update_filters",
				`{"mode":"extend","month":4,"year":2025,"platform":["Amisys"],"state":["california"]}`),
		},
	}}

	resp, err := fx.loop.Turn(context.Background(), TurnRequest{Message: "amisys in california, april 2025"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	// Validation is skipped, not failed: the values reach the context with
	// only trim and state-name normalization applied.
	if got := resp.Context.Filters[forecast.FieldPlatform]; len(got) != 1 || got[0] != "Amisys" {
		t.Errorf("platform = %v, want [Amisys]", got)
	}
	if got := resp.Context.Filters[forecast.FieldState]; len(got) != 1 || got[0] != "CA" {
		t.Errorf("state = %v, want [CA]", got)
	}
	if resp.Validation != nil {
		t.Errorf("validation summary produced without a catalog: %+v", resp.Validation)
	}
	if resp.ErrorCode != "" {
		t.Errorf("ErrorCode = %q; a catalog outage must not fail the tool", resp.ErrorCode)
	}

	payload := fx.chat.chatMessages[0][len(fx.chat.chatMessages[0])-1].Content
	if !strings.Contains(payload, `"status":"ok"`) || !strings.Contains(payload, `"degraded":true`) {
		t.Errorf("tool payload = %s", payload)
	}
}

func TestTurnConfirmBandValueIsHeldAcrossTurns(t *testing.T) {
	fx := newLoopFixture(t)
	ctx := context.Background()

	// Turn 1: "Wst" scores between the thresholds against "West", so it is
	// asked about rather than applied.
	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls: []llm.ToolCallResponse{
			toolCall("tc-1", "update_filters",
				`{"mode":"extend","month":4,"year":2025,"market":["Wst"]}`),
		},
	}}
	resp, err := fx.loop.Turn(ctx, TurnRequest{Message: "wst market, april 2025"})
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if resp.Validation == nil || len(resp.Validation.PendingConfirmations) != 1 {
		t.Fatalf("validation = %+v", resp.Validation)
	}
	if _, ok := resp.Context.Filters[forecast.FieldMarket]; ok {
		t.Errorf("unconfirmed value reached the context: %v", resp.Context.Filters)
	}
	held := resp.Context.PendingConfirmations
	if len(held) != 1 || held[0].RawValue != "Wst" || held[0].Suggested != "West" {
		t.Fatalf("pending confirmations = %+v", held)
	}

	// Turn 2: the model must see the open question even though messages are
	// rebuilt from scratch each turn.
	fx.chat.selections = []*llm.ChatWithToolsResult{
		{Content: "Applying West.", StopReason: llm.StopEnd},
	}
	if _, err := fx.loop.Turn(ctx, TurnRequest{ConversationID: resp.ConversationID, Message: "yes"}); err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	prompt := fx.chat.toolMessages[1][0].Content
	if !strings.Contains(prompt, `"Wst"`) || !strings.Contains(prompt, `"West"`) {
		t.Errorf("system prompt lost the pending confirmation:\n%s", prompt)
	}

	// Turn 3: a validated update replaces the held set.
	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls: []llm.ToolCallResponse{
			toolCall("tc-2", "update_filters", `{"mode":"extend","market":["West"]}`),
		},
	}}
	resp, err = fx.loop.Turn(ctx, TurnRequest{ConversationID: resp.ConversationID, Message: "yes, west"})
	if err != nil {
		t.Fatalf("turn 3: %v", err)
	}
	if got := resp.Context.Filters[forecast.FieldMarket]; len(got) != 1 || got[0] != "West" {
		t.Errorf("market = %v, want [West]", got)
	}
	if len(resp.Context.PendingConfirmations) != 0 {
		t.Errorf("resolved confirmation still held: %+v", resp.Context.PendingConfirmations)
	}
}

func TestTurnSelectedRecordRefSetsContext(t *testing.T) {
	fx := newLoopFixture(t)

	resp, err := fx.loop.Turn(context.Background(), TurnRequest{
		Message:           "tell me about this row",
		SelectedRecordRef: "04-2025-Amisys-Medicaid",
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if resp.Context == nil || resp.Context.SelectedRecord != "04-2025-Amisys-Medicaid" {
		t.Errorf("selected record = %+v", resp.Context)
	}
	prompt := fx.chat.toolMessages[0][0].Content
	if !strings.Contains(prompt, "04-2025-Amisys-Medicaid") {
		t.Errorf("system prompt missing the selection:\n%s", prompt)
	}
}

func TestTurnRejectedValueIsNotMerged(t *testing.T) {
	fx := newLoopFixture(t)
	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls: []llm.ToolCallResponse{
			toolCall("tc-1", "update_filters",
				`{"mode":"extend","month":4,"year":2025,"platform":["Xylophone"]}`),
		},
	}}

	resp, err := fx.loop.Turn(context.Background(), TurnRequest{Message: "xylophone platform"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	if resp.Validation == nil || len(resp.Validation.Rejections) != 1 {
		t.Fatalf("validation = %+v", resp.Validation)
	}
	if _, ok := resp.Context.Filters[forecast.FieldPlatform]; ok {
		t.Errorf("rejected value reached the context: %v", resp.Context.Filters)
	}
}

func TestTurnZeroResultFetchTriggersDiagnosis(t *testing.T) {
	fx := newLoopFixture(t)
	fx.backend.data = &forecast.Dataset{RecordCount: 0}

	// Seed the conversation with a period and a filter so the fetch query
	// carries filters.
	ctx := context.Background()
	seed, err := fx.loop.convos.MergeEntities(ctx, "c1", convo.MergeExtend, convo.Delta{
		Period:  &convo.Period{Month: 4, Year: 2025},
		Filters: map[forecast.Field][]string{forecast.FieldState: {"CA"}},
	})
	if err != nil || seed == nil {
		t.Fatalf("seed: %v", err)
	}

	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCallResponse{toolCall("tc-1", "fetch_data", `{}`)},
	}}

	resp, err := fx.loop.Turn(ctx, TurnRequest{ConversationID: "c1", Message: "show me the data"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	if resp.Diagnosis == nil {
		t.Fatal("no diagnosis attached to zero-result fetch")
	}
	if resp.Diagnosis.FetchCount == 0 {
		t.Error("diagnosis issued no fetches")
	}

	payload := fx.chat.chatMessages[0][len(fx.chat.chatMessages[0])-1].Content
	if !strings.Contains(payload, `"status":"empty"`) {
		t.Errorf("tool payload = %s", payload)
	}
}

func TestTurnUnknownToolIsFoldedNotFatal(t *testing.T) {
	fx := newLoopFixture(t)
	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCallResponse{toolCall("tc-1", "delete_everything", `{}`)},
	}}

	resp, err := fx.loop.Turn(context.Background(), TurnRequest{Message: "do something"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if resp.ErrorCode != string(CodeUnknownTool) {
		t.Errorf("ErrorCode = %q, want %q", resp.ErrorCode, CodeUnknownTool)
	}
	if resp.Reply != "narrated reply" {
		t.Errorf("Reply = %q; the turn should still narrate", resp.Reply)
	}

	payload := fx.chat.chatMessages[0][len(fx.chat.chatMessages[0])-1].Content
	if !strings.Contains(payload, `"status":"error"`) {
		t.Errorf("tool payload = %s", payload)
	}
}

func TestTurnNarrationFailureDegradesToFallback(t *testing.T) {
	fx := newLoopFixture(t)
	fx.backend.data = &forecast.Dataset{
		RecordCount: 2,
		Records: []forecast.Record{
			{"platform": "Amisys", "market": "West", "locality": "Remote", "state": "CA", "case_type": "Medicaid"},
			{"platform": "Amisys", "market": "West", "locality": "Remote", "state": "TX", "case_type": "Medicaid"},
		},
	}
	fx.chat.narrationErr = errors.New("model overloaded")
	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCallResponse{toolCall("tc-1", "fetch_data", `{"month":4,"year":2025}`)},
	}}

	resp, err := fx.loop.Turn(context.Background(), TurnRequest{Message: "show april"})
	if err != nil {
		t.Fatalf("Turn should degrade, not fail: %v", err)
	}
	if resp.ErrorCode != string(CodeLLMFailure) {
		t.Errorf("ErrorCode = %q", resp.ErrorCode)
	}
	if !strings.Contains(resp.Reply, "2") {
		t.Errorf("fallback reply should mention the record count, got %q", resp.Reply)
	}
	if resp.Data == nil || resp.Data.RecordCount != 2 {
		t.Errorf("dataset lost on narration failure: %+v", resp.Data)
	}
}

func TestTurnSelectionFailureIsFatal(t *testing.T) {
	fx := newLoopFixture(t)
	fx.chat.selectErr = errors.New("model unreachable")

	_, err := fx.loop.Turn(context.Background(), TurnRequest{Message: "hi"})
	if err == nil {
		t.Fatal("expected error when tool selection fails")
	}
}

func TestTurnPreviewMutationStagesButDoesNotApply(t *testing.T) {
	fx := newLoopFixture(t)
	ctx := context.Background()

	if _, err := fx.loop.convos.MergeEntities(ctx, "c1", convo.MergeExtend, convo.Delta{
		Period: &convo.Period{Month: 4, Year: 2025},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fx.chat.selections = []*llm.ChatWithToolsResult{{
		StopReason: llm.StopToolUse,
		ToolCalls: []llm.ToolCallResponse{
			toolCall("tc-1", "preview_mutation", `{"record_key":"k1","field":"target_rate","value":4.2}`),
		},
	}}

	resp, err := fx.loop.Turn(ctx, TurnRequest{ConversationID: "c1", Message: "set the rate to 4.2"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}

	if resp.Pending == nil || resp.Pending.Token == "" {
		t.Fatal("no pending mutation returned")
	}
	if len(fx.backend.applied) != 0 {
		t.Fatal("mutation applied without confirmation")
	}

	// Confirming through the loop applies it.
	pending, err := fx.loop.ResolveMutation(ctx, "c1", resp.Pending.Token, true)
	if err != nil {
		t.Fatalf("ResolveMutation: %v", err)
	}
	if pending.State != MutationConfirmed {
		t.Errorf("state = %q", pending.State)
	}
	if len(fx.backend.applied) != 1 || fx.backend.applied[0].NewValue != 4.2 {
		t.Errorf("applied = %+v", fx.backend.applied)
	}
}

func TestTurnToolCallBudget(t *testing.T) {
	fx := newLoopFixture(t)

	var calls []llm.ToolCallResponse
	for i := 0; i < 6; i++ {
		calls = append(calls, toolCall("tc", "list_reports", `{}`))
	}
	fx.chat.selections = []*llm.ChatWithToolsResult{{StopReason: llm.StopToolUse, ToolCalls: calls}}

	if _, err := fx.loop.Turn(context.Background(), TurnRequest{Message: "list everything six times"}); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	// Every call gets a tool result message, but the ones past the budget
	// carry an error payload instead of a listing.
	msgs := fx.chat.chatMessages[0]
	var executed, skipped int
	for _, m := range msgs {
		if m.Role != "tool" {
			continue
		}
		if strings.Contains(m.Content, `"status":"ok"`) {
			executed++
		} else {
			skipped++
		}
	}
	if executed != maxToolCallsPerTurn {
		t.Errorf("executed = %d, want %d", executed, maxToolCallsPerTurn)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
}
