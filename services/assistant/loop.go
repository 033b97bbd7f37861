// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistant orchestrates chat turns for the workforce forecast
// assistant: a tool-selection LLM call, local execution of a closed tool set
// against the forecast backend, then a narration LLM call over the tool
// results. All model-visible data comes from tool results; the model never
// fabricates filter values or forecast numbers on its own authority.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/stratumops/forecast-chat/services/assistant/catalog"
	"github.com/stratumops/forecast-chat/services/assistant/convo"
	"github.com/stratumops/forecast-chat/services/assistant/diagnosis"
	"github.com/stratumops/forecast-chat/services/assistant/validation"
	"github.com/stratumops/forecast-chat/services/forecast"
	"github.com/stratumops/forecast-chat/services/llm"
)

// maxToolCallsPerTurn bounds how many tool calls from one selection response
// are executed. Calls past the cap are reported back as skipped.
const maxToolCallsPerTurn = 4

var turnTracer = otel.Tracer("forecastchat.assistant")

// Backend is the forecast service surface the loop needs beyond the catalog
// cache.
type Backend interface {
	forecast.DataFetcher
	ListReports(ctx context.Context, year int) ([]forecast.ReportInfo, error)
	ApplyMutation(ctx context.Context, m forecast.Mutation) error
}

// TurnRequest is one user message addressed to a conversation.
type TurnRequest struct {
	// ConversationID is empty on the first turn; the server assigns one.
	ConversationID string `json:"conversation_id"`

	Message string `json:"message"`

	// SelectedRecordRef is the composite key of a row the user selected in
	// the client UI alongside this message, if any. It is applied to the
	// conversation before the model sees the turn.
	SelectedRecordRef string `json:"selected_record_ref,omitempty"`
}

// PendingChange is the client-visible projection of a staged mutation.
type PendingChange struct {
	Token     string    `json:"token"`
	RecordKey string    `json:"record_key"`
	Field     string    `json:"field"`
	NewValue  float64   `json:"new_value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TurnResponse is the assistant's answer to one turn. Reply always holds the
// narrated text; the structured fields carry whatever the executed tools
// produced so clients can render tables and confirmation prompts directly.
type TurnResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`

	Data       *forecast.Dataset     `json:"data,omitempty"`
	Reports    []forecast.ReportInfo `json:"reports,omitempty"`
	Detail     forecast.Record       `json:"detail,omitempty"`
	Validation *validation.Summary   `json:"validation,omitempty"`
	Diagnosis  *diagnosis.Report     `json:"diagnosis,omitempty"`
	Pending    *PendingChange        `json:"pending_mutation,omitempty"`
	Context    *convo.Context        `json:"context,omitempty"`

	// ErrorCode is set when the turn degraded; Reply still carries a
	// user-safe explanation.
	ErrorCode string `json:"error_code,omitempty"`
}

// Loop wires the tool-selection and narration LLM calls to local tool
// execution.
//
// Thread Safety: Safe for concurrent use across conversations. Turns within
// one conversation are serialized by the context manager's merge operations;
// callers that need strict turn ordering (the WebSocket transport) serialize
// at the transport.
type Loop struct {
	chat      llm.ToolChat
	backend   Backend
	catalog   *catalog.Cache
	validator *validation.Validator
	diag      *diagnosis.Diagnostic
	convos    *convo.Manager
	mutations *MutationStore
	logger    *slog.Logger
}

// NewLoop builds the orchestration loop. All collaborators are required
// except logger.
func NewLoop(chat llm.ToolChat, backend Backend, cat *catalog.Cache,
	validator *validation.Validator, diag *diagnosis.Diagnostic,
	convos *convo.Manager, mutations *MutationStore, logger *slog.Logger) *Loop {

	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		chat:      chat,
		backend:   backend,
		catalog:   cat,
		validator: validator,
		diag:      diag,
		convos:    convos,
		mutations: mutations,
		logger:    logger,
	}
}

// Turn runs one full chat turn.
//
// Description:
//
//	Loads the conversation context, asks the model to select tools for the
//	user's message, executes the selected tools locally, then asks the model
//	to narrate the results. Tool failures are folded into the narration as
//	user-safe text; Turn itself errors only when no reply can be produced at
//	all (the tool-selection call failed).
//
// Thread Safety: This method is safe for concurrent use.
func (l *Loop) Turn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	logger := l.logger.With(slog.String("conversation_id", convID))

	ctx, span := turnTracer.Start(ctx, "assistant.Turn",
		oteltrace.WithAttributes(attribute.String("conversation_id", convID)))
	defer span.End()

	cc, err := l.convos.Get(ctx, convID)
	if err != nil {
		span.SetStatus(codes.Error, "context load failed")
		turnsTotal.WithLabelValues("error", string(Classify(err))).Inc()
		return nil, fmt.Errorf("turn: %w", err)
	}

	// A UI row selection rides along with the message and must be visible to
	// the model from this turn on.
	if req.SelectedRecordRef != "" {
		updated, err := l.convos.SetSelectedRecord(ctx, convID, req.SelectedRecordRef)
		if err != nil {
			logger.Warn("could not apply row selection", slog.String("error", err.Error()))
		} else {
			cc = updated
		}
	}

	resp := &TurnResponse{ConversationID: convID}

	messages := []llm.ChatMessage{
		{Role: "system", Content: systemPrompt(cc)},
		{Role: "user", Content: req.Message},
	}

	selStart := time.Now()
	selection, err := l.chat.ChatWithTools(ctx, messages, llm.GenerationParams{}, ToolDefinitions())
	llmLatencySeconds.WithLabelValues("tool_selection").Observe(time.Since(selStart).Seconds())
	if err != nil {
		logger.Error("tool selection call failed", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool selection failed")
		turnsTotal.WithLabelValues("error", string(CodeLLMFailure)).Inc()
		return nil, fmt.Errorf("turn: tool selection: %w", err)
	}

	if selection.StopReason == llm.StopEnd {
		resp.Reply = selection.Content
		resp.Context = cc
		turnsTotal.WithLabelValues("ok", "").Inc()
		return resp, nil
	}

	// Execute tool calls in order, feeding each result back as a tool turn.
	assistantTurn := llm.ChatMessage{
		Role:      "assistant",
		Content:   selection.Content,
		ToolCalls: selection.ToolCalls,
	}
	messages = append(messages, assistantTurn)
	span.SetAttributes(attribute.Int("tool_calls", len(selection.ToolCalls)))

	for i, tc := range selection.ToolCalls {
		var payload string
		if i >= maxToolCallsPerTurn {
			payload = toolErrorPayload(CodeInternal, "tool call limit reached for this turn; not executed")
			toolCallsTotal.WithLabelValues(tc.Name, "rejected").Inc()
		} else {
			payload = l.executeRaw(ctx, logger, cc, tc, resp)
		}
		messages = append(messages, llm.ChatMessage{
			Role:       "tool",
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    payload,
		})
	}

	// Reload the context so the response reflects merges made by tools.
	if updated, err := l.convos.Get(ctx, convID); err == nil {
		cc = updated
	}
	resp.Context = cc

	narStart := time.Now()
	reply, err := l.chat.Chat(ctx, messages, llm.GenerationParams{})
	llmLatencySeconds.WithLabelValues("narration").Observe(time.Since(narStart).Seconds())
	if err != nil {
		// The tools already ran; degrade to a deterministic reply rather
		// than discarding their results.
		logger.Warn("narration call failed", slog.String("error", err.Error()))
		resp.Reply = fallbackReply(resp)
		resp.ErrorCode = string(CodeLLMFailure)
		turnsTotal.WithLabelValues("error", string(CodeLLMFailure)).Inc()
		return resp, nil
	}

	resp.Reply = reply
	turnsTotal.WithLabelValues("ok", "").Inc()
	return resp, nil
}

// executeRaw parses and dispatches one tool call, returning the JSON payload
// handed back to the model. Errors become user-safe payloads, never panics
// or dropped turns.
func (l *Loop) executeRaw(ctx context.Context, logger *slog.Logger, cc *convo.Context,
	tc llm.ToolCallResponse, resp *TurnResponse) string {

	call, err := ParseToolCall(tc)
	if err != nil {
		logger.Warn("rejected tool call",
			slog.String("tool", tc.Name),
			slog.String("error", err.Error()),
		)
		toolCallsTotal.WithLabelValues(tc.Name, "rejected").Inc()
		code := Classify(err)
		resp.ErrorCode = string(code)
		return toolErrorPayload(code, "the requested action could not be interpreted and was not executed")
	}

	payload, err := l.execute(ctx, logger, cc, call, resp)
	if err != nil {
		code := Classify(err)
		logger.Warn("tool execution failed",
			slog.String("tool", string(call.Kind)),
			slog.String("code", string(code)),
			slog.String("error", err.Error()),
		)
		toolCallsTotal.WithLabelValues(string(call.Kind), "error").Inc()
		resp.ErrorCode = string(code)
		return toolErrorPayload(code, userMessage(code))
	}

	toolCallsTotal.WithLabelValues(string(call.Kind), "ok").Inc()
	return payload
}

func (l *Loop) execute(ctx context.Context, logger *slog.Logger, cc *convo.Context,
	call *ToolCall, resp *TurnResponse) (string, error) {

	switch call.Kind {
	case ToolUpdateFilters:
		return l.execUpdateFilters(ctx, cc, call.UpdateFilters, resp)
	case ToolFetchData:
		return l.execFetchData(ctx, logger, cc, call.FetchData, resp)
	case ToolListReports:
		return l.execListReports(ctx, call.ListReports, resp)
	case ToolGetRowDetail:
		return l.execGetRowDetail(ctx, cc, call.GetRowDetail, resp)
	case ToolPreviewMutation:
		return l.execPreviewMutation(ctx, cc, call.PreviewMutation, resp)
	case ToolClearContext:
		return l.execClearContext(ctx, cc, call.ClearContext)
	default:
		return "", ErrUnknownTool
	}
}

// execUpdateFilters validates the raw values against the period's catalog
// and merges only auto-corrected values into the context. Values needing
// confirmation or rejected outright are reported, not stored.
func (l *Loop) execUpdateFilters(ctx context.Context, cc *convo.Context,
	args *UpdateFiltersArgs, resp *TurnResponse) (string, error) {

	mode, err := args.MergeMode()
	if err != nil {
		return "", err
	}

	period := cc.Period
	if args.Month > 0 && args.Year > 0 {
		period = &convo.Period{Month: args.Month, Year: args.Year}
	}

	raw := args.FilterMap()

	if len(raw) > 0 && period == nil {
		return jsonPayload(map[string]any{
			"status": "need_period",
			"detail": "no reporting period is established; ask the user which month and year",
		}), nil
	}

	delta := convo.Delta{
		TotalsOnly:     args.TotalsOnly,
		ForecastMonths: args.ForecastMonths,
		KeepPeriod:     args.KeepPeriod,
	}
	if args.Month > 0 && args.Year > 0 {
		delta.Period = &convo.Period{Month: args.Month, Year: args.Year}
	}

	var summary *validation.Summary
	degraded := false
	if len(raw) > 0 {
		cat, err := l.catalog.Get(ctx, period.Month, period.Year)
		switch {
		case errors.Is(err, catalog.ErrCatalogUnavailable):
			// Without a catalog there is nothing to score against. The query
			// proceeds with the values as given rather than blocking on
			// validation; the backend treats mismatches as empty results.
			degraded = true
			delta.Filters = normalizeUnvalidated(raw)
			delta.Pending = &[]convo.PendingConfirmation{}
			l.logger.Warn("filter catalog unavailable; applying filters unvalidated",
				slog.Int("month", period.Month),
				slog.Int("year", period.Year),
			)
		case err != nil:
			return "", err
		default:
			summary = l.validator.Validate(raw, cat)
			for _, o := range summary.Outcomes {
				validationOutcomesTotal.WithLabelValues(string(o.Field), string(o.Tier)).Inc()
			}
			delta.Filters = summary.Resolved
			resp.Validation = summary

			// Confirmation questions outlive the turn: the stored set is
			// replaced on every validated update so a follow-up "yes" lands
			// on what was actually asked.
			pending := make([]convo.PendingConfirmation, 0, len(summary.PendingConfirmations))
			for _, o := range summary.PendingConfirmations {
				pending = append(pending, convo.PendingConfirmation{
					Field:     o.Field,
					RawValue:  o.RawValue,
					Suggested: o.Corrected,
				})
			}
			delta.Pending = &pending
		}
	}

	updated, err := l.convos.MergeEntities(ctx, cc.ConversationID, mode, delta)
	if err != nil {
		return "", err
	}
	*cc = *updated

	result := map[string]any{
		"status":  "ok",
		"filters": updated.Filters,
	}
	if updated.Period != nil {
		result["period"] = updated.Period
	}
	if degraded {
		result["degraded"] = true
		result["detail"] = "filter options could not be loaded; the values were applied without being checked"
	}
	if summary != nil {
		if len(summary.PendingConfirmations) > 0 {
			result["needs_confirmation"] = summary.PendingConfirmations
		}
		if len(summary.Rejections) > 0 {
			result["rejected"] = summary.Rejections
		}
		if summary.CorrectionCount > 0 {
			result["corrections"] = summary.CorrectionCount
		}
	}
	return jsonPayload(result), nil
}

// normalizeUnvalidated applies the validator's pre-scoring normalization to
// raw filter values when no catalog is available to score them against.
func normalizeUnvalidated(raw map[forecast.Field][]string) map[forecast.Field][]string {
	out := make(map[forecast.Field][]string, len(raw))
	for f, vals := range raw {
		for _, v := range vals {
			out[f] = append(out[f], validation.NormalizeRaw(f, v))
		}
	}
	return out
}

// execFetchData fetches the dataset for the context's query. A zero-result
// fetch with filters applied triggers combination diagnosis so the narration
// can say which filter emptied the result and what would work instead.
func (l *Loop) execFetchData(ctx context.Context, logger *slog.Logger, cc *convo.Context,
	args *FetchDataArgs, resp *TurnResponse) (string, error) {

	if args.Month > 0 && args.Year > 0 && !cc.HasPeriod() {
		updated, err := l.convos.MergeEntities(ctx, cc.ConversationID, convo.MergeExtend, convo.Delta{
			Period: &convo.Period{Month: args.Month, Year: args.Year},
		})
		if err != nil {
			return "", err
		}
		*cc = *updated
	}

	if !cc.HasPeriod() {
		return jsonPayload(map[string]any{
			"status": "need_period",
			"detail": "no reporting period is established; ask the user which month and year",
		}), nil
	}

	q := cc.Query()
	if args.TotalsOnly != nil {
		q.TotalsOnly = *args.TotalsOnly
	}

	ds, err := l.backend.ForecastData(ctx, q)
	if err != nil {
		return "", err
	}
	resp.Data = ds

	shape := "table"
	if q.TotalsOnly {
		shape = "totals"
	}
	if updated, err := l.convos.SetLastShape(ctx, cc.ConversationID, shape); err == nil {
		*cc = *updated
	}

	result := map[string]any{
		"status":       "ok",
		"record_count": ds.RecordCount,
		"totals":       ds.Totals,
	}

	if ds.RecordCount == 0 && len(q.Filters) > 0 {
		report := l.diag.Diagnose(ctx, q)
		diagnosisFetches.Observe(float64(report.FetchCount))
		resp.Diagnosis = report
		result["status"] = "empty"
		result["diagnosis"] = report
		logger.Info("zero-result fetch diagnosed",
			slog.String("culprit", report.Culprit),
			slog.Int("fetches", report.FetchCount),
		)
	} else if !q.TotalsOnly {
		result["records"] = previewRecords(ds.Records)
	}

	return jsonPayload(result), nil
}

func (l *Loop) execListReports(ctx context.Context, args *ListReportsArgs, resp *TurnResponse) (string, error) {
	reports, err := l.backend.ListReports(ctx, args.Year)
	if err != nil {
		return "", err
	}
	resp.Reports = reports
	return jsonPayload(map[string]any{
		"status":  "ok",
		"reports": reports,
	}), nil
}

func (l *Loop) execGetRowDetail(ctx context.Context, cc *convo.Context,
	args *GetRowDetailArgs, resp *TurnResponse) (string, error) {

	key := args.RecordKey
	if key == "" {
		key = cc.SelectedRecord
	}
	if key == "" {
		return jsonPayload(map[string]any{
			"status": "need_record",
			"detail": "no row is selected; ask the user which row they mean",
		}), nil
	}
	if !cc.HasPeriod() {
		return jsonPayload(map[string]any{
			"status": "need_period",
			"detail": "no reporting period is established",
		}), nil
	}

	// Row detail is resolved from a full-period fetch; the backend has no
	// by-key endpoint.
	q := cc.Query()
	q.TotalsOnly = false
	ds, err := l.backend.ForecastData(ctx, q)
	if err != nil {
		return "", err
	}

	for _, rec := range ds.Records {
		if rec.CompositeKey(q.Month, q.Year) == key {
			resp.Detail = rec
			if updated, err := l.convos.SetSelectedRecord(ctx, cc.ConversationID, key); err == nil {
				*cc = *updated
			}
			if updated, err := l.convos.SetLastShape(ctx, cc.ConversationID, "detail"); err == nil {
				*cc = *updated
			}
			return jsonPayload(map[string]any{
				"status": "ok",
				"record": rec,
			}), nil
		}
	}

	return jsonPayload(map[string]any{
		"status": "not_found",
		"detail": "no row matches that key in the current period and filters",
	}), nil
}

func (l *Loop) execPreviewMutation(ctx context.Context, cc *convo.Context,
	args *PreviewMutationArgs, resp *TurnResponse) (string, error) {

	if !cc.HasPeriod() {
		return jsonPayload(map[string]any{
			"status": "need_period",
			"detail": "no reporting period is established",
		}), nil
	}

	m := forecast.Mutation{
		Kind:      "set_field",
		Month:     cc.Period.Month,
		Year:      cc.Period.Year,
		RecordKey: args.RecordKey,
		Field:     args.Field,
		NewValue:  args.Value,
	}

	pending, err := l.mutations.Preview(ctx, cc.ConversationID, m)
	if err != nil {
		return "", err
	}
	mutationsTotal.WithLabelValues(string(MutationPreviewed)).Inc()

	resp.Pending = &PendingChange{
		Token:     pending.Token,
		RecordKey: args.RecordKey,
		Field:     args.Field,
		NewValue:  args.Value,
		ExpiresAt: pending.ExpiresAt,
	}

	return jsonPayload(map[string]any{
		"status":     "previewed",
		"detail":     "nothing was written; the user must explicitly confirm this change",
		"field":      args.Field,
		"new_value":  args.Value,
		"record_key": args.RecordKey,
		"expires_at": pending.ExpiresAt,
	}), nil
}

func (l *Loop) execClearContext(ctx context.Context, cc *convo.Context, args *ClearContextArgs) (string, error) {
	updated, err := l.convos.Clear(ctx, cc.ConversationID, args.KeepPeriod)
	if err != nil {
		return "", err
	}
	*cc = *updated

	result := map[string]any{"status": "ok", "detail": "context cleared"}
	if args.KeepPeriod && updated.Period != nil {
		result["period"] = updated.Period
	}
	return jsonPayload(result), nil
}

// ResolveMutation confirms or cancels a staged mutation. Confirmation
// applies the mutation to the backend; failure to apply leaves the preview
// consumed, matching the backend's at-most-once application.
func (l *Loop) ResolveMutation(ctx context.Context, conversationID, token string, confirm bool) (*PendingMutation, error) {
	if !confirm {
		pending, err := l.mutations.Cancel(ctx, conversationID, token)
		if err != nil {
			return nil, err
		}
		mutationsTotal.WithLabelValues(string(MutationCancelled)).Inc()
		return pending, nil
	}

	pending, err := l.mutations.Confirm(ctx, conversationID, token)
	if err != nil {
		return nil, err
	}
	mutationsTotal.WithLabelValues(string(MutationConfirmed)).Inc()

	if err := l.backend.ApplyMutation(ctx, pending.Mutation); err != nil {
		return nil, fmt.Errorf("applying confirmed mutation: %w", err)
	}
	return pending, nil
}

// InvalidateCatalog drops the cached filter catalog for a period. Called
// when a new report upload replaces the period's data.
func (l *Loop) InvalidateCatalog(month, year int) {
	l.catalog.Invalidate(month, year)
}

// Conversation exposes the stored context for GET endpoints.
func (l *Loop) Conversation(ctx context.Context, id string) (*convo.Context, error) {
	return l.convos.Get(ctx, id)
}

// ClearConversation resets a conversation outside a chat turn.
func (l *Loop) ClearConversation(ctx context.Context, id string, keepPeriod bool) (*convo.Context, error) {
	return l.convos.Clear(ctx, id, keepPeriod)
}

// ForgetConversation deletes all stored state for a conversation.
func (l *Loop) ForgetConversation(ctx context.Context, id string) error {
	return l.convos.Forget(ctx, id)
}

// StartNewConversation archives id's current context and returns a fresh
// conversation id for the caller to continue under.
func (l *Loop) StartNewConversation(ctx context.Context, id string) (string, error) {
	if err := l.convos.Archive(ctx, id); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// systemPrompt renders the standing instructions plus the conversation's
// current state so the model sees established filters without re-fetching.
func systemPrompt(cc *convo.Context) string {
	var b strings.Builder
	b.WriteString("You are a workforce forecasting assistant. You answer questions about ")
	b.WriteString("uploaded forecast reports using the provided tools. Rules:\n")
	b.WriteString("- Never invent filter values or forecast numbers; only report what tools return.\n")
	b.WriteString("- Filter values the user gives may be misspelled. The update_filters tool checks them; ")
	b.WriteString("relay its corrections, confirmation questions, and rejections faithfully.\n")
	b.WriteString("- Data edits are two-phase: preview_mutation only stages a change. Tell the user to ")
	b.WriteString("confirm or cancel; never claim a change was applied.\n")
	b.WriteString("- When a fetch returns no rows, explain the diagnosis result: which filter caused it ")
	b.WriteString("and what alternatives exist.\n")

	b.WriteString("\nCurrent conversation state:\n")
	if cc.HasPeriod() {
		fmt.Fprintf(&b, "- reporting period: %02d-%d\n", cc.Period.Month, cc.Period.Year)
	} else {
		b.WriteString("- reporting period: not set\n")
	}
	if len(cc.Filters) == 0 {
		b.WriteString("- filters: none\n")
	} else {
		for _, f := range forecast.CatalogFields {
			if vals, ok := cc.Filters[f]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", f, strings.Join(vals, ", "))
			}
		}
	}
	if len(cc.ForecastMonths) > 0 {
		fmt.Fprintf(&b, "- forecast months: %v\n", cc.ForecastMonths)
	}
	if cc.SelectedRecord != "" {
		fmt.Fprintf(&b, "- selected row: %s\n", cc.SelectedRecord)
	}
	if cc.Preferences.ShowTotalsOnly {
		b.WriteString("- preference: totals only\n")
	}
	for _, p := range cc.PendingConfirmations {
		fmt.Fprintf(&b, "- awaiting confirmation: the user wrote %s value %q; it was not applied. "+
			"If the user confirms %q, call update_filters with that value; if they decline, ask for another.\n",
			p.Field, p.RawValue, p.Suggested)
	}
	return b.String()
}

// previewRecords caps the rows echoed into the model's tool result. The full
// dataset still reaches the client via TurnResponse.Data.
func previewRecords(records []forecast.Record) []forecast.Record {
	const limit = 20
	if len(records) <= limit {
		return records
	}
	return records[:limit]
}

// fallbackReply builds a deterministic reply from tool outputs when the
// narration call fails.
func fallbackReply(resp *TurnResponse) string {
	switch {
	case resp.Diagnosis != nil:
		return "The requested combination returned no data. " + resp.Diagnosis.Note
	case resp.Data != nil:
		return fmt.Sprintf("Found %d matching forecast records.", resp.Data.RecordCount)
	case resp.Pending != nil:
		return fmt.Sprintf("A change to %s is staged and awaiting your confirmation.", resp.Pending.Field)
	case len(resp.Reports) > 0:
		return fmt.Sprintf("%d reporting periods have data available.", len(resp.Reports))
	case resp.ErrorCode != "":
		return userMessage(ErrorCode(resp.ErrorCode))
	default:
		return "Your request was processed, but a summary could not be generated. Please ask again."
	}
}

func toolErrorPayload(code ErrorCode, detail string) string {
	return jsonPayload(map[string]any{
		"status": "error",
		"code":   code,
		"detail": detail,
	})
}

func jsonPayload(v map[string]any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return `{"status":"error","code":"INTERNAL","detail":"result could not be encoded"}`
	}
	return string(raw)
}
