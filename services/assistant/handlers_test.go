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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/stratumops/forecast-chat/services/assistant/convo"
	"github.com/stratumops/forecast-chat/services/forecast"
	"github.com/stratumops/forecast-chat/services/llm"
)

func newTestRouter(t *testing.T) (*gin.Engine, *loopFixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fx := newLoopFixture(t)
	handlers := NewHandlers(fx.loop, quietLogger())

	engine := gin.New()
	RegisterRoutes(engine.Group("/v1"), handlers, nil)
	return engine, fx
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandleTurnMissingMessage(t *testing.T) {
	engine, _ := newTestRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/chat/turn", `{"conversation_id":"c1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if resp.Code != "MISSING_PARAMETER" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestHandleTurnMalformedBody(t *testing.T) {
	engine, _ := newTestRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/chat/turn", `{"message": `)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleTurnSuccess(t *testing.T) {
	engine, fx := newTestRouter(t)
	fx.chat.selections = []*llm.ChatWithToolsResult{
		{Content: "Which period?", StopReason: llm.StopEnd},
	}

	w := doJSON(t, engine, http.MethodPost, "/v1/chat/turn", `{"message":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp TurnResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Reply != "Which period?" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.ConversationID == "" {
		t.Error("no conversation id in response")
	}
}

func TestHandleTurnSelectionFailureMapsToBadGateway(t *testing.T) {
	engine, fx := newTestRouter(t)
	fx.chat.selectErr = context.DeadlineExceeded

	w := doJSON(t, engine, http.MethodPost, "/v1/chat/turn", `{"message":"hello"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestHandleConfirmUnknownToken(t *testing.T) {
	engine, _ := newTestRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/chat/confirm",
		`{"conversation_id":"c1","token":"no-such-token","confirm":true}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if resp.Code != string(CodeMutationNotFound) {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestHandleConfirmResolvedTokenConflicts(t *testing.T) {
	engine, fx := newTestRouter(t)

	pending, err := fx.loop.mutations.Preview(context.Background(), "c1", forecast.Mutation{
		Kind: "set_field", Month: 4, Year: 2025, RecordKey: "k1", Field: "target_rate", NewValue: 3.5,
	})
	if err != nil {
		t.Fatalf("staging preview: %v", err)
	}

	body := `{"conversation_id":"c1","token":"` + pending.Token + `","confirm":true}`

	w := doJSON(t, engine, http.MethodPost, "/v1/chat/confirm", body)
	if w.Code != http.StatusOK {
		t.Fatalf("first confirm: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ConfirmResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if !resp.Applied || resp.State != MutationConfirmed {
		t.Errorf("first confirm = %+v", resp)
	}
	if len(fx.backend.applied) != 1 {
		t.Errorf("backend applications = %d, want 1", len(fx.backend.applied))
	}

	// A duplicate confirm must not re-apply.
	w = doJSON(t, engine, http.MethodPost, "/v1/chat/confirm", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("second confirm: status = %d, want 409", w.Code)
	}
	if len(fx.backend.applied) != 1 {
		t.Errorf("backend applications after duplicate = %d, want 1", len(fx.backend.applied))
	}
}

func TestHandleConfirmCancelDoesNotApply(t *testing.T) {
	engine, fx := newTestRouter(t)

	pending, err := fx.loop.mutations.Preview(context.Background(), "c1", forecast.Mutation{
		Kind: "set_field", Month: 4, Year: 2025, RecordKey: "k1", Field: "target_rate", NewValue: 3.5,
	})
	if err != nil {
		t.Fatalf("staging preview: %v", err)
	}

	w := doJSON(t, engine, http.MethodPost, "/v1/chat/confirm",
		`{"conversation_id":"c1","token":"`+pending.Token+`","confirm":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp ConfirmResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Applied || resp.State != MutationCancelled {
		t.Errorf("cancel response = %+v", resp)
	}
	if len(fx.backend.applied) != 0 {
		t.Error("cancelled mutation reached the backend")
	}
}

func TestHandleConfirmMissingToken(t *testing.T) {
	engine, _ := newTestRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/chat/confirm", `{"conversation_id":"c1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	engine, fx := newTestRouter(t)
	ctx := context.Background()

	if _, err := fx.loop.convos.MergeEntities(ctx, "c1", convo.MergeExtend, convo.Delta{
		Period:  &convo.Period{Month: 4, Year: 2025},
		Filters: map[forecast.Field][]string{forecast.FieldState: {"CA"}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, engine, http.MethodGet, "/v1/conversations/c1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	var cc convo.Context
	if err := json.Unmarshal(w.Body.Bytes(), &cc); err != nil {
		t.Fatalf("decoding context: %v", err)
	}
	if cc.Period == nil || cc.Period.Month != 4 {
		t.Errorf("context = %+v", cc)
	}

	// Clearing with keep_period retains the period and drops the filters.
	// Decode into a fresh value: omitted fields must read as absent, not as
	// leftovers from the previous response.
	w = doJSON(t, engine, http.MethodPost, "/v1/conversations/c1/clear", `{"keep_period":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("clear: status = %d", w.Code)
	}
	var cleared convo.Context
	if err := json.Unmarshal(w.Body.Bytes(), &cleared); err != nil {
		t.Fatalf("decoding cleared context: %v", err)
	}
	if cleared.Period == nil || cleared.Period.Month != 4 {
		t.Errorf("period lost on keep_period clear: %+v", cleared.Period)
	}
	if len(cleared.Filters) != 0 {
		t.Errorf("filters survived clear: %v", cleared.Filters)
	}

	w = doJSON(t, engine, http.MethodDelete, "/v1/conversations/c1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", w.Code)
	}

	// Deleting an unknown conversation is idempotent.
	w = doJSON(t, engine, http.MethodDelete, "/v1/conversations/never-existed", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete unknown: status = %d", w.Code)
	}
}

func TestHandleNewConversationIssuesFreshID(t *testing.T) {
	engine, fx := newTestRouter(t)
	ctx := context.Background()

	if _, err := fx.loop.convos.MergeEntities(ctx, "c1", convo.MergeExtend, convo.Delta{
		Filters: map[forecast.Field][]string{forecast.FieldState: {"CA"}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := doJSON(t, engine, http.MethodPost, "/v1/conversations/c1/new", "")
	if w.Code != http.StatusOK {
		t.Fatalf("new: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp NewConversationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ConversationID == "" || resp.ConversationID == "c1" {
		t.Errorf("conversation_id = %q, want a fresh id", resp.ConversationID)
	}

	// The old context is archived, not carried into the live id.
	cc, err := fx.loop.Conversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get live: %v", err)
	}
	if len(cc.Filters) != 0 {
		t.Errorf("live context kept filters after archive: %v", cc.Filters)
	}
	archived, err := fx.loop.Conversation(ctx, "archived:c1")
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if len(archived.Filters[forecast.FieldState]) != 1 {
		t.Errorf("archived context missing filters: %v", archived.Filters)
	}
}

func TestHandleInvalidateCatalog(t *testing.T) {
	engine, _ := newTestRouter(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"month":4,"year":2025}`, http.StatusNoContent},
		{"month out of range", `{"month":13,"year":2025}`, http.StatusBadRequest},
		{"missing year", `{"month":4}`, http.StatusBadRequest},
		{"year too old", `{"month":4,"year":1999}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, engine, http.MethodPost, "/v1/catalog/invalidate", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	engine, _ := newTestRouter(t)

	for _, path := range []string{"/v1/chat/health", "/v1/chat/ready"} {
		w := doJSON(t, engine, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
}
