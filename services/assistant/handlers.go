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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stratumops/forecast-chat/services/assistant/convo"
)

// Handlers exposes the chat loop over REST.
//
// Thread Safety: Safe for concurrent use; all state lives in the loop.
type Handlers struct {
	loop   *Loop
	logger *slog.Logger
}

// NewHandlers wraps the loop.
func NewHandlers(loop *Loop, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{loop: loop, logger: logger}
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// httpStatusFor maps an ErrorCode to the REST status.
func httpStatusFor(code ErrorCode) int {
	switch code {
	case CodeBackendUnavailable, CodeCatalogUnavailable:
		return http.StatusBadGateway
	case CodeMutationNotFound:
		return http.StatusNotFound
	case CodeMutationExpired, CodeMutationConsumed:
		return http.StatusConflict
	case CodeUnknownTool, CodeBadToolArgs:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandleTurn handles POST /v1/chat/turn.
//
// Description:
//
//	Runs one chat turn. The response always carries a narrated reply; tool
//	failures degrade the reply rather than failing the request. Only a
//	malformed body or a failed tool-selection call produce an error status.
//
// Response:
//
//	200 OK: TurnResponse
//	400 Bad Request: Missing message
//	502 Bad Gateway: LLM unreachable
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleTurn(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleTurn")

	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_BODY",
		})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "message is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	resp, err := h.loop.Turn(c.Request.Context(), req)
	if err != nil {
		logger.Error("turn failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: "the assistant could not process this turn",
			Code:  string(Classify(err)),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ConfirmRequest is the body for POST /v1/chat/confirm.
type ConfirmRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Token          string `json:"token" binding:"required"`

	// Confirm applies the staged change; false cancels it.
	Confirm bool `json:"confirm"`
}

// ConfirmResponse reports the resolved mutation.
type ConfirmResponse struct {
	Token   string        `json:"token"`
	State   MutationState `json:"state"`
	Applied bool          `json:"applied"`
}

// HandleConfirm handles POST /v1/chat/confirm.
//
// Description:
//
//	Resolves a staged mutation by its server-issued token. Confirmation
//	applies the change to the forecast backend; cancellation discards it.
//	Expired or already-resolved previews return 409.
//
// Response:
//
//	200 OK: ConfirmResponse
//	404 Not Found: Unknown token for this conversation
//	409 Conflict: Preview expired or already resolved
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleConfirm(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleConfirm")

	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_BODY",
		})
		return
	}

	pending, err := h.loop.ResolveMutation(c.Request.Context(), req.ConversationID, req.Token, req.Confirm)
	if err != nil {
		code := Classify(err)
		logger.Warn("mutation resolution failed", "token", req.Token, "code", code)
		c.JSON(httpStatusFor(code), ErrorResponse{
			Error: userMessage(code),
			Code:  string(code),
		})
		return
	}

	c.JSON(http.StatusOK, ConfirmResponse{
		Token:   pending.Token,
		State:   pending.State,
		Applied: pending.State == MutationConfirmed,
	})
}

// HandleGetConversation handles GET /v1/conversations/:id.
func (h *Handlers) HandleGetConversation(c *gin.Context) {
	cc, err := h.loop.Conversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "conversation state could not be loaded",
			Code:  string(CodeInternal),
		})
		return
	}
	c.JSON(http.StatusOK, cc)
}

// ClearRequest is the body for POST /v1/conversations/:id/clear.
type ClearRequest struct {
	KeepPeriod bool `json:"keep_period"`
}

// HandleClearConversation handles POST /v1/conversations/:id/clear.
func (h *Handlers) HandleClearConversation(c *gin.Context) {
	var req ClearRequest
	// An empty body means a full clear.
	_ = c.ShouldBindJSON(&req)

	cc, err := h.loop.ClearConversation(c.Request.Context(), c.Param("id"), req.KeepPeriod)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "conversation could not be cleared",
			Code:  string(CodeInternal),
		})
		return
	}
	c.JSON(http.StatusOK, cc)
}

// NewConversationResponse carries the id issued for a fresh conversation.
type NewConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// HandleNewConversation handles POST /v1/conversations/:id/new. The old
// conversation's context is archived, not deleted, and a fresh id is issued.
func (h *Handlers) HandleNewConversation(c *gin.Context) {
	id, err := h.loop.StartNewConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "conversation could not be archived",
			Code:  string(CodeInternal),
		})
		return
	}
	c.JSON(http.StatusOK, NewConversationResponse{ConversationID: id})
}

// HandleDeleteConversation handles DELETE /v1/conversations/:id.
func (h *Handlers) HandleDeleteConversation(c *gin.Context) {
	if err := h.loop.ForgetConversation(c.Request.Context(), c.Param("id")); err != nil &&
		!errors.Is(err, convo.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "conversation could not be deleted",
			Code:  string(CodeInternal),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// InvalidateRequest is the body for POST /v1/catalog/invalidate.
type InvalidateRequest struct {
	Month int `json:"month" binding:"required,min=1,max=12"`
	Year  int `json:"year" binding:"required,min=2000"`
}

// HandleInvalidateCatalog handles POST /v1/catalog/invalidate.
//
// Description:
//
//	Drops the cached filter catalog for one period. The upload pipeline
//	calls this after replacing a period's report so the next validation
//	sees the new value sets instead of waiting out the TTL.
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleInvalidateCatalog(c *gin.Context) {
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "month (1-12) and year are required",
			Code:  "INVALID_BODY",
		})
		return
	}

	h.loop.InvalidateCatalog(req.Month, req.Year)
	c.Status(http.StatusNoContent)
}

// HandleHealth handles GET /v1/chat/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/chat/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
