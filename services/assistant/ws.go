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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stratumops/forecast-chat/services/assistant/convo"
)

const (
	// wsMaxMessageBytes bounds one inbound chat message.
	wsMaxMessageBytes = 64 * 1024

	// wsTurnTimeout bounds one turn including both LLM calls.
	wsTurnTimeout = 2 * time.Minute

	wsWriteTimeout = 10 * time.Second
)

// WSMessage is the envelope for both directions of the chat socket.
type WSMessage struct {
	// Type is "turn", "confirm", "clear", or "new_conversation" inbound;
	// "response", "confirmation", "context", "conversation", or "error"
	// outbound.
	Type string `json:"type"`

	Turn    *TurnRequest    `json:"turn,omitempty"`
	Confirm *ConfirmRequest `json:"confirm,omitempty"`
	Control *ControlRequest `json:"control,omitempty"`

	Response        *TurnResponse            `json:"response,omitempty"`
	Confirmation    *ConfirmResponse         `json:"confirmation,omitempty"`
	Context         *convo.Context           `json:"context,omitempty"`
	NewConversation *NewConversationResponse `json:"new_conversation,omitempty"`
	Error           *ErrorResponse           `json:"error,omitempty"`
}

// ControlRequest drives the conversation control messages on the socket.
type ControlRequest struct {
	ConversationID string `json:"conversation_id"`

	// KeepPeriod retains the reporting period on a clear.
	KeepPeriod bool `json:"keep_period,omitempty"`
}

// WSHandler serves the chat loop over a WebSocket.
//
// Description:
//
//	Each connection is one chat session. Messages are processed strictly in
//	arrival order on a single goroutine per connection, so a client never
//	sees turn N+1's reply before turn N's. Slow turns block the connection's
//	own queue only.
//
// Thread Safety: Safe for concurrent use across connections.
type WSHandler struct {
	loop     *Loop
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler builds the WebSocket transport.
func NewWSHandler(loop *Loop, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		loop:   loop,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks belong to the fronting proxy in this deployment.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS handles GET /v1/chat/ws.
func (h *WSHandler) HandleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessageBytes)

	logger := h.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("chat socket opened")

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("chat socket read failed", "error", err)
			}
			logger.Info("chat socket closed")
			return
		}

		out := h.dispatch(c.Request.Context(), logger, &msg)

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(out); err != nil {
			logger.Warn("chat socket write failed", "error", err)
			return
		}
	}
}

func (h *WSHandler) dispatch(parent context.Context, logger *slog.Logger, msg *WSMessage) *WSMessage {
	ctx, cancel := context.WithTimeout(parent, wsTurnTimeout)
	defer cancel()

	switch msg.Type {
	case "turn":
		if msg.Turn == nil || msg.Turn.Message == "" {
			return wsError("INVALID_BODY", "turn message is required")
		}
		resp, err := h.loop.Turn(ctx, *msg.Turn)
		if err != nil {
			logger.Error("socket turn failed", "error", err)
			return wsError(string(Classify(err)), "the assistant could not process this turn")
		}
		return &WSMessage{Type: "response", Response: resp}

	case "confirm":
		if msg.Confirm == nil {
			return wsError("INVALID_BODY", "confirm payload is required")
		}
		pending, err := h.loop.ResolveMutation(ctx, msg.Confirm.ConversationID, msg.Confirm.Token, msg.Confirm.Confirm)
		if err != nil {
			code := Classify(err)
			return wsError(string(code), userMessage(code))
		}
		return &WSMessage{Type: "confirmation", Confirmation: &ConfirmResponse{
			Token:   pending.Token,
			State:   pending.State,
			Applied: pending.State == MutationConfirmed,
		}}

	case "clear":
		if msg.Control == nil || msg.Control.ConversationID == "" {
			return wsError("INVALID_BODY", "control conversation_id is required")
		}
		cc, err := h.loop.ClearConversation(ctx, msg.Control.ConversationID, msg.Control.KeepPeriod)
		if err != nil {
			logger.Error("socket clear failed", "error", err)
			return wsError(string(CodeInternal), "conversation could not be cleared")
		}
		return &WSMessage{Type: "context", Context: cc}

	case "new_conversation":
		if msg.Control == nil || msg.Control.ConversationID == "" {
			return wsError("INVALID_BODY", "control conversation_id is required")
		}
		id, err := h.loop.StartNewConversation(ctx, msg.Control.ConversationID)
		if err != nil {
			logger.Error("socket archive failed", "error", err)
			return wsError(string(CodeInternal), "conversation could not be archived")
		}
		return &WSMessage{Type: "conversation", NewConversation: &NewConversationResponse{ConversationID: id}}

	default:
		return wsError("UNKNOWN_TYPE", "message type must be a known chat or control type")
	}
}

func wsError(code, detail string) *WSMessage {
	return &WSMessage{Type: "error", Error: &ErrorResponse{Error: detail, Code: code}}
}
