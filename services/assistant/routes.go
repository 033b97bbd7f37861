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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all assistant routes with the router group.
//
// Description:
//
//	Registers the /v1 chat endpoints. The group should already carry any
//	required middleware (tracing, recovery).
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//	ws - The WebSocket handler, or nil to skip the streaming transport
//
// Endpoints:
//
//	POST /v1/chat/turn - Run one chat turn
//	POST /v1/chat/confirm - Confirm or cancel a staged mutation
//	GET  /v1/chat/ws - WebSocket chat transport
//	GET  /v1/chat/health - Health check
//	GET  /v1/chat/ready - Readiness check
//
//	GET    /v1/conversations/:id - Get conversation context
//	POST   /v1/conversations/:id/clear - Reset conversation context
//	POST   /v1/conversations/:id/new - Archive context and issue a fresh id
//	DELETE /v1/conversations/:id - Delete conversation state
//
//	POST /v1/catalog/invalidate - Drop a period's cached filter catalog
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, ws *WSHandler) {
	chat := rg.Group("/chat")
	{
		chat.POST("/turn", handlers.HandleTurn)
		chat.POST("/confirm", handlers.HandleConfirm)

		if ws != nil {
			chat.GET("/ws", ws.HandleWS)
		}

		chat.GET("/health", handlers.HandleHealth)
		chat.GET("/ready", handlers.HandleReady)
	}

	conversations := rg.Group("/conversations")
	{
		conversations.GET("/:id", handlers.HandleGetConversation)
		conversations.POST("/:id/clear", handlers.HandleClearConversation)
		conversations.POST("/:id/new", handlers.HandleNewConversation)
		conversations.DELETE("/:id", handlers.HandleDeleteConversation)
	}

	rg.POST("/catalog/invalidate", handlers.HandleInvalidateCatalog)
}
