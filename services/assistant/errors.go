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

	"github.com/stratumops/forecast-chat/services/assistant/catalog"
	"github.com/stratumops/forecast-chat/services/forecast"
)

// Sentinel errors for the mutation lifecycle and tool dispatch.
var (
	// ErrMutationNotFound means no pending mutation exists for the token.
	ErrMutationNotFound = errors.New("assistant: pending mutation not found")

	// ErrMutationExpired means the preview's confirmation window lapsed.
	ErrMutationExpired = errors.New("assistant: pending mutation expired")

	// ErrMutationConsumed means the preview was already confirmed or cancelled.
	ErrMutationConsumed = errors.New("assistant: pending mutation already resolved")

	// ErrUnknownTool means the model called a tool outside the closed set.
	ErrUnknownTool = errors.New("assistant: unknown tool")

	// ErrBadToolArgs means the tool arguments failed to decode or validate.
	ErrBadToolArgs = errors.New("assistant: invalid tool arguments")
)

// ErrorCode classifies a turn failure for API clients and metrics labels.
type ErrorCode string

const (
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	CodeCatalogUnavailable ErrorCode = "CATALOG_UNAVAILABLE"
	CodeMutationNotFound   ErrorCode = "MUTATION_NOT_FOUND"
	CodeMutationExpired    ErrorCode = "MUTATION_EXPIRED"
	CodeMutationConsumed   ErrorCode = "MUTATION_CONSUMED"
	CodeUnknownTool        ErrorCode = "UNKNOWN_TOOL"
	CodeBadToolArgs        ErrorCode = "BAD_TOOL_ARGS"
	CodeLLMFailure         ErrorCode = "LLM_FAILURE"
	CodeInternal           ErrorCode = "INTERNAL"
)

// Classify maps an error to its ErrorCode.
func Classify(err error) ErrorCode {
	switch {
	case errors.Is(err, forecast.ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, catalog.ErrCatalogUnavailable):
		return CodeCatalogUnavailable
	case errors.Is(err, ErrMutationExpired):
		return CodeMutationExpired
	case errors.Is(err, ErrMutationConsumed):
		return CodeMutationConsumed
	case errors.Is(err, ErrMutationNotFound):
		return CodeMutationNotFound
	case errors.Is(err, ErrUnknownTool):
		return CodeUnknownTool
	case errors.Is(err, ErrBadToolArgs):
		return CodeBadToolArgs
	default:
		return CodeInternal
	}
}

// userMessage renders an error as text safe to fold into the assistant's
// reply. Raw error strings never reach the chat; the model narrates these.
func userMessage(code ErrorCode) string {
	switch code {
	case CodeBackendUnavailable:
		return "The forecast data service is not responding right now. Your request was not lost; please try again in a moment."
	case CodeCatalogUnavailable:
		return "Filter options could not be loaded, so values cannot be checked right now. Please try again shortly."
	case CodeMutationExpired:
		return "That pending change expired before it was confirmed. No data was modified. Ask for the change again if you still want it."
	case CodeMutationConsumed:
		return "That pending change was already confirmed or cancelled. No further action was taken."
	case CodeMutationNotFound:
		return "There is no pending change matching that confirmation. No data was modified."
	default:
		return "Something went wrong handling that request. No data was modified."
	}
}

// ErrorResponse is the JSON error body for REST endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
