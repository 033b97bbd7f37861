// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides a provider-agnostic client layer for chat completion
// with native function calling. The assistant's orchestration loop depends
// only on the ToolChat interface; provider wire formats stay inside this
// package.
package llm

import "context"

// GenerationParams holds the optional generation knobs passed through to the
// provider. Nil pointer fields mean "use the provider default".
//
// Thread Safety: GenerationParams is safe for concurrent read access.
type GenerationParams struct {
	// Temperature controls sampling randomness (0.0 to 1.0).
	Temperature *float32

	// TopP is the nucleus sampling cutoff.
	TopP *float32

	// TopK limits sampling to the K most likely tokens.
	TopK *int

	// MaxTokens caps the response length.
	MaxTokens *int

	// Stop lists sequences that end generation early.
	Stop []string
}

// ToolChat is the contract the orchestration loop programs against.
//
// Description:
//
//	ChatWithTools drives the tool-selection call: the model sees the tool
//	definitions and may respond with tool calls, text, or both. Chat drives
//	the narration call: plain text in, plain text out, no tools offered.
//	Both calls take the full conversation history on every invocation;
//	clients hold no per-conversation state.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ToolChat interface {
	// ChatWithTools sends the conversation with tool definitions attached.
	ChatWithTools(ctx context.Context, messages []ChatMessage, params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error)

	// Chat sends the conversation without tools and returns the text reply.
	Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error)
}
