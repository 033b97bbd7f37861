// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import "encoding/json"

// ToolDef is the provider-agnostic tool definition passed to ChatWithTools.
// It follows the OpenAI function calling schema; each provider client
// converts it to its own wire format.
//
// Thread Safety: ToolDef is immutable and safe for concurrent read access.
type ToolDef struct {
	// Type is always "function".
	Type string `json:"type"`

	// Function contains the function definition.
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function name, description, and parameter schema.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is the JSON Schema object for a tool's parameters.
type ToolParameters struct {
	// Type is always "object".
	Type string `json:"type"`

	// Properties maps parameter names to their schemas.
	Properties map[string]ToolParamDef `json:"properties,omitempty"`

	// Required lists the parameter names the model must supply.
	Required []string `json:"required,omitempty"`
}

// ToolParamDef is one parameter's JSON Schema.
type ToolParamDef struct {
	// Type is the JSON Schema type (string, integer, boolean, number, array).
	Type string `json:"type"`

	// Description explains the parameter to the model.
	Description string `json:"description,omitempty"`

	// Enum restricts the value to a closed set.
	Enum []any `json:"enum,omitempty"`

	// Items is the element schema when Type is "array".
	Items *ToolParamDef `json:"items,omitempty"`

	// Default is used when the model omits the parameter.
	Default any `json:"default,omitempty"`
}

// NewToolDef builds a function tool definition.
func NewToolDef(name, description string, params ToolParameters) ToolDef {
	return ToolDef{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

// ObjectParams builds an object schema with the given properties and
// required parameter names.
func ObjectParams(props map[string]ToolParamDef, required ...string) ToolParameters {
	return ToolParameters{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// ChatMessage is one turn of conversation history with tool call metadata.
//
// Description:
//
//	Plain turns use Role and Content. An assistant turn that invoked tools
//	carries ToolCalls; the matching tool result turns carry Role "tool",
//	the originating ToolCallID, and the tool output in Content.
//
// Thread Safety: ChatMessage is safe for concurrent read access.
type ChatMessage struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content,omitempty"`

	// ToolCalls holds tool invocations on assistant messages.
	ToolCalls []ToolCallResponse `json:"tool_calls,omitempty"`

	// ToolCallID links a tool result message back to its call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the called tool's name, set on tool result messages.
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCallResponse is one tool call requested by the model.
//
// Thread Safety: ToolCallResponse is safe for concurrent read access.
type ToolCallResponse struct {
	// ID identifies this call so its result can be attributed.
	ID string `json:"id"`

	// Name is the tool the model wants invoked.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object.
	Arguments json.RawMessage `json:"arguments"`
}

// ArgumentsString returns the arguments as a JSON object string.
//
// Outputs:
//   - string: The raw JSON, the unquoted string if the provider double
//     encoded it, or "{}" when empty.
//
// Thread Safety: This method is safe for concurrent use.
func (t *ToolCallResponse) ArgumentsString() string {
	if len(t.Arguments) == 0 {
		return "{}"
	}
	if t.Arguments[0] == '"' {
		var s string
		if err := json.Unmarshal(t.Arguments, &s); err == nil {
			return s
		}
	}
	return string(t.Arguments)
}

// Stop reasons reported in ChatWithToolsResult.
const (
	// StopEnd means the model finished a normal text response.
	StopEnd = "end"

	// StopToolUse means the response contains tool calls to execute.
	StopToolUse = "tool_use"
)

// ChatWithToolsResult is the provider-agnostic result of a tool-enabled call.
//
// Thread Safety: ChatWithToolsResult is safe for concurrent read access.
type ChatWithToolsResult struct {
	// Content is the text response. May be empty when only tools were called.
	Content string

	// ToolCalls are the calls the model requested, in order.
	ToolCalls []ToolCallResponse

	// StopReason is StopEnd or StopToolUse.
	StopReason string
}
