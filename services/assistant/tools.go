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
	"encoding/json"
	"fmt"

	"github.com/stratumops/forecast-chat/services/assistant/convo"
	"github.com/stratumops/forecast-chat/services/forecast"
	"github.com/stratumops/forecast-chat/services/llm"
)

// ToolKind identifies one of the closed set of tools offered to the model.
// Dispatch is a switch over this type; a name outside the set is rejected,
// never executed.
type ToolKind string

const (
	ToolFetchData       ToolKind = "fetch_data"
	ToolListReports     ToolKind = "list_reports"
	ToolGetRowDetail    ToolKind = "get_row_detail"
	ToolUpdateFilters   ToolKind = "update_filters"
	ToolPreviewMutation ToolKind = "preview_mutation"
	ToolClearContext    ToolKind = "clear_context"
)

// FetchDataArgs are the arguments for fetch_data. Month and year are only
// needed when the conversation has not established a period yet.
type FetchDataArgs struct {
	Month      int   `json:"month,omitempty"`
	Year       int   `json:"year,omitempty"`
	TotalsOnly *bool `json:"totals_only,omitempty"`
}

// ListReportsArgs are the arguments for list_reports.
type ListReportsArgs struct {
	// Year limits the listing. Zero means all available periods.
	Year int `json:"year,omitempty"`
}

// GetRowDetailArgs are the arguments for get_row_detail.
type GetRowDetailArgs struct {
	// RecordKey is the composite key of the row. Empty means the record
	// selected earlier in the conversation.
	RecordKey string `json:"record_key,omitempty"`
}

// UpdateFiltersArgs are the arguments for update_filters. Filter fields are
// raw user phrasing; validation and canonicalization happen on execution.
type UpdateFiltersArgs struct {
	// Mode is one of extend, replace, remove, reset.
	Mode string `json:"mode"`

	// KeepPeriod applies to reset only.
	KeepPeriod bool `json:"keep_period,omitempty"`

	Month int `json:"month,omitempty"`
	Year  int `json:"year,omitempty"`

	Platform []string `json:"platform,omitempty"`
	Market   []string `json:"market,omitempty"`
	Locality []string `json:"locality,omitempty"`
	State    []string `json:"state,omitempty"`
	CaseType []string `json:"case_type,omitempty"`

	ForecastMonths []int `json:"forecast_months,omitempty"`

	TotalsOnly *bool `json:"totals_only,omitempty"`
}

// FilterMap collects the populated filter fields keyed by catalog field.
func (a *UpdateFiltersArgs) FilterMap() map[forecast.Field][]string {
	out := make(map[forecast.Field][]string)
	put := func(f forecast.Field, vals []string) {
		if len(vals) > 0 {
			out[f] = vals
		}
	}
	put(forecast.FieldPlatform, a.Platform)
	put(forecast.FieldMarket, a.Market)
	put(forecast.FieldLocality, a.Locality)
	put(forecast.FieldState, a.State)
	put(forecast.FieldCaseType, a.CaseType)
	return out
}

// MergeMode maps the raw mode string to the context merge mode.
func (a *UpdateFiltersArgs) MergeMode() (convo.MergeMode, error) {
	switch a.Mode {
	case "extend", "":
		return convo.MergeExtend, nil
	case "replace":
		return convo.MergeReplace, nil
	case "remove":
		return convo.MergeRemove, nil
	case "reset":
		return convo.MergeReset, nil
	default:
		return "", fmt.Errorf("mode %q: %w", a.Mode, ErrBadToolArgs)
	}
}

// PreviewMutationArgs are the arguments for preview_mutation.
type PreviewMutationArgs struct {
	// RecordKey is the composite key of the row to edit.
	RecordKey string `json:"record_key"`

	// Field is the numeric column to change.
	Field string `json:"field"`

	// Value is the new value.
	Value float64 `json:"value"`
}

// ClearContextArgs are the arguments for clear_context.
type ClearContextArgs struct {
	KeepPeriod bool `json:"keep_period,omitempty"`
}

// ToolCall is a decoded, validated call ready for dispatch. Exactly one of
// the arg pointers matching Kind is non-nil.
type ToolCall struct {
	ID   string
	Kind ToolKind

	FetchData       *FetchDataArgs
	ListReports     *ListReportsArgs
	GetRowDetail    *GetRowDetailArgs
	UpdateFilters   *UpdateFiltersArgs
	PreviewMutation *PreviewMutationArgs
	ClearContext    *ClearContextArgs
}

// ParseToolCall decodes a model tool call into a typed ToolCall.
//
// Outputs:
//   - *ToolCall: The decoded call.
//   - error: ErrUnknownTool for names outside the closed set, ErrBadToolArgs
//     when decoding or required-argument checks fail.
func ParseToolCall(tc llm.ToolCallResponse) (*ToolCall, error) {
	call := &ToolCall{ID: tc.ID, Kind: ToolKind(tc.Name)}
	raw := []byte(tc.ArgumentsString())

	decode := func(dst any) error {
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decoding %s arguments: %w", tc.Name, ErrBadToolArgs)
		}
		return nil
	}

	switch call.Kind {
	case ToolFetchData:
		var args FetchDataArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		call.FetchData = &args

	case ToolListReports:
		var args ListReportsArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		call.ListReports = &args

	case ToolGetRowDetail:
		var args GetRowDetailArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		call.GetRowDetail = &args

	case ToolUpdateFilters:
		var args UpdateFiltersArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		if _, err := args.MergeMode(); err != nil {
			return nil, err
		}
		call.UpdateFilters = &args

	case ToolPreviewMutation:
		var args PreviewMutationArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		if args.RecordKey == "" || args.Field == "" {
			return nil, fmt.Errorf("preview_mutation requires record_key and field: %w", ErrBadToolArgs)
		}
		call.PreviewMutation = &args

	case ToolClearContext:
		var args ClearContextArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		call.ClearContext = &args

	default:
		return nil, fmt.Errorf("tool %q: %w", tc.Name, ErrUnknownTool)
	}

	return call, nil
}

// stringArray is the schema for a list-of-strings tool parameter.
func stringArray(desc string) llm.ToolParamDef {
	return llm.ToolParamDef{
		Type:        "array",
		Description: desc,
		Items:       &llm.ToolParamDef{Type: "string"},
	}
}

// ToolDefinitions returns the tool set offered on every tool-selection call.
// The model never mutates data directly; preview_mutation only stages a
// change that a separate user confirmation applies.
func ToolDefinitions() []llm.ToolDef {
	return []llm.ToolDef{
		llm.NewToolDef("fetch_data",
			"Fetch workforce forecast data for the active reporting period with the conversation's accumulated filters applied. Use after filters change or when the user asks to see data.",
			llm.ObjectParams(map[string]llm.ToolParamDef{
				"month":       {Type: "integer", Description: "Reporting month 1-12, only if the conversation has no period yet"},
				"year":        {Type: "integer", Description: "Reporting year, only if the conversation has no period yet"},
				"totals_only": {Type: "boolean", Description: "Return aggregate totals without row-level data"},
			})),

		llm.NewToolDef("list_reports",
			"List the reporting periods that have uploaded forecast data. Use when the user asks what data is available.",
			llm.ObjectParams(map[string]llm.ToolParamDef{
				"year": {Type: "integer", Description: "Limit to one year"},
			})),

		llm.NewToolDef("get_row_detail",
			"Fetch the full detail of a single forecast row. Omit record_key to use the row the user previously selected.",
			llm.ObjectParams(map[string]llm.ToolParamDef{
				"record_key": {Type: "string", Description: "Composite key of the row"},
			})),

		llm.NewToolDef("update_filters",
			"Update the conversation's filters from what the user said. Values may be misspelled; they are checked against the report's actual filter options before use.",
			llm.ObjectParams(map[string]llm.ToolParamDef{
				"mode":            {Type: "string", Description: "How to combine with existing filters", Enum: []any{"extend", "replace", "remove", "reset"}, Default: "extend"},
				"keep_period":     {Type: "boolean", Description: "On reset, keep the established month and year"},
				"month":           {Type: "integer", Description: "Reporting month 1-12 if the user named one"},
				"year":            {Type: "integer", Description: "Reporting year if the user named one"},
				"platform":        stringArray("Platform names as the user said them"),
				"market":          stringArray("Market names as the user said them"),
				"locality":        stringArray("Locality names as the user said them"),
				"state":           stringArray("States as the user said them, full names or codes"),
				"case_type":       stringArray("Case types as the user said them"),
				"forecast_months": {Type: "array", Description: "Projection horizons in months", Items: &llm.ToolParamDef{Type: "integer"}},
				"totals_only":     {Type: "boolean", Description: "Whether the user wants totals only"},
			}, "mode")),

		llm.NewToolDef("preview_mutation",
			"Stage an edit to one numeric field of one forecast row. Nothing is written until the user explicitly confirms the preview.",
			llm.ObjectParams(map[string]llm.ToolParamDef{
				"record_key": {Type: "string", Description: "Composite key of the row to edit"},
				"field":      {Type: "string", Description: "Numeric column to change"},
				"value":      {Type: "number", Description: "New value"},
			}, "record_key", "field", "value")),

		llm.NewToolDef("clear_context",
			"Forget the conversation's accumulated filters and selection. Use when the user asks to start over.",
			llm.ObjectParams(map[string]llm.ToolParamDef{
				"keep_period": {Type: "boolean", Description: "Keep the established month and year"},
			})),
	}
}
