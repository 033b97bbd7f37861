// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package convo tracks per-conversation state across chat turns: the active
// reporting period, accumulated filters, the selected record, and display
// preferences. State merges are explicit (extend, replace, remove, reset) so
// a turn never silently discards what earlier turns established.
package convo

import (
	"time"

	"github.com/stratumops/forecast-chat/services/forecast"
)

// MergeMode selects how a turn's extracted entities combine with the stored
// context.
type MergeMode string

const (
	// MergeExtend unions incoming values into the existing filter lists.
	MergeExtend MergeMode = "extend"

	// MergeReplace overwrites only the fields present in the delta.
	MergeReplace MergeMode = "replace"

	// MergeRemove subtracts incoming values from the existing filter lists.
	MergeRemove MergeMode = "remove"

	// MergeReset clears the context, then applies the delta as an extend.
	MergeReset MergeMode = "reset"
)

// Period is a month/year reporting period.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// Preferences holds display preferences that persist across turns.
type Preferences struct {
	// ShowTotalsOnly suppresses row-level data in responses.
	ShowTotalsOnly bool `json:"show_totals_only"`
}

// PendingConfirmation is a suggested filter correction awaiting the user's
// yes or no. It persists across turns so a follow-up "yes" can be resolved
// against what was actually asked.
type PendingConfirmation struct {
	Field     forecast.Field `json:"field"`
	RawValue  string         `json:"raw_value"`
	Suggested string         `json:"suggested"`
}

// Context is the full per-conversation state. It is a value type: the store
// hands out copies, and all mutation goes through Manager so that merge
// semantics stay in one place.
type Context struct {
	ConversationID string `json:"conversation_id"`

	// Period is nil until the user names one.
	Period *Period `json:"period,omitempty"`

	// Filters maps catalog fields to their accumulated values. Order within
	// each list is first-seen order and is preserved by every merge.
	Filters map[forecast.Field][]string `json:"filters,omitempty"`

	// ForecastMonths is the requested projection horizon, if any.
	ForecastMonths []int `json:"forecast_months,omitempty"`

	// SelectedRecord is the composite key of the row the user drilled into,
	// or empty.
	SelectedRecord string `json:"selected_record,omitempty"`

	// LastShape records the shape of the previous data response ("table",
	// "detail", "totals") so follow-up phrasing can be resolved.
	LastShape string `json:"last_shape,omitempty"`

	// PendingConfirmations holds the corrections the assistant asked the user
	// about on the most recent validated filter update. Replaced whenever a
	// new validation pass runs; cleared by clear and reset.
	PendingConfirmations []PendingConfirmation `json:"pending_confirmations,omitempty"`

	Preferences Preferences `json:"preferences"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Delta carries the entities extracted from one user turn. Nil or empty
// members mean "not mentioned this turn".
type Delta struct {
	Period         *Period
	Filters        map[forecast.Field][]string
	ForecastMonths []int

	// TotalsOnly, when set, updates the totals preference.
	TotalsOnly *bool

	// Pending, when non-nil, replaces the stored pending confirmations. An
	// empty non-nil slice clears them; nil leaves them untouched.
	Pending *[]PendingConfirmation

	// KeepPeriod applies to MergeReset only: the stored period survives the
	// reset.
	KeepPeriod bool
}

// NewContext returns an empty context for id.
func NewContext(id string) *Context {
	return &Context{
		ConversationID: id,
		Filters:        make(map[forecast.Field][]string),
	}
}

// Clone returns a deep copy. The store keeps the original; callers get
// copies they may mutate freely.
func (c *Context) Clone() *Context {
	out := *c
	if c.Period != nil {
		p := *c.Period
		out.Period = &p
	}
	out.Filters = make(map[forecast.Field][]string, len(c.Filters))
	for f, vals := range c.Filters {
		out.Filters[f] = append([]string(nil), vals...)
	}
	out.ForecastMonths = append([]int(nil), c.ForecastMonths...)
	out.PendingConfirmations = append([]PendingConfirmation(nil), c.PendingConfirmations...)
	return &out
}

// HasPeriod reports whether a reporting period has been established.
func (c *Context) HasPeriod() bool {
	return c.Period != nil && c.Period.Month >= 1 && c.Period.Month <= 12
}

// Query builds the backend query this context currently describes.
// It panics if no period is set; callers gate on HasPeriod.
func (c *Context) Query() forecast.Query {
	if !c.HasPeriod() {
		panic("convo: Query called without a period")
	}
	q := forecast.Query{
		Month:      c.Period.Month,
		Year:       c.Period.Year,
		Filters:    make(map[forecast.Field][]string, len(c.Filters)),
		TotalsOnly: c.Preferences.ShowTotalsOnly,
	}
	for f, vals := range c.Filters {
		if len(vals) > 0 {
			q.Filters[f] = append([]string(nil), vals...)
		}
	}
	q.ForecastMonths = append([]int(nil), c.ForecastMonths...)
	return q
}

// merge applies delta to c in place according to mode. Unknown modes fall
// back to extend.
func (c *Context) merge(mode MergeMode, delta Delta) {
	if mode == MergeReset {
		kept := c.Period
		*c = *NewContext(c.ConversationID)
		if delta.KeepPeriod {
			c.Period = kept
		}
		mode = MergeExtend
	}

	if delta.Period != nil {
		p := *delta.Period
		c.Period = &p
	}

	for f, vals := range delta.Filters {
		if !forecast.IsCatalogField(f) {
			continue
		}
		switch mode {
		case MergeReplace:
			c.Filters[f] = dedupe(vals)
		case MergeRemove:
			remaining := subtract(c.Filters[f], vals)
			if len(remaining) == 0 {
				delete(c.Filters, f)
			} else {
				c.Filters[f] = remaining
			}
		default:
			c.Filters[f] = union(c.Filters[f], vals)
		}
	}

	if len(delta.ForecastMonths) > 0 {
		switch mode {
		case MergeReplace:
			c.ForecastMonths = dedupeInts(delta.ForecastMonths)
		case MergeRemove:
			c.ForecastMonths = subtractInts(c.ForecastMonths, delta.ForecastMonths)
		default:
			c.ForecastMonths = unionInts(c.ForecastMonths, delta.ForecastMonths)
		}
	}

	if delta.TotalsOnly != nil {
		c.Preferences.ShowTotalsOnly = *delta.TotalsOnly
	}

	if delta.Pending != nil {
		c.PendingConfirmations = append([]PendingConfirmation(nil), (*delta.Pending)...)
	}
}

// union appends the values of add not already in base, preserving first-seen
// order. Comparison is exact: values are canonical by the time they reach the
// context.
func union(base, add []string) []string {
	out := append([]string(nil), base...)
	for _, v := range add {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func subtract(base, drop []string) []string {
	var out []string
	for _, v := range base {
		if !contains(drop, v) {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(vals []string) []string {
	var out []string
	for _, v := range vals {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func unionInts(base, add []int) []int {
	out := append([]int(nil), base...)
	for _, v := range add {
		if !containsInt(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func subtractInts(base, drop []int) []int {
	var out []int
	for _, v := range base {
		if !containsInt(drop, v) {
			out = append(out, v)
		}
	}
	return out
}

func dedupeInts(vals []int) []int {
	var out []int
	for _, v := range vals {
		if !containsInt(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
