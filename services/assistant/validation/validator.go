// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation turns approximate, possibly-misspelled filter values into
// confidently corrected values, confirmation prompts, or rejections with
// suggestions, by scoring them against the catalog of valid values for the
// requested reporting period.
package validation

import (
	"sort"
	"strings"

	"github.com/stratumops/forecast-chat/services/forecast"
)

// Default classification thresholds and suggestion cap.
const (
	DefaultHighConfidence = 0.90
	DefaultLowConfidence  = 0.60
	DefaultMaxSuggestions = 5
)

// Tier classifies one validated value by correction confidence.
type Tier string

const (
	// TierAutoCorrect means the value matched exactly or the best candidate
	// scored above the high threshold; the corrected value is applied without
	// asking the user.
	TierAutoCorrect Tier = "auto_correct"

	// TierConfirm means the best candidate landed between the thresholds; the
	// correction is surfaced as a yes/no confirmation before any query runs.
	TierConfirm Tier = "confirm"

	// TierReject means no candidate reached the low threshold; the value is
	// dropped and up to MaxSuggestions near misses are offered instead.
	TierReject Tier = "reject"
)

// Outcome is the validation result for one submitted field×value pair.
type Outcome struct {
	Field      forecast.Field `json:"field"`
	RawValue   string         `json:"raw_value"`
	Corrected  string         `json:"corrected_value,omitempty"`
	Confidence float64        `json:"confidence"`
	Tier       Tier           `json:"tier"`

	// Suggestions holds the best-scoring catalog values for rejected input,
	// even though none crossed the confirm threshold.
	Suggestions []string `json:"suggestions,omitempty"`
}

// Summary aggregates the outcomes for one query.
//
// Resolved contains only auto-corrected values: values awaiting confirmation
// or rejected are excluded from the immediately-executable filter set and
// surfaced through PendingConfirmations and Rejections instead. One bad value
// in a multi-valued field does not invalidate its siblings.
type Summary struct {
	Outcomes             []Outcome                     `json:"outcomes"`
	Resolved             map[forecast.Field][]string   `json:"resolved_filters"`
	PendingConfirmations []Outcome                     `json:"pending_confirmations,omitempty"`
	Rejections           []Outcome                     `json:"rejections,omitempty"`
	CorrectionCount      int                           `json:"correction_count"`
	RejectionCount       int                           `json:"rejection_count"`
}

// HasIssues reports whether any value needs user attention before the query
// can run as submitted.
func (s *Summary) HasIssues() bool {
	return len(s.PendingConfirmations) > 0 || len(s.Rejections) > 0
}

// Validator scores requested filter values against a catalog snapshot.
//
// Description:
//
//	Validate is a pure function over its inputs: no network access, no hidden
//	state, deterministic for identical (value, catalog) pairs. All catalog
//	retrieval is the caller's responsibility.
//
// Thread Safety: Validator is immutable after construction. Safe for
// concurrent use.
type Validator struct {
	high           float64
	low            float64
	maxSuggestions int
}

// Option configures a Validator.
type Option func(*Validator)

// WithThresholds overrides the high and low confidence thresholds.
func WithThresholds(high, low float64) Option {
	return func(v *Validator) {
		v.high = high
		v.low = low
	}
}

// WithMaxSuggestions overrides the suggestion cap for rejected values.
func WithMaxSuggestions(n int) Option {
	return func(v *Validator) {
		v.maxSuggestions = n
	}
}

// New creates a Validator with the default thresholds (0.90 / 0.60) and
// suggestion cap (5).
func New(opts ...Option) *Validator {
	v := &Validator{
		high:           DefaultHighConfidence,
		low:            DefaultLowConfidence,
		maxSuggestions: DefaultMaxSuggestions,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate scores every submitted value against the catalog and aggregates
// the outcomes.
//
// Description:
//
//	Per field × per value:
//	  1. Normalize: trim, case-fold; state full names resolve to two-letter
//	     codes before matching.
//	  2. Exact catalog match (case-insensitive) → auto_correct at 1.0 with
//	     the catalog's canonical casing.
//	  3. Otherwise the best similarity score over the field's catalog entries
//	     classifies the value: score > high → auto_correct, low ≤ score ≤
//	     high → confirm, score < low → reject with suggestions.
//
//	Fields are processed in forecast.CatalogFields order and values in
//	submission order, so the outcome list order is deterministic. Fields that
//	are not catalog dimensions are ignored.
//
// Outputs:
//   - *Summary: Never nil. Empty input yields an empty summary with no issues.
func (v *Validator) Validate(requested map[forecast.Field][]string, catalog *forecast.Catalog) *Summary {
	summary := &Summary{
		Resolved: make(map[forecast.Field][]string),
	}

	for _, field := range forecast.CatalogFields {
		values, ok := requested[field]
		if !ok {
			continue
		}
		for _, raw := range values {
			outcome := v.validateOne(field, raw, catalog)
			summary.Outcomes = append(summary.Outcomes, outcome)

			switch outcome.Tier {
			case TierAutoCorrect:
				summary.Resolved[field] = append(summary.Resolved[field], outcome.Corrected)
				if !strings.EqualFold(outcome.Corrected, raw) {
					summary.CorrectionCount++
				}
			case TierConfirm:
				summary.PendingConfirmations = append(summary.PendingConfirmations, outcome)
			case TierReject:
				summary.Rejections = append(summary.Rejections, outcome)
				summary.RejectionCount++
			}
		}
	}

	return summary
}

// NormalizeRaw applies the pre-scoring normalization for one value: trim,
// and for the state field, full-name to two-letter-code resolution. It
// consults no catalog, so callers can use it when validation must be skipped
// because no catalog is available.
func NormalizeRaw(field forecast.Field, raw string) string {
	normalized := strings.TrimSpace(raw)
	if field == forecast.FieldState {
		normalized = resolveStateName(normalized)
	}
	return normalized
}

// validateOne scores a single value against one catalog dimension.
func (v *Validator) validateOne(field forecast.Field, raw string, catalog *forecast.Catalog) Outcome {
	normalized := NormalizeRaw(field, raw)

	if canonical, ok := catalog.Canonical(field, normalized); ok {
		return Outcome{
			Field:      field,
			RawValue:   raw,
			Corrected:  canonical,
			Confidence: 1.0,
			Tier:       TierAutoCorrect,
		}
	}

	type candidate struct {
		value string
		score float64
	}
	candidates := make([]candidate, 0, len(catalog.Values[field]))
	for _, entry := range catalog.Values[field] {
		candidates = append(candidates, candidate{
			value: entry,
			score: Similarity(normalized, entry),
		})
	}
	// Stable order for equal scores: catalog order is preserved by SliceStable.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	outcome := Outcome{Field: field, RawValue: raw}
	if len(candidates) == 0 {
		outcome.Tier = TierReject
		return outcome
	}

	best := candidates[0]
	outcome.Confidence = best.score

	switch {
	case best.score > v.high:
		outcome.Tier = TierAutoCorrect
		outcome.Corrected = best.value
	case best.score >= v.low:
		outcome.Tier = TierConfirm
		outcome.Corrected = best.value
	default:
		outcome.Tier = TierReject
		limit := v.maxSuggestions
		if limit > len(candidates) {
			limit = len(candidates)
		}
		for _, c := range candidates[:limit] {
			outcome.Suggestions = append(outcome.Suggestions, c.value)
		}
	}

	return outcome
}
