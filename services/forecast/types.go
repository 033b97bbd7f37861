// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package forecast defines the contract with the workforce forecast backend:
// the filter catalog per reporting period, the forecast dataset shape, and a
// typed REST client for both. The backend itself is an opaque collaborator;
// this package never interprets forecast arithmetic.
package forecast

import (
	"fmt"
	"strings"
	"time"
)

// Field identifies one filter dimension of the forecast dataset.
type Field string

const (
	FieldPlatform Field = "platform"
	FieldMarket   Field = "market"
	FieldLocality Field = "locality"
	FieldState    Field = "state"
	FieldCaseType Field = "case_type"
)

// CatalogFields lists the catalog dimensions in declaration order. This order
// is the stable iteration order used everywhere a deterministic field sequence
// is required (validation output, diagnosis isolation).
var CatalogFields = []Field{
	FieldPlatform,
	FieldMarket,
	FieldLocality,
	FieldState,
	FieldCaseType,
}

// IsCatalogField reports whether f is one of the catalog dimensions.
func IsCatalogField(f Field) bool {
	for _, cf := range CatalogFields {
		if cf == f {
			return true
		}
	}
	return false
}

// Catalog is the immutable snapshot of valid filter values for one reporting
// period.
//
// Description:
//
//	Values holds the canonical value set per dimension, already normalized by
//	the backend (unique per field, canonical casing). A Catalog is replaced
//	wholesale on refresh and never mutated in place, so a reference to it may
//	be shared freely across goroutines.
//
// Thread Safety: Catalog is immutable after construction. Safe for concurrent
// read access.
type Catalog struct {
	Month  int              `json:"month"`
	Year   int              `json:"year"`
	Values map[Field][]string `json:"values"`

	// FetchedAt is when the snapshot was retrieved from the backend.
	FetchedAt time.Time `json:"fetched_at"`

	// Stale is true when the snapshot is past its TTL but was served anyway
	// because a refresh failed. Observability only; callers treat stale and
	// fresh catalogs identically.
	Stale bool `json:"stale,omitempty"`
}

// Canonical returns the catalog entry equal to value under case-insensitive
// comparison, and whether one exists. The returned string carries the
// catalog's canonical casing.
func (c *Catalog) Canonical(field Field, value string) (string, bool) {
	for _, v := range c.Values[field] {
		if strings.EqualFold(v, value) {
			return v, true
		}
	}
	return "", false
}

// Query describes one forecast-data request.
//
// Filters maps catalog dimensions to the accepted values for each; a field
// absent from the map is unconstrained. ForecastMonths is a projection over
// the returned months, not a catalog dimension, and is never validated
// against the catalog.
type Query struct {
	Month          int
	Year           int
	Filters        map[Field][]string
	ForecastMonths []int
	TotalsOnly     bool
}

// WithoutField returns a copy of q with one filter dimension removed. Used by
// combination diagnosis to re-issue a fetch with a single field dropped.
func (q Query) WithoutField(field Field) Query {
	filters := make(map[Field][]string, len(q.Filters))
	for f, vs := range q.Filters {
		if f == field {
			continue
		}
		filters[f] = vs
	}
	out := q
	out.Filters = filters
	return out
}

// Record is one row of the forecast dataset. The backend's row schema is
// opaque; rows are carried as raw JSON objects and addressed by composite key.
type Record map[string]any

// CompositeKey builds the stable identity of a record from its dimension
// columns plus the reporting period. Missing columns contribute an empty
// segment so the key shape is constant.
func (r Record) CompositeKey(month, year int) string {
	parts := make([]string, 0, len(CatalogFields)+1)
	for _, f := range CatalogFields {
		s, _ := r[string(f)].(string)
		parts = append(parts, s)
	}
	parts = append(parts, fmt.Sprintf("%02d-%d", month, year))
	return strings.Join(parts, "|")
}

// Dataset is the result of one forecast-data fetch.
type Dataset struct {
	Records     []Record           `json:"records"`
	Totals      map[string]float64 `json:"totals"`
	RecordCount int                `json:"record_count"`
}

// Mutation is a previewed change to a forecast input value, e.g. a target
// productivity rate. It is applied to the backend only after an explicit
// confirmation.
type Mutation struct {
	Kind  string `json:"kind"`
	Month int    `json:"month"`
	Year  int    `json:"year"`

	// RecordKey addresses the row being changed.
	RecordKey string `json:"record_key"`

	// Field and NewValue describe the value being changed.
	Field    string  `json:"field"`
	NewValue float64 `json:"new_value"`
}

// ReportInfo describes one reporting period with uploaded data.
type ReportInfo struct {
	Month       int       `json:"month"`
	Year        int       `json:"year"`
	RecordCount int       `json:"record_count"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
