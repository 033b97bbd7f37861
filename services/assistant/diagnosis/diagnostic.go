// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnosis explains why a fully-resolved filter combination returned
// zero records: it isolates the single field whose removal restores results
// and enumerates the values that would have worked in its place.
package diagnosis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stratumops/forecast-chat/services/forecast"
)

// Culprit classification for a zero-record combination.
const (
	// CulpritNone: the period has no data at all; no field is to blame.
	CulpritNone = "none"

	// CulpritMultiple: no single-field removal restores records; the
	// combination is invalid even pairwise. Deeper isolation is not attempted.
	CulpritMultiple = "multiple"

	// CulpritUnknown: a backend failure aborted isolation; the report is
	// partial.
	CulpritUnknown = "unknown"
)

// Report is the outcome of diagnosing one zero-record combination.
type Report struct {
	// BaseRecordCount is the record count for the period with no filters,
	// confirming whether data exists at all.
	BaseRecordCount int `json:"base_record_count"`

	// Culprit is CulpritNone, CulpritMultiple, CulpritUnknown, or the name of
	// the single field whose removal restored non-zero records.
	Culprit string `json:"culprit_field"`

	// Alternatives maps the culprit field to the values that co-occur with
	// the other accepted filters. Populated only for a single-field culprit.
	Alternatives map[forecast.Field][]string `json:"valid_alternatives,omitempty"`

	// Note is a short human-readable explanation for the narration layer.
	Note string `json:"note,omitempty"`

	// FetchCount is the number of backend data fetches the diagnosis issued.
	FetchCount int `json:"fetch_count"`
}

// Diagnostic isolates the field responsible for an empty result set.
//
// Description:
//
//	Diagnose is invoked only after a fetch with the accepted filters returned
//	zero records. It issues at most N+1 data fetches for N filter fields:
//	one unfiltered probe plus one removal probe per field, stopping at the
//	first field whose removal restores records. Reporting the first offender
//	in declaration order, rather than all offenders, bounds backend load and
//	gives the user one fix at a time.
//
// Thread Safety: Diagnostic is immutable after construction. Safe for
// concurrent use.
type Diagnostic struct {
	data    forecast.DataFetcher
	options forecast.OptionsFetcher
	logger  *slog.Logger

	// maxIterations caps the per-field removal probes. Zero means one probe
	// per submitted field.
	maxIterations int
}

// New creates a Diagnostic over the given backend fetchers.
//
// Inputs:
//   - data: Forecast data fetcher used for the isolation probes.
//   - options: Catalog fetcher used to enumerate valid alternatives.
//   - maxIterations: Cap on field-removal probes. Pass 0 for no extra cap.
//   - logger: Logger for probe diagnostics. May be nil.
func New(data forecast.DataFetcher, options forecast.OptionsFetcher, maxIterations int, logger *slog.Logger) *Diagnostic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostic{
		data:          data,
		options:       options,
		logger:        logger,
		maxIterations: maxIterations,
	}
}

// Diagnose isolates the culprit field for a zero-record query.
//
// Description:
//
//	Step 1 probes the period with no filters; zero records there means no
//	data was uploaded for the period and isolation is skipped. Step 2 removes
//	one field at a time in forecast.CatalogFields order (the declaration
//	order of the request), holding the others constant; the first removal
//	that yields records identifies the culprit. Step 3 fetches the catalog
//	for the culprit dimension restricted to the remaining accepted filters
//	to enumerate valid alternatives.
//
//	Any backend failure degrades to a partial report with CulpritUnknown.
//	Diagnose never returns an error; the orchestration layer narrates the
//	report as-is.
//
// Outputs:
//   - *Report: Never nil.
func (d *Diagnostic) Diagnose(ctx context.Context, q forecast.Query) *Report {
	report := &Report{}

	// Unfiltered probe: does the period have any data at all?
	base, err := d.data.ForecastData(ctx, forecast.Query{Month: q.Month, Year: q.Year})
	report.FetchCount++
	if err != nil {
		d.logger.Warn("diagnosis aborted on unfiltered probe",
			slog.Int("month", q.Month),
			slog.Int("year", q.Year),
			slog.String("error", err.Error()),
		)
		report.Culprit = CulpritUnknown
		report.Note = "could not reach the forecast backend while diagnosing"
		return report
	}

	report.BaseRecordCount = base.RecordCount
	if base.RecordCount == 0 {
		report.Culprit = CulpritNone
		report.Note = fmt.Sprintf("no data uploaded for %02d-%d", q.Month, q.Year)
		return report
	}

	probes := 0
	for _, field := range forecast.CatalogFields {
		if len(q.Filters[field]) == 0 {
			continue
		}
		if d.maxIterations > 0 && probes >= d.maxIterations {
			break
		}
		probes++

		ds, err := d.data.ForecastData(ctx, q.WithoutField(field))
		report.FetchCount++
		if err != nil {
			d.logger.Warn("diagnosis aborted mid-isolation",
				slog.String("field", string(field)),
				slog.String("error", err.Error()),
			)
			report.Culprit = CulpritUnknown
			report.Note = "could not reach the forecast backend while diagnosing"
			return report
		}

		if ds.RecordCount > 0 {
			report.Culprit = string(field)
			report.Note = fmt.Sprintf("removing %s restores %d records", field, ds.RecordCount)
			d.populateAlternatives(ctx, report, field, q)
			return report
		}
	}

	report.Culprit = CulpritMultiple
	report.Note = "no single filter explains the empty result; the combination itself has no data"
	return report
}

// populateAlternatives fills report.Alternatives with the culprit dimension's
// valid values given the other accepted filters. The submitted culprit values
// are excluded; they are exactly what produced zero records.
func (d *Diagnostic) populateAlternatives(ctx context.Context, report *Report, culprit forecast.Field, q forecast.Query) {
	within := make(map[forecast.Field][]string, len(q.Filters))
	for f, vs := range q.Filters {
		if f == culprit {
			continue
		}
		within[f] = vs
	}

	catalog, err := d.options.FilterOptions(ctx, q.Month, q.Year, within)
	if err != nil {
		// Alternatives are best-effort; the culprit finding stands.
		d.logger.Warn("could not enumerate alternatives for culprit field",
			slog.String("field", string(culprit)),
			slog.String("error", err.Error()),
		)
		return
	}

	submitted := make(map[string]bool, len(q.Filters[culprit]))
	for _, v := range q.Filters[culprit] {
		submitted[v] = true
	}

	var alternatives []string
	for _, v := range catalog.Values[culprit] {
		if !submitted[v] {
			alternatives = append(alternatives, v)
		}
	}
	if len(alternatives) > 0 {
		report.Alternatives = map[forecast.Field][]string{culprit: alternatives}
	}
}
