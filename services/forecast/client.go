// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrBackendUnavailable wraps network failures and 5xx responses from the
// forecast backend. Callers use errors.Is to classify a failed fetch as
// transient rather than inspecting status codes.
var ErrBackendUnavailable = errors.New("forecast backend unavailable")

// OptionsFetcher is the subset of the client used by the catalog cache.
type OptionsFetcher interface {
	FilterOptions(ctx context.Context, month, year int, within map[Field][]string) (*Catalog, error)
}

// DataFetcher is the subset of the client used by validation-driven fetches
// and by combination diagnosis.
type DataFetcher interface {
	ForecastData(ctx context.Context, q Query) (*Dataset, error)
}

// Client is a typed REST client for the forecast backend.
//
// Description:
//
//	Wraps the two read endpoints (filter-options, forecast-data) and the one
//	write endpoint (apply-mutation) behind typed methods. Every call carries
//	a bounded timeout via the caller's context plus the client's own HTTP
//	timeout. Transient failures (network errors, 5xx) are retried once;
//	the diagnosis loop issues several sequential fetches and a reconnect
//	mid-isolation should not surface as total failure.
//
// Thread Safety: Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a forecast backend client.
//
// Inputs:
//   - baseURL: Root of the backend API, e.g. "http://forecast-api:9000".
//   - timeout: Per-request timeout. Pass 0 to use the default (15s).
//   - logger: Logger for request diagnostics. May be nil.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger,
	}
}

// FilterOptions fetches the valid value set per dimension for one period.
//
// Description:
//
//	Calls GET /filter-options?month=&year=. When within is non-empty its
//	values are added as repeated query parameters, restricting the returned
//	value sets to those that co-occur with the given filters. Diagnosis uses
//	this restricted form to enumerate valid alternatives for a culprit field.
//
// Outputs:
//   - *Catalog: Snapshot with FetchedAt set to now. Never nil on success.
//   - error: Wraps ErrBackendUnavailable on network failure or 5xx.
func (c *Client) FilterOptions(ctx context.Context, month, year int, within map[Field][]string) (*Catalog, error) {
	params := url.Values{}
	params.Set("month", strconv.Itoa(month))
	params.Set("year", strconv.Itoa(year))
	for f, vs := range within {
		for _, v := range vs {
			params.Add(string(f), v)
		}
	}

	var payload struct {
		Options map[Field][]string `json:"options"`
	}
	if err := c.getJSON(ctx, "/filter-options", params, &payload); err != nil {
		return nil, fmt.Errorf("filter options %02d-%d: %w", month, year, err)
	}

	return &Catalog{
		Month:     month,
		Year:      year,
		Values:    payload.Options,
		FetchedAt: time.Now(),
	}, nil
}

// ForecastData fetches records and totals for the given query.
//
// Outputs:
//   - *Dataset: Records, totals, and record count. Never nil on success.
//   - error: Wraps ErrBackendUnavailable on network failure or 5xx.
func (c *Client) ForecastData(ctx context.Context, q Query) (*Dataset, error) {
	params := url.Values{}
	params.Set("month", strconv.Itoa(q.Month))
	params.Set("year", strconv.Itoa(q.Year))
	for f, vs := range q.Filters {
		for _, v := range vs {
			params.Add(string(f), v)
		}
	}
	for _, m := range q.ForecastMonths {
		params.Add("forecast_month", strconv.Itoa(m))
	}
	if q.TotalsOnly {
		params.Set("totals_only", "true")
	}

	var ds Dataset
	if err := c.getJSON(ctx, "/forecast-data", params, &ds); err != nil {
		return nil, fmt.Errorf("forecast data %02d-%d: %w", q.Month, q.Year, err)
	}
	return &ds, nil
}

// ListReports lists the periods with uploaded forecast data. A zero year
// returns every available period.
func (c *Client) ListReports(ctx context.Context, year int) ([]ReportInfo, error) {
	params := url.Values{}
	if year > 0 {
		params.Set("year", strconv.Itoa(year))
	}

	var payload struct {
		Reports []ReportInfo `json:"reports"`
	}
	if err := c.getJSON(ctx, "/reports", params, &payload); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return payload.Reports, nil
}

// ApplyMutation commits a previously confirmed mutation to the backend.
func (c *Client) ApplyMutation(ctx context.Context, m Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("apply mutation: marshaling: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mutations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("apply mutation: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("apply mutation: %w: %w", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("apply mutation: %w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, raw)
		}
		return fmt.Errorf("apply mutation: backend returned status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

// getJSON performs a GET with one retry on transient failure and decodes the
// JSON body into out.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Debug("forecast backend retry",
				slog.String("path", path),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}

		err := c.getJSONOnce(ctx, path, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrBackendUnavailable) {
			return err
		}
	}
	return lastErr
}

func (c *Client) getJSONOnce(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("forecast backend response",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, raw)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
