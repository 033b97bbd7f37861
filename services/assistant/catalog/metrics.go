// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// requestsTotal counts catalog lookups by outcome: "hit" (fresh snapshot),
// "refresh" (miss or expired, backend fetch succeeded), "stale" (refresh
// failed, stale snapshot served), "unavailable" (no copy at all).
var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forecastchat",
		Subsystem: "catalog",
		Name:      "requests_total",
		Help:      "Catalog cache lookups by outcome.",
	},
	[]string{"outcome"},
)
