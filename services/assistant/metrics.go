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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// turnsTotal counts chat turns by outcome.
	// Labels: outcome (ok, error), error_code
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastchat",
		Subsystem: "assistant",
		Name:      "turns_total",
		Help:      "Total chat turns by outcome and error code",
	}, []string{"outcome", "error_code"})

	// toolCallsTotal counts tool executions by tool and status.
	// Labels: tool, status (ok, error, rejected)
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastchat",
		Subsystem: "assistant",
		Name:      "tool_calls_total",
		Help:      "Total tool executions by tool name and status",
	}, []string{"tool", "status"})

	// llmLatencySeconds measures LLM call latency by call kind.
	// Labels: call (tool_selection, narration)
	llmLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forecastchat",
		Subsystem: "assistant",
		Name:      "llm_latency_seconds",
		Help:      "LLM call latency by call kind",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"call"})

	// validationOutcomesTotal counts filter value validation outcomes.
	// Labels: field, tier (auto_correct, confirm, reject)
	validationOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastchat",
		Subsystem: "assistant",
		Name:      "validation_outcomes_total",
		Help:      "Filter value validation outcomes by field and tier",
	}, []string{"field", "tier"})

	// diagnosisFetches measures backend fetches spent per diagnosis run.
	diagnosisFetches = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forecastchat",
		Subsystem: "assistant",
		Name:      "diagnosis_fetches",
		Help:      "Backend fetches issued per zero-result diagnosis",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8},
	})

	// mutationsTotal counts mutation lifecycle transitions.
	// Labels: state (previewed, confirmed, cancelled, expired)
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastchat",
		Subsystem: "assistant",
		Name:      "mutations_total",
		Help:      "Mutation lifecycle transitions",
	}, []string{"state"})
)
