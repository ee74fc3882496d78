// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queuePending gauges how many node edits are waiting for graph
	// reconciliation across all projects.
	queuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "storyloom",
		Subsystem: "sync",
		Name:      "pending_nodes",
		Help:      "Node edits waiting for graph reconciliation",
	})

	// reconciliations counts completed reconciliations.
	// Labels: trigger (immediate, debounce, batch, flush)
	reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storyloom",
		Subsystem: "sync",
		Name:      "reconciliations_total",
		Help:      "Completed node reconciliations by trigger",
	}, []string{"trigger"})

	// reconciliationFailures counts reconciliations that errored.
	// Labels: trigger
	reconciliationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storyloom",
		Subsystem: "sync",
		Name:      "reconciliation_failures_total",
		Help:      "Failed node reconciliations by trigger",
	}, []string{"trigger"})
)
