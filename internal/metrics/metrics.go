// Copyright 2016-2019 Authors of Cilium
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics owns the agent's process-wide Prometheus registry
// (spec.md's "Global mutable state" design note): collectors are
// package-level vars created once by Register and never reassigned
// afterwards; read paths (internal/httpapi's /metrics handler) only ever
// clone cheap handles off prometheus.DefaultGatherer, never the vars here
// directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mesh_cni"

var (
	// ReconcileTotal counts every Reconcile call, labeled by which engine
	// ran it and whether it succeeded, requeued, or errored.
	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "controller",
		Name:      "reconcile_total",
		Help:      "Number of Reconcile invocations, by controller and result.",
	}, []string{"controller", "result"})

	// ReconcileDuration observes how long a Reconcile call took, labeled
	// by which engine ran it.
	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "controller",
		Name:      "reconcile_duration_seconds",
		Help:      "Time spent in a single Reconcile call, by controller.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"controller"})

	// MapOpsTotal counts kernel map mutations, labeled by map name,
	// address family, and operation (update/delete).
	MapOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "datapath",
		Name:      "map_ops_total",
		Help:      "Number of kernel map insert/delete operations, by map, family, and op.",
	}, []string{"map", "family", "op"})

	// ConntrackGCTotal counts conntrack entries reclaimed by the GC
	// sweep, labeled by address family and protocol.
	ConntrackGCTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conntrack",
		Name:      "gc_entries_total",
		Help:      "Number of conntrack entries reclaimed by the GC sweep, by family and protocol.",
	}, []string{"family", "proto"})
)

// Register adds every collector in this package to reg. Call it once at
// startup before any controller begins reconciling; nothing in this
// package self-registers on import, matching the design note's
// explicit-initialize-at-startup lifecycle rather than a package init().
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ReconcileTotal,
		ReconcileDuration,
		MapOpsTotal,
		ConntrackGCTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
