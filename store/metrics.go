// Copyright 2026 The dicemesh Authors
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

package store

import "github.com/prometheus/client_golang/prometheus"

var (
	casSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "store",
		Name:      "cas_success_total",
		Help:      "The total number of snapshot compare-and-swap attempts that succeeded.",
	})
	casFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "store",
		Name:      "cas_failure_total",
		Help:      "The total number of snapshot compare-and-swap attempts lost to a concurrent writer.",
	})
	applyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dicemesh",
		Subsystem: "store",
		Name:      "apply_duration_seconds",
		Help:      "The latency of a successful reduce-and-swap, from load to install.",

		// Applies are in-memory; sub-millisecond buckets matter.
		Buckets: prometheus.ExponentialBuckets(1e-6, 2, 16),
	})
)

func init() {
	prometheus.MustRegister(casSuccessTotal)
	prometheus.MustRegister(casFailureTotal)
	prometheus.MustRegister(applyDuration)
}
