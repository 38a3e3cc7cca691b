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

package commitreveal

import "github.com/prometheus/client_golang/prometheus"

var (
	revealViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "commitreveal",
		Name:      "reveal_violations_total",
		Help:      "The total number of reveals rejected for not hashing to their commitment.",
	})
	roundsResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "commitreveal",
		Name:      "rounds_resolved_total",
		Help:      "The total number of dice rounds resolved to a combined outcome.",
	})
)

func init() {
	prometheus.MustRegister(revealViolations)
	prometheus.MustRegister(roundsResolved)
}
