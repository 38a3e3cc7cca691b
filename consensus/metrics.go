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

package consensus

import "github.com/prometheus/client_golang/prometheus"

var (
	operationsProposed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "consensus",
		Name:      "operations_proposed_total",
		Help:      "Total operations this node offered to the mesh.",
	})
	proposalsHandled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "consensus",
		Name:      "proposals_handled_total",
		Help:      "Total peer proposals registered and voted on.",
	})
	disputesRaised = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "consensus",
		Name:      "disputes_raised_total",
		Help:      "Total disputes registered on this node.",
	})
	disputesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicemesh",
		Subsystem: "consensus",
		Name:      "disputes_open",
		Help:      "Disputes still awaiting a quorum verdict.",
	})
)

func init() {
	prometheus.MustRegister(operationsProposed)
	prometheus.MustRegister(proposalsHandled)
	prometheus.MustRegister(disputesRaised)
	prometheus.MustRegister(disputesOpen)
}
