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

package proposal

import "github.com/prometheus/client_golang/prometheus"

var (
	proposalsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicemesh",
		Subsystem: "proposal",
		Name:      "pending",
		Help:      "The current number of proposals awaiting quorum.",
	})
	proposalsFinalized = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "proposal",
		Name:      "finalized_total",
		Help:      "The total number of proposals that reached quorum and were applied.",
	})
	proposalsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "proposal",
		Name:      "rejected_total",
		Help:      "The total number of proposals rejected for a superseded base version.",
	})
	proposalsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "proposal",
		Name:      "expired_total",
		Help:      "The total number of proposals that timed out short of quorum.",
	})
	votesCounted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "proposal",
		Name:      "votes_counted_total",
		Help:      "The total number of verified, de-duplicated votes counted.",
	})
	invalidVoteSignatures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "proposal",
		Name:      "invalid_vote_signatures_total",
		Help:      "The total number of votes dropped for failing signature verification.",
	})
)

func init() {
	prometheus.MustRegister(proposalsPending)
	prometheus.MustRegister(proposalsFinalized)
	prometheus.MustRegister(proposalsRejected)
	prometheus.MustRegister(proposalsExpired)
	prometheus.MustRegister(votesCounted)
	prometheus.MustRegister(invalidVoteSignatures)
}
