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

package backup

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dicemesh",
		Subsystem: "backup",
		Name:      "snapshots_saved_total",
		Help:      "Total number of snapshots written to the archive.",
	})
	latestVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dicemesh",
		Subsystem: "backup",
		Name:      "latest_snapshot_version",
		Help:      "Version of the most recently saved snapshot.",
	})
)

func init() {
	prometheus.MustRegister(snapshotsSaved)
	prometheus.MustRegister(latestVersion)
}
