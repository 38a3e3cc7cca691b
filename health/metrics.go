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

package health

import "github.com/prometheus/client_golang/prometheus"

var healthyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "dicemesh",
	Subsystem: "health",
	Name:      "healthy",
	Help:      "1 when the trailing-window health check passes, 0 otherwise.",
})

func init() {
	prometheus.MustRegister(healthyGauge)
}
