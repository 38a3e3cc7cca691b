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

// Package health watches the consensus core for two trouble signals:
// pathological CAS contention and active Byzantine behavior
// (commit-reveal violations, forged vote signatures). The surrounding
// application polls Healthy() and decides policy — pause proposals,
// alert, fail over — instead of discovering problems by silent failure.
package health

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Config tunes the trailing window and thresholds.
type Config struct {
	// Window is the trailing interval judged by Healthy.
	Window time.Duration
	// Buckets subdivides the window; old buckets age out wholesale.
	Buckets int
	// MaxFailureRatio marks contention unhealthy once
	// failures/(successes+failures) in the window exceeds it.
	MaxFailureRatio float64
	// MinCASSamples is the least number of window CAS attempts before
	// the ratio is meaningful; below it contention is never flagged.
	MinCASSamples int
	// MaxViolations is the most window protocol violations tolerated.
	MaxViolations int
}

const (
	DefaultWindow          = time.Minute
	DefaultBuckets         = 12
	DefaultMaxFailureRatio = 0.5
	DefaultMinCASSamples   = 16
	DefaultMaxViolations   = 3
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.Buckets <= 0 {
		out.Buckets = DefaultBuckets
	}
	if out.MaxFailureRatio <= 0 {
		out.MaxFailureRatio = DefaultMaxFailureRatio
	}
	if out.MinCASSamples <= 0 {
		out.MinCASSamples = DefaultMinCASSamples
	}
	if out.MaxViolations <= 0 {
		out.MaxViolations = DefaultMaxViolations
	}
	return out
}

type bucket struct {
	start      time.Time
	casOK      uint64
	casFail    uint64
	violations uint64
}

// Monitor keeps rolling counters in a bucket ring. All methods are
// goroutine-safe; recording is a mutex-guarded counter bump, cheap enough
// for the CAS observer hot path because contention on the monitor is
// bounded by the store's own write rate.
type Monitor struct {
	lg    *zap.Logger
	clock clockwork.Clock
	cfg   Config

	mu     sync.Mutex
	ring   []bucket
	stride time.Duration

	// all-time totals, for the metrics snapshot
	totalCASOK      uint64
	totalCASFail    uint64
	totalViolations uint64
}

// NewMonitor creates a monitor with cfg defaults filled in.
func NewMonitor(lg *zap.Logger, clock clockwork.Clock, cfg Config) *Monitor {
	if lg == nil {
		lg = zap.NewNop()
	}
	c := cfg.withDefaults()
	return &Monitor{
		lg:     lg,
		clock:  clock,
		cfg:    c,
		ring:   make([]bucket, c.Buckets),
		stride: c.Window / time.Duration(c.Buckets),
	}
}

// RecordCAS records one compare-and-swap outcome. Wire this to
// store.WithCASObserver.
func (m *Monitor) RecordCAS(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucketLocked(m.clock.Now())
	if ok {
		b.casOK++
		m.totalCASOK++
	} else {
		b.casFail++
		m.totalCASFail++
	}
}

// RecordViolation records one protocol violation: a mismatched reveal or
// a forged vote signature.
func (m *Monitor) RecordViolation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucketLocked(m.clock.Now())
	b.violations++
	m.totalViolations++
}

// bucketLocked returns the live bucket for now, recycling it if its
// previous occupant aged past the window.
func (m *Monitor) bucketLocked(now time.Time) *bucket {
	start := now.Truncate(m.stride)
	idx := int(start.UnixNano()/int64(m.stride)) % len(m.ring)
	if idx < 0 {
		idx += len(m.ring)
	}
	b := &m.ring[idx]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

// Stats is a point-in-time view of the monitor.
type Stats struct {
	WindowCASOK      uint64
	WindowCASFail    uint64
	WindowViolations uint64

	TotalCASOK      uint64
	TotalCASFail    uint64
	TotalViolations uint64
}

// Stats sums the live window and all-time totals.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		TotalCASOK:      m.totalCASOK,
		TotalCASFail:    m.totalCASFail,
		TotalViolations: m.totalViolations,
	}
	cutoff := m.clock.Now().Add(-m.cfg.Window)
	for _, b := range m.ring {
		if b.start.Before(cutoff) {
			continue
		}
		s.WindowCASOK += b.casOK
		s.WindowCASFail += b.casFail
		s.WindowViolations += b.violations
	}
	return s
}

// Healthy reports whether the core looks sound over the trailing window.
// False means either CAS contention beyond the configured ratio or more
// protocol violations than tolerated.
func (m *Monitor) Healthy() bool {
	s := m.Stats()

	healthy := true
	attempts := s.WindowCASOK + s.WindowCASFail
	if attempts >= uint64(m.cfg.MinCASSamples) {
		ratio := float64(s.WindowCASFail) / float64(attempts)
		if ratio > m.cfg.MaxFailureRatio {
			m.lg.Warn("cas contention above threshold",
				zap.Float64("failure-ratio", ratio),
				zap.Float64("threshold", m.cfg.MaxFailureRatio),
				zap.Uint64("window-attempts", attempts),
			)
			healthy = false
		}
	}
	if s.WindowViolations > uint64(m.cfg.MaxViolations) {
		m.lg.Warn("protocol violations above threshold",
			zap.Uint64("window-violations", s.WindowViolations),
			zap.Int("threshold", m.cfg.MaxViolations),
		)
		healthy = false
	}
	if healthy {
		healthyGauge.Set(1)
	} else {
		healthyGauge.Set(0)
	}
	return healthy
}
