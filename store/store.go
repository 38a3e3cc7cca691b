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

// Package store is the versioned snapshot store at the heart of the
// consensus core. One atomic pointer holds the current snapshot; readers
// never block and writers race through compare-and-swap with bounded
// retries. Superseded snapshots are immutable and become unreachable once
// every reader that loaded them lets go, at which point the runtime
// reclaims them; no reader can ever observe freed state.
package store

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dicemesh/dicemesh/gamestate"
	"github.com/dicemesh/dicemesh/types"
)

// DefaultMaxRetries bounds OptimisticUpdate's CAS attempts. Losing every
// one of them means pathological contention; the caller re-derives its
// operation against the new head instead of live-locking here.
const DefaultMaxRetries = 10

var (
	// ErrConflict reports a single CAS attempt lost its race.
	ErrConflict = errors.New("store: concurrent update won the race")
	// ErrStaleBase reports the head moved past the caller's base version.
	ErrStaleBase = errors.New("store: base version superseded")
	// ErrCASExhausted reports the bounded retry budget ran out.
	ErrCASExhausted = errors.New("store: compare-and-swap retries exhausted")
)

// Snapshot is one immutable version of the game state. Never mutate a
// snapshot obtained from a Store; derive a successor through the reducer.
type Snapshot struct {
	State gamestate.State
	// Version increases by exactly one per successful CAS.
	Version uint64
	// Timestamp is the local install time in unix nanoseconds. It is
	// bookkeeping only and never feeds the digest.
	Timestamp int64
	// Hash is the digest of State, recomputed at install.
	Hash types.Hash
}

// Store holds the current snapshot pointer for one game.
type Store struct {
	lg *zap.Logger

	current atomic.Pointer[Snapshot]

	maxRetries int
	observer   func(casOK bool)

	transitions    atomic.Uint64
	casSuccess     atomic.Uint64
	casFailure     atomic.Uint64
	lastApplyNanos atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries overrides the OptimisticUpdate retry bound.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithCASObserver registers a callback invoked after every CAS attempt
// with its outcome. Used by the health monitor; must be cheap and
// goroutine-safe.
func WithCASObserver(fn func(ok bool)) Option {
	return func(s *Store) { s.observer = fn }
}

// New creates a store seeded with the genesis state at version 0.
func New(lg *zap.Logger, initial gamestate.State, opts ...Option) *Store {
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &Store{
		lg:         lg,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&Snapshot{
		State:     initial,
		Version:   0,
		Timestamp: time.Now().UnixNano(),
		Hash:      initial.Digest(),
	})
	return s
}

// Read returns the current snapshot. It never blocks and never fails; the
// returned snapshot stays valid for as long as the caller holds it.
func (s *Store) Read() *Snapshot {
	return s.current.Load()
}

// TryApply reduces op against the current snapshot and attempts exactly
// one CAS. A reducer rejection is returned as-is; a lost race returns
// ErrConflict and the caller decides whether to retry.
func (s *Store) TryApply(op gamestate.Operation) (*Snapshot, error) {
	return s.applyAt(s.current.Load(), op)
}

// CompareAndApply applies op only if the head is still at baseVersion.
// Proposal finalization uses this: a finalized operation was validated
// against a specific base, and applying it anywhere else would fork.
func (s *Store) CompareAndApply(baseVersion uint64, op gamestate.Operation) (*Snapshot, error) {
	cur := s.current.Load()
	if cur.Version != baseVersion {
		return nil, ErrStaleBase
	}
	snap, err := s.applyAt(cur, op)
	if errors.Is(err, ErrConflict) {
		// Lost the race, so the head necessarily moved past baseVersion.
		return nil, ErrStaleBase
	}
	return snap, err
}

// applyAt reduces op against cur and attempts one CAS from cur.
func (s *Store) applyAt(cur *Snapshot, op gamestate.Operation) (*Snapshot, error) {
	start := time.Now()
	next, err := gamestate.Reduce(cur.State, op)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		State:     next,
		Version:   cur.Version + 1,
		Timestamp: time.Now().UnixNano(),
		Hash:      next.Digest(),
	}
	if !s.current.CompareAndSwap(cur, snap) {
		s.recordCAS(false)
		return nil, ErrConflict
	}
	s.recordCAS(true)
	s.transitions.Add(1)
	elapsed := time.Since(start)
	s.lastApplyNanos.Store(elapsed.Nanoseconds())
	applyDuration.Observe(elapsed.Seconds())
	return snap, nil
}

// OptimisticUpdate derives a successor state with fn and installs it,
// retrying a bounded number of times when concurrent writers win the CAS.
// fn may run several times and must be pure. Exhausting the bound returns
// ErrCASExhausted.
func (s *Store) OptimisticUpdate(fn func(gamestate.State) (gamestate.State, error)) (*Snapshot, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur := s.current.Load()
		next, err := fn(cur.State)
		if err != nil {
			return nil, err
		}
		snap := &Snapshot{
			State:     next,
			Version:   cur.Version + 1,
			Timestamp: time.Now().UnixNano(),
			Hash:      next.Digest(),
		}
		if s.current.CompareAndSwap(cur, snap) {
			s.recordCAS(true)
			s.transitions.Add(1)
			return snap, nil
		}
		s.recordCAS(false)
		runtime.Gosched()
	}
	s.lg.Warn("optimistic update exhausted retries",
		zap.Int("max-retries", s.maxRetries),
		zap.Uint64("head-version", s.current.Load().Version),
	)
	return nil, ErrCASExhausted
}

func (s *Store) recordCAS(ok bool) {
	if ok {
		s.casSuccess.Add(1)
		casSuccessTotal.Inc()
	} else {
		s.casFailure.Add(1)
		casFailureTotal.Inc()
	}
	if s.observer != nil {
		s.observer(ok)
	}
}

// Metrics is a point-in-time copy of the store's counters.
type Metrics struct {
	Transitions    uint64
	CASSuccess     uint64
	CASFailure     uint64
	LastApplyNanos int64
}

// Metrics returns the current counter values.
func (s *Store) Metrics() Metrics {
	return Metrics{
		Transitions:    s.transitions.Load(),
		CASSuccess:     s.casSuccess.Load(),
		CASFailure:     s.casFailure.Load(),
		LastApplyNanos: s.lastApplyNanos.Load(),
	}
}
