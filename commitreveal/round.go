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

// Package commitreveal coordinates the two-phase randomness exchange for
// one dice round. Every contribution is locked in by hash before any
// nonce is revealed, so as long as one honest participant commits blind
// and reveals on time, nobody can steer the combined roll.
package commitreveal

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dicemesh/dicemesh/gamestate"
	"github.com/dicemesh/dicemesh/types"
)

// Phase is the round's position in the commit-reveal state machine.
type Phase int

const (
	// PhaseCommitOpen accepts commitments.
	PhaseCommitOpen Phase = iota
	// PhaseCommitLocked holds every contribution fixed; no commitment may
	// be added or changed. Reveals are accepted from here on.
	PhaseCommitLocked
	// PhaseRevealOpen has seen at least one reveal.
	PhaseRevealOpen
	// PhaseResolved has a combined outcome.
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseCommitOpen:
		return "commit-open"
	case PhaseCommitLocked:
		return "commit-locked"
	case PhaseRevealOpen:
		return "reveal-open"
	case PhaseResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownParticipant = errors.New("commitreveal: peer not expected this round")
	ErrCommitClosed       = errors.New("commitreveal: commit phase over")
	ErrRevealClosed       = errors.New("commitreveal: reveal phase over")
	ErrDuplicateCommit    = errors.New("commitreveal: peer already committed")
	ErrDuplicateReveal    = errors.New("commitreveal: peer already revealed")
	ErrNoCommitment       = errors.New("commitreveal: reveal without commitment")
	ErrRevealMismatch     = errors.New("commitreveal: reveal does not hash to commitment")
	ErrNotResolved        = errors.New("commitreveal: round not resolved yet")
	ErrNoReveals          = errors.New("commitreveal: no valid reveals to combine")
)

// Config sets the round deadlines. Participants who miss the commit
// deadline sit this round's randomness out; committed participants who
// miss the reveal deadline are excluded from the combination.
type Config struct {
	CommitWindow time.Duration
	RevealWindow time.Duration
}

// Default windows give every participant a WAN round trip of margin.
const (
	DefaultCommitWindow = 15 * time.Second
	DefaultRevealWindow = 15 * time.Second
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.CommitWindow <= 0 {
		out.CommitWindow = DefaultCommitWindow
	}
	if out.RevealWindow <= 0 {
		out.RevealWindow = DefaultRevealWindow
	}
	return out
}

// Round runs commit-reveal for a single dice round. All methods are
// goroutine-safe; phase transitions are evaluated lazily against the
// clock, so a fake clock drives deadlines deterministically in tests.
type Round struct {
	lg    *zap.Logger
	clock clockwork.Clock
	id    types.RoundID
	cfg   Config

	// onViolation is told which peer produced a mismatched reveal.
	onViolation func(types.PeerID)

	mu             sync.Mutex
	phase          Phase
	expected       map[types.PeerID]struct{}
	commits        map[types.PeerID]types.Hash
	reveals        map[types.PeerID]types.Nonce
	commitDeadline time.Time
	revealDeadline time.Time
	roll           gamestate.DiceRoll
}

// RoundOption configures a Round.
type RoundOption func(*Round)

// WithViolationObserver registers a callback for mismatched reveals.
func WithViolationObserver(fn func(types.PeerID)) RoundOption {
	return func(r *Round) { r.onViolation = fn }
}

// NewRound opens the commit phase for id with the given expected
// participants.
func NewRound(lg *zap.Logger, clock clockwork.Clock, id types.RoundID, participants []types.PeerID, cfg Config, opts ...RoundOption) *Round {
	if lg == nil {
		lg = zap.NewNop()
	}
	r := &Round{
		lg:       lg,
		clock:    clock,
		id:       id,
		cfg:      cfg.withDefaults(),
		phase:    PhaseCommitOpen,
		expected: make(map[types.PeerID]struct{}, len(participants)),
		commits:  make(map[types.PeerID]types.Hash),
		reveals:  make(map[types.PeerID]types.Nonce),
	}
	for _, p := range participants {
		r.expected[p] = struct{}{}
	}
	r.commitDeadline = clock.Now().Add(r.cfg.CommitWindow)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Commit records a participant's commitment. The phase locks once every
// expected participant committed or the commit deadline lapses.
func (r *Round) Commit(peer types.PeerID, commitment types.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()

	if _, ok := r.expected[peer]; !ok {
		return ErrUnknownParticipant
	}
	if r.phase != PhaseCommitOpen {
		return ErrCommitClosed
	}
	if _, ok := r.commits[peer]; ok {
		return ErrDuplicateCommit
	}
	r.commits[peer] = commitment
	if len(r.commits) == len(r.expected) {
		r.lockLocked(r.clock.Now())
	}
	return nil
}

// Reveal discloses a nonce. A nonce that does not hash to the stored
// commitment is a protocol violation: it is rejected, excluded from the
// outcome, and reported to the violation observer.
func (r *Round) Reveal(peer types.PeerID, nonce types.Nonce) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()

	switch r.phase {
	case PhaseCommitOpen:
		// An early reveal locks the commits it arrives after; without
		// this a racing reveal could beat the deadline transition. The
		// revealer only ever commits first through the engine, so the
		// phase rules still hold per participant.
		r.lockLocked(r.clock.Now())
	case PhaseCommitLocked, PhaseRevealOpen:
	default:
		return ErrRevealClosed
	}

	commitment, ok := r.commits[peer]
	if !ok {
		return ErrNoCommitment
	}
	if _, ok := r.reveals[peer]; ok {
		return ErrDuplicateReveal
	}
	if gamestate.Commitment(r.id, nonce) != commitment {
		revealViolations.Inc()
		if r.onViolation != nil {
			r.onViolation(peer)
		}
		r.lg.Warn("reveal does not match commitment",
			zap.Uint64("round", uint64(r.id)),
			zap.Stringer("peer", peer),
		)
		return ErrRevealMismatch
	}
	r.reveals[peer] = nonce
	r.phase = PhaseRevealOpen
	if len(r.reveals) == len(r.commits) {
		r.resolveLocked()
	}
	return nil
}

// Roll returns the combined outcome once the round resolved, either by a
// full set of valid reveals or by the reveal deadline lapsing with at
// least one valid reveal in hand.
func (r *Round) Roll() (gamestate.DiceRoll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()

	if r.phase != PhaseResolved {
		return gamestate.DiceRoll{}, ErrNotResolved
	}
	if len(r.reveals) == 0 {
		return gamestate.DiceRoll{}, ErrNoReveals
	}
	return r.roll, nil
}

// Phase reports the current phase after applying any lapsed deadlines.
func (r *Round) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked()
	return r.phase
}

// Reveals returns a copy of the valid reveals collected so far.
func (r *Round) Reveals() map[types.PeerID]types.Nonce {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.PeerID]types.Nonce, len(r.reveals))
	for p, n := range r.reveals {
		out[p] = n
	}
	return out
}

// advanceLocked applies deadline-driven transitions.
func (r *Round) advanceLocked() {
	now := r.clock.Now()
	if r.phase == PhaseCommitOpen && !now.Before(r.commitDeadline) {
		// Deadline-driven lock: the reveal window starts at the commit
		// deadline, not at whatever later moment we noticed it.
		r.lockLocked(r.commitDeadline)
	}
	if (r.phase == PhaseCommitLocked || r.phase == PhaseRevealOpen) && !now.Before(r.revealDeadline) {
		r.resolveLocked()
	}
}

func (r *Round) lockLocked(at time.Time) {
	if r.phase != PhaseCommitOpen {
		return
	}
	r.phase = PhaseCommitLocked
	r.revealDeadline = at.Add(r.cfg.RevealWindow)
	r.lg.Debug("commit phase locked",
		zap.Uint64("round", uint64(r.id)),
		zap.Int("commits", len(r.commits)),
		zap.Int("expected", len(r.expected)),
	)
}

func (r *Round) resolveLocked() {
	if r.phase == PhaseResolved {
		return
	}
	r.phase = PhaseResolved
	if len(r.reveals) > 0 {
		r.roll = gamestate.CombineDice(r.reveals)
		roundsResolved.Inc()
		r.lg.Info("dice round resolved",
			zap.Uint64("round", uint64(r.id)),
			zap.Int("reveals", len(r.reveals)),
			zap.Uint8("die1", r.roll.Die1),
			zap.Uint8("die2", r.roll.Die2),
		)
	}
}
