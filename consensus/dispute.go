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

import (
	"crypto/sha256"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dicemesh/dicemesh/types"
)

// ErrDisputeNotFound is returned when voting on a dispute nobody raised.
var ErrDisputeNotFound = errors.New("consensus: unknown dispute")

// DisputeKind classifies what a participant is accused of.
type DisputeKind uint8

const (
	// DisputeStateMismatch accuses a peer of advertising a head digest
	// that disagrees with the quorum's.
	DisputeStateMismatch DisputeKind = iota
	// DisputeInvalidReveal accuses a peer of a reveal that does not hash
	// to its commitment.
	DisputeInvalidReveal
	// DisputeDoubleVote accuses a peer of conflicting votes on one
	// proposal.
	DisputeDoubleVote
)

func (k DisputeKind) String() string {
	switch k {
	case DisputeStateMismatch:
		return "state-mismatch"
	case DisputeInvalidReveal:
		return "invalid-reveal"
	case DisputeDoubleVote:
		return "double-vote"
	default:
		return "unknown"
	}
}

// DisputeClaim is the accusation a dispute is raised over.
type DisputeClaim struct {
	Kind    DisputeKind
	Accused types.PeerID
	// StateHash pins the head digest the claim refers to.
	StateHash types.Hash
}

// DisputeVerdict is the lifecycle state of a dispute.
type DisputeVerdict uint8

const (
	// VerdictPending collects votes.
	VerdictPending DisputeVerdict = iota
	// VerdictUpheld reached a 2f+1 quorum agreeing the accused
	// misbehaved; counted as a protocol violation.
	VerdictUpheld
	// VerdictDismissed reached a 2f+1 quorum rejecting the claim.
	VerdictDismissed
	// VerdictExpired timed out short of either quorum.
	VerdictExpired
)

func (v DisputeVerdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictUpheld:
		return "upheld"
	case VerdictDismissed:
		return "dismissed"
	case VerdictExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// DefaultDisputeWindow gives the mesh an hour to judge a claim.
const DefaultDisputeWindow = time.Hour

// NewDisputeID derives the dispute identifier from the disputer and the
// claim, so every node assigns the same ID to the same accusation.
func NewDisputeID(disputer types.PeerID, claim DisputeClaim) types.Hash {
	h := sha256.New()
	h.Write(disputer[:])
	h.Write(claim.Accused[:])
	h.Write([]byte{byte(claim.Kind)})
	h.Write(claim.StateHash[:])
	var id types.Hash
	copy(id[:], h.Sum(nil))
	return id
}

// dispute is one tracked accusation. Guarded by the engine mutex.
type dispute struct {
	id       types.Hash
	disputer types.PeerID
	claim    DisputeClaim
	raisedAt time.Time
	deadline time.Time
	votes    map[types.PeerID]bool
	verdict  DisputeVerdict
}

// RaiseDispute records this node's accusation and self-votes to uphold
// it. Raising the same claim twice is idempotent. The engine stays
// unhealthy while any dispute is open.
func (e *Engine) RaiseDispute(claim DisputeClaim) (types.Hash, error) {
	if _, ok := e.members[claim.Accused]; !ok {
		return types.Hash{}, ErrNotParticipant
	}
	return e.registerDispute(e.self, claim)
}

// HandleDispute ingests a peer's accusation so this node can vote on it.
func (e *Engine) HandleDispute(disputer types.PeerID, claim DisputeClaim) (types.Hash, error) {
	if _, ok := e.members[disputer]; !ok {
		return types.Hash{}, ErrNotParticipant
	}
	if _, ok := e.members[claim.Accused]; !ok {
		return types.Hash{}, ErrNotParticipant
	}
	return e.registerDispute(disputer, claim)
}

func (e *Engine) registerDispute(disputer types.PeerID, claim DisputeClaim) (types.Hash, error) {
	id := NewDisputeID(disputer, claim)
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireDisputesLocked(now)
	if _, ok := e.disputes[id]; ok {
		return id, nil
	}
	e.disputes[id] = &dispute{
		id:       id,
		disputer: disputer,
		claim:    claim,
		raisedAt: now,
		deadline: now.Add(e.cfg.DisputeWindow),
		votes:    map[types.PeerID]bool{disputer: true},
	}
	disputesRaised.Inc()
	disputesOpen.Inc()
	e.lg.Warn("dispute raised",
		zap.Stringer("dispute-id", id),
		zap.Stringer("disputer", disputer),
		zap.Stringer("accused", claim.Accused),
		zap.Stringer("kind", claim.Kind),
	)
	return id, nil
}

// VoteOnDispute counts one participant's verdict. Duplicate votes and
// votes on already-judged disputes are ignored, matching the proposal
// manager's dedup rules.
func (e *Engine) VoteOnDispute(id types.Hash, voter types.PeerID, uphold bool) error {
	if _, ok := e.members[voter]; !ok {
		return ErrNotParticipant
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireDisputesLocked(e.clock.Now())
	d, ok := e.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.verdict != VerdictPending {
		return nil
	}
	if _, dup := d.votes[voter]; dup {
		return nil
	}
	d.votes[voter] = uphold

	quorum := 2*e.cfg.Tolerance + 1
	up, down := 0, 0
	for _, v := range d.votes {
		if v {
			up++
		} else {
			down++
		}
	}
	switch {
	case up >= quorum:
		d.verdict = VerdictUpheld
		disputesOpen.Dec()
		// A quorum confirmed the accused misbehaved.
		e.monitor.RecordViolation()
		e.lg.Warn("dispute upheld",
			zap.Stringer("dispute-id", id),
			zap.Stringer("accused", d.claim.Accused),
		)
	case down >= quorum:
		d.verdict = VerdictDismissed
		disputesOpen.Dec()
		e.lg.Info("dispute dismissed", zap.Stringer("dispute-id", id))
	}
	return nil
}

// DisputeVerdict reports where a dispute stands.
func (e *Engine) DisputeVerdict(id types.Hash) (DisputeVerdict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireDisputesLocked(e.clock.Now())
	d, ok := e.disputes[id]
	if !ok {
		return 0, ErrDisputeNotFound
	}
	return d.verdict, nil
}

// OpenDisputes counts disputes still awaiting a verdict.
func (e *Engine) OpenDisputes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireDisputesLocked(e.clock.Now())
	n := 0
	for _, d := range e.disputes {
		if d.verdict == VerdictPending {
			n++
		}
	}
	return n
}

func (e *Engine) expireDisputesLocked(now time.Time) {
	for _, d := range e.disputes {
		if d.verdict == VerdictPending && !now.Before(d.deadline) {
			d.verdict = VerdictExpired
			disputesOpen.Dec()
			e.lg.Info("dispute expired unjudged", zap.Stringer("dispute-id", d.id))
		}
	}
}
