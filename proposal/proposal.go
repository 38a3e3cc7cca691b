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

// Package proposal tracks in-flight consensus proposals and decides when
// quorum is reached. The pending table sits behind one coarse mutex:
// proposal churn is orders of magnitude rarer than snapshot reads, so the
// lock is never on the hot path and never guards canonical state.
package proposal

import (
	"crypto/sha256"
	"time"

	"github.com/dicemesh/dicemesh/gamestate"
	"github.com/dicemesh/dicemesh/store"
	"github.com/dicemesh/dicemesh/types"
)

// Status is the lifecycle state of a proposal.
type Status int

const (
	// StatusPending collects votes.
	StatusPending Status = iota
	// StatusFinalized reached quorum and was applied to the store.
	StatusFinalized
	// StatusRejected reached quorum but lost the base-version race; the
	// proposer must re-propose against the new head.
	StatusRejected
	// StatusExpired timed out short of quorum with no state effect.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFinalized:
		return "finalized"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Proposal is one operation offered for agreement. It never becomes part
// of canonical state itself; only its effect does, through the store CAS.
type Proposal struct {
	ID        types.ProposalID
	Operation gamestate.Operation
	Proposer  types.PeerID

	// BaseVersion and BaseHash pin the snapshot the operation was
	// validated against. Finalization applies only at this exact version.
	BaseVersion uint64
	BaseHash    types.Hash

	// ProposedHash is the digest of the state after the operation. Honest
	// voters recompute it and vote it as their observed hash.
	ProposedHash types.Hash
}

// NewID derives the proposal identifier from proposer, base state, and
// operation payload, so every node assigns the same ID to the same
// proposal.
func NewID(proposer types.PeerID, baseHash types.Hash, op gamestate.Operation) types.ProposalID {
	h := sha256.New()
	h.Write(proposer[:])
	h.Write(baseHash[:])
	h.Write(op.AppendBinary(nil))
	var id types.ProposalID
	copy(id[:], h.Sum(nil))
	return id
}

// Vote is one participant's verdict on a proposal. Immutable; verified
// against the voter's public key before it is counted.
type Vote struct {
	ProposalID types.ProposalID
	Voter      types.PeerID
	Accepted   bool
	// StateHash is the post-operation digest the voter computed. Quorum
	// requires 2f+1 accepted votes agreeing on this value.
	StateHash types.Hash
	Signature []byte
}

// SigningBytes returns the canonical byte string covered by the vote
// signature.
func (v Vote) SigningBytes() []byte {
	b := make([]byte, 0, len(v.ProposalID)+len(v.Voter)+1+len(v.StateHash))
	b = append(b, v.ProposalID[:]...)
	b = append(b, v.Voter[:]...)
	if v.Accepted {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, v.StateHash[:]...)
	return b
}

// Result reports how a proposal resolved. Snapshot is non-nil only for
// StatusFinalized.
type Result struct {
	Status   Status
	Snapshot *store.Snapshot
	Err      error
}

// Config sizes the participant set and the protocol timers.
type Config struct {
	// Participants is the full voting membership, size n.
	Participants []types.PeerID
	// Tolerance is f, the number of Byzantine members survived. Requires
	// n >= 3f+1.
	Tolerance int
	// Timeout expires pending proposals that never reach quorum.
	Timeout time.Duration
	// Retention keeps resolved proposals pollable before the table entry
	// is dropped.
	Retention time.Duration
}

// DefaultTimeout bounds how long a proposal may sit short of quorum;
// DefaultRetention keeps resolved entries pollable a while longer.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetention = time.Minute
)

// Validate checks the Byzantine sizing invariant and fills timer defaults.
func (c *Config) Validate() error {
	if len(c.Participants) == 0 {
		return ErrNoParticipants
	}
	if c.Tolerance < 0 || len(c.Participants) < 3*c.Tolerance+1 {
		return ErrBadTolerance
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return nil
}

// QuorumSize returns 2f+1, the smallest vote count such that two quorums
// at the same base version must overlap in an honest participant.
func (c *Config) QuorumSize() int { return 2*c.Tolerance + 1 }
