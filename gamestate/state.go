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

// Package gamestate holds the replicated game state and the pure reducer
// that advances it. The reducer is the single source of truth for "is this
// operation valid": the same function validates speculative local
// applications and proposals received from peers, so every honest node
// answers identically.
package gamestate

import (
	"github.com/dicemesh/dicemesh/types"
)

// Phase is the round phase of the replicated game.
type Phase uint8

const (
	// PhaseBetting accepts PlaceBet operations.
	PhaseBetting Phase = iota
	// PhaseDiceCommit accepts dice commitments.
	PhaseDiceCommit
	// PhaseDiceReveal accepts reveals for previously committed nonces.
	PhaseDiceReveal
	// PhaseResolving is entered once every committed player has revealed;
	// only ResolveRound is accepted.
	PhaseResolving
)

func (p Phase) String() string {
	switch p {
	case PhaseBetting:
		return "betting"
	case PhaseDiceCommit:
		return "dice-commit"
	case PhaseDiceReveal:
		return "dice-reveal"
	case PhaseResolving:
		return "resolving"
	default:
		return "unknown"
	}
}

// BetKind selects the wager side.
type BetKind uint8

const (
	// BetPass wins on a natural (7 or 11), loses on craps (2, 3, 12).
	BetPass BetKind = iota
	// BetDontPass wins on 2 or 3, pushes on 12, loses on 7 or 11.
	BetDontPass
)

// Bet is a single wager.
type Bet struct {
	Kind   BetKind
	Amount uint64
}

// PlacedBet is a bet attributed to the player who staked it.
type PlacedBet struct {
	Player types.PeerID
	Bet    Bet
}

// State is the replicated game state every participant agrees on. It is
// only ever mutated by Reduce, which copies before writing; a State held
// by a snapshot must be treated as immutable.
type State struct {
	GameID types.GameID
	Round  types.RoundID

	// Seq counts confirmed reductions. It is part of the digest, so two
	// nodes disagree on history iff they disagree on the digest.
	Seq uint64

	Phase Phase

	Balances map[types.PeerID]uint64
	Bets     []PlacedBet

	// Commits and Reveals track the current round's commit-reveal
	// exchange. Cleared by ResolveRound.
	Commits map[types.PeerID]types.Hash
	Reveals map[types.PeerID]types.Nonce

	// BetNonces records the highest bet nonce seen per player. A replayed
	// PlaceBet carries a nonce at or below the recorded one and is
	// rejected.
	BetNonces map[types.PeerID]uint64

	// LastRoll is the outcome of the most recently resolved round,
	// zero before the first resolution.
	LastRoll DiceRoll
}

// DiceRoll is the agreed outcome of one dice round.
type DiceRoll struct {
	Die1 uint8
	Die2 uint8
}

// Total returns the sum of both dice, 0 for the zero roll.
func (r DiceRoll) Total() int { return int(r.Die1) + int(r.Die2) }

// New returns the genesis state for a game. Every participant starts with
// the same buy-in so that genesis digests agree.
func New(gameID types.GameID, participants []types.PeerID, buyIn uint64) State {
	balances := make(map[types.PeerID]uint64, len(participants))
	for _, p := range participants {
		balances[p] = buyIn
	}
	return State{
		GameID:    gameID,
		Phase:     PhaseBetting,
		Balances:  balances,
		Commits:   make(map[types.PeerID]types.Hash),
		Reveals:   make(map[types.PeerID]types.Nonce),
		BetNonces: make(map[types.PeerID]uint64),
	}
}

// clone deep-copies the state so the reducer never aliases maps or slices
// with the snapshot it was derived from.
func (s State) clone() State {
	c := s
	c.Balances = make(map[types.PeerID]uint64, len(s.Balances))
	for k, v := range s.Balances {
		c.Balances[k] = v
	}
	c.Bets = make([]PlacedBet, len(s.Bets))
	copy(c.Bets, s.Bets)
	c.Commits = make(map[types.PeerID]types.Hash, len(s.Commits))
	for k, v := range s.Commits {
		c.Commits[k] = v
	}
	c.Reveals = make(map[types.PeerID]types.Nonce, len(s.Reveals))
	for k, v := range s.Reveals {
		c.Reveals[k] = v
	}
	c.BetNonces = make(map[types.PeerID]uint64, len(s.BetNonces))
	for k, v := range s.BetNonces {
		c.BetNonces[k] = v
	}
	return c
}
