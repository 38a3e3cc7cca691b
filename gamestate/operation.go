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

package gamestate

import (
	"encoding/binary"

	"github.com/dicemesh/dicemesh/types"
)

// Operation is a proposed state transition. The canonical binary form
// produced by AppendBinary feeds proposal IDs and vote signatures; it is
// not a wire format.
type Operation interface {
	// Kind names the operation for logs and metrics.
	Kind() string
	// AppendBinary appends the canonical encoding of the operation to b.
	AppendBinary(b []byte) []byte
}

// PlaceBet stakes part of the player's balance on the current round.
type PlaceBet struct {
	Player types.PeerID
	Bet    Bet
	// Nonce must strictly exceed the player's last accepted bet nonce,
	// defeating replay of the same logical bet.
	Nonce uint64
}

func (op PlaceBet) Kind() string { return "place_bet" }

func (op PlaceBet) AppendBinary(b []byte) []byte {
	b = append(b, "place_bet"...)
	b = append(b, op.Player[:]...)
	b = append(b, byte(op.Bet.Kind))
	b = binary.BigEndian.AppendUint64(b, op.Bet.Amount)
	b = binary.BigEndian.AppendUint64(b, op.Nonce)
	return b
}

// CommitDice locks in the player's hidden contribution to the round's
// randomness.
type CommitDice struct {
	Player     types.PeerID
	Round      types.RoundID
	Commitment types.Hash
}

func (op CommitDice) Kind() string { return "commit_dice" }

func (op CommitDice) AppendBinary(b []byte) []byte {
	b = append(b, "commit_dice"...)
	b = append(b, op.Player[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(op.Round))
	b = append(b, op.Commitment[:]...)
	return b
}

// RevealDice discloses the nonce behind a prior commitment.
type RevealDice struct {
	Player types.PeerID
	Round  types.RoundID
	Nonce  types.Nonce
}

func (op RevealDice) Kind() string { return "reveal_dice" }

func (op RevealDice) AppendBinary(b []byte) []byte {
	b = append(b, "reveal_dice"...)
	b = append(b, op.Player[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(op.Round))
	b = append(b, op.Nonce[:]...)
	return b
}

// ResolveRound combines the revealed nonces into the round's dice roll,
// settles active bets, and opens the next betting phase.
type ResolveRound struct {
	Round types.RoundID
}

func (op ResolveRound) Kind() string { return "resolve_round" }

func (op ResolveRound) AppendBinary(b []byte) []byte {
	b = append(b, "resolve_round"...)
	b = binary.BigEndian.AppendUint64(b, uint64(op.Round))
	return b
}
