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
	"crypto/sha256"
	"encoding/binary"

	"github.com/dicemesh/dicemesh/types"
)

// Digest returns the deterministic SHA-256 digest of the state. Map fields
// are folded in sorted peer order; no wall-clock input participates, so two
// nodes that applied the same confirmed operations always agree.
func (s *State) Digest() types.Hash {
	h := sha256.New()
	h.Write(s.GameID[:])

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(s.Round))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], s.Seq)
	h.Write(buf[:])
	h.Write([]byte{byte(s.Phase), s.LastRoll.Die1, s.LastRoll.Die2})

	for _, p := range sortedKeys(s.Balances) {
		h.Write(p[:])
		binary.BigEndian.PutUint64(buf[:], s.Balances[p])
		h.Write(buf[:])
	}
	for _, b := range s.Bets {
		h.Write(b.Player[:])
		h.Write([]byte{byte(b.Bet.Kind)})
		binary.BigEndian.PutUint64(buf[:], b.Bet.Amount)
		h.Write(buf[:])
	}
	for _, p := range sortedKeys(s.Commits) {
		c := s.Commits[p]
		h.Write(p[:])
		h.Write(c[:])
	}
	for _, p := range sortedKeys(s.Reveals) {
		n := s.Reveals[p]
		h.Write(p[:])
		h.Write(n[:])
	}
	for _, p := range sortedKeys(s.BetNonces) {
		h.Write(p[:])
		binary.BigEndian.PutUint64(buf[:], s.BetNonces[p])
		h.Write(buf[:])
	}

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Commitment binds a nonce to a round: SHA-256(nonce ‖ round). The round
// salt stops a commitment from one round being replayed into another.
func Commitment(round types.RoundID, nonce types.Nonce) types.Hash {
	h := sha256.New()
	h.Write(nonce[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(round))
	h.Write(buf[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CombineDice derives the round's dice from all valid revealed nonces.
// Contributions are folded in sorted peer order, so the outcome is
// independent of the order reveals arrived in, and hashing means the last
// revealer cannot steer the result without breaking SHA-256.
func CombineDice(reveals map[types.PeerID]types.Nonce) DiceRoll {
	h := sha256.New()
	for _, p := range sortedKeys(reveals) {
		n := reveals[p]
		h.Write(p[:])
		h.Write(n[:])
	}
	sum := h.Sum(nil)
	return DiceRoll{
		Die1: sum[0]%6 + 1,
		Die2: sum[1]%6 + 1,
	}
}

func sortedKeys[V any](m map[types.PeerID]V) []types.PeerID {
	keys := make([]types.PeerID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return types.SortPeers(keys)
}
