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

// Package types defines the small identifier types shared by every
// dicemesh package.
package types

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// PeerID identifies a consensus participant. It is the participant's
// ed25519 public key.
type PeerID [32]byte

// GameID identifies one game instance across the mesh.
type GameID [16]byte

// Hash is a SHA-256 digest.
type Hash [32]byte

// ProposalID identifies an in-flight proposal. Derived by hashing the
// proposer, base state hash, and operation payload.
type ProposalID [32]byte

// RoundID numbers dice rounds within a game.
type RoundID uint64

// Nonce is a participant's secret contribution to a dice round.
type Nonce [32]byte

func (p PeerID) String() string      { return hex.EncodeToString(p[:8]) }
func (g GameID) String() string      { return hex.EncodeToString(g[:]) }
func (h Hash) String() string        { return hex.EncodeToString(h[:8]) }
func (id ProposalID) String() string { return hex.EncodeToString(id[:8]) }

// MarshalText encodes the full peer ID as lowercase hex, so PeerID can
// key JSON maps in serialized snapshots.
func (p PeerID) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(p)))
	hex.Encode(out, p[:])
	return out, nil
}

// UnmarshalText decodes a 64-character hex peer ID.
func (p *PeerID) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(p) {
		return fmt.Errorf("types: peer id must be %d hex bytes, got %d", len(p), hex.DecodedLen(len(text)))
	}
	_, err := hex.Decode(p[:], text)
	return err
}

// SortPeers returns the peers in ascending byte order. Deterministic
// iteration order is what keeps state digests identical across nodes.
func SortPeers(peers []PeerID) []PeerID {
	sorted := make([]PeerID, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		return lessPeer(sorted[i], sorted[j])
	})
	return sorted
}

func lessPeer(a, b PeerID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
