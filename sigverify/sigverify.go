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

// Package sigverify binds peer identity to Ed25519 keys. A peer ID is
// its public key, so verification needs no key directory: the vote names
// the key that must have signed it.
package sigverify

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/dicemesh/dicemesh/proposal"
	"github.com/dicemesh/dicemesh/types"
)

// ErrBadSeed is returned when a seed is not ed25519.SeedSize bytes.
var ErrBadSeed = errors.New("sigverify: bad seed size")

// Signer holds a node's Ed25519 private key and signs its votes.
type Signer struct {
	priv ed25519.PrivateKey
	id   types.PeerID
}

// NewSigner generates a fresh keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sigverify: generate key: %w", err)
	}
	var id types.PeerID
	copy(id[:], pub)
	return &Signer{priv: priv, id: id}, nil
}

// NewSignerFromSeed derives the keypair from a 32-byte seed. Useful for
// stable identities in tests and simulations.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrBadSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var id types.PeerID
	copy(id[:], priv.Public().(ed25519.PublicKey))
	return &Signer{priv: priv, id: id}, nil
}

// ID returns the peer ID (the public key) this signer votes as.
func (s *Signer) ID() types.PeerID { return s.id }

// SignVote fills in v.Voter and v.Signature over the vote's signing bytes.
func (s *Signer) SignVote(v *proposal.Vote) {
	v.Voter = s.id
	v.Signature = ed25519.Sign(s.priv, v.SigningBytes())
}

// Verifier checks signatures against the signer's embedded key.
// It implements proposal.Verifier.
type Verifier struct{}

// NewVerifier returns a stateless verifier.
func NewVerifier() Verifier { return Verifier{} }

// Verify reports whether sig is a valid Ed25519 signature by peer over msg.
func (Verifier) Verify(peer types.PeerID, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(peer[:]), msg, sig)
}
