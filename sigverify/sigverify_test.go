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

package sigverify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicemesh/dicemesh/proposal"
	"github.com/dicemesh/dicemesh/types"
)

func TestSignAndVerifyVote(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)

	v := proposal.Vote{
		ProposalID: types.ProposalID{0x01},
		Accepted:   true,
		StateHash:  types.Hash{0x02},
	}
	s.SignVote(&v)
	assert.Equal(t, s.ID(), v.Voter)
	assert.True(t, NewVerifier().Verify(v.Voter, v.SigningBytes(), v.Signature))
}

func TestTamperedVoteFailsVerification(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)

	v := proposal.Vote{ProposalID: types.ProposalID{0x01}, Accepted: true}
	s.SignVote(&v)

	v.Accepted = false
	assert.False(t, NewVerifier().Verify(v.Voter, v.SigningBytes(), v.Signature))
}

func TestWrongSignerFailsVerification(t *testing.T) {
	honest, err := NewSigner()
	require.NoError(t, err)
	imposter, err := NewSigner()
	require.NoError(t, err)

	v := proposal.Vote{ProposalID: types.ProposalID{0x01}, Accepted: true}
	imposter.SignVote(&v)
	// Claim the honest peer's identity over the imposter's signature.
	v.Voter = honest.ID()
	assert.False(t, NewVerifier().Verify(v.Voter, v.SigningBytes(), v.Signature))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	s, err := NewSigner()
	require.NoError(t, err)
	assert.False(t, NewVerifier().Verify(s.ID(), []byte("msg"), nil))
	assert.False(t, NewVerifier().Verify(s.ID(), []byte("msg"), []byte("short")))
}

func TestSeedDeterminism(t *testing.T) {
	seed := bytes.Repeat([]byte{0x5a}, 32)
	a, err := NewSignerFromSeed(seed)
	require.NoError(t, err)
	b, err := NewSignerFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())

	_, err = NewSignerFromSeed(seed[:16])
	assert.ErrorIs(t, err, ErrBadSeed)
}
