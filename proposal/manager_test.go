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

package proposal

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dicemesh/dicemesh/gamestate"
	"github.com/dicemesh/dicemesh/store"
	"github.com/dicemesh/dicemesh/types"
)

// seven participants tolerate f=2.
func sevenPeers() []types.PeerID {
	peers := make([]types.PeerID, 7)
	for i := range peers {
		peers[i] = types.PeerID{byte(i + 1)}
	}
	return peers
}

type fixture struct {
	peers []types.PeerID
	st    *store.Store
	clock clockwork.FakeClock
	m     *Manager
}

type rejectListVerifier struct {
	bad map[types.PeerID]bool
}

func (v rejectListVerifier) Verify(peer types.PeerID, _, _ []byte) bool {
	return !v.bad[peer]
}

func newFixture(t *testing.T, opts ...ManagerOption) *fixture {
	t.Helper()
	peers := sevenPeers()
	st := store.New(zaptest.NewLogger(t), gamestate.New(types.GameID{1}, peers, 1000))
	fc := clockwork.NewFakeClock()
	m, err := NewManager(zaptest.NewLogger(t), fc, Config{
		Participants: peers,
		Tolerance:    2,
		Timeout:      30 * time.Second,
		Retention:    time.Minute,
	}, st, rejectListVerifier{}, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return &fixture{peers: peers, st: st, clock: fc, m: m}
}

// registerBet registers a PlaceBet proposal at the current head.
func (f *fixture) registerBet(t *testing.T, proposer types.PeerID, nonce uint64) (*Proposal, <-chan Result) {
	t.Helper()
	base := f.st.Read()
	op := gamestate.PlaceBet{
		Player: proposer,
		Bet:    gamestate.Bet{Kind: gamestate.BetPass, Amount: 100},
		Nonce:  nonce,
	}
	next, err := gamestate.Reduce(base.State, op)
	require.NoError(t, err)
	prop := &Proposal{
		ID:           NewID(proposer, base.Hash, op),
		Operation:    op,
		Proposer:     proposer,
		BaseVersion:  base.Version,
		BaseHash:     base.Hash,
		ProposedHash: next.Digest(),
	}
	done, err := f.m.Register(prop)
	require.NoError(t, err)
	return prop, done
}

func acceptVote(prop *Proposal, voter types.PeerID) Vote {
	return Vote{
		ProposalID: prop.ID,
		Voter:      voter,
		Accepted:   true,
		StateHash:  prop.ProposedHash,
	}
}

func TestConfigValidate(t *testing.T) {
	peers := sevenPeers()
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"valid n=7 f=2", Config{Participants: peers, Tolerance: 2}, nil},
		{"empty", Config{}, ErrNoParticipants},
		{"n too small for f", Config{Participants: peers[:6], Tolerance: 2}, ErrBadTolerance},
		{"negative f", Config{Participants: peers, Tolerance: -1}, ErrBadTolerance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5, tt.cfg.QuorumSize())
		})
	}
}

func TestQuorumFinalizes(t *testing.T) {
	f := newFixture(t)
	prop, done := f.registerBet(t, f.peers[0], 1)

	// Four matching votes: one short of 2f+1.
	for _, voter := range f.peers[:4] {
		require.NoError(t, f.m.CastVote(acceptVote(prop, voter)))
	}
	status, err := f.m.Poll(prop.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	select {
	case res := <-done:
		t.Fatalf("proposal resolved early: %+v", res)
	default:
	}

	// The fifth matching vote reaches quorum and applies the operation.
	require.NoError(t, f.m.CastVote(acceptVote(prop, f.peers[4])))

	res := <-done
	assert.Equal(t, StatusFinalized, res.Status)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, uint64(1), res.Snapshot.Version)
	assert.Equal(t, uint64(1), f.st.Read().Version)

	status, err = f.m.Poll(prop.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, status)
}

func TestByzantineDivergentHashesDoNotBlock(t *testing.T) {
	f := newFixture(t)
	prop, done := f.registerBet(t, f.peers[0], 1)

	// Two Byzantine voters push a fabricated state hash.
	bogus := types.Hash{0xbd}
	for _, voter := range f.peers[5:] {
		v := acceptVote(prop, voter)
		v.StateHash = bogus
		require.NoError(t, f.m.CastVote(v))
	}

	// The five honest matching votes still finalize.
	for _, voter := range f.peers[:5] {
		require.NoError(t, f.m.CastVote(acceptVote(prop, voter)))
	}
	res := <-done
	assert.Equal(t, StatusFinalized, res.Status)
}

func TestDuplicateVotesCountOnce(t *testing.T) {
	f := newFixture(t)
	prop, done := f.registerBet(t, f.peers[0], 1)

	// The transport may duplicate messages; five copies of one vote are
	// one vote.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.m.CastVote(acceptVote(prop, f.peers[0])))
	}
	select {
	case res := <-done:
		t.Fatalf("proposal resolved on duplicated votes: %+v", res)
	default:
	}
	status, err := f.m.Poll(prop.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
}

func TestFourVotesExpire(t *testing.T) {
	f := newFixture(t)
	prop, done := f.registerBet(t, f.peers[0], 1)

	for _, voter := range f.peers[:4] {
		require.NoError(t, f.m.CastVote(acceptVote(prop, voter)))
	}

	f.clock.Advance(31 * time.Second)

	status, err := f.m.Poll(prop.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)

	res := <-done
	assert.Equal(t, StatusExpired, res.Status)
	require.ErrorIs(t, res.Err, ErrProposalExpired)

	// No state effect.
	assert.Equal(t, uint64(0), f.st.Read().Version)

	// A vote arriving after expiry is ignored without error.
	require.NoError(t, f.m.CastVote(acceptVote(prop, f.peers[4])))
	assert.Equal(t, uint64(0), f.st.Read().Version)
}

func TestCompetingProposalRejectedOnStaleBase(t *testing.T) {
	f := newFixture(t)
	first, firstDone := f.registerBet(t, f.peers[0], 1)
	second, secondDone := f.registerBet(t, f.peers[1], 1)

	for _, voter := range f.peers[:5] {
		require.NoError(t, f.m.CastVote(acceptVote(first, voter)))
	}
	res := <-firstDone
	require.Equal(t, StatusFinalized, res.Status)

	// The second proposal was validated against version 0, which the
	// first already superseded.
	for _, voter := range f.peers[:5] {
		require.NoError(t, f.m.CastVote(acceptVote(second, voter)))
	}
	res = <-secondDone
	assert.Equal(t, StatusRejected, res.Status)
	require.ErrorIs(t, res.Err, ErrProposalRejected)
	assert.Equal(t, uint64(1), f.st.Read().Version)
}

func TestInvalidSignatureDropped(t *testing.T) {
	violations := 0
	peers := sevenPeers()
	st := store.New(zaptest.NewLogger(t), gamestate.New(types.GameID{1}, peers, 1000))
	fc := clockwork.NewFakeClock()
	m, err := NewManager(zaptest.NewLogger(t), fc, Config{
		Participants: peers,
		Tolerance:    2,
	}, st, rejectListVerifier{bad: map[types.PeerID]bool{peers[6]: true}},
		WithViolationObserver(func() { violations++ }))
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	f := &fixture{peers: peers, st: st, clock: fc, m: m}
	prop, _ := f.registerBet(t, peers[0], 1)

	err = m.CastVote(acceptVote(prop, peers[6]))
	require.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Equal(t, 1, violations)

	status, err := m.Poll(prop.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
}

func TestVoteGatekeeping(t *testing.T) {
	f := newFixture(t)
	prop, _ := f.registerBet(t, f.peers[0], 1)

	err := f.m.CastVote(acceptVote(prop, types.PeerID{0xee}))
	require.ErrorIs(t, err, ErrNotParticipant)

	unknown := acceptVote(prop, f.peers[0])
	unknown.ProposalID = types.ProposalID{0xff}
	err = f.m.CastVote(unknown)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.m.Register(prop)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestExpiredProposalCanBeReRegistered(t *testing.T) {
	f := newFixture(t)
	prop, done := f.registerBet(t, f.peers[0], 1)

	f.clock.Advance(31 * time.Second)
	status, err := f.m.Poll(prop.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, status)
	res := <-done
	require.Equal(t, StatusExpired, res.Status)

	// The head never moved, so a re-proposal derives the identical ID.
	// The expired entry must not block it for the retention window.
	done2, err := f.m.Register(prop)
	require.NoError(t, err)

	for _, voter := range f.peers[:5] {
		require.NoError(t, f.m.CastVote(acceptVote(prop, voter)))
	}
	res = <-done2
	assert.Equal(t, StatusFinalized, res.Status)
	assert.Equal(t, uint64(1), f.st.Read().Version)
}

func TestRetentionEviction(t *testing.T) {
	f := newFixture(t)
	prop, done := f.registerBet(t, f.peers[0], 1)

	for _, voter := range f.peers[:5] {
		require.NoError(t, f.m.CastVote(acceptVote(prop, voter)))
	}
	<-done

	f.clock.Advance(2 * time.Minute)
	_, err := f.m.Poll(prop.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
