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

// Package consensus ties the snapshot store, proposal manager,
// commit-reveal rounds, and health monitor into one engine per game.
// The engine owns no network: the caller supplies a Transport for
// outbound messages and feeds inbound ones to HandleProposal and
// HandleVote.
package consensus

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dicemesh/dicemesh/commitreveal"
	"github.com/dicemesh/dicemesh/gamestate"
	"github.com/dicemesh/dicemesh/health"
	"github.com/dicemesh/dicemesh/proposal"
	"github.com/dicemesh/dicemesh/store"
	"github.com/dicemesh/dicemesh/types"
)

var (
	// ErrNotParticipant rejects proposals from peers outside the game.
	ErrNotParticipant = errors.New("consensus: proposer not in participant set")
	// ErrBadProposalID rejects proposals whose ID does not derive from
	// their own contents. Only a malfunctioning or Byzantine proposer
	// produces one.
	ErrBadProposalID = errors.New("consensus: proposal id does not match contents")
	// ErrNoRetainedNonce means RevealDice was called for a round this
	// node never committed to.
	ErrNoRetainedNonce = errors.New("consensus: no retained nonce for round")
	// ErrRetriesExhausted means ProposeAndWait kept losing the base
	// version race.
	ErrRetriesExhausted = errors.New("consensus: propose retries exhausted")

	errMissingDep = errors.New("consensus: missing dependency")
)

// Transport carries outbound consensus messages to the other
// participants. Delivery may be unordered and at-least-once; the engine
// de-duplicates and buffers on the receiving side.
type Transport interface {
	BroadcastProposal(ctx context.Context, prop proposal.Proposal) error
	BroadcastVote(ctx context.Context, v proposal.Vote) error
}

// Signer produces this node's vote signatures. Satisfied by
// *sigverify.Signer.
type Signer interface {
	ID() types.PeerID
	SignVote(v *proposal.Vote)
}

// Sink receives every snapshot this node finalizes. Satisfied by
// *backup.Store. Sink errors are logged, never fatal: durability lag
// must not stall consensus.
type Sink interface {
	Save(snap store.Snapshot) error
}

// Config sizes one game's consensus instance.
type Config struct {
	GameID       types.GameID
	Participants []types.PeerID
	// Tolerance is f; requires len(Participants) >= 3f+1.
	Tolerance int
	// BuyIn is every participant's genesis balance.
	BuyIn uint64

	ProposalTimeout   time.Duration
	ProposalRetention time.Duration
	CommitWindow      time.Duration
	RevealWindow      time.Duration
	// DisputeWindow bounds how long a raised dispute waits for a quorum
	// verdict before expiring unjudged.
	DisputeWindow time.Duration
	Health        health.Config

	// MaxProposeRetries bounds ProposeAndWait's re-propose loop.
	MaxProposeRetries int
}

// DefaultMaxProposeRetries mirrors the store's CAS retry bound.
const DefaultMaxProposeRetries = 10

// Deps are the engine's injected collaborators.
type Deps struct {
	Signer    Signer
	Verifier  proposal.Verifier
	Transport Transport
	// Sink is optional.
	Sink Sink
}

// Engine is one game's consensus core. All methods are goroutine-safe.
type Engine struct {
	lg    *zap.Logger
	clock clockwork.Clock
	cfg   Config
	self  types.PeerID

	store     *store.Store
	manager   *proposal.Manager
	monitor   *health.Monitor
	transport Transport
	signer    Signer
	sink      Sink

	members map[types.PeerID]struct{}

	mu     sync.Mutex
	rounds map[types.RoundID]*commitreveal.Round
	// nonces retains this node's secret dice contribution per round until
	// the round resolves.
	nonces map[types.RoundID]types.Nonce
	// earlyVotes holds votes that arrived before their proposal. Replayed
	// on registration; the transport gives no ordering guarantee.
	earlyVotes map[types.ProposalID][]proposal.Vote
	disputes   map[types.Hash]*dispute
}

// maxBufferedProposals caps the early-vote table so junk proposal IDs
// cannot grow it without bound.
const maxBufferedProposals = 64

// New builds an engine at the genesis state for cfg.GameID.
func New(lg *zap.Logger, clock clockwork.Clock, cfg Config, deps Deps) (*Engine, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("%w: signer", errMissingDep)
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("%w: verifier", errMissingDep)
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("%w: transport", errMissingDep)
	}
	if cfg.MaxProposeRetries <= 0 {
		cfg.MaxProposeRetries = DefaultMaxProposeRetries
	}
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = DefaultDisputeWindow
	}

	monitor := health.NewMonitor(lg, clock, cfg.Health)
	st := store.New(lg,
		gamestate.New(cfg.GameID, cfg.Participants, cfg.BuyIn),
		store.WithCASObserver(monitor.RecordCAS),
	)
	mgr, err := proposal.NewManager(lg, clock, proposal.Config{
		Participants: cfg.Participants,
		Tolerance:    cfg.Tolerance,
		Timeout:      cfg.ProposalTimeout,
		Retention:    cfg.ProposalRetention,
	}, st, deps.Verifier, proposal.WithViolationObserver(monitor.RecordViolation))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		lg:         lg,
		clock:      clock,
		cfg:        cfg,
		self:       deps.Signer.ID(),
		store:      st,
		manager:    mgr,
		monitor:    monitor,
		transport:  deps.Transport,
		signer:     deps.Signer,
		sink:       deps.Sink,
		members:    make(map[types.PeerID]struct{}, len(cfg.Participants)),
		rounds:     make(map[types.RoundID]*commitreveal.Round),
		nonces:     make(map[types.RoundID]types.Nonce),
		earlyVotes: make(map[types.ProposalID][]proposal.Vote),
		disputes:   make(map[types.Hash]*dispute),
	}
	for _, p := range cfg.Participants {
		e.members[p] = struct{}{}
	}
	return e, nil
}

// Self returns this node's peer ID.
func (e *Engine) Self() types.PeerID { return e.self }

// CurrentState returns the canonical head snapshot. Never blocks.
func (e *Engine) CurrentState() *store.Snapshot { return e.store.Read() }

// Healthy reports the trailing-window health verdict. Any dispute still
// awaiting a quorum verdict marks the engine unhealthy.
func (e *Engine) Healthy() bool { return e.monitor.Healthy() && e.OpenDisputes() == 0 }

// Stop halts the engine; in-flight proposals resolve as expired.
func (e *Engine) Stop() { e.manager.Stop() }

// ProposeOperation validates op against the current head, registers the
// proposal, self-votes, and broadcasts both. The returned channel
// delivers the proposal's resolution. A locally invalid operation never
// reaches the mesh.
func (e *Engine) ProposeOperation(ctx context.Context, op gamestate.Operation) (<-chan proposal.Result, error) {
	head := e.store.Read()
	next, err := gamestate.Reduce(head.State, op)
	if err != nil {
		return nil, err
	}

	prop := &proposal.Proposal{
		ID:           proposal.NewID(e.self, head.Hash, op),
		Operation:    op,
		Proposer:     e.self,
		BaseVersion:  head.Version,
		BaseHash:     head.Hash,
		ProposedHash: next.Digest(),
	}
	done, err := e.manager.Register(prop)
	if err != nil {
		return nil, err
	}
	out := e.watch(prop, done)
	operationsProposed.Inc()

	self := proposal.Vote{
		ProposalID: prop.ID,
		Accepted:   true,
		StateHash:  prop.ProposedHash,
	}
	e.signer.SignVote(&self)
	if verr := e.manager.CastVote(self); verr != nil {
		e.lg.Warn("self-vote not counted", zap.Stringer("proposal-id", prop.ID), zap.Error(verr))
	}
	e.replayEarlyVotes(prop.ID)

	if terr := e.transport.BroadcastProposal(ctx, *prop); terr != nil {
		e.lg.Warn("proposal broadcast failed", zap.Stringer("proposal-id", prop.ID), zap.Error(terr))
	}
	if terr := e.transport.BroadcastVote(ctx, self); terr != nil {
		e.lg.Warn("vote broadcast failed", zap.Stringer("proposal-id", prop.ID), zap.Error(terr))
	}
	return out, nil
}

// ProposeAndWait proposes op and blocks for its resolution, re-proposing
// against the new head whenever the base version race is lost or the
// quorum window lapses.
func (e *Engine) ProposeAndWait(ctx context.Context, op gamestate.Operation) (*store.Snapshot, error) {
	for attempt := 0; attempt < e.cfg.MaxProposeRetries; attempt++ {
		ch, err := e.ProposeOperation(ctx, op)
		if err != nil {
			return nil, err
		}
		select {
		case res := <-ch:
			switch {
			case res.Status == proposal.StatusFinalized:
				return res.Snapshot, nil
			case errors.Is(res.Err, proposal.ErrProposalRejected),
				errors.Is(res.Err, proposal.ErrProposalExpired):
				continue
			default:
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrRetriesExhausted
}

// HandleProposal ingests a peer's proposal: register it, evaluate it with
// the reducer, and answer with a signed vote. Re-delivery of a known
// proposal is a no-op.
func (e *Engine) HandleProposal(ctx context.Context, prop proposal.Proposal) error {
	if _, ok := e.members[prop.Proposer]; !ok {
		return ErrNotParticipant
	}
	if prop.ID != proposal.NewID(prop.Proposer, prop.BaseHash, prop.Operation) {
		e.monitor.RecordViolation()
		e.lg.Warn("proposal id mismatch",
			zap.Stringer("proposal-id", prop.ID),
			zap.Stringer("proposer", prop.Proposer),
		)
		return ErrBadProposalID
	}

	done, err := e.manager.Register(&prop)
	if errors.Is(err, proposal.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	e.watch(&prop, done)
	proposalsHandled.Inc()
	e.replayEarlyVotes(prop.ID)

	// Honest vote: accept iff the proposal bases on our exact head and
	// the reducer admits the operation there.
	head := e.store.Read()
	v := proposal.Vote{ProposalID: prop.ID}
	if head.Version == prop.BaseVersion && head.Hash == prop.BaseHash {
		next, rerr := gamestate.Reduce(head.State, prop.Operation)
		switch {
		case rerr == nil:
			v.Accepted = true
			v.StateHash = next.Digest()
		case errors.Is(rerr, gamestate.ErrRevealMismatch):
			// A reveal that does not hash to its commitment is active
			// cheating, not a benign validation failure.
			e.monitor.RecordViolation()
			e.lg.Warn("proposed reveal does not match commitment",
				zap.Stringer("proposal-id", prop.ID),
				zap.Stringer("proposer", prop.Proposer),
			)
		}
	}
	e.signer.SignVote(&v)
	if verr := e.manager.CastVote(v); verr != nil {
		e.lg.Warn("own vote not counted", zap.Stringer("proposal-id", prop.ID), zap.Error(verr))
	}
	if terr := e.transport.BroadcastVote(ctx, v); terr != nil {
		e.lg.Warn("vote broadcast failed", zap.Stringer("proposal-id", prop.ID), zap.Error(terr))
	}
	return nil
}

// HandleVote ingests a peer's vote. A vote for a proposal we have not
// seen yet is buffered and replayed once the proposal arrives.
func (e *Engine) HandleVote(v proposal.Vote) error {
	err := e.manager.CastVote(v)
	if errors.Is(err, proposal.ErrNotFound) {
		e.bufferVote(v)
		return nil
	}
	return err
}

func (e *Engine) bufferVote(v proposal.Vote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.earlyVotes[v.ProposalID]
	if !ok && len(e.earlyVotes) >= maxBufferedProposals {
		return
	}
	if len(buf) >= len(e.cfg.Participants) {
		return
	}
	e.earlyVotes[v.ProposalID] = append(buf, v)
}

func (e *Engine) replayEarlyVotes(id types.ProposalID) {
	e.mu.Lock()
	buf := e.earlyVotes[id]
	delete(e.earlyVotes, id)
	e.mu.Unlock()
	for _, v := range buf {
		if err := e.manager.CastVote(v); err != nil {
			e.lg.Debug("buffered vote not counted", zap.Stringer("proposal-id", id), zap.Error(err))
		}
	}
}

// StartDiceCommitPhase draws a secret nonce for the current round,
// retains it for the later reveal, and proposes the commitment. Calling
// it again before the round resolves re-proposes the same commitment.
func (e *Engine) StartDiceCommitPhase(ctx context.Context) (<-chan proposal.Result, error) {
	round := e.store.Read().State.Round

	var nonce types.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("consensus: draw nonce: %w", err)
	}
	e.mu.Lock()
	if prev, ok := e.nonces[round]; ok {
		nonce = prev
	} else {
		e.nonces[round] = nonce
	}
	e.mu.Unlock()

	e.roundFor(round)
	return e.ProposeOperation(ctx, gamestate.CommitDice{
		Player:     e.self,
		Round:      round,
		Commitment: gamestate.Commitment(round, nonce),
	})
}

// RevealDice proposes the nonce retained by StartDiceCommitPhase for the
// current round.
func (e *Engine) RevealDice(ctx context.Context) (<-chan proposal.Result, error) {
	round := e.store.Read().State.Round

	e.mu.Lock()
	nonce, ok := e.nonces[round]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrNoRetainedNonce, round)
	}
	return e.ProposeOperation(ctx, gamestate.RevealDice{
		Player: e.self,
		Round:  round,
		Nonce:  nonce,
	})
}

// roundFor returns the local commit-reveal bookkeeping for a round,
// creating it on first use.
func (e *Engine) roundFor(round types.RoundID) *commitreveal.Round {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rounds[round]; ok {
		return r
	}
	r := commitreveal.NewRound(e.lg, e.clock, round, e.cfg.Participants,
		commitreveal.Config{
			CommitWindow: e.cfg.CommitWindow,
			RevealWindow: e.cfg.RevealWindow,
		},
		commitreveal.WithViolationObserver(func(peer types.PeerID) {
			e.monitor.RecordViolation()
			e.lg.Warn("commit-reveal violation",
				zap.Uint64("round", uint64(round)),
				zap.Stringer("peer", peer),
			)
		}),
	)
	e.rounds[round] = r
	return r
}

// watch forwards the proposal's resolution, running finalize bookkeeping
// before the caller observes the result.
func (e *Engine) watch(prop *proposal.Proposal, done <-chan proposal.Result) <-chan proposal.Result {
	out := make(chan proposal.Result, 1)
	go func() {
		res := <-done
		e.afterResolve(prop, res)
		out <- res
	}()
	return out
}

// afterResolve hands a finalized snapshot to the durability sink and
// advances the local commit-reveal round to match what the mesh agreed
// on.
func (e *Engine) afterResolve(prop *proposal.Proposal, res proposal.Result) {
	e.mu.Lock()
	delete(e.earlyVotes, prop.ID)
	e.mu.Unlock()

	if res.Status != proposal.StatusFinalized {
		return
	}
	if e.sink != nil {
		if err := e.sink.Save(*res.Snapshot); err != nil {
			e.lg.Warn("snapshot sink save failed",
				zap.Uint64("version", res.Snapshot.Version),
				zap.Error(err),
			)
		}
	}

	switch op := prop.Operation.(type) {
	case gamestate.CommitDice:
		if err := e.roundFor(op.Round).Commit(op.Player, op.Commitment); err != nil {
			e.lg.Debug("local round commit bookkeeping", zap.Error(err))
		}
	case gamestate.RevealDice:
		if err := e.roundFor(op.Round).Reveal(op.Player, op.Nonce); err != nil {
			e.lg.Debug("local round reveal bookkeeping", zap.Error(err))
		}
	case gamestate.ResolveRound:
		e.mu.Lock()
		delete(e.rounds, op.Round)
		delete(e.nonces, op.Round)
		e.mu.Unlock()
	}
}

// MetricsSnapshot is a point-in-time view across the engine's parts.
type MetricsSnapshot struct {
	Store            store.Metrics
	Health           health.Stats
	PendingProposals int
}

// Metrics collects counters from the store, monitor, and manager.
func (e *Engine) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Store:            e.store.Metrics(),
		Health:           e.monitor.Stats(),
		PendingProposals: e.manager.Pending(),
	}
}
