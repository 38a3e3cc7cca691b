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
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dicemesh/dicemesh/gamestate"
	"github.com/dicemesh/dicemesh/store"
	"github.com/dicemesh/dicemesh/types"
)

var (
	ErrNoParticipants   = errors.New("proposal: empty participant set")
	ErrBadTolerance     = errors.New("proposal: participant set smaller than 3f+1")
	ErrNotFound         = errors.New("proposal: unknown proposal")
	ErrDuplicate        = errors.New("proposal: already registered")
	ErrNotParticipant   = errors.New("proposal: voter not in participant set")
	ErrSignatureInvalid = errors.New("proposal: vote signature verification failed")
	ErrStopped          = errors.New("proposal: manager stopped")
)

// Applier installs a quorum-confirmed operation. Satisfied by
// *store.Store.
type Applier interface {
	CompareAndApply(baseVersion uint64, op gamestate.Operation) (*store.Snapshot, error)
}

// Verifier checks a vote signature against the voter's public key.
type Verifier interface {
	Verify(peer types.PeerID, msg, sig []byte) bool
}

// tracked is a table entry. prop is immutable; everything else is guarded
// by the manager mutex.
type tracked struct {
	prop       *Proposal
	votes      map[types.PeerID]Vote
	status     Status
	createdAt  time.Time
	resolvedAt time.Time
	done       chan Result
}

// Manager owns the pending-proposal table. All methods are
// goroutine-safe.
type Manager struct {
	lg       *zap.Logger
	clock    clockwork.Clock
	cfg      Config
	applier  Applier
	verifier Verifier

	// onViolation, when set, is told about votes with bad signatures —
	// an active-Byzantine signal the health monitor consumes.
	onViolation func()

	mu       sync.Mutex
	table    map[types.ProposalID]*tracked
	members  map[types.PeerID]struct{}
	stopc    chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithViolationObserver registers a callback for invalid vote signatures.
func WithViolationObserver(fn func()) ManagerOption {
	return func(m *Manager) { m.onViolation = fn }
}

// NewManager validates cfg and starts the expiry janitor.
func NewManager(lg *zap.Logger, clock clockwork.Clock, cfg Config, applier Applier, verifier Verifier, opts ...ManagerOption) (*Manager, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		lg:       lg,
		clock:    clock,
		cfg:      cfg,
		applier:  applier,
		verifier: verifier,
		table:    make(map[types.ProposalID]*tracked),
		members:  make(map[types.PeerID]struct{}, len(cfg.Participants)),
		stopc:    make(chan struct{}),
	}
	for _, p := range cfg.Participants {
		m.members[p] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m, nil
}

// Stop halts the janitor and expires every pending proposal.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopc) })

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, tr := range m.table {
		if tr.status == StatusPending {
			m.resolveLocked(tr, Result{Status: StatusExpired, Err: ErrStopped}, now)
		}
	}
}

// Register adds a proposal to the table and returns the channel its
// resolution is delivered on. Both locally created proposals and
// proposals received from peers are registered, so votes for either can
// be tallied. Re-registering a resolved proposal replaces the old entry:
// an expired proposal keeps its deterministic ID when the head has not
// moved, and the retention window must not block the re-proposal.
func (m *Manager) Register(prop *Proposal) (<-chan Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tr, ok := m.table[prop.ID]; ok {
		if tr.status == StatusPending {
			return nil, ErrDuplicate
		}
		delete(m.table, prop.ID)
	}
	tr := &tracked{
		prop:      prop,
		votes:     make(map[types.PeerID]Vote),
		status:    StatusPending,
		createdAt: m.clock.Now(),
		done:      make(chan Result, 1),
	}
	m.table[prop.ID] = tr
	proposalsPending.Inc()
	m.lg.Debug("registered proposal",
		zap.Stringer("proposal-id", prop.ID),
		zap.Stringer("proposer", prop.Proposer),
		zap.String("operation", prop.Operation.Kind()),
		zap.Uint64("base-version", prop.BaseVersion),
	)
	return tr.done, nil
}

// CastVote verifies, de-duplicates, and counts one vote. A bad signature
// drops the vote from the protocol's point of view but is surfaced to the
// caller and the health monitor. Reaching quorum finalizes the proposal
// synchronously.
func (m *Manager) CastVote(v Vote) error {
	if _, ok := m.members[v.Voter]; !ok {
		return ErrNotParticipant
	}
	if m.verifier != nil && !m.verifier.Verify(v.Voter, v.SigningBytes(), v.Signature) {
		invalidVoteSignatures.Inc()
		if m.onViolation != nil {
			m.onViolation()
		}
		m.lg.Warn("dropping vote with invalid signature",
			zap.Stringer("proposal-id", v.ProposalID),
			zap.Stringer("voter", v.Voter),
		)
		return ErrSignatureInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.table[v.ProposalID]
	if !ok {
		return ErrNotFound
	}
	if tr.status != StatusPending {
		// Late vote for a resolved proposal; nothing to count.
		return nil
	}
	if _, dup := tr.votes[v.Voter]; dup {
		// At-most-once is not guaranteed by the transport; duplicates are
		// de-duplicated by voter identity.
		return nil
	}
	tr.votes[v.Voter] = v
	votesCounted.Inc()

	m.maybeFinalizeLocked(tr)
	return nil
}

// maybeFinalizeLocked finalizes tr once 2f+1 accepted votes agree on one
// observed state hash.
func (m *Manager) maybeFinalizeLocked(tr *tracked) {
	counts := make(map[types.Hash]int)
	for _, v := range tr.votes {
		if v.Accepted {
			counts[v.StateHash]++
		}
	}
	quorum := m.cfg.QuorumSize()
	var winning types.Hash
	reached := false
	for h, n := range counts {
		if n >= quorum {
			winning, reached = h, true
			break
		}
	}
	if !reached {
		return
	}

	now := m.clock.Now()
	snap, err := m.applier.CompareAndApply(tr.prop.BaseVersion, tr.prop.Operation)
	switch {
	case err == nil:
		m.lg.Info("proposal finalized",
			zap.Stringer("proposal-id", tr.prop.ID),
			zap.Stringer("state-hash", winning),
			zap.Uint64("version", snap.Version),
		)
		m.resolveLocked(tr, Result{Status: StatusFinalized, Snapshot: snap}, now)
	case errors.Is(err, store.ErrStaleBase):
		// A concurrent proposal already advanced the head; the proposer
		// must re-propose against the new base.
		m.lg.Info("proposal rejected, base version superseded",
			zap.Stringer("proposal-id", tr.prop.ID),
			zap.Uint64("base-version", tr.prop.BaseVersion),
		)
		m.resolveLocked(tr, Result{Status: StatusRejected, Err: ErrProposalRejected}, now)
	default:
		// The quorum agreed on an operation the reducer rejects at this
		// base. Possible only with a Byzantine quorum or diverging
		// reducers; refuse to apply it.
		m.lg.Error("quorum-confirmed operation failed to apply",
			zap.Stringer("proposal-id", tr.prop.ID),
			zap.Error(err),
		)
		m.resolveLocked(tr, Result{Status: StatusRejected, Err: err}, now)
	}
}

// ErrProposalRejected and ErrProposalExpired are the terminal errors
// delivered on the result channel.
var (
	ErrProposalRejected = errors.New("proposal: rejected, base version superseded")
	ErrProposalExpired  = errors.New("proposal: expired before reaching quorum")
)

func (m *Manager) resolveLocked(tr *tracked, res Result, now time.Time) {
	tr.status = res.Status
	tr.resolvedAt = now
	proposalsPending.Dec()
	switch res.Status {
	case StatusFinalized:
		proposalsFinalized.Inc()
	case StatusRejected:
		proposalsRejected.Inc()
	case StatusExpired:
		proposalsExpired.Inc()
	}
	tr.done <- res
}

// Poll reports the status of a proposal still inside its retention
// window.
func (m *Manager) Poll(id types.ProposalID) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked(m.clock.Now())
	tr, ok := m.table[id]
	if !ok {
		return 0, ErrNotFound
	}
	return tr.status, nil
}

// Pending returns the number of unresolved proposals.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tr := range m.table {
		if tr.status == StatusPending {
			n++
		}
	}
	return n
}

// janitor expires overdue proposals and evicts resolved entries past the
// retention window.
func (m *Manager) janitor() {
	interval := m.cfg.Timeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-m.clock.After(interval):
			m.mu.Lock()
			m.sweepLocked(m.clock.Now())
			m.mu.Unlock()
		case <-m.stopc:
			return
		}
	}
}

func (m *Manager) sweepLocked(now time.Time) {
	for id, tr := range m.table {
		switch {
		case tr.status == StatusPending && now.Sub(tr.createdAt) >= m.cfg.Timeout:
			m.lg.Info("proposal expired",
				zap.Stringer("proposal-id", id),
				zap.Int("votes", len(tr.votes)),
				zap.Int("quorum", m.cfg.QuorumSize()),
			)
			m.resolveLocked(tr, Result{Status: StatusExpired, Err: ErrProposalExpired}, now)
		case tr.status != StatusPending && now.Sub(tr.resolvedAt) >= m.cfg.Retention:
			delete(m.table, id)
		}
	}
}
