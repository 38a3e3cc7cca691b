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
	"errors"
	"fmt"

	"github.com/dicemesh/dicemesh/types"
)

// ErrInvalidOperation is the sentinel every reducer rejection wraps.
// Callers branch on errors.Is(err, ErrInvalidOperation) without caring
// which precondition failed.
var ErrInvalidOperation = errors.New("gamestate: invalid operation")

var (
	ErrUnknownPlayer       = fmt.Errorf("%w: player not in game", ErrInvalidOperation)
	ErrWrongPhase          = fmt.Errorf("%w: operation not allowed in current phase", ErrInvalidOperation)
	ErrWrongRound          = fmt.Errorf("%w: operation references a different round", ErrInvalidOperation)
	ErrInsufficientBalance = fmt.Errorf("%w: balance does not cover bet", ErrInvalidOperation)
	ErrZeroBet             = fmt.Errorf("%w: bet amount is zero", ErrInvalidOperation)
	ErrStaleNonce          = fmt.Errorf("%w: bet nonce replayed", ErrInvalidOperation)
	ErrDuplicateCommit     = fmt.Errorf("%w: player already committed this round", ErrInvalidOperation)
	ErrNoCommitment        = fmt.Errorf("%w: reveal without matching commitment", ErrInvalidOperation)
	ErrRevealMismatch      = fmt.Errorf("%w: reveal does not hash to commitment", ErrInvalidOperation)
	ErrDuplicateReveal     = fmt.Errorf("%w: player already revealed this round", ErrInvalidOperation)
	ErrNoReveals           = fmt.Errorf("%w: round has no valid reveals", ErrInvalidOperation)
)

// Reduce applies op to s and returns the successor state. It is pure: no
// I/O, no clocks, no mutation of s. A rejection leaves nothing changed and
// reports why; the error wraps ErrInvalidOperation.
func Reduce(s State, op Operation) (State, error) {
	next := s.clone()
	var err error
	switch o := op.(type) {
	case PlaceBet:
		err = next.placeBet(o)
	case CommitDice:
		err = next.commitDice(o)
	case RevealDice:
		err = next.revealDice(o)
	case ResolveRound:
		err = next.resolveRound(o)
	default:
		err = fmt.Errorf("%w: unknown operation %T", ErrInvalidOperation, op)
	}
	if err != nil {
		return State{}, err
	}
	next.Seq++
	return next, nil
}

func (s *State) placeBet(op PlaceBet) error {
	if s.Phase != PhaseBetting {
		return ErrWrongPhase
	}
	balance, ok := s.Balances[op.Player]
	if !ok {
		return ErrUnknownPlayer
	}
	if op.Bet.Amount == 0 {
		return ErrZeroBet
	}
	if balance < op.Bet.Amount {
		return ErrInsufficientBalance
	}
	if op.Nonce <= s.BetNonces[op.Player] {
		return ErrStaleNonce
	}
	s.Balances[op.Player] = balance - op.Bet.Amount
	s.BetNonces[op.Player] = op.Nonce
	s.Bets = append(s.Bets, PlacedBet{Player: op.Player, Bet: op.Bet})
	return nil
}

func (s *State) commitDice(op CommitDice) error {
	if s.Phase != PhaseBetting && s.Phase != PhaseDiceCommit {
		return ErrWrongPhase
	}
	if op.Round != s.Round {
		return ErrWrongRound
	}
	if _, ok := s.Balances[op.Player]; !ok {
		return ErrUnknownPlayer
	}
	if _, ok := s.Commits[op.Player]; ok {
		return ErrDuplicateCommit
	}
	s.Commits[op.Player] = op.Commitment
	s.Phase = PhaseDiceCommit
	return nil
}

func (s *State) revealDice(op RevealDice) error {
	if s.Phase != PhaseDiceCommit && s.Phase != PhaseDiceReveal {
		return ErrWrongPhase
	}
	if op.Round != s.Round {
		return ErrWrongRound
	}
	commitment, ok := s.Commits[op.Player]
	if !ok {
		return ErrNoCommitment
	}
	if _, ok := s.Reveals[op.Player]; ok {
		return ErrDuplicateReveal
	}
	if Commitment(op.Round, op.Nonce) != commitment {
		return ErrRevealMismatch
	}
	s.Reveals[op.Player] = op.Nonce
	s.Phase = PhaseDiceReveal
	if len(s.Reveals) == len(s.Commits) {
		s.Phase = PhaseResolving
	}
	return nil
}

func (s *State) resolveRound(op ResolveRound) error {
	if s.Phase != PhaseDiceReveal && s.Phase != PhaseResolving {
		return ErrWrongPhase
	}
	if op.Round != s.Round {
		return ErrWrongRound
	}
	if len(s.Reveals) == 0 {
		return ErrNoReveals
	}
	roll := CombineDice(s.Reveals)
	s.settleBets(roll)
	s.LastRoll = roll
	s.Bets = nil
	s.Commits = make(map[types.PeerID]types.Hash)
	s.Reveals = make(map[types.PeerID]types.Nonce)
	s.Round++
	s.Phase = PhaseBetting
	return nil
}

// settleBets pays out one-roll pass/don't-pass wagers. Stakes were already
// deducted at placement, so a win credits double the stake and a push
// returns it.
func (s *State) settleBets(roll DiceRoll) {
	total := roll.Total()
	for _, placed := range s.Bets {
		var payout uint64
		switch placed.Bet.Kind {
		case BetPass:
			switch total {
			case 7, 11:
				payout = placed.Bet.Amount * 2
			case 2, 3, 12:
				payout = 0
			default:
				payout = placed.Bet.Amount
			}
		case BetDontPass:
			switch total {
			case 2, 3:
				payout = placed.Bet.Amount * 2
			case 12:
				payout = placed.Bet.Amount // bar twelve
			case 7, 11:
				payout = 0
			default:
				payout = placed.Bet.Amount
			}
		}
		if payout > 0 {
			s.Balances[placed.Player] += payout
		}
	}
}
