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

// dicemesh-sim runs an in-process dicemesh cluster over a loopback
// transport and plays full betting rounds through consensus. It is a
// protocol exerciser, not a game client: every node is honest and
// messages never drop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dicemesh/dicemesh/backup"
	"github.com/dicemesh/dicemesh/consensus"
	"github.com/dicemesh/dicemesh/gamestate"
	"github.com/dicemesh/dicemesh/proposal"
	"github.com/dicemesh/dicemesh/sigverify"
	"github.com/dicemesh/dicemesh/types"
)

var (
	nodes     int
	faults    int
	rounds    int
	buyIn     uint64
	betAmount uint64
	backupDir string
	debug     bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "dicemesh-sim",
		Short: "Run an in-process dicemesh consensus cluster",
		RunE:  runSim,
		// Errors are printed by runSim's logger already.
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().IntVar(&nodes, "nodes", 4, "cluster size n (requires n >= 3f+1)")
	cmd.Flags().IntVar(&faults, "faults", 1, "tolerated Byzantine nodes f")
	cmd.Flags().IntVar(&rounds, "rounds", 3, "dice rounds to play")
	cmd.Flags().Uint64Var(&buyIn, "buy-in", 1000, "per-player starting chips")
	cmd.Flags().Uint64Var(&betAmount, "bet", 50, "per-round wager")
	cmd.Flags().StringVar(&backupDir, "backup-dir", "", "directory for node 0's snapshot archive (empty disables)")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loopback delivers broadcasts synchronously. The simulation driver is
// single-threaded, so no queueing is needed.
type loopback struct {
	engines map[types.PeerID]*consensus.Engine
}

type loopbackTransport struct {
	mesh *loopback
	self types.PeerID
}

func (t loopbackTransport) BroadcastProposal(ctx context.Context, prop proposal.Proposal) error {
	for id, e := range t.mesh.engines {
		if id == t.self {
			continue
		}
		if err := e.HandleProposal(ctx, prop); err != nil {
			return err
		}
	}
	return nil
}

func (t loopbackTransport) BroadcastVote(_ context.Context, v proposal.Vote) error {
	for id, e := range t.mesh.engines {
		if id == t.self {
			continue
		}
		if err := e.HandleVote(v); err != nil && !errors.Is(err, proposal.ErrSignatureInvalid) {
			return err
		}
	}
	return nil
}

func runSim(_ *cobra.Command, _ []string) error {
	lg, err := buildLogger()
	if err != nil {
		return err
	}
	defer lg.Sync()

	if nodes < 3*faults+1 {
		return fmt.Errorf("cluster of %d cannot tolerate %d faults, need at least %d nodes", nodes, faults, 3*faults+1)
	}

	var gameID types.GameID
	copy(gameID[:], "dicemesh-sim")

	signers := make([]*sigverify.Signer, nodes)
	ids := make([]types.PeerID, nodes)
	for i := range signers {
		if signers[i], err = sigverify.NewSigner(); err != nil {
			return err
		}
		ids[i] = signers[i].ID()
	}

	var archive *backup.Store
	if backupDir != "" {
		if archive, err = backup.Open(lg, filepath.Join(backupDir, "node0.db")); err != nil {
			return err
		}
		defer archive.Close()
	}

	mesh := &loopback{engines: make(map[types.PeerID]*consensus.Engine, nodes)}
	engines := make([]*consensus.Engine, nodes)
	for i := range engines {
		deps := consensus.Deps{
			Signer:    signers[i],
			Verifier:  sigverify.NewVerifier(),
			Transport: loopbackTransport{mesh: mesh, self: ids[i]},
		}
		if i == 0 && archive != nil {
			deps.Sink = archive
		}
		engines[i], err = consensus.New(lg.Named(fmt.Sprintf("node%d", i)), clockwork.NewRealClock(), consensus.Config{
			GameID:       gameID,
			Participants: ids,
			Tolerance:    faults,
			BuyIn:        buyIn,
		}, deps)
		if err != nil {
			return err
		}
		defer engines[i].Stop()
	}
	for i, e := range engines {
		mesh.engines[ids[i]] = e
	}

	lg.Info("cluster up",
		zap.Int("nodes", nodes),
		zap.Int("faults", faults),
		zap.Int("quorum", 2*faults+1),
	)

	ctx := context.Background()
	start := time.Now()
	for r := 0; r < rounds; r++ {
		if err := playRound(ctx, lg, engines, ids, r); err != nil {
			return fmt.Errorf("round %d: %w", r, err)
		}
	}
	lg.Info("simulation done", zap.Int("rounds", rounds), zap.Duration("took", time.Since(start)))

	head := engines[0].CurrentState()
	fmt.Printf("\nfinal state after %d rounds (version %d, hash %s)\n",
		rounds, head.Version, head.Hash)
	for i, id := range ids {
		fmt.Printf("  node%d %s  %s chips\n", i, id, humanize.Comma(int64(head.State.Balances[id])))
	}
	m := engines[0].Metrics()
	fmt.Printf("node0: %d transitions, %d/%d CAS ok/fail, healthy=%v\n",
		m.Store.Transitions, m.Store.CASSuccess, m.Store.CASFailure, engines[0].Healthy())
	if archive != nil {
		snap, aerr := archive.Latest()
		if aerr != nil {
			return aerr
		}
		fmt.Printf("archive: latest snapshot v%d\n", snap.Version)
	}
	return nil
}

// playRound drives one full bet / commit / reveal / resolve cycle
// through consensus.
func playRound(ctx context.Context, lg *zap.Logger, engines []*consensus.Engine, ids []types.PeerID, r int) error {
	for i, e := range engines {
		kind := gamestate.BetPass
		if i%2 == 1 {
			kind = gamestate.BetDontPass
		}
		_, err := e.ProposeAndWait(ctx, gamestate.PlaceBet{
			Player: ids[i],
			Bet:    gamestate.Bet{Kind: kind, Amount: betAmount},
			Nonce:  uint64(r + 1),
		})
		if errors.Is(err, gamestate.ErrInvalidOperation) {
			// Busted players sit the round out.
			lg.Info("skipping bet", zap.Stringer("player", ids[i]), zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
	}

	for _, e := range engines {
		ch, err := e.StartDiceCommitPhase(ctx)
		if err != nil {
			return err
		}
		if err := awaitFinalized(ch); err != nil {
			return err
		}
	}
	for _, e := range engines {
		ch, err := e.RevealDice(ctx)
		if err != nil {
			return err
		}
		if err := awaitFinalized(ch); err != nil {
			return err
		}
	}

	snap, err := engines[0].ProposeAndWait(ctx, gamestate.ResolveRound{Round: types.RoundID(r)})
	if err != nil {
		return err
	}
	roll := snap.State.LastRoll
	lg.Info("round resolved",
		zap.Int("round", r),
		zap.Uint8("die1", roll.Die1),
		zap.Uint8("die2", roll.Die2),
		zap.Int("total", roll.Total()),
		zap.Uint64("version", snap.Version),
	)
	return nil
}

func awaitFinalized(ch <-chan proposal.Result) error {
	res := <-ch
	if res.Status != proposal.StatusFinalized {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("proposal resolved %s", res.Status)
	}
	return nil
}

func buildLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	return cfg.Build()
}
