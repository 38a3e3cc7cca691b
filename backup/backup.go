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

// Package backup persists finalized state snapshots to a local bolt
// database. A node restarting after a crash reseeds its store from the
// latest saved snapshot instead of rejoining at the genesis state.
package backup

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/dicemesh/dicemesh/store"
)

var (
	// ErrNoSnapshots is returned by Latest when nothing has been saved.
	ErrNoSnapshots = errors.New("backup: no snapshots")
	// ErrNotFound is returned by Load for a version never saved.
	ErrNotFound = errors.New("backup: snapshot not found")
)

var snapshotsBucket = []byte("snapshots")

// Store is a bolt-backed snapshot archive. Keys are big-endian snapshot
// versions, so a forward cursor walks snapshots in commit order.
type Store struct {
	lg *zap.Logger
	db *bolt.DB
}

// Open opens or creates the archive at path.
func Open(lg *zap.Logger, path string) (*Store, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("backup: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, cerr := tx.CreateBucketIfNotExists(snapshotsBucket)
		return cerr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("backup: create bucket: %w", err)
	}
	return &Store{lg: lg, db: db}, nil
}

// Save archives one snapshot, keyed by its version. Saving the same
// version twice overwrites; snapshots are immutable so the bytes match.
func (s *Store) Save(snap store.Snapshot) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("backup: encode snapshot v%d: %w", snap.Version, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put(versionKey(snap.Version), val)
	})
	if err != nil {
		return fmt.Errorf("backup: save snapshot v%d: %w", snap.Version, err)
	}
	snapshotsSaved.Inc()
	latestVersion.Set(float64(snap.Version))
	s.lg.Debug("saved snapshot",
		zap.Uint64("version", snap.Version),
		zap.String("hash", snap.Hash.String()),
	)
	return nil
}

// Latest returns the highest-version snapshot in the archive.
func (s *Store) Latest() (store.Snapshot, error) {
	var snap store.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(snapshotsBucket).Cursor().Last()
		if k == nil {
			return ErrNoSnapshots
		}
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

// Load returns the snapshot saved at version.
func (s *Store) Load(version uint64) (store.Snapshot, error) {
	var snap store.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get(versionKey(version))
		if v == nil {
			return fmt.Errorf("%w: version %d", ErrNotFound, version)
		}
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

// Prune deletes all but the newest keep snapshots.
func (s *Store) Prune(keep int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		n := b.Stats().KeyN
		c := b.Cursor()
		for k, _ := c.First(); k != nil && n > keep; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			n--
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func versionKey(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}
