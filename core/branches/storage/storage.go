/*
   Copyright The branchfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package storage holds the in-memory registries backing the overlay engine:
// processes, snapshots and branches, addressed by generated ids.
//
// Each collection is guarded by its own reader-writer lock so that listing
// and lookups against one collection stay available while another is being
// written, and so that a long branch materialization never holds any
// registry lock. Branches are inserted only after their private storage is
// fully populated; a partially materialized branch is never observable here.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/branchfs/branchfs/core/branches"
)

// Limits caps the collection sizes. Zero-valued fields mean unlimited.
type Limits struct {
	MaxSnapshots int
	MaxBranches  int
}

// Store is the registry arena. The zero value is not usable; construct with
// NewStore.
type Store struct {
	limits Limits

	procMu sync.RWMutex
	procs  map[int]branches.Process
	gens   map[int]uint64

	snapMu sync.RWMutex
	snaps  map[string]branches.Snapshot

	branchMu sync.RWMutex
	branch   map[string]branches.Branch
}

// NewStore returns an empty registry arena honoring the given limits.
func NewStore(limits Limits) *Store {
	return &Store{
		limits: limits,
		procs:  make(map[int]branches.Process),
		gens:   make(map[int]uint64),
		snaps:  make(map[string]branches.Snapshot),
		branch: make(map[string]branches.Branch),
	}
}

// RegisterProcess creates an identity record for the given OS identity. A
// pid registering again receives a fresh record with a higher generation,
// replacing the previous one; OS pid reuse therefore never aliases an old
// binding.
func (s *Store) RegisterProcess(id branches.Identity) branches.Process {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	s.gens[id.Pid]++
	p := branches.Process{
		ID:           uuid.New().String(),
		Identity:     id,
		Generation:   s.gens[id.Pid],
		RegisteredAt: time.Now().UTC(),
	}
	s.procs[id.Pid] = p
	return p
}

// DeregisterProcess removes the identity registered for pid.
func (s *Store) DeregisterProcess(pid int) (branches.Process, error) {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	p, ok := s.procs[pid]
	if !ok {
		return branches.Process{}, fmt.Errorf("process %d: %w", pid, errdefs.ErrNotFound)
	}
	delete(s.procs, pid)
	return p, nil
}

// GetProcess returns the identity currently registered for pid.
func (s *Store) GetProcess(pid int) (branches.Process, error) {
	s.procMu.RLock()
	defer s.procMu.RUnlock()

	p, ok := s.procs[pid]
	if !ok {
		return branches.Process{}, fmt.Errorf("process %d: %w", pid, errdefs.ErrNotFound)
	}
	return p, nil
}

// SetProcessBranch atomically replaces the view binding of pid. An empty
// branch id unbinds. Last bind wins under concurrent rebinding of one pid.
func (s *Store) SetProcessBranch(pid int, branchID string) (branches.Process, error) {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	p, ok := s.procs[pid]
	if !ok {
		return branches.Process{}, fmt.Errorf("process %d: %w", pid, errdefs.ErrNotFound)
	}
	p.BranchID = branchID
	s.procs[pid] = p
	return p, nil
}

// BoundCount returns how many processes are currently bound to the branch.
func (s *Store) BoundCount(branchID string) int {
	s.procMu.RLock()
	defer s.procMu.RUnlock()

	var n int
	for _, p := range s.procs {
		if p.BranchID == branchID {
			n++
		}
	}
	return n
}

// AddSnapshot registers a snapshot under a fresh id.
func (s *Store) AddSnapshot(label, source string) (branches.Snapshot, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if s.limits.MaxSnapshots > 0 && len(s.snaps) >= s.limits.MaxSnapshots {
		return branches.Snapshot{}, fmt.Errorf("snapshot limit %d reached: %w", s.limits.MaxSnapshots, errdefs.ErrResourceExhausted)
	}
	sn := branches.Snapshot{
		ID:        uuid.New().String(),
		Label:     label,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	s.snaps[sn.ID] = sn
	return sn, nil
}

// GetSnapshot returns a snapshot by id.
func (s *Store) GetSnapshot(id string) (branches.Snapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	sn, ok := s.snaps[id]
	if !ok {
		return branches.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, errdefs.ErrNotFound)
	}
	return sn, nil
}

// RemoveSnapshot deletes the registry entry for id and returns it.
func (s *Store) RemoveSnapshot(id string) (branches.Snapshot, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	sn, ok := s.snaps[id]
	if !ok {
		return branches.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, errdefs.ErrNotFound)
	}
	delete(s.snaps, id)
	return sn, nil
}

// WalkSnapshots calls fn for each snapshot. The collection lock is not held
// across fn calls.
func (s *Store) WalkSnapshots(ctx context.Context, fn branches.SnapshotWalkFunc) error {
	s.snapMu.RLock()
	all := make([]branches.Snapshot, 0, len(s.snaps))
	for _, sn := range s.snaps {
		all = append(all, sn)
	}
	s.snapMu.RUnlock()

	for _, sn := range all {
		if err := fn(ctx, sn); err != nil {
			return err
		}
	}
	return nil
}

// ReserveBranch checks the branch ceiling and hands out a fresh id without
// registering anything. Materialization runs against the reserved id and
// commits with AddBranch only once private storage is complete.
func (s *Store) ReserveBranch() (string, error) {
	s.branchMu.RLock()
	defer s.branchMu.RUnlock()

	if s.limits.MaxBranches > 0 && len(s.branch) >= s.limits.MaxBranches {
		return "", fmt.Errorf("branch limit %d reached: %w", s.limits.MaxBranches, errdefs.ErrResourceExhausted)
	}
	return uuid.New().String(), nil
}

// AddBranch registers a fully materialized branch.
func (s *Store) AddBranch(b branches.Branch) error {
	s.branchMu.Lock()
	defer s.branchMu.Unlock()

	if s.limits.MaxBranches > 0 && len(s.branch) >= s.limits.MaxBranches {
		return fmt.Errorf("branch limit %d reached: %w", s.limits.MaxBranches, errdefs.ErrResourceExhausted)
	}
	if _, ok := s.branch[b.ID]; ok {
		return fmt.Errorf("branch %s: %w", b.ID, errdefs.ErrAlreadyExists)
	}
	s.branch[b.ID] = b
	return nil
}

// GetBranch returns a branch by id.
func (s *Store) GetBranch(id string) (branches.Branch, error) {
	s.branchMu.RLock()
	defer s.branchMu.RUnlock()

	b, ok := s.branch[id]
	if !ok {
		return branches.Branch{}, fmt.Errorf("branch %s: %w", id, errdefs.ErrNotFound)
	}
	return b, nil
}

// RemoveBranch deletes the registry entry for id and returns it.
func (s *Store) RemoveBranch(id string) (branches.Branch, error) {
	s.branchMu.Lock()
	defer s.branchMu.Unlock()

	b, ok := s.branch[id]
	if !ok {
		return branches.Branch{}, fmt.Errorf("branch %s: %w", id, errdefs.ErrNotFound)
	}
	delete(s.branch, id)
	return b, nil
}

// WalkBranches calls fn for each branch. The collection lock is not held
// across fn calls, so listing stays available while branches materialize.
func (s *Store) WalkBranches(ctx context.Context, fn branches.WalkFunc) error {
	s.branchMu.RLock()
	all := make([]branches.Branch, 0, len(s.branch))
	for _, b := range s.branch {
		all = append(all, b)
	}
	s.branchMu.RUnlock()

	for _, b := range all {
		if err := fn(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
