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

package storage

import (
	"context"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchfs/branchfs/core/branches"
)

func TestProcessLifecycle(t *testing.T) {
	s := NewStore(Limits{})

	p := s.RegisterProcess(branches.Identity{Pid: 100, Ppid: 1, Uid: 1000, Gid: 1000})
	assert.NotEmpty(t, p.ID)
	assert.EqualValues(t, 1, p.Generation)
	assert.False(t, p.Bound())

	got, err := s.GetProcess(100)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = s.DeregisterProcess(100)
	require.NoError(t, err)
	_, err = s.GetProcess(100)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = s.DeregisterProcess(100)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestPidReuseGetsFreshGeneration(t *testing.T) {
	s := NewStore(Limits{})

	first := s.RegisterProcess(branches.Identity{Pid: 100, Ppid: 1})
	_, err := s.SetProcessBranch(100, "branch-a")
	require.NoError(t, err)
	_, err = s.DeregisterProcess(100)
	require.NoError(t, err)

	second := s.RegisterProcess(branches.Identity{Pid: 100, Ppid: 1})
	assert.Greater(t, second.Generation, first.Generation)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, second.Bound(), "a recycled pid starts unbound")
}

func TestLastBindWins(t *testing.T) {
	s := NewStore(Limits{})
	s.RegisterProcess(branches.Identity{Pid: 100, Ppid: 1})

	_, err := s.SetProcessBranch(100, "branch-a")
	require.NoError(t, err)
	p, err := s.SetProcessBranch(100, "branch-b")
	require.NoError(t, err)
	assert.Equal(t, "branch-b", p.BranchID)

	assert.Equal(t, 0, s.BoundCount("branch-a"))
	assert.Equal(t, 1, s.BoundCount("branch-b"))

	p, err = s.SetProcessBranch(100, "")
	require.NoError(t, err)
	assert.False(t, p.Bound())
	assert.Equal(t, 0, s.BoundCount("branch-b"))
}

func TestSnapshotLimit(t *testing.T) {
	s := NewStore(Limits{MaxSnapshots: 2})

	_, err := s.AddSnapshot("one", "")
	require.NoError(t, err)
	_, err = s.AddSnapshot("two", "")
	require.NoError(t, err)
	_, err = s.AddSnapshot("three", "")
	assert.True(t, errdefs.IsResourceExhausted(err))
}

func TestBranchReserveAndAdd(t *testing.T) {
	s := NewStore(Limits{MaxBranches: 1})

	id, err := s.ReserveBranch()
	require.NoError(t, err)
	require.NoError(t, s.AddBranch(branches.Branch{ID: id, Label: "first"}))

	err = s.AddBranch(branches.Branch{ID: id, Label: "dup"})
	assert.True(t, errdefs.IsResourceExhausted(err) || errdefs.IsAlreadyExists(err))

	_, err = s.ReserveBranch()
	assert.True(t, errdefs.IsResourceExhausted(err))

	_, err = s.RemoveBranch(id)
	require.NoError(t, err)
	_, err = s.GetBranch(id)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = s.ReserveBranch()
	require.NoError(t, err, "removal frees up the ceiling")
}

func TestWalkBranches(t *testing.T) {
	s := NewStore(Limits{})
	for _, label := range []string{"a", "b", "c"} {
		id, err := s.ReserveBranch()
		require.NoError(t, err)
		require.NoError(t, s.AddBranch(branches.Branch{ID: id, Label: label}))
	}

	seen := make(map[string]struct{})
	require.NoError(t, s.WalkBranches(context.Background(), func(_ context.Context, b branches.Branch) error {
		seen[b.Label] = struct{}{}
		return nil
	}))
	assert.Len(t, seen, 3)
}

func TestRemoveSnapshot(t *testing.T) {
	s := NewStore(Limits{MaxSnapshots: 1})

	sn, err := s.AddSnapshot("ephemeral", "")
	require.NoError(t, err)
	_, err = s.RemoveSnapshot(sn.ID)
	require.NoError(t, err)
	_, err = s.GetSnapshot(sn.ID)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = s.RemoveSnapshot(sn.ID)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = s.AddSnapshot("replacement", "")
	require.NoError(t, err, "removal frees up the ceiling")
}

func TestWalkSnapshots(t *testing.T) {
	s := NewStore(Limits{})
	for _, label := range []string{"x", "y"} {
		_, err := s.AddSnapshot(label, "some-branch")
		require.NoError(t, err)
	}

	var n int
	require.NoError(t, s.WalkSnapshots(context.Background(), func(_ context.Context, sn branches.Snapshot) error {
		n++
		assert.Equal(t, "some-branch", sn.Source)
		return nil
	}))
	assert.Equal(t, 2, n)
}
