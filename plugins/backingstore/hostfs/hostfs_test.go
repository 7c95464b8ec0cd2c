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

package hostfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchfs/branchfs/core/backingstore"
)

func newStore(t *testing.T) backingstore.Store {
	t.Helper()
	s, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "store"), false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStoreRequiresRoot(t *testing.T) {
	_, err := NewStore(context.Background(), "", false)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestPrepareIsExclusive(t *testing.T) {
	s := newStore(t)

	loc, err := s.Prepare(context.Background(), "branch-1")
	require.NoError(t, err)
	assert.DirExists(t, loc)

	_, err = s.Prepare(context.Background(), "branch-1")
	assert.True(t, errdefs.IsAlreadyExists(err))

	_, err = s.Prepare(context.Background(), "../escape")
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = s.Prepare(context.Background(), "")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRemove(t *testing.T) {
	s := newStore(t)

	loc, err := s.Prepare(context.Background(), "branch-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(loc, "data"), []byte("x"), 0o644))

	require.NoError(t, s.Remove(context.Background(), loc))
	_, err = os.Lstat(loc)
	assert.True(t, os.IsNotExist(err))

	err = s.Remove(context.Background(), loc)
	assert.True(t, errdefs.IsNotFound(err))

	err = s.Remove(context.Background(), filepath.Dir(s.Root()))
	assert.True(t, errdefs.IsInvalidArgument(err))
	err = s.Remove(context.Background(), s.Root())
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestCopyOrClone(t *testing.T) {
	s := newStore(t)
	src := filepath.Join(s.Root(), "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	dst := filepath.Join(s.Root(), "dst")
	cloned, err := s.CopyOrClone(src, dst, false)
	require.NoError(t, err, "without require-clone the copy must always succeed")
	assert.Equal(t, s.SupportsClone(s.Root()), cloned)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	if !s.SupportsClone(s.Root()) {
		_, err := s.CopyOrClone(src, filepath.Join(s.Root(), "dst2"), true)
		assert.True(t, errdefs.IsNotImplemented(err))
	}
}

func TestEnumerate(t *testing.T) {
	s := newStore(t)
	loc, err := s.Prepare(context.Background(), "branch-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(loc, "a"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(loc, "b"), nil, 0o644))

	entries, err := s.Enumerate(loc)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = s.Enumerate(filepath.Join(s.Root(), "missing"))
	assert.True(t, errdefs.IsNotFound(err))
}
