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

// Package hostfs implements the backing store on a plain host filesystem
// directory. Block cloning is used opportunistically when the filesystem
// supports it (btrfs, XFS with reflink, APFS); everywhere else file data is
// byte-copied.
package hostfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	cfs "github.com/containerd/continuity/fs"
	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"

	"github.com/branchfs/branchfs/core/backingstore"
	"github.com/branchfs/branchfs/internal/cleanup"
	"github.com/branchfs/branchfs/pkg/reflink"
)

func init() {
	registry.Register(&plugin.Registration{
		Type: backingstore.PluginType,
		ID:   "hostfs",
		InitFn: func(ic *plugin.InitContext) (interface{}, error) {
			preferNative := ic.Properties[backingstore.PropertyPreferNativeSnapshots] == "true"
			return NewStore(ic.Context, ic.Properties[backingstore.PropertyRootDir], preferNative)
		},
	})
}

type store struct {
	root string
}

// NewStore returns a host-filesystem backing store rooted at root, creating
// the directory if needed.
func NewStore(ctx context.Context, root string, preferNativeSnapshots bool) (backingstore.Store, error) {
	if root == "" {
		return nil, fmt.Errorf("hostfs store root must be set: %w", errdefs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(root, 0o711); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if preferNativeSnapshots {
		log.G(ctx).WithField("root", root).Info("native snapshots are not available on the hostfs store, falling back to file copies")
	}
	if !reflink.Supported(root) {
		log.G(ctx).WithField("root", root).Info("filesystem does not support reflink, clone-eager branches will byte-copy")
	}
	return &store{root: root}, nil
}

func (s *store) Root() string {
	return s.root
}

// Prepare creates the private-storage directory for a branch. The name is
// expected to be unique; a second Prepare with the same name fails rather
// than sharing the directory.
func (s *store) Prepare(ctx context.Context, name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid storage name %q: %w", name, errdefs.ErrInvalidArgument)
	}
	location := filepath.Join(s.root, name)
	if err := os.Mkdir(location, 0o755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("storage %s: %w", name, errdefs.ErrAlreadyExists)
		}
		return "", fmt.Errorf("prepare storage %s: %w", name, err)
	}
	return location, nil
}

// Remove renames the location out of the way before deleting it, so a crash
// mid-removal never leaves a directory that looks like live branch storage.
func (s *store) Remove(ctx context.Context, location string) error {
	rel, err := filepath.Rel(s.root, location)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("location %q is outside the store root: %w", location, errdefs.ErrInvalidArgument)
	}
	renamed := filepath.Join(s.root, "rm-"+filepath.Base(location))
	if err := os.Rename(location, renamed); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("storage %s: %w", location, errdefs.ErrNotFound)
		}
		return fmt.Errorf("rename for removal: %w", err)
	}
	cleanup.Do(ctx, func(ctx context.Context) {
		if err := os.RemoveAll(renamed); err != nil {
			log.G(ctx).WithError(err).WithField("path", renamed).Warn("failed to remove branch storage")
		}
	})
	return nil
}

func (s *store) SupportsClone(dir string) bool {
	return reflink.Supported(dir)
}

func (s *store) CopyOrClone(src, dst string, requireClone bool) (bool, error) {
	err := reflink.Clone(src, dst)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, reflink.ErrNotSupported) {
		return false, fmt.Errorf("clone %s: %w", src, err)
	}
	if requireClone {
		return false, fmt.Errorf("reflink clone of %s is unavailable on this filesystem pair: %w", src, errdefs.ErrNotImplemented)
	}
	return false, s.Copy(src, dst)
}

func (s *store) Copy(src, dst string) error {
	if err := cfs.CopyFile(dst, src); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

func (s *store) Enumerate(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory %s: %w", dir, errdefs.ErrNotFound)
		}
		return nil, err
	}
	return entries, nil
}

func (s *store) Close() error {
	return nil
}
