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

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"

	"github.com/branchfs/branchfs/core/branches"
)

// normalize roots the client-supplied path at the view root. Cleaning the
// rooted path makes `..` escapes impossible; the result is a relative path
// below the view root, "." for the root itself.
func normalize(p string) string {
	cleaned := path.Clean("/" + filepath.ToSlash(p))
	rel := strings.TrimPrefix(cleaned, "/")
	if rel == "" {
		return "."
	}
	return filepath.FromSlash(rel)
}

// resolved is the outcome of overlay resolution for one path.
type resolved struct {
	rel   string
	full  string
	fi    fs.FileInfo
	layer branches.Layer
	// index of the layer that answered; 0 is private storage for bound
	// processes
	index int
}

// viewLayers returns the ordered storage roots answering reads for the
// process: for unbound processes just the live base tree; for a bound branch
// its private storage first, then — for lazy branches only — the fallthrough
// chain ending at the live base tree.
func (e *Engine) viewLayers(p branches.Process) ([]string, error) {
	if !p.Bound() {
		if e.lower == "" {
			return nil, nil
		}
		return []string{e.lower}, nil
	}
	b, err := e.reg.GetBranch(p.BranchID)
	if err != nil {
		return nil, err
	}
	return e.appendFallthrough([]string{b.Location}, b)
}

// resolve decides which storage layer answers for path: private storage
// first; on absence lazy branches fall through live, eager and clone-eager
// branches do not, because their full content was captured at creation.
func (e *Engine) resolve(ctx context.Context, pid int, p string) (resolved, []string, error) {
	proc, err := e.reg.GetProcess(pid)
	if err != nil {
		return resolved{}, nil, err
	}
	layers, err := e.viewLayers(proc)
	if err != nil {
		return resolved{}, nil, err
	}
	rel := normalize(p)
	for i, root := range layers {
		full := filepath.Join(root, rel)
		fi, err := os.Lstat(full)
		if err != nil {
			// ENOTDIR: an intermediate component is a regular file in
			// this layer, so the path does not exist here either
			if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
				continue
			}
			return resolved{}, nil, err
		}
		layer := branches.LayerLower
		if proc.Bound() && i == 0 {
			layer = branches.LayerPrivate
		}
		return resolved{rel: rel, full: full, fi: fi, layer: layer, index: i}, layers, nil
	}
	return resolved{}, layers, fmt.Errorf("path %s: %w", p, errdefs.ErrNotFound)
}

func attrFromInfo(fi fs.FileInfo, full string, layer branches.Layer) (branches.Attr, error) {
	attr := branches.Attr{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
		Layer:   layer,
	}
	if fi.Mode()&fs.ModeSymlink != 0 {
		attr.IsSymlink = true
		target, err := os.Readlink(full)
		if err != nil {
			return branches.Attr{}, fmt.Errorf("readlink %s: %w", full, err)
		}
		attr.Target = target
	}
	return attr, nil
}

// Stat resolves path through the view bound to pid. Lstat semantics: a
// symlink reports as a symlink with its literal target, never dereferenced.
func (e *Engine) Stat(ctx context.Context, pid int, p string) (branches.Attr, error) {
	r, _, err := e.resolve(ctx, pid, p)
	if err != nil {
		return branches.Attr{}, err
	}
	return attrFromInfo(r.fi, r.full, r.layer)
}

// ReadDir lists a directory through the view bound to pid. For views with a
// fallthrough chain the listing is the union of all layers, entries in upper
// layers shadowing same-named entries below.
func (e *Engine) ReadDir(ctx context.Context, pid int, p string) ([]branches.Attr, error) {
	r, layers, err := e.resolve(ctx, pid, p)
	if err != nil {
		return nil, err
	}
	if !r.fi.IsDir() {
		return nil, fmt.Errorf("path %s is not a directory: %w", p, errdefs.ErrInvalidArgument)
	}

	var attrs []branches.Attr
	seen := make(map[string]struct{})
	for i, root := range layers {
		// layers above the answering one did not contain the directory
		if i < r.index {
			continue
		}
		dir := filepath.Join(root, r.rel)
		entries, err := e.store.Enumerate(dir)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		layer := branches.LayerLower
		if r.layer == branches.LayerPrivate && i == 0 {
			layer = branches.LayerPrivate
		}
		for _, entry := range entries {
			if _, ok := seen[entry.Name()]; ok {
				continue
			}
			seen[entry.Name()] = struct{}{}
			fi, err := entry.Info()
			if err != nil {
				return nil, err
			}
			attr, err := attrFromInfo(fi, filepath.Join(dir, entry.Name()), layer)
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, attr)
		}
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	return attrs, nil
}
