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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	cfs "github.com/containerd/continuity/fs"
	"github.com/containerd/log"

	"github.com/branchfs/branchfs/core/branches"
	"github.com/branchfs/branchfs/internal/cleanup"
	"github.com/branchfs/branchfs/pkg/config"
	"github.com/branchfs/branchfs/pkg/identifiers"
)

// CreateBranch materializes a new branch from the given snapshot.
func (e *Engine) CreateBranch(ctx context.Context, snapshotID, label string, opts ...branches.Opt) (branches.Branch, error) {
	sn, err := e.reg.GetSnapshot(snapshotID)
	if err != nil {
		return branches.Branch{}, err
	}
	return e.materialize(ctx, sn, label, opts)
}

// CreateBranchFromCurrent snapshots the view presently active for pid and
// materializes a branch from it. The materialization routine is the same one
// CreateBranch runs; only the entry differs.
func (e *Engine) CreateBranchFromCurrent(ctx context.Context, pid int, label string, opts ...branches.Opt) (branches.Branch, error) {
	sn, err := e.CreateSnapshot(ctx, pid, label)
	if err != nil {
		return branches.Branch{}, err
	}
	b, err := e.materialize(ctx, sn, label, opts)
	if err != nil {
		// the implicit snapshot must not outlive the failed creation and
		// eat into the snapshot ceiling
		if _, derr := e.reg.RemoveSnapshot(sn.ID); derr != nil {
			log.G(ctx).WithError(derr).WithField("snapshot", sn.ID).Warn("failed to discard implicit snapshot")
		}
		return branches.Branch{}, err
	}
	return b, nil
}

// GetBranch returns a branch by id.
func (e *Engine) GetBranch(ctx context.Context, id string) (branches.Branch, error) {
	return e.reg.GetBranch(id)
}

// WalkBranches calls fn for every registered branch. The reported mode is
// always the mode requested at creation.
func (e *Engine) WalkBranches(ctx context.Context, fn branches.WalkFunc) error {
	return e.reg.WalkBranches(ctx, fn)
}

// RemoveBranch deletes a branch and its private storage. Removal is refused
// while any process is bound to the branch.
func (e *Engine) RemoveBranch(ctx context.Context, id string) error {
	e.branchmu.Lock(id)
	defer e.branchmu.Unlock(id)

	if n := e.reg.BoundCount(id); n > 0 {
		return fmt.Errorf("branch %s has %d bound process(es): %w", id, n, errdefs.ErrFailedPrecondition)
	}
	b, err := e.reg.RemoveBranch(id)
	if err != nil {
		return err
	}
	if err := e.store.Remove(ctx, b.Location); err != nil {
		log.G(ctx).WithError(err).WithField("branch", id).Warn("failed to remove branch storage")
	}
	return nil
}

// BranchUsage reports the disk usage of a branch's private storage.
func (e *Engine) BranchUsage(ctx context.Context, id string) (branches.Usage, error) {
	b, err := e.reg.GetBranch(id)
	if err != nil {
		return branches.Usage{}, err
	}
	du, err := cfs.DiskUsage(ctx, b.Location)
	if err != nil {
		return branches.Usage{}, err
	}
	return branches.Usage{Inodes: du.Inodes, Size: du.Size}, nil
}

// materialize is the single code path behind both branch-creation entry
// points. It reserves an id, prepares a fresh private-storage directory,
// populates it per the requested mode and registers the branch only once the
// population has fully succeeded. Any failure rolls everything back; a
// partially created branch is never observable.
func (e *Engine) materialize(ctx context.Context, sn branches.Snapshot, label string, opts []branches.Opt) (_ branches.Branch, retErr error) {
	if !e.cfg.Overlay.Enabled {
		return branches.Branch{}, fmt.Errorf("overlay is disabled: %w", errdefs.ErrInvalidArgument)
	}
	if err := identifiers.Validate(label); err != nil {
		return branches.Branch{}, err
	}

	ci := branches.CreateInfo{Mode: e.mode}
	for _, opt := range opts {
		if err := opt(&ci); err != nil {
			return branches.Branch{}, err
		}
	}

	id, err := e.reg.ReserveBranch()
	if err != nil {
		return branches.Branch{}, err
	}

	e.branchmu.Lock(id)
	defer e.branchmu.Unlock(id)

	location, err := e.prepareLocation(ctx)
	if err != nil {
		return branches.Branch{}, err
	}
	defer func() {
		if retErr != nil {
			cleanup.Do(ctx, func(ctx context.Context) {
				if err := e.store.Remove(ctx, location); err != nil {
					log.G(ctx).WithError(err).WithField("location", location).Warn("failed to roll back branch storage")
				}
			})
		}
	}()

	start := time.Now()
	var cloned, copied int
	switch ci.Mode {
	case branches.ModeLazy:
		// Nothing to copy: the branch view is private storage with live
		// fallthrough to the source view for absent paths.
	case branches.ModeEager, branches.ModeCloneEager:
		requireClone := ci.Mode == branches.ModeCloneEager && e.cfg.Overlay.RequireCloneSupport
		if requireClone && !e.store.SupportsClone(e.store.Root()) {
			return branches.Branch{}, fmt.Errorf("clone support required but reflink is unavailable on backing store %s: %w", e.store.Root(), errdefs.ErrNotImplemented)
		}
		roots, err := e.sourceLayers(sn)
		if err != nil {
			return branches.Branch{}, err
		}
		if cloned, copied, err = e.populate(ctx, roots, location, ci.Mode == branches.ModeCloneEager, requireClone); err != nil {
			return branches.Branch{}, err
		}
	default:
		return branches.Branch{}, fmt.Errorf("mode %d is not materializable: %w", ci.Mode, errdefs.ErrInvalidArgument)
	}

	b := branches.Branch{
		ID:          id,
		Label:       label,
		Parent:      sn.ID,
		Mode:        ci.Mode,
		Location:    location,
		Annotations: ci.Annotations,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.reg.AddBranch(b); err != nil {
		return branches.Branch{}, err
	}

	branchCreates.WithValues(ci.Mode.String()).Inc()
	materializeTimer.WithValues(ci.Mode.String()).UpdateSince(start)
	log.G(ctx).WithFields(log.Fields{
		"branch":   id,
		"label":    label,
		"mode":     ci.Mode.String(),
		"cloned":   cloned,
		"copied":   copied,
		"duration": time.Since(start),
	}).Debug("branch materialized")
	return b, nil
}

// prepareLocation allocates the branch's private-storage directory. Names
// derive from the engine pid and a high-resolution timestamp so concurrent
// creations never collide; the store refuses to reuse an existing name, and
// a rare same-nanosecond collision is retried.
func (e *Engine) prepareLocation(ctx context.Context) (string, error) {
	for attempt := 0; ; attempt++ {
		name := fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
		location, err := e.store.Prepare(ctx, name)
		if err == nil {
			return location, nil
		}
		if !errdefs.IsAlreadyExists(err) || attempt >= 3 {
			return "", err
		}
	}
}

// sourceLayers returns the ordered directory roots making up the content of
// the snapshot's view: the bound branch's private storage first (if any),
// then its fallthrough chain, ending with the base tree for lazy lineages.
func (e *Engine) sourceLayers(sn branches.Snapshot) ([]string, error) {
	if sn.Source == "" {
		return []string{e.lower}, nil
	}
	b, err := e.reg.GetBranch(sn.Source)
	if err != nil {
		return nil, err
	}
	layers := []string{b.Location}
	return e.appendFallthrough(layers, b)
}

// appendFallthrough extends layers with the roots a lazy branch falls
// through to. Eager and clone-eager branches captured their full content at
// creation, so they contribute nothing below their own storage.
func (e *Engine) appendFallthrough(layers []string, b branches.Branch) ([]string, error) {
	for b.Mode == branches.ModeLazy {
		sn, err := e.reg.GetSnapshot(b.Parent)
		if err != nil {
			return nil, err
		}
		if sn.Source == "" {
			return append(layers, e.lower), nil
		}
		if b, err = e.reg.GetBranch(sn.Source); err != nil {
			return nil, err
		}
		layers = append(layers, b.Location)
	}
	return layers, nil
}

type workItem struct {
	rel string
}

// populate copies the union of the source roots into dst. The traversal uses
// an explicit worklist rather than recursion so arbitrarily deep trees
// cannot exhaust the stack. Regular files are cloned (clone-eager) or
// byte-copied; directories are recreated; symlink targets are copied
// verbatim, never dereferenced. Entries in an earlier root shadow same-named
// entries in later roots.
func (e *Engine) populate(ctx context.Context, roots []string, dst string, tryClone, requireClone bool) (cloned, copied int, _ error) {
	// directories are created traversable and restored to the source mode
	// only after their children are in place, so a read-only source
	// directory does not block its own population
	type modeFix struct {
		path string
		perm fs.FileMode
	}
	var restore []modeFix

	work := []workItem{{rel: "."}}
	for len(work) > 0 {
		item := work[len(work)-1]
		work = work[:len(work)-1]

		if err := ctx.Err(); err != nil {
			return cloned, copied, err
		}

		seen := make(map[string]struct{})
		for _, root := range roots {
			srcDir := filepath.Join(root, item.rel)
			entries, err := e.store.Enumerate(srcDir)
			if err != nil {
				if errdefs.IsNotFound(err) {
					continue
				}
				return cloned, copied, err
			}
			for _, entry := range entries {
				if _, ok := seen[entry.Name()]; ok {
					continue
				}
				seen[entry.Name()] = struct{}{}

				rel := filepath.Join(item.rel, entry.Name())
				src := filepath.Join(srcDir, entry.Name())
				target := filepath.Join(dst, rel)

				switch {
				case entry.Type()&fs.ModeSymlink != 0:
					link, err := os.Readlink(src)
					if err != nil {
						return cloned, copied, fmt.Errorf("readlink %s: %w", src, err)
					}
					if err := os.Symlink(link, target); err != nil {
						return cloned, copied, fmt.Errorf("recreate symlink %s: %w", target, err)
					}
				case entry.IsDir():
					fi, err := entry.Info()
					if err != nil {
						return cloned, copied, err
					}
					perm := fi.Mode().Perm()
					if err := os.Mkdir(target, perm|0o700); err != nil {
						return cloned, copied, fmt.Errorf("recreate directory %s: %w", target, err)
					}
					if perm&0o700 != 0o700 {
						restore = append(restore, modeFix{path: target, perm: perm})
					}
					work = append(work, workItem{rel: rel})
				case entry.Type().IsRegular():
					if tryClone {
						didClone, err := e.store.CopyOrClone(src, target, requireClone)
						if err != nil {
							return cloned, copied, err
						}
						if didClone {
							cloned++
						} else {
							copied++
							cloneFallbacks.Inc()
						}
					} else {
						if err := e.store.Copy(src, target); err != nil {
							return cloned, copied, err
						}
						copied++
					}
				default:
					log.G(ctx).WithField("path", src).Debug("skipping irregular file")
				}
			}
		}
	}
	for _, fix := range restore {
		if err := os.Chmod(fix.path, fix.perm); err != nil {
			return cloned, copied, fmt.Errorf("restore directory mode %s: %w", fix.path, err)
		}
	}
	return cloned, copied, nil
}

// copyUpModeNever reports whether write-triggered copy-up is disabled.
func (e *Engine) copyUpModeNever() bool {
	return e.cfg.Overlay.CopyUpMode == config.CopyUpNever
}
