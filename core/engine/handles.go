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
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/branchfs/branchfs/core/branches"
)

type handle struct {
	id     branches.HandleID
	pid    int
	branch string
	rel    string
	opts   branches.OpenOptions
	file   *os.File

	mu     sync.Mutex
	cursor int64
}

// handleTable tracks open file handles across all processes, enforcing the
// configured ceiling.
type handleTable struct {
	mu   sync.RWMutex
	max  int
	next uint64
	m    map[branches.HandleID]*handle
}

func newHandleTable(max int) *handleTable {
	return &handleTable{max: max, m: make(map[branches.HandleID]*handle)}
}

func (t *handleTable) add(h *handle) (branches.HandleID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.max > 0 && len(t.m) >= t.max {
		return 0, fmt.Errorf("open handle limit %d reached: %w", t.max, errdefs.ErrResourceExhausted)
	}
	for _, other := range t.m {
		if other.branch != h.branch || other.rel != h.rel {
			continue
		}
		if other.opts.Share == branches.ShareNone || h.opts.Share == branches.ShareNone {
			return 0, fmt.Errorf("path %s is open exclusively: %w", h.rel, errdefs.ErrConflict)
		}
		if other.opts.Share == branches.ShareRead && h.opts.Write {
			return 0, fmt.Errorf("path %s is open share-read: %w", h.rel, errdefs.ErrConflict)
		}
		if h.opts.Share == branches.ShareRead && other.opts.Write {
			return 0, fmt.Errorf("path %s already has a writer: %w", h.rel, errdefs.ErrConflict)
		}
	}

	t.next++
	h.id = branches.HandleID(t.next)
	t.m[h.id] = h
	return h.id, nil
}

func (t *handleTable) get(id branches.HandleID) (*handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.m[id]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", id, errdefs.ErrNotFound)
	}
	return h, nil
}

func (t *handleTable) remove(id branches.HandleID) (*handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.m[id]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", id, errdefs.ErrNotFound)
	}
	delete(t.m, id)
	return h, nil
}

func (t *handleTable) closeForPid(ctx context.Context, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, h := range t.m {
		if h.pid != pid {
			continue
		}
		if err := h.file.Close(); err != nil {
			log.G(ctx).WithError(err).WithField("handle", id).Warn("failed to close handle")
		}
		delete(t.m, id)
	}
}

func (t *handleTable) closeAll(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, h := range t.m {
		if err := h.file.Close(); err != nil {
			log.G(ctx).WithError(err).WithField("handle", id).Warn("failed to close handle")
		}
		delete(t.m, id)
	}
}

func openFlag(opts branches.OpenOptions) int {
	var flag int
	switch {
	case opts.Read && opts.Write:
		flag = os.O_RDWR
	case opts.Write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if opts.Create {
		flag |= os.O_CREATE
	}
	if opts.Truncate {
		flag |= os.O_TRUNC
	}
	if opts.Append {
		flag |= os.O_APPEND
	}
	return flag
}

// Open opens path through the view bound to pid. Opening for write on a
// branch whose private storage does not yet hold the file triggers the
// per-file copy-up the configured policy allows; writes through an unbound
// view are refused, the base tree is shared.
func (e *Engine) Open(ctx context.Context, pid int, p string, opts branches.OpenOptions) (branches.HandleID, error) {
	if !opts.Read && !opts.Write {
		opts.Read = true
	}
	if opts.Perm == 0 {
		opts.Perm = 0o644
	}
	writeIntent := opts.Write || opts.Create || opts.Truncate || opts.Append

	proc, err := e.reg.GetProcess(pid)
	if err != nil {
		return 0, err
	}

	r, layers, err := e.resolve(ctx, pid, p)
	switch {
	case err == nil:
	case errdefs.IsNotFound(err) && opts.Create && proc.Bound():
		// created fresh in private storage below
		r = resolved{rel: normalize(p)}
	default:
		return 0, err
	}

	var full string
	if !proc.Bound() {
		if writeIntent {
			return 0, fmt.Errorf("cannot write through an unbound view, the base tree is shared: %w", errdefs.ErrFailedPrecondition)
		}
		full = r.full
	} else {
		b, err := e.reg.GetBranch(proc.BranchID)
		if err != nil {
			return 0, err
		}
		private := filepath.Join(b.Location, r.rel)
		switch {
		case !writeIntent:
			if r.fi == nil {
				return 0, fmt.Errorf("path %s: %w", p, errdefs.ErrNotFound)
			}
			full = r.full
		case r.fi == nil:
			// fresh file created in private storage
			if err := os.MkdirAll(filepath.Dir(private), 0o755); err != nil {
				return 0, err
			}
			full = private
		case r.index == 0:
			full = private
		default:
			// file only exists below private storage: copy up first
			if e.copyUpModeNever() {
				return 0, fmt.Errorf("copy-up is disabled and %s lives in a lower layer: %w", p, errdefs.ErrFailedPrecondition)
			}
			if err := e.copyUp(ctx, b, r, layers); err != nil {
				return 0, err
			}
			full = private
		}
	}

	f, err := os.OpenFile(full, openFlag(opts), opts.Perm)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("path %s: %w", p, errdefs.ErrNotFound)
		}
		return 0, err
	}

	h := &handle{pid: pid, branch: proc.BranchID, rel: r.rel, opts: opts, file: f}
	id, err := e.handles.add(h)
	if err != nil {
		f.Close()
		return 0, err
	}
	return id, nil
}

// copyUp promotes a single file from a lower layer into the branch's private
// storage, serialized per branch so concurrent first writes to one file
// cannot interleave.
func (e *Engine) copyUp(ctx context.Context, b branches.Branch, r resolved, layers []string) error {
	if !r.fi.Mode().IsRegular() {
		return fmt.Errorf("cannot copy up irregular file %s: %w", r.rel, errdefs.ErrFailedPrecondition)
	}

	e.branchmu.Lock(b.ID)
	defer e.branchmu.Unlock(b.ID)

	private := filepath.Join(b.Location, r.rel)
	if _, err := os.Lstat(private); err == nil {
		// raced with another copy-up
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(private), 0o755); err != nil {
		return err
	}
	if _, err := e.store.CopyOrClone(r.full, private, false); err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{
		"branch": b.ID,
		"path":   r.rel,
	}).Debug("copied up")
	return nil
}

// Read reads from the handle at its cursor, advancing it by the number of
// bytes read.
func (e *Engine) Read(ctx context.Context, id branches.HandleID, p []byte) (int, error) {
	h, err := e.handles.get(id)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.file.ReadAt(p, h.cursor)
	h.cursor += int64(n)
	return n, err
}

// ReadAt reads up to len(p) bytes at the explicit byte offset off. The
// handle cursor is not touched; partial reads return the bytes available
// with io.EOF.
func (e *Engine) ReadAt(ctx context.Context, id branches.HandleID, p []byte, off int64) (int, error) {
	h, err := e.handles.get(id)
	if err != nil {
		return 0, err
	}
	return h.file.ReadAt(p, off)
}

// WriteAt writes p at the explicit byte offset off. Handles opened with
// Append write at the end regardless of off.
func (e *Engine) WriteAt(ctx context.Context, id branches.HandleID, p []byte, off int64) (int, error) {
	h, err := e.handles.get(id)
	if err != nil {
		return 0, err
	}
	if !h.opts.Write {
		return 0, fmt.Errorf("handle %d is not open for writing: %w", id, errdefs.ErrFailedPrecondition)
	}
	if h.opts.Append {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.file.Write(p)
	}
	return h.file.WriteAt(p, off)
}

// CloseHandle destroys an open handle.
func (e *Engine) CloseHandle(ctx context.Context, id branches.HandleID) error {
	h, err := e.handles.remove(id)
	if err != nil {
		return err
	}
	return h.file.Close()
}
