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

// Package branches defines the data model and engine interface of the
// branchable filesystem overlay: processes observing views, cheap immutable
// snapshots of those views, and independently writable branches materialized
// from snapshots.
package branches

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/containerd/errdefs"
)

// Mode identifies the materialization strategy fixed on a branch at creation
// time. It never changes afterwards and branch listings always report the
// mode that was requested, regardless of any fallback taken internally.
type Mode uint8

const (
	// ModeUnknown is the zero value, never stored on a branch.
	ModeUnknown Mode = iota

	// ModeLazy copies nothing at creation. Paths absent from private
	// storage fall through, live, to the base tree; creation cost is
	// independent of base-tree size and the branch is not isolated from
	// later base-tree changes.
	ModeLazy

	// ModeEager byte-copies the entire visible base tree into private
	// storage at creation. No fallthrough afterwards; the branch is fully
	// isolated at a creation cost proportional to base-tree size.
	ModeEager

	// ModeCloneEager is ModeEager with per-file block-level copy-on-write
	// cloning attempted before byte copying.
	ModeCloneEager
)

func (m Mode) String() string {
	switch m {
	case ModeLazy:
		return "lazy"
	case ModeEager:
		return "eager"
	case ModeCloneEager:
		return "clone-eager"
	default:
		return "unknown"
	}
}

// ParseMode parses the textual representation used in configuration and
// listings back into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "lazy":
		return ModeLazy, nil
	case "eager":
		return ModeEager, nil
	case "clone-eager":
		return ModeCloneEager, nil
	default:
		return ModeUnknown, fmt.Errorf("unknown materialization mode %q: %w", s, errdefs.ErrInvalidArgument)
	}
}

// MarshalJSON the mode to JSON
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON the mode from JSON
func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Identity carries the OS-level identity of a client process as supplied at
// registration.
type Identity struct {
	Pid  int    `json:"pid"`
	Ppid int    `json:"ppid"`
	Uid  uint32 `json:"uid"`
	Gid  uint32 `json:"gid"`
}

// Process is the opaque engine-side identity of a registered client process.
// It is distinct from the raw OS pid: Generation disambiguates OS pid reuse,
// increasing every time the same pid registers again.
type Process struct {
	ID           string    `json:"id"`
	Identity     Identity  `json:"identity"`
	Generation   uint64    `json:"generation"`
	BranchID     string    `json:"branch,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Bound reports whether the process currently observes a branch. Unbound
// processes resolve directly against the live base tree.
func (p Process) Bound() bool {
	return p.BranchID != ""
}

// Snapshot is an immutable, O(1) reference to the state of a view at an
// instant. Source is the branch the view was bound to, or empty for the base
// tree. No data is copied at snapshot time; all storage cost is deferred to
// branch materialization.
type Snapshot struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Branch is a named, independently writable fork of a snapshot (or of
// "current"). Location is the branch's private storage directory inside the
// backing store, never shared with another branch.
type Branch struct {
	ID          string            `json:"id"`
	Label       string            `json:"label"`
	Parent      string            `json:"parent,omitempty"`
	Mode        Mode              `json:"mode"`
	Location    string            `json:"location"`
	Annotations map[string]string `json:"annotations,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Usage reports how much the private storage of a branch holds.
type Usage struct {
	Inodes int64 `json:"inodes"`
	Size   int64 `json:"size"`
}

// Layer names the storage layer that answered a resolution.
type Layer string

const (
	// LayerPrivate is the branch's own writable storage.
	LayerPrivate Layer = "private"

	// LayerLower is the shared base tree.
	LayerLower Layer = "lower"
)

// Attr describes a resolved path. Symbolic links are never dereferenced:
// IsSymlink together with Target reports the link itself.
type Attr struct {
	Name      string      `json:"name"`
	Size      int64       `json:"size"`
	Mode      fs.FileMode `json:"mode"`
	ModTime   time.Time   `json:"mod_time"`
	IsDir     bool        `json:"is_dir"`
	IsSymlink bool        `json:"is_symlink"`
	Target    string      `json:"target,omitempty"`
	Layer     Layer       `json:"layer"`
}

// ShareMode restricts what other handles may do with the same path while a
// handle is open.
type ShareMode uint8

const (
	// ShareReadWrite places no restriction on concurrent handles.
	ShareReadWrite ShareMode = iota

	// ShareRead allows concurrent readers but no concurrent writers.
	ShareRead

	// ShareNone requires exclusive access to the path.
	ShareNone
)

// OpenOptions carry the flags for opening a file through a bound view.
type OpenOptions struct {
	Read     bool
	Write    bool
	Create   bool
	Truncate bool
	Append   bool
	Share    ShareMode
	// Perm applies when Create makes a new file. Zero means 0644.
	Perm fs.FileMode
}

// HandleID identifies an open file handle. Handles carry an offset cursor
// advanced by Read and are destroyed on explicit close.
type HandleID uint64

// CreateInfo collects branch creation options.
type CreateInfo struct {
	// Mode overrides the engine's default materialization mode.
	Mode Mode

	// Annotations are opaque caller metadata echoed in listings.
	Annotations map[string]string
}

// Opt configures branch creation.
type Opt func(*CreateInfo) error

// WithMode requests a specific materialization mode for the new branch.
func WithMode(m Mode) Opt {
	return func(ci *CreateInfo) error {
		switch m {
		case ModeLazy, ModeEager, ModeCloneEager:
			ci.Mode = m
			return nil
		default:
			return fmt.Errorf("mode %d is not materializable: %w", m, errdefs.ErrInvalidArgument)
		}
	}
}

// WithAnnotations appends caller metadata to the new branch.
func WithAnnotations(annotations map[string]string) Opt {
	return func(ci *CreateInfo) error {
		if ci.Annotations == nil {
			ci.Annotations = make(map[string]string, len(annotations))
		}
		for k, v := range annotations {
			ci.Annotations[k] = v
		}
		return nil
	}
}

// WalkFunc is called for each branch by WalkBranches.
type WalkFunc func(context.Context, Branch) error

// SnapshotWalkFunc is called for each snapshot by WalkSnapshots.
type SnapshotWalkFunc func(context.Context, Snapshot) error

// Engine is the branchable overlay engine. A single shared instance serves
// many concurrent client processes; all methods are safe for parallel use.
type Engine interface {
	// RegisterProcess creates an engine-side identity for a client process.
	// The fresh process is unbound and resolves pass-through against the
	// base tree.
	RegisterProcess(ctx context.Context, id Identity) (Process, error)

	// DeregisterProcess drops the identity registered for pid and closes
	// any handles it still holds. Branches remain.
	DeregisterProcess(ctx context.Context, pid int) error

	// GetProcess returns the current identity registered for pid.
	GetProcess(ctx context.Context, pid int) (Process, error)

	// BindProcess atomically switches the process's active view to the
	// given branch, replacing any previous binding.
	BindProcess(ctx context.Context, branchID string, pid int) error

	// CreateSnapshot records a reference to whatever view is presently
	// active for pid. Runs in time independent of tree size.
	CreateSnapshot(ctx context.Context, pid int, label string) (Snapshot, error)

	// GetSnapshot returns a snapshot by id.
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)

	// WalkSnapshots calls fn for every registered snapshot.
	WalkSnapshots(ctx context.Context, fn SnapshotWalkFunc) error

	// CreateBranch materializes a new branch from a snapshot. Creation is
	// all-or-nothing: on failure nothing is registered and no private
	// storage remains.
	CreateBranch(ctx context.Context, snapshotID, label string, opts ...Opt) (Branch, error)

	// CreateBranchFromCurrent snapshots the view presently active for pid
	// and materializes a branch from it through the same routine as
	// CreateBranch.
	CreateBranchFromCurrent(ctx context.Context, pid int, label string, opts ...Opt) (Branch, error)

	// GetBranch returns a branch by id.
	GetBranch(ctx context.Context, id string) (Branch, error)

	// WalkBranches calls fn for every registered branch.
	WalkBranches(ctx context.Context, fn WalkFunc) error

	// RemoveBranch deletes a branch and its private storage. Refused while
	// any process is bound to the branch.
	RemoveBranch(ctx context.Context, id string) error

	// BranchUsage reports the disk usage of a branch's private storage.
	BranchUsage(ctx context.Context, id string) (Usage, error)

	// Stat resolves path through the view bound to pid and returns its
	// attributes without dereferencing symbolic links.
	Stat(ctx context.Context, pid int, path string) (Attr, error)

	// ReadDir lists a directory through the view bound to pid. For lazy
	// branches the listing is the union of private storage over the base
	// tree, private entries shadowing lower ones of the same name.
	ReadDir(ctx context.Context, pid int, path string) ([]Attr, error)

	// Open opens path through the view bound to pid and returns a handle.
	Open(ctx context.Context, pid int, path string, opts OpenOptions) (HandleID, error)

	// Read reads from the handle at its cursor, advancing it.
	Read(ctx context.Context, h HandleID, p []byte) (int, error)

	// ReadAt reads len(p) bytes from the handle at the explicit byte
	// offset off. Partial reads return the bytes available.
	ReadAt(ctx context.Context, h HandleID, p []byte, off int64) (int, error)

	// WriteAt writes p at the explicit byte offset off, after any
	// write-triggered copy-up the branch's mode calls for.
	WriteAt(ctx context.Context, h HandleID, p []byte, off int64) (int, error)

	// CloseHandle destroys an open handle.
	CloseHandle(ctx context.Context, h HandleID) error

	// Close releases engine resources. Open handles are closed; registry
	// state is discarded.
	Close() error
}
