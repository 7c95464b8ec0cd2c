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

// Package backingstore defines the provider interface for branch private
// storage. Providers are deliberately a small capability set rather than an
// inheritance hierarchy: probe, copy-or-clone, enumerate, plus directory
// lifecycle. The host-filesystem provider ships in-tree; alternatives such
// as a ZFS-native provider plug in through the same interface from external
// modules.
package backingstore

import (
	"context"
	"io/fs"

	"github.com/containerd/plugin"
)

// PluginType is the registration type for backing-store providers.
const PluginType plugin.Type = "io.branchfs.backingstore.v1"

// Property keys handed to provider InitFns.
const (
	// PropertyRootDir is the directory the provider keeps branch data under.
	PropertyRootDir = "io.branchfs.store.root"

	// PropertyPreferNativeSnapshots carries the "prefer native snapshots"
	// hint ("true"/"false").
	PropertyPreferNativeSnapshots = "io.branchfs.store.prefer-native-snapshots"
)

// Store provides private storage directories for branches.
type Store interface {
	// Root returns the directory branch data lives under.
	Root() string

	// Prepare creates an empty private-storage directory under the store
	// root with the given unique name and returns its absolute location.
	Prepare(ctx context.Context, name string) (string, error)

	// Remove deletes a private-storage location and everything below it.
	// Used both for branch removal and for rollback of failed
	// materializations; removal of a half-populated location must succeed.
	Remove(ctx context.Context, location string) error

	// SupportsClone probes whether block-level copy-on-write cloning works
	// within dir. Never a hard failure: inconclusive probes report false.
	SupportsClone(dir string) bool

	// CopyOrClone copies src to dst, attempting a block clone first. When
	// cloning is unavailable and requireClone is false it silently falls
	// back to a byte copy; when requireClone is true the missing capability
	// is surfaced as an error. Reports whether a clone actually happened.
	CopyOrClone(src, dst string, requireClone bool) (cloned bool, err error)

	// Copy byte-copies src to dst, preserving permission bits.
	Copy(src, dst string) error

	// Enumerate lists the entries of dir.
	Enumerate(dir string) ([]fs.DirEntry, error)

	// Close releases provider resources.
	Close() error
}
