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

// Package engine implements the branchable overlay engine: process and view
// registries, O(1) snapshots, branch materialization and overlay resolution
// over a pluggable backing store.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"github.com/moby/locker"

	"github.com/branchfs/branchfs/core/backingstore"
	"github.com/branchfs/branchfs/core/branches"
	"github.com/branchfs/branchfs/core/branches/storage"
	"github.com/branchfs/branchfs/pkg/config"
)

// Engine is the concrete branches.Engine implementation. A single shared
// instance is safe for use by many concurrent client processes.
type Engine struct {
	cfg      *config.Config
	store    backingstore.Store
	reg      *storage.Store
	handles  *handleTable
	branchmu *locker.Locker
	mode     branches.Mode
	lower    string
	memLimit int64
}

var _ branches.Engine = (*Engine)(nil)

// New constructs an engine from the provided configuration. The backing
// store provider named by config is resolved through the plugin registry;
// providers register themselves in their package init, so callers import the
// provider packages they want compiled in.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration must not be nil: %w", errdefs.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	memLimit, err := cfg.MemoryLimitBytes()
	if err != nil {
		return nil, err
	}

	mode := branches.ModeLazy
	var lower string
	if cfg.Overlay.Enabled {
		if mode, err = branches.ParseMode(cfg.Overlay.Materialization); err != nil {
			return nil, err
		}
		lower = cfg.Overlay.LowerRoot
		if cfg.Overlay.VisibleSubdir != "" {
			lower = filepath.Join(lower, cfg.Overlay.VisibleSubdir)
		}
		if fi, err := os.Stat(lower); err != nil {
			return nil, fmt.Errorf("overlay lower root %s: %w", lower, err)
		} else if !fi.IsDir() {
			return nil, fmt.Errorf("overlay lower root %s is not a directory: %w", lower, errdefs.ErrInvalidArgument)
		}
	}
	if !cfg.CaseSensitive {
		log.G(ctx).Info("case-insensitive path policy recorded; resolution stays byte-exact on the hostfs store")
	}

	store, err := loadStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		store: store,
		reg: storage.NewStore(storage.Limits{
			MaxSnapshots: cfg.MaxSnapshots,
			MaxBranches:  cfg.MaxBranches,
		}),
		handles:  newHandleTable(cfg.MaxOpenHandles),
		branchmu: locker.New(),
		mode:     mode,
		lower:    lower,
		memLimit: memLimit,
	}
	log.G(ctx).WithFields(log.Fields{
		"store": cfg.Store.Type,
		"root":  store.Root(),
		"mode":  mode.String(),
	}).Debug("engine initialized")
	return e, nil
}

func loadStore(ctx context.Context, cfg *config.Config) (backingstore.Store, error) {
	properties := map[string]string{
		backingstore.PropertyRootDir:               cfg.Store.Root,
		backingstore.PropertyPreferNativeSnapshots: strconv.FormatBool(cfg.Store.PreferNativeSnapshots),
	}
	initialized := plugin.NewPluginSet()
	for _, reg := range registry.Graph(func(*plugin.Registration) bool { return false }) {
		if reg.Type != backingstore.PluginType || reg.ID != cfg.Store.Type {
			continue
		}
		p := reg.Init(plugin.NewContext(ctx, initialized, properties))
		instance, err := p.Instance()
		if err != nil {
			return nil, fmt.Errorf("initialize backing store %q: %w", cfg.Store.Type, err)
		}
		return instance.(backingstore.Store), nil
	}
	return nil, fmt.Errorf("no backing store provider %q is compiled in: %w", cfg.Store.Type, errdefs.ErrNotImplemented)
}

// MemoryLimit returns the configured cache ceiling in bytes, zero when
// unbounded.
func (e *Engine) MemoryLimit() int64 {
	return e.memLimit
}

// RegisterProcess creates an engine-side identity for a client process. The
// fresh process is unbound: its view resolves directly against the base
// tree.
func (e *Engine) RegisterProcess(ctx context.Context, id branches.Identity) (branches.Process, error) {
	if id.Pid <= 0 {
		return branches.Process{}, fmt.Errorf("pid %d: %w", id.Pid, errdefs.ErrInvalidArgument)
	}
	p := e.reg.RegisterProcess(id)
	log.G(ctx).WithFields(log.Fields{
		"pid":        id.Pid,
		"generation": p.Generation,
	}).Debug("process registered")
	return p, nil
}

// DeregisterProcess drops the identity registered for pid and closes any
// handles it still holds.
func (e *Engine) DeregisterProcess(ctx context.Context, pid int) error {
	if _, err := e.reg.DeregisterProcess(pid); err != nil {
		return err
	}
	e.handles.closeForPid(ctx, pid)
	return nil
}

// GetProcess returns the identity currently registered for pid.
func (e *Engine) GetProcess(ctx context.Context, pid int) (branches.Process, error) {
	return e.reg.GetProcess(pid)
}

// BindProcess atomically switches the process's active view to the branch.
// Rebinding replaces the previous binding; concurrent binds of the same pid
// resolve last-bind-wins.
func (e *Engine) BindProcess(ctx context.Context, branchID string, pid int) error {
	if _, err := e.reg.GetBranch(branchID); err != nil {
		return err
	}
	if _, err := e.reg.SetProcessBranch(pid, branchID); err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{
		"pid":    pid,
		"branch": branchID,
	}).Debug("process bound")
	return nil
}

// Close releases engine resources. Open handles are closed; registry state
// is discarded.
func (e *Engine) Close() error {
	e.handles.closeAll(context.Background())
	return e.store.Close()
}
