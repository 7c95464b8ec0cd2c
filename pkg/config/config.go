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

// Package config defines the engine configuration, supplied once at engine
// construction either programmatically or from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
)

// Copy-up modes govern how a file absent from a branch's private storage is
// promoted into it on first write.
const (
	// CopyUpFile copies the single written file from the base tree into
	// private storage before the write proceeds.
	CopyUpFile = "file"

	// CopyUpNever refuses writes to paths that only exist in the base tree.
	CopyUpNever = "never"
)

// Config provides branchfs engine configuration.
type Config struct {
	// CaseSensitive is the path comparison policy. The host-filesystem store
	// resolves paths byte-exact either way; the policy is recorded for
	// clients that normalize before calling in.
	CaseSensitive bool `toml:"case_sensitive"`

	// MemoryLimit bounds in-memory caching, expressed in go-units notation
	// (e.g. "64MB"). Empty means no explicit bound.
	MemoryLimit string `toml:"memory_limit"`

	// MaxOpenHandles caps concurrently open file handles across all
	// registered processes.
	MaxOpenHandles int `toml:"max_open_handles"`

	// MaxBranches caps live branches.
	MaxBranches int `toml:"max_branches"`

	// MaxSnapshots caps live snapshots.
	MaxSnapshots int `toml:"max_snapshots"`

	// Store selects and configures the backing-store provider.
	Store StoreConfig `toml:"store"`

	// Overlay configures the copy-on-write overlay.
	Overlay OverlayConfig `toml:"overlay"`
}

// StoreConfig selects the backing-store provider holding branch private
// storage.
type StoreConfig struct {
	// Type is the provider plugin id. "hostfs" ships in-tree; other
	// providers (e.g. "zfs") come from external modules.
	Type string `toml:"type"`

	// Root is the directory the provider keeps branch data under.
	Root string `toml:"root"`

	// PreferNativeSnapshots hints that the provider should use filesystem
	// native snapshots when the underlying filesystem offers them.
	PreferNativeSnapshots bool `toml:"prefer_native_snapshots"`
}

// OverlayConfig configures overlay resolution against a shared base tree.
type OverlayConfig struct {
	// Enabled turns overlay resolution on. When false, branch creation is
	// refused and registered processes see only the base tree.
	Enabled bool `toml:"enabled"`

	// LowerRoot is the root of the shared base tree.
	LowerRoot string `toml:"lower_root"`

	// VisibleSubdir optionally restricts the visible base tree to a
	// subdirectory of LowerRoot.
	VisibleSubdir string `toml:"visible_subdir"`

	// CopyUpMode is the per-file write-triggered copy-up policy.
	CopyUpMode string `toml:"copyup_mode"`

	// Materialization names the default branch materialization mode; one of
	// "lazy", "eager" or "clone-eager".
	Materialization string `toml:"materialization"`

	// RequireCloneSupport makes block cloning mandatory: clone-eager branch
	// creation fails outright instead of falling back to byte copies.
	RequireCloneSupport bool `toml:"require_clone_support"`
}

// Default returns a config populated with defaults, storing branch data
// under root.
func Default(root string) *Config {
	return &Config{
		CaseSensitive:  true,
		MaxOpenHandles: 256,
		MaxBranches:    64,
		MaxSnapshots:   1024,
		Store: StoreConfig{
			Type: "hostfs",
			Root: root,
		},
		Overlay: OverlayConfig{
			Enabled:         true,
			CopyUpMode:      CopyUpFile,
			Materialization: "lazy",
		},
	}
}

// MemoryLimitBytes parses MemoryLimit; zero when unset.
func (c *Config) MemoryLimitBytes() (int64, error) {
	if c.MemoryLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid memory_limit %q: %w", c.MemoryLimit, errdefs.ErrInvalidArgument)
	}
	return n, nil
}

// Validate checks the configuration for missing or contradictory values.
func (c *Config) Validate() error {
	if c.Store.Type == "" {
		return fmt.Errorf("store.type must be set: %w", errdefs.ErrInvalidArgument)
	}
	if c.Store.Root == "" {
		return fmt.Errorf("store.root must be set: %w", errdefs.ErrInvalidArgument)
	}
	if c.MaxOpenHandles <= 0 || c.MaxBranches <= 0 || c.MaxSnapshots <= 0 {
		return fmt.Errorf("resource limits must be positive: %w", errdefs.ErrInvalidArgument)
	}
	if _, err := c.MemoryLimitBytes(); err != nil {
		return err
	}

	o := c.Overlay
	if !o.Enabled {
		return nil
	}
	if o.LowerRoot == "" {
		return fmt.Errorf("overlay.lower_root must be set when the overlay is enabled: %w", errdefs.ErrInvalidArgument)
	}
	if o.VisibleSubdir != "" {
		clean := filepath.Clean(o.VisibleSubdir)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("overlay.visible_subdir %q escapes the lower root: %w", o.VisibleSubdir, errdefs.ErrInvalidArgument)
		}
	}
	switch o.CopyUpMode {
	case CopyUpFile, CopyUpNever:
	default:
		return fmt.Errorf("unknown overlay.copyup_mode %q: %w", o.CopyUpMode, errdefs.ErrInvalidArgument)
	}
	switch o.Materialization {
	case "lazy", "eager", "clone-eager":
	default:
		return fmt.Errorf("unknown overlay.materialization %q: %w", o.Materialization, errdefs.ErrInvalidArgument)
	}
	return nil
}

// LoadConfig loads a TOML config from path into out, leaving values for
// absent keys untouched, and validates the result.
func LoadConfig(path string, out *Config) error {
	if out == nil {
		return fmt.Errorf("argument out must not be nil: %w", errdefs.ErrInvalidArgument)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config %s: %w", path, errdefs.ErrNotFound)
		}
		return err
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("load config %s: %w: %v", path, errdefs.ErrInvalidArgument, err)
	}
	return out.Validate()
}
