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

	"github.com/containerd/log"

	"github.com/branchfs/branchfs/core/branches"
	"github.com/branchfs/branchfs/pkg/identifiers"
)

// CreateSnapshot records a reference to whatever view is presently active
// for pid: the base tree when unbound, the bound branch's state otherwise.
// No data is copied and no tree is traversed; the cost is a registry insert,
// independent of tree size. All storage cost is deferred to branch
// materialization.
func (e *Engine) CreateSnapshot(ctx context.Context, pid int, label string) (branches.Snapshot, error) {
	if err := identifiers.Validate(label); err != nil {
		return branches.Snapshot{}, err
	}
	p, err := e.reg.GetProcess(pid)
	if err != nil {
		return branches.Snapshot{}, err
	}
	sn, err := e.reg.AddSnapshot(label, p.BranchID)
	if err != nil {
		return branches.Snapshot{}, err
	}
	log.G(ctx).WithFields(log.Fields{
		"snapshot": sn.ID,
		"label":    label,
		"source":   sn.Source,
	}).Debug("snapshot created")
	return sn, nil
}

// GetSnapshot returns a snapshot by id.
func (e *Engine) GetSnapshot(ctx context.Context, id string) (branches.Snapshot, error) {
	return e.reg.GetSnapshot(id)
}

// WalkSnapshots calls fn for every registered snapshot.
func (e *Engine) WalkSnapshots(ctx context.Context, fn branches.SnapshotWalkFunc) error {
	return e.reg.WalkSnapshots(ctx, fn)
}
