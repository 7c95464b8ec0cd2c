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

import metrics "github.com/docker/go-metrics"

var (
	branchCreates    metrics.LabeledCounter
	cloneFallbacks   metrics.Counter
	materializeTimer metrics.LabeledTimer
)

func init() {
	ns := metrics.NewNamespace("branchfs", "engine", nil)
	branchCreates = ns.NewLabeledCounter("branch_creates", "branches created", "mode")
	cloneFallbacks = ns.NewCounter("clone_fallbacks", "clone-eager files that fell back to byte copies")
	materializeTimer = ns.NewLabeledTimer("materialize", "time to materialize a branch", "mode")
	metrics.Register(ns)
}
