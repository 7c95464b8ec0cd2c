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

package branches

import (
	"encoding/json"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for name, mode := range map[string]Mode{
		"lazy":        ModeLazy,
		"eager":       ModeEager,
		"clone-eager": ModeCloneEager,
	} {
		got, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, mode, got)
		assert.Equal(t, name, got.String())
	}

	_, err := ParseMode("psychic")
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = ParseMode("")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestModeJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(ModeCloneEager)
	require.NoError(t, err)
	assert.Equal(t, `"clone-eager"`, string(data))

	var m Mode
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, ModeCloneEager, m)
}

func TestProcessBound(t *testing.T) {
	var p Process
	assert.False(t, p.Bound())
	p.BranchID = "some-branch"
	assert.True(t, p.Bound())
}
