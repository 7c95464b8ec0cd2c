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

package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type ctxKey struct{}

func TestBackgroundKeepsValues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, ctxKey{}, "rollback")
	cancel()

	bg := Background(ctx)
	assert.NoError(t, bg.Err(), "cancellation of the parent must not propagate")
	assert.Nil(t, bg.Done())
	assert.Equal(t, "rollback", bg.Value(ctxKey{}))

	_, ok := bg.Deadline()
	assert.False(t, ok)
}

func TestDoIgnoresParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, ctxKey{}, "rollback")
	cancel()

	var ran bool
	Do(ctx, func(ctx context.Context) {
		ran = true
		assert.NoError(t, ctx.Err(), "cleanup runs even after the caller gave up")
		assert.Equal(t, "rollback", ctx.Value(ctxKey{}))
	})
	assert.True(t, ran)
}

func TestDoIsBounded(t *testing.T) {
	Do(context.Background(), func(ctx context.Context) {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok, "cleanup must not be allowed to hang forever")
		assert.LessOrEqual(t, time.Until(deadline), 10*time.Second)
	})
}
