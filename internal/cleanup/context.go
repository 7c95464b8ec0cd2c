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

// Package cleanup allows rollback and resource-release paths to run with a
// context that keeps its values (loggers in particular) but is no longer
// subject to the caller's cancellation.
package cleanup

import (
	"context"
	"time"
)

type clearCancel struct {
	context.Context
}

func (cc clearCancel) Deadline() (deadline time.Time, ok bool) {
	return
}

func (cc clearCancel) Done() <-chan struct{} {
	return nil
}

func (cc clearCancel) Err() error {
	return nil
}

// Background creates a new context which clears out the parent's cancellation
// and deadline while keeping its values.
func Background(ctx context.Context) context.Context {
	return clearCancel{ctx}
}

// Do runs the provided function with a context in which the cancellation and
// deadline of the parent have been cleared, bounded by a fresh timeout so
// that cleanup cannot hang forever.
func Do(ctx context.Context, do func(context.Context)) {
	ctx, cancel := context.WithTimeout(Background(ctx), 10*time.Second)
	defer cancel()
	do(ctx)
}
