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

package identifiers

import (
	"strings"
	"testing"

	"github.com/containerd/errdefs"
)

func TestValidIdentifiers(t *testing.T) {
	for _, input := range []string{
		"default",
		"Default",
		"base",
		"eager-branch",
		"turn.0042",
		"agent-session_2",
		"a",
		"a.b.c-d_e",
		strings.Repeat("a", maxLength),
	} {
		t.Run(input, func(t *testing.T) {
			if err := Validate(input); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestInvalidIdentifiers(t *testing.T) {
	for _, input := range []string{
		"",
		".foo..foo",
		"foo/foo",
		"foo/..",
		"foo..foo",
		"foo.-boo",
		"-foo",
		"foo-",
		"foo bar",
		"../../lower",
		strings.Repeat("a", maxLength+1),
	} {
		t.Run(input, func(t *testing.T) {
			err := Validate(input)
			if err == nil {
				t.Fatal("expected invalid error")
			}
			if !errdefs.IsInvalidArgument(err) {
				t.Fatal("expected invalid argument error")
			}
		})
	}
}
