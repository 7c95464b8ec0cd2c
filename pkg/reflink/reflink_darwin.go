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

package reflink

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// clonefile(2) refuses to overwrite, so the destination opened by Clone has
// to be removed before cloning into its place.
func clone(dst, src *os.File) error {
	name := dst.Name()
	if err := os.Remove(name); err != nil {
		return err
	}
	if err := unix.Clonefile(src.Name(), name, 0); err != nil {
		switch err {
		case unix.ENOTSUP, unix.EXDEV, unix.EINVAL:
			return fmt.Errorf("%w: clonefile %s: %v", ErrNotSupported, name, err)
		}
		return fmt.Errorf("clonefile %s: %w", name, err)
	}
	return nil
}
