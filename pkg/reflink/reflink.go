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

// Package reflink wraps block-level copy-on-write file cloning as offered by
// filesystems such as btrfs and XFS. A clone shares extents with its source
// until either copy is modified, making it far cheaper than a byte copy.
package reflink

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrNotSupported is returned by Clone when the underlying filesystem (or
// filesystem pair) cannot clone blocks between the given files.
var ErrNotSupported = errors.New("reflink is not supported")

// Clone makes dst a copy-on-write clone of src. The destination is created
// (or truncated) with the source's permission bits. When cloning is not
// available the destination is removed and ErrNotSupported is returned,
// wrapped with the underlying cause.
func Clone(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	fi, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}

	if err := clone(dstFile, srcFile); err != nil {
		dstFile.Close()
		os.Remove(dst)
		return err
	}
	return dstFile.Close()
}

// Supported reports whether files within dir can be cloned. The probe writes
// a small scratch file, attempts to clone it and removes both afterwards; any
// failure, including an inconclusive one, reports false rather than an error.
func Supported(dir string) bool {
	src, err := os.CreateTemp(dir, ".reflink-probe-src-")
	if err != nil {
		return false
	}
	defer os.Remove(src.Name())
	defer src.Close()

	if _, err := src.Write(make([]byte, 4096)); err != nil {
		return false
	}

	dst := filepath.Join(dir, filepath.Base(src.Name())+"-dst")
	defer os.Remove(dst)

	return Clone(src.Name(), dst) == nil
}
