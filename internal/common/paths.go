// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// PathMax is the longest path the kernel accepts, terminator included.
const PathMax = 4096

// CatPath joins dir and base with a single separator and strips trailing
// separators from the result. Fails with ErrNameTooLong when the result
// would not fit in PathMax.
func CatPath(dir, base string) (string, error) {
	dir = strings.TrimRight(dir, "/")
	base = strings.TrimLeft(base, "/")

	p := dir + "/" + base
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	if len(p) >= PathMax {
		return "", fmt.Errorf("%s/%s: %w", dir, base, ErrNameTooLong)
	}
	return p, nil
}

// NCatPath is CatPath using at most n bytes of base.
func NCatPath(dir, base string, n int) (string, error) {
	if n >= 0 && n < len(base) {
		base = base[:n]
	}
	return CatPath(dir, base)
}

// SplitPath splits an absolute or relative path into its components
func SplitPath(path string) []string {
	path = strings.Trim(filepath.Clean(path), "/")
	if path == "" || path == "." {
		return nil
	}
	return strings.Split(path, "/")
}

// MkdirPath creates every missing directory along path. A component that
// exists but is not a directory fails with ErrNotDir. created reports
// whether the final directory was made by this call.
func MkdirPath(path string, mode os.FileMode) (created bool, err error) {
	cur := ""
	if filepath.IsAbs(path) {
		cur = "/"
	}

	for _, part := range SplitPath(path) {
		cur = filepath.Join(cur, part)
		created = false

		st, statErr := os.Stat(cur)
		if statErr == nil {
			if !st.IsDir() {
				return false, fmt.Errorf("%s: %w", cur, ErrNotDir)
			}
			continue
		}
		if !errors.Is(statErr, fs.ErrNotExist) {
			return false, statErr
		}

		if err := os.Mkdir(cur, mode); err != nil {
			// lost a race with another creator
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return false, err
		}
		created = true
	}
	return created, nil
}

// RmdirPath removes path and then each parent in turn until a removal
// fails. Only the final component may be a non-directory. The error
// returned is the failure to remove path itself, if any.
func RmdirPath(path string) error {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return fmt.Errorf("%q: %w", path, ErrInvalidPath)
	}

	if err := syscall.Rmdir(path); err != nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}

	for dir := filepath.Dir(path); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if err := syscall.Rmdir(dir); err != nil {
			break
		}
	}
	return nil
}
