// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import (
	"path/filepath"
	"strconv"
)

const (
	// DefaultDir is where Linux backs shm_open(3) objects.
	DefaultDir = "/dev/shm"

	// NamePrefix is prepended to the producer's process ID to form the
	// shared object name.
	NamePrefix = "as-tracer-"
)

// Name returns the shm_open(3) name of the region owned by pid, for example
// "/as-tracer-4242".
func Name(pid int) string {
	return "/" + NamePrefix + strconv.Itoa(pid)
}

// Path returns the filesystem path of the region owned by pid inside dir.
func Path(dir string, pid int) string {
	return filepath.Join(dir, NamePrefix+strconv.Itoa(pid))
}
