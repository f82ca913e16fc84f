// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collector

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Probe tests whether the producer still exists.
type Probe interface {
	Alive() bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func() bool

// Alive implements Probe.
func (f ProbeFunc) Alive() bool { return f() }

// ProcessProbe probes a process by sending it signal 0.
type ProcessProbe int

// Alive reports whether the process exists. EPERM means it exists but
// belongs to someone else; every other failure counts as gone.
func (p ProcessProbe) Alive() bool {
	err := unix.Kill(int(p), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
