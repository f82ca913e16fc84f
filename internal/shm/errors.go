// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import "github.com/pkg/errors"

var (
	// ErrSize is returned by Attach when the region's byte size differs from
	// the layout size.
	ErrSize = errors.New("shared region has the wrong size")

	// ErrVersion is returned by Attach when the region's version tag differs
	// from the layout tag.
	ErrVersion = errors.New("shared region has the wrong version tag")

	// ErrTimeout is returned by Semaphore.TimedWait when the semaphore could
	// not be acquired before the timeout elapsed.
	ErrTimeout = errors.New("semaphore wait timed out")

	// ErrOverflow is returned by Semaphore.Post when the value would exceed
	// SEM_VALUE_MAX.
	ErrOverflow = errors.New("semaphore value overflow")
)
