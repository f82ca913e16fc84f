// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations. The private flag must stay clear:
// waiters and wakers live in different processes.
const (
	opFutexWait = 0
	opFutexWake = 1
)

// futexWait blocks while *addr == val, for at most timeout. A timeout <= 0
// waits without a bound. It returns unix.ETIMEDOUT, unix.EAGAIN (value
// changed before sleeping) or unix.EINTR as-is for the caller to interpret.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var tsp uintptr
	if timeout > 0 {
		ts := unix.NsecToTimespec(int64(timeout))
		tsp = uintptr(unsafe.Pointer(&ts))
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		opFutexWait, uintptr(val), tsp, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// futexWake wakes at most n waiters blocked on addr.
func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		opFutexWake, uintptr(n), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
