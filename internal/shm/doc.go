// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shm maps the packed shared-memory regions used to move trace events
// out of an instrumented process.
//
// A region is a file under the POSIX shared-memory directory (usually
// /dev/shm) named after the producer's process ID. Its layout is packed with
// no padding:
//
//	+-----------+----------------------+--------------------+---------+
//	| tag (u32) | N × sem_t (32 bytes) | M × slot           | trailer |
//	+-----------+----------------------+--------------------+---------+
//
// The semaphores follow the x86-64 glibc sem_t layout, so a C producer using
// sem_post(3) and sem_wait(3) on a process-shared semaphore interoperates with
// the futex-based implementation in this package.
//
// The producer owns the region's identity and teardown. A consumer only
// attaches, verifies the size and the version tag, and maps it.
package shm
