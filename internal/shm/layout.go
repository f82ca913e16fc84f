// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import "fmt"

// SemSize is the size of one process-shared semaphore in a packed layout. It
// equals sizeof(sem_t) on x86-64 glibc.
const SemSize = 32

const (
	tagSize     = 4
	trailerSize = 4
)

// Layout describes a packed region: a 4-byte version tag, a run of
// semaphores, a fixed-capacity slot array and a 4-byte trailer field.
type Layout struct {
	Name       string // Human-readable layout name used in diagnostics
	Tag        uint32 // Version tag stored at offset 0
	Semaphores int    // Number of semaphores following the tag
	Slots      int    // Slot capacity
	SlotSize   int    // Size of one slot in bytes (multiple of 4)
}

// Size returns the exact byte size a region with this layout must have.
func (l Layout) Size() int {
	return tagSize + l.Semaphores*SemSize + l.Slots*l.SlotSize + trailerSize
}

// SemaphoreOffset returns the byte offset of semaphore i.
func (l Layout) SemaphoreOffset(i int) int {
	if i < 0 || i >= l.Semaphores {
		panic(fmt.Sprintf("shm: semaphore %d out of range for %s layout", i, l.Name))
	}
	return tagSize + i*SemSize
}

// SlotOffset returns the byte offset of slot i. i == Slots is allowed and
// yields the trailer offset.
func (l Layout) SlotOffset(i int) int {
	if i < 0 || i > l.Slots {
		panic(fmt.Sprintf("shm: slot %d out of range for %s layout", i, l.Name))
	}
	return tagSize + l.Semaphores*SemSize + i*l.SlotSize
}

// TrailerOffset returns the byte offset of the trailing field.
func (l Layout) TrailerOffset() int {
	return l.SlotOffset(l.Slots)
}

func (l Layout) String() string {
	return fmt.Sprintf("%s(tag=0x%08x, %d sems, %d×%dB slots, %dB)",
		l.Name, l.Tag, l.Semaphores, l.Slots, l.SlotSize, l.Size())
}
