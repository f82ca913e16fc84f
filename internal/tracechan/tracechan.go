// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tracechan implements the two trace channel protocols on top of a
// shared region: the raw channel for a single-threaded producer reporting bare
// values, and the coalesced channel for a multi-threaded producer reporting
// (thread, value) pairs.
//
// Both use the same three-phase handshake:
//
//	collector                      producer
//	---------                      --------
//	post(ready)            ──►     wait(ready)   buffer is full
//	wait(turn)             ◄──     post(turn)
//	read every slot
//	post(ready), post(done) ──►    wait(done)    reset buffer, keep going
//
// so producer and collector never touch the slot array at the same time.
// The coalesced channel adds a mutex semaphore that serializes producer
// threads against each other while they fill the buffer.
package tracechan

import (
	"github.com/kolkov/astracer/internal/shm"
)

const (
	// RawTag is the version tag of the raw channel layout. Change it whenever
	// the layout or its semantics change.
	RawTag uint32 = 0xbeefcafe

	// CoalescedTag is the version tag of the coalesced channel layout.
	CoalescedTag uint32 = 0xc0a1e5ce

	// RawSlots is the capacity of the raw channel buffer.
	RawSlots = 32

	// CoalescedSlots is the capacity of the coalesced channel buffer.
	CoalescedSlots = 64

	// EmptySlot marks a slot the producer has not written since the last
	// handoff. Site identifiers start at 0, so the sentinel is all ones.
	EmptySlot uint32 = 0xffffffff
)

// Semaphore indices within each layout.
const (
	rawReady = iota
	rawTurn
	rawDone
)

const (
	coalescedMutex = iota
	coalescedReady
	coalescedTurn
	coalescedDone
)

var (
	// RawLayout: tag · ready · turn · done · 32 × u32 · sentinel.
	RawLayout = shm.Layout{
		Name:       "raw",
		Tag:        RawTag,
		Semaphores: 3,
		Slots:      RawSlots,
		SlotSize:   4,
	}

	// CoalescedLayout: tag · mutex · ready · turn · done · 64 × (u32 tid, u32 value) · remaining.
	CoalescedLayout = shm.Layout{
		Name:       "coalesced",
		Tag:        CoalescedTag,
		Semaphores: 4,
		Slots:      CoalescedSlots,
		SlotSize:   8,
	}
)

// Event is one coalesced trace record.
type Event struct {
	Thread uint32 // OS thread ID of the producing thread
	Value  uint32 // Recorded site identifier
}
