// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// glibc x86-64 new_sem layout: a 64-bit word holding the value in its low
// half and the waiter count in its high half, followed by the futex
// "private" flag. The rest of the 32 bytes is unused.
const (
	semWaiterShift = 32
	semWaiterOne   = uint64(1) << semWaiterShift
	semValueMax    = math.MaxInt32

	// futexShared is what sem_init(3) stores in the private field when
	// pshared != 0.
	futexShared = 128
)

// Semaphore is a process-shared counting semaphore living inside a Region.
//
// Packed layouts put semaphores at 4-byte boundaries, so the 64-bit word may
// be unaligned. x86-64 locked instructions tolerate that, which is why this
// file only builds for amd64.
type Semaphore struct {
	word    *uint64
	private *int32
}

// Semaphore returns semaphore i of the region's layout.
func (r *Region) Semaphore(i int) *Semaphore {
	off := r.layout.SemaphoreOffset(i)
	return &Semaphore{
		word:    (*uint64)(unsafe.Pointer(&r.mem[off])),
		private: (*int32)(unsafe.Pointer(&r.mem[off+8])),
	}
}

// Init resets the semaphore to value with no waiters, marked process-shared.
// Only the region's creator calls this, before publishing the region.
func (s *Semaphore) Init(value uint32) {
	atomic.StoreUint64(s.word, uint64(value))
	atomic.StoreInt32(s.private, futexShared)
}

// Value returns the current semaphore value.
func (s *Semaphore) Value() uint32 {
	return uint32(atomic.LoadUint64(s.word))
}

// futexWord is the low (value) half of the word on little-endian hosts.
func (s *Semaphore) futexWord() *uint32 {
	return (*uint32)(unsafe.Pointer(s.word))
}

// Post increments the semaphore and wakes one waiter if any is registered.
func (s *Semaphore) Post() error {
	for {
		d := atomic.LoadUint64(s.word)
		if uint32(d) >= semValueMax {
			return ErrOverflow
		}
		if atomic.CompareAndSwapUint64(s.word, d, d+1) {
			if d>>semWaiterShift == 0 {
				return nil
			}
			return errors.Wrap(futexWake(s.futexWord(), 1), "futex wake")
		}
	}
}

// TryWait decrements the semaphore if its value is positive.
func (s *Semaphore) TryWait() bool {
	d := atomic.LoadUint64(s.word)
	for uint32(d) > 0 {
		if atomic.CompareAndSwapUint64(s.word, d, d-1) {
			return true
		}
		d = atomic.LoadUint64(s.word)
	}
	return false
}

// Wait blocks until the semaphore can be decremented.
func (s *Semaphore) Wait() error {
	return s.wait(time.Time{})
}

// TimedWait blocks until the semaphore can be decremented or timeout
// elapses, in which case it returns ErrTimeout. Interrupted sleeps are
// resumed within the same deadline.
func (s *Semaphore) TimedWait(timeout time.Duration) error {
	if timeout <= 0 {
		return errors.Errorf("shm: non-positive semaphore timeout %v", timeout)
	}
	return s.wait(time.Now().Add(timeout))
}

func (s *Semaphore) wait(deadline time.Time) error {
	if s.TryWait() {
		return nil
	}

	// Register as a waiter so that Post knows to issue a wake-up.
	d := atomic.AddUint64(s.word, semWaiterOne)
	for {
		if uint32(d) == 0 {
			var timeout time.Duration
			if !deadline.IsZero() {
				timeout = time.Until(deadline)
				if timeout <= 0 {
					s.unregister()
					return ErrTimeout
				}
			}
			switch err := futexWait(s.futexWord(), 0, timeout); err {
			case nil, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
				// Re-check the value; an expired deadline is caught above.
			default:
				s.unregister()
				return errors.Wrap(err, "futex wait")
			}
			d = atomic.LoadUint64(s.word)
			continue
		}

		// Take one unit and drop our waiter registration in a single step.
		if atomic.CompareAndSwapUint64(s.word, d, d-1-semWaiterOne) {
			return nil
		}
		d = atomic.LoadUint64(s.word)
	}
}

func (s *Semaphore) unregister() {
	atomic.AddUint64(s.word, ^(semWaiterOne - 1))
}
