// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracechan

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/kolkov/astracer/internal/shm"
)

// Coalesced is the collector's view of a coalesced channel.
type Coalesced struct {
	region *shm.Region
}

// AttachCoalesced attaches to the coalesced channel of process pid inside
// dir. Size and version tag are verified before anything else happens.
func AttachCoalesced(dir string, pid int) (*Coalesced, error) {
	r, err := shm.Attach(shm.Path(dir, pid), CoalescedLayout)
	if err != nil {
		return nil, errors.Wrap(err, "attach coalesced channel")
	}
	return &Coalesced{region: r}, nil
}

// SignalReady posts the ready semaphore.
func (c *Coalesced) SignalReady() error {
	return c.region.Semaphore(coalescedReady).Post()
}

// WaitTurn waits on the turn semaphore for at most timeout.
func (c *Coalesced) WaitTurn(timeout time.Duration) error {
	return c.region.Semaphore(coalescedTurn).TimedWait(timeout)
}

// SignalDone posts the done semaphore, releasing the producer.
func (c *Coalesced) SignalDone() error {
	return c.region.Semaphore(coalescedDone).Post()
}

// Remaining returns the producer's remaining-capacity counter.
func (c *Coalesced) Remaining() uint32 {
	return c.region.Uint32(CoalescedLayout.TrailerOffset())
}

// Events copies the slot array out of the region.
func (c *Coalesced) Events() []Event {
	events := make([]Event, CoalescedSlots)
	for i := range events {
		off := CoalescedLayout.SlotOffset(i)
		events[i] = Event{
			Thread: c.region.Uint32(off),
			Value:  c.region.Uint32(off + 4),
		}
	}
	return events
}

// Close unmaps the channel.
func (c *Coalesced) Close() error {
	return c.region.Close()
}

// CoalescedProducer is the tracee side of a coalesced channel. It is safe
// for concurrent use: every Record holds the channel's mutex semaphore.
type CoalescedProducer struct {
	region *shm.Region
}

// CreateCoalesced creates and publishes the coalesced channel for process
// pid in dir.
func CreateCoalesced(dir string, pid int) (*CoalescedProducer, error) {
	r, err := shm.Create(shm.Path(dir, pid), CoalescedLayout)
	if err != nil {
		return nil, errors.Wrap(err, "create coalesced channel")
	}
	r.Semaphore(coalescedMutex).Init(1)
	for i := coalescedReady; i <= coalescedDone; i++ {
		r.Semaphore(i).Init(0)
	}
	p := &CoalescedProducer{region: r}
	p.reset()
	r.Publish()
	return p, nil
}

// Path returns the region's filesystem path.
func (p *CoalescedProducer) Path() string { return p.region.Path() }

// Record records value for the calling OS thread.
func (p *CoalescedProducer) Record(value uint32) error {
	return p.RecordThread(uint32(unix.Gettid()), value)
}

// RecordThread records value on behalf of thread. When the buffer becomes
// full it blocks, still holding the mutex, until a collector has consumed it.
func (p *CoalescedProducer) RecordThread(thread, value uint32) (err error) {
	if value == EmptySlot {
		return errors.Errorf("tracechan: value 0x%08x is the empty-slot sentinel", value)
	}

	mutex := p.region.Semaphore(coalescedMutex)
	if err := mutex.Wait(); err != nil {
		return errors.Wrap(err, "acquire producer mutex")
	}
	defer func() {
		err = multierr.Append(err, errors.Wrap(mutex.Post(), "release producer mutex"))
	}()

	remaining := p.region.Uint32(CoalescedLayout.TrailerOffset())
	if remaining == 0 || remaining > CoalescedSlots {
		return errors.Errorf("tracechan: corrupt remaining counter %d", remaining)
	}
	off := CoalescedLayout.SlotOffset(CoalescedSlots - int(remaining))
	p.region.PutUint32(off, thread)
	p.region.PutUint32(off+4, value)
	remaining--
	p.region.PutUint32(CoalescedLayout.TrailerOffset(), remaining)

	if remaining > 0 {
		return nil
	}
	return p.handoff()
}

func (p *CoalescedProducer) handoff() error {
	if err := p.region.Semaphore(coalescedReady).Wait(); err != nil {
		return errors.Wrap(err, "wait for ready")
	}
	if err := p.region.Semaphore(coalescedTurn).Post(); err != nil {
		return errors.Wrap(err, "post turn")
	}
	if err := p.region.Semaphore(coalescedDone).Wait(); err != nil {
		return errors.Wrap(err, "wait for done")
	}
	p.reset()
	return nil
}

func (p *CoalescedProducer) reset() {
	for i := 0; i < CoalescedSlots; i++ {
		off := CoalescedLayout.SlotOffset(i)
		p.region.PutUint32(off, 0)
		p.region.PutUint32(off+4, EmptySlot)
	}
	p.region.PutUint32(CoalescedLayout.TrailerOffset(), CoalescedSlots)
}

// Close unmaps and unlinks the channel. Events in a partially filled buffer
// are dropped.
func (p *CoalescedProducer) Close() error {
	return multierr.Combine(p.region.Unlink(), p.region.Close())
}
