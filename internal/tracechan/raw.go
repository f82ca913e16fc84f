// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tracechan

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/kolkov/astracer/internal/shm"
)

// Raw is the collector's view of a raw channel.
type Raw struct {
	region *shm.Region
}

// AttachRaw attaches to the raw channel of process pid inside dir. Size and
// version tag are verified before anything else happens.
func AttachRaw(dir string, pid int) (*Raw, error) {
	r, err := shm.Attach(shm.Path(dir, pid), RawLayout)
	if err != nil {
		return nil, errors.Wrap(err, "attach raw channel")
	}
	return &Raw{region: r}, nil
}

// SignalReady posts the ready semaphore.
func (c *Raw) SignalReady() error {
	return c.region.Semaphore(rawReady).Post()
}

// WaitTurn waits on the turn semaphore for at most timeout. It returns
// shm.ErrTimeout if the producer did not hand the buffer over in time.
func (c *Raw) WaitTurn(timeout time.Duration) error {
	return c.region.Semaphore(rawTurn).TimedWait(timeout)
}

// SignalDone posts the done semaphore, releasing the producer.
func (c *Raw) SignalDone() error {
	return c.region.Semaphore(rawDone).Post()
}

// Slots copies the slot array out of the region.
func (c *Raw) Slots() []uint32 {
	slots := make([]uint32, RawSlots)
	for i := range slots {
		slots[i] = c.region.Uint32(RawLayout.SlotOffset(i))
	}
	return slots
}

// Close unmaps the channel. The region itself belongs to the producer.
func (c *Raw) Close() error {
	return c.region.Close()
}

// RawProducer is the tracee side of a raw channel. It must be used from a
// single goroutine.
type RawProducer struct {
	region *shm.Region
	next   int
}

// CreateRaw creates and publishes the raw channel for process pid in dir.
func CreateRaw(dir string, pid int) (*RawProducer, error) {
	r, err := shm.Create(shm.Path(dir, pid), RawLayout)
	if err != nil {
		return nil, errors.Wrap(err, "create raw channel")
	}
	for i := rawReady; i <= rawDone; i++ {
		r.Semaphore(i).Init(0)
	}
	p := &RawProducer{region: r}
	p.reset()
	r.PutUint32(RawLayout.TrailerOffset(), EmptySlot)
	r.Publish()
	return p, nil
}

// Path returns the region's filesystem path.
func (p *RawProducer) Path() string { return p.region.Path() }

// Record appends value to the buffer. When the buffer becomes full it blocks
// until a collector has consumed it.
func (p *RawProducer) Record(value uint32) error {
	if value == EmptySlot {
		return errors.Errorf("tracechan: value 0x%08x is the empty-slot sentinel", value)
	}
	p.region.PutUint32(RawLayout.SlotOffset(p.next), value)
	p.next++
	if p.next < RawSlots {
		return nil
	}
	return p.handoff()
}

func (p *RawProducer) handoff() error {
	if err := p.region.Semaphore(rawReady).Wait(); err != nil {
		return errors.Wrap(err, "wait for ready")
	}
	if err := p.region.Semaphore(rawTurn).Post(); err != nil {
		return errors.Wrap(err, "post turn")
	}
	if err := p.region.Semaphore(rawDone).Wait(); err != nil {
		return errors.Wrap(err, "wait for done")
	}
	p.reset()
	return nil
}

func (p *RawProducer) reset() {
	for i := 0; i < RawSlots; i++ {
		p.region.PutUint32(RawLayout.SlotOffset(i), EmptySlot)
	}
	p.next = 0
}

// Close unmaps and unlinks the channel. Events in a partially filled buffer
// are dropped.
func (p *RawProducer) Close() error {
	return multierr.Combine(p.region.Unlink(), p.region.Close())
}
