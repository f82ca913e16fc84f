// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collector

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kolkov/astracer/internal/decoder"
	"github.com/kolkov/astracer/internal/tracechan"
)

// CoalescedChannel is what the coalesced collector needs from a coalesced
// trace channel.
type CoalescedChannel interface {
	Handshake
	Remaining() uint32
	Events() []tracechan.Event
}

// Resolver maps trace values to source lines. *decoder.Decoder implements it.
type Resolver interface {
	Chunk(value uint32) ([]uint32, error)
	Line(id uint32) (decoder.Line, error)
}

// Coalesced resolves every recorded value to the source lines it covers and
// prints them as
//
//	<tid> <path>:<line>: <content>
//
// A line identical to the previously printed one is dropped, whatever thread
// it came from.
type Coalesced struct {
	ch       CoalescedChannel
	resolver Resolver
	printer  *linePrinter
	cfg      Config

	handoffs int
}

// NewCoalesced returns a collector reading ch, resolving through r and
// writing to out.
func NewCoalesced(ch CoalescedChannel, r Resolver, out io.Writer, cfg Config) *Coalesced {
	return &Coalesced{
		ch:       ch,
		resolver: r,
		printer:  &linePrinter{w: bufio.NewWriter(out)},
		cfg:      cfg.withDefaults(),
	}
}

// Handoffs returns the number of buffers consumed so far.
func (c *Coalesced) Handoffs() int { return c.handoffs }

// Run signals ready once and consumes buffers until the producer exits.
func (c *Coalesced) Run() error {
	if err := c.ch.SignalReady(); err != nil {
		return errors.Wrap(err, "signal ready")
	}

	for {
		live, err := awaitTurn(c.ch, c.cfg)
		if err != nil {
			return err
		}
		if !live {
			c.cfg.Logger.Info("producer exited",
				zap.Int("handoffs", c.handoffs),
				zap.Int("lines", c.printer.printed),
				zap.Int("duplicates", c.printer.dropped))
			return nil
		}

		if err := c.consume(); err != nil {
			return err
		}
		c.handoffs++

		if err := release(c.ch); err != nil {
			return err
		}
	}
}

func (c *Coalesced) consume() error {
	if rem := c.ch.Remaining(); rem != 0 {
		return errors.Wrapf(ErrNotFull, "%d slots remaining", rem)
	}

	events := c.ch.Events()
	for i, ev := range events {
		if ev.Value == tracechan.EmptySlot {
			return errors.Wrapf(ErrNotFull, "slot %d of %d is empty", i, len(events))
		}
	}

	for _, ev := range events {
		ids, err := c.resolver.Chunk(ev.Value)
		if err != nil {
			return errors.Wrapf(err, "thread %d", ev.Thread)
		}
		for _, id := range ids {
			line, err := c.resolver.Line(id)
			if err != nil {
				return errors.Wrapf(err, "chunk %d", ev.Value)
			}
			c.printer.print(ev.Thread, line)
		}
	}
	return errors.Wrap(c.printer.w.Flush(), "write trace")
}

// linePrinter suppresses consecutive duplicates across all threads.
type linePrinter struct {
	w    *bufio.Writer
	last string
	seen bool

	printed int
	dropped int
}

func (p *linePrinter) print(thread uint32, line decoder.Line) {
	s := line.String()
	if p.seen && s == p.last {
		p.dropped++
		return
	}
	p.last, p.seen = s, true
	p.printed++
	fmt.Fprintf(p.w, "%d %s\n", thread, s)
}
