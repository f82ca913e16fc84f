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

	"github.com/kolkov/astracer/internal/tracechan"
)

// RawChannel is what the raw collector needs from a raw trace channel.
type RawChannel interface {
	Handshake
	Slots() []uint32
}

// Raw prints every handoff of a raw channel as one line:
//
//	trace: [0]17 [1]4 ... [31]9
type Raw struct {
	ch  RawChannel
	out io.Writer
	cfg Config

	handoffs int
}

// NewRaw returns a collector reading ch and writing to out.
func NewRaw(ch RawChannel, out io.Writer, cfg Config) *Raw {
	return &Raw{ch: ch, out: out, cfg: cfg.withDefaults()}
}

// Handoffs returns the number of buffers consumed so far.
func (c *Raw) Handoffs() int { return c.handoffs }

// Run signals ready once and consumes buffers until the producer exits.
func (c *Raw) Run() error {
	if err := c.ch.SignalReady(); err != nil {
		return errors.Wrap(err, "signal ready")
	}

	for {
		live, err := awaitTurn(c.ch, c.cfg)
		if err != nil {
			return err
		}
		if !live {
			c.cfg.Logger.Info("producer exited", zap.Int("handoffs", c.handoffs))
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

func (c *Raw) consume() error {
	slots := c.ch.Slots()
	for i, v := range slots {
		if v == tracechan.EmptySlot {
			return errors.Wrapf(ErrNotFull, "slot %d of %d is empty", i, len(slots))
		}
	}

	w := bufio.NewWriter(c.out)
	_, _ = w.WriteString("trace:")
	for i, v := range slots {
		fmt.Fprintf(w, " [%d]%d", i, v)
	}
	_ = w.WriteByte('\n')
	return errors.Wrap(w.Flush(), "write trace")
}
