// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package collector implements the consumer side of the trace channels: the
// raw collector prints bare values, the coalesced collector resolves each
// value through a decoder and prints source lines.
//
// A collector is single-threaded. Its only suspension point is the bounded
// wait on the turn semaphore; when that wait times out it probes the
// producer's PID and stops, successfully, once the producer is gone. There is
// no other way to stop a collector.
package collector

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kolkov/astracer/internal/shm"
)

// DefaultPoll is the bounded wait on the turn semaphore between liveness
// probes.
const DefaultPoll = time.Second

// ErrNotFull is returned when the collector is woken up but the buffer holds
// an empty slot. The handoff protocol guarantees a full buffer, so this means
// the producer is broken or the region is corrupt.
var ErrNotFull = errors.New("trace buffer not full at handoff")

// Handshake is the collector's half of the ready/turn/done protocol.
type Handshake interface {
	SignalReady() error
	WaitTurn(timeout time.Duration) error
	SignalDone() error
}

// Config holds settings shared by both collectors.
type Config struct {
	// Poll bounds each wait on the turn semaphore. Zero means DefaultPoll.
	Poll time.Duration

	// Probe reports whether the producer is still alive. Required.
	Probe Probe

	// Logger receives diagnostics. Nil means no logging.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Poll <= 0 {
		c.Poll = DefaultPoll
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// awaitTurn waits for the producer's handoff. It returns false, nil once
// the producer has exited.
func awaitTurn(h Handshake, cfg Config) (bool, error) {
	for {
		err := h.WaitTurn(cfg.Poll)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, shm.ErrTimeout) {
			return false, errors.Wrap(err, "wait for turn")
		}
		if !cfg.Probe.Alive() {
			return false, nil
		}
		cfg.Logger.Debug("no handoff yet, producer alive", zap.Duration("poll", cfg.Poll))
	}
}

// release hands the buffer back to the producer.
func release(h Handshake) error {
	if err := h.SignalReady(); err != nil {
		return errors.Wrap(err, "signal ready")
	}
	return errors.Wrap(h.SignalDone(), "signal done")
}
