// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLayout_Offsets verifies packing for a raw-like and a coalesced-like layout.
func TestLayout_Offsets(t *testing.T) {
	tests := []struct {
		name      string
		layout    Layout
		size      int
		firstSem  int
		lastSem   int
		firstSlot int
		trailer   int
	}{
		{
			name:      "three semaphores, 32 word slots",
			layout:    Layout{Name: "raw", Tag: 1, Semaphores: 3, Slots: 32, SlotSize: 4},
			size:      4 + 3*32 + 32*4 + 4,
			firstSem:  4,
			lastSem:   68,
			firstSlot: 100,
			trailer:   228,
		},
		{
			name:      "four semaphores, 64 pair slots",
			layout:    Layout{Name: "coalesced", Tag: 2, Semaphores: 4, Slots: 64, SlotSize: 8},
			size:      4 + 4*32 + 64*8 + 4,
			firstSem:  4,
			lastSem:   100,
			firstSlot: 132,
			trailer:   644,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.layout
			assert.Equal(t, tt.size, l.Size())
			assert.Equal(t, tt.firstSem, l.SemaphoreOffset(0))
			assert.Equal(t, tt.lastSem, l.SemaphoreOffset(l.Semaphores-1))
			assert.Equal(t, tt.firstSlot, l.SlotOffset(0))
			assert.Equal(t, tt.trailer, l.TrailerOffset())
			assert.Equal(t, l.Size()-4, l.TrailerOffset())
		})
	}
}

func TestLayout_OutOfRangePanics(t *testing.T) {
	l := Layout{Name: "raw", Semaphores: 3, Slots: 32, SlotSize: 4}
	assert.Panics(t, func() { l.SemaphoreOffset(3) })
	assert.Panics(t, func() { l.SlotOffset(33) })
	assert.NotPanics(t, func() { l.SlotOffset(32) })
}

func TestNameAndPath(t *testing.T) {
	assert.Equal(t, "/as-tracer-4242", Name(4242))
	assert.Equal(t, "/dev/shm/as-tracer-4242", Path(DefaultDir, 4242))
}
