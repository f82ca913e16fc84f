// Copyright 2025 The astracer Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shm

import (
	"io"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Region is a shared-memory region mapped read-write into this process.
//
// All 32-bit fields (tag, slots, trailer) are 4-byte aligned in every packed
// layout and are accessed atomically, so the region can be shared between
// goroutines as well as between processes.
type Region struct {
	layout Layout
	path   string
	file   *os.File
	mem    []byte
}

// Attach opens an existing region created by a producer.
//
// The checks run in a fixed order and each failure is final:
//  1. open the file read-write
//  2. its size must equal layout.Size() exactly (ErrSize)
//  3. map it shared
//  4. the tag at offset 0 must equal layout.Tag (ErrVersion)
//
// No semaphore is touched before all checks pass.
func Attach(path string, layout Layout) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open shared region %s", path)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "size shared region %s", path)
	}
	if size != int64(layout.Size()) {
		_ = f.Close()
		return nil, errors.Wrapf(ErrSize, "%s: got %d bytes, expected %d for %s layout",
			path, size, layout.Size(), layout.Name)
	}

	r, err := mapRegion(f, path, layout)
	if err != nil {
		return nil, err
	}

	if tag := r.Tag(); tag != layout.Tag {
		_ = r.Close()
		return nil, errors.Wrapf(ErrVersion, "%s: got 0x%08x, expected 0x%08x", path, tag, layout.Tag)
	}
	return r, nil
}

// Create makes a new zero-filled region at path. The file must not exist.
//
// The version tag is left zero so that a consumer racing the setup fails the
// tag check; call Publish once the semaphores and slots are initialized.
func Create(path string, layout Layout) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "create shared region %s", path)
	}
	if err := f.Truncate(int64(layout.Size())); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, errors.Wrapf(err, "size shared region %s", path)
	}

	r, err := mapRegion(f, path, layout)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return r, nil
}

func mapRegion(f *os.File, path string, layout Layout) (*Region, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, layout.Size(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "mmap shared region %s", path)
	}
	return &Region{
		layout: layout,
		path:   path,
		file:   f,
		mem:    mem,
	}, nil
}


// Path returns the region's filesystem path.
func (r *Region) Path() string { return r.path }

// Tag returns the version tag currently stored in the region.
func (r *Region) Tag() uint32 { return r.Uint32(0) }

// Publish stores the layout's version tag, making the region attachable.
func (r *Region) Publish() { r.PutUint32(0, r.layout.Tag) }

// Uint32 atomically loads the 32-bit field at byte offset off.
func (r *Region) Uint32(off int) uint32 {
	return atomic.LoadUint32(r.word32(off))
}

// PutUint32 atomically stores v into the 32-bit field at byte offset off.
func (r *Region) PutUint32(off int, v uint32) {
	atomic.StoreUint32(r.word32(off), v)
}

func (r *Region) word32(off int) *uint32 {
	if off < 0 || off+4 > len(r.mem) || off%4 != 0 {
		panic(errors.Errorf("shm: bad 32-bit field offset %d in %s", off, r.layout))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Close unmaps the region and closes its file. It does not remove the
// region; see Unlink.
func (r *Region) Close() error {
	var err error
	if r.mem != nil {
		err = multierr.Append(err, errors.Wrap(unix.Munmap(r.mem), "munmap"))
		r.mem = nil
	}
	if r.file != nil {
		err = multierr.Append(err, r.file.Close())
		r.file = nil
	}
	return err
}

// Unlink removes the region's name. Mappings that are still open stay valid.
func (r *Region) Unlink() error {
	return errors.Wrapf(os.Remove(r.path), "unlink shared region %s", r.path)
}
