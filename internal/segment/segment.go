// Copyright 2024 The goshm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package segment provides the file-backed memory mappings every block in
// the allocator is built on: ordinary named files, grown with
// ftruncate, and mapped at an alignment coarser than the host page size via
// an over-map-then-trim technique.
package segment

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "segment")

func retry(op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxElapsedTime = 250 * time.Millisecond
	return backoff.Retry(func() error {
		err := fn()
		if err == unix.EINTR || err == unix.EAGAIN {
			log.WithField("op", op).WithError(err).Debug("retrying transient syscall failure")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b)
}

func pageRound(size int64) int64 {
	ps := int64(unix.Getpagesize())
	return (size + ps - 1) &^ (ps - 1)
}

// Create makes a new named mapping file of at least size bytes, truncated to
// a page boundary, and fails if one already exists at path.
func Create(path string, size int64) (int64, error) {
	size = pageRound(size)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_TRUNC, 0o666)
	if err != nil {
		return 0, fmt.Errorf("segment: create %s: %w", path, err)
	}
	defer f.Close()
	if err := retry("ftruncate", func() error { return unix.Ftruncate(int(f.Fd()), size) }); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("segment: ftruncate %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"path": path, "size": size}).Debug("created segment")
	return size, nil
}

// Attach opens an existing mapping file and returns its current size.
func Attach(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("segment: attach %s: %w", path, err)
	}
	return fi.Size(), nil
}

// Resize grows (never shrinks) the mapping file at path to at least size
// bytes, page-rounded, and returns the new size.
func Resize(path string, size int64) (int64, error) {
	size = pageRound(size)
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return 0, fmt.Errorf("segment: resize open %s: %w", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("segment: resize stat %s: %w", path, err)
	}
	if size <= fi.Size() {
		return fi.Size(), nil
	}
	if err := retry("ftruncate", func() error { return unix.Ftruncate(int(f.Fd()), size) }); err != nil {
		return 0, fmt.Errorf("segment: ftruncate %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"path": path, "old": fi.Size(), "new": size}).Debug("resized segment")
	return size, nil
}

// Unlink removes the backing file. Safe to call after Unmap.
func Unlink(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segment: unlink %s: %w", path, err)
	}
	return nil
}

// Map maps mmapSize bytes of the file at path, starting at offset 0,
// guaranteeing the returned slice begins at a virtual address aligned to
// alignment (which must be a power of two and a multiple of the host page
// size). It does so by mapping extra trailing space, computing how much of
// the head must be trimmed to reach alignment, and either releasing the
// unneeded tail (no remap needed) or releasing the whole over-map and
// remapping at the fixed aligned address (MAP_FIXED) when the kernel didn't
// hand back an already-aligned address.
func Map(path string, mmapSize int64, alignment int64) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("segment: map open %s: %w", path, err)
	}
	defer f.Close()

	pageSize := int64(unix.Getpagesize())
	if alignment <= pageSize {
		data, err := unix.Mmap(int(f.Fd()), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("segment: mmap %s: %w", path, err)
		}
		return data, nil
	}

	extra := alignment - pageSize
	over, err := unix.Mmap(int(f.Fd()), 0, int(mmapSize+extra), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("segment: over-map %s: %w", path, err)
	}

	base := sliceAddr(over)
	aligned := (base + uint64(alignment) - 1) &^ (uint64(alignment) - 1)
	skip := aligned - base

	if skip == 0 {
		if extra > 0 {
			// unix.Munmap only accepts whole slices it mapped, so the tail
			// is released with the raw syscall from the first host page
			// boundary at or after mmapSize.
			tail := pageRound(mmapSize)
			if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(base)+uintptr(tail), uintptr(mmapSize+extra-tail), 0); errno != 0 {
				unix.Munmap(over)
				return nil, fmt.Errorf("segment: trim tail %s: %w", path, errno)
			}
		}
		return over[:mmapSize], nil
	}

	if err := unix.Munmap(over); err != nil {
		return nil, fmt.Errorf("segment: unmap over-map %s: %w", path, err)
	}
	fixed, err := mmapFixed(int(f.Fd()), aligned, uintptr(mmapSize))
	if err != nil {
		return nil, fmt.Errorf("segment: fixed remap %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"path": path, "alignment": alignment}).Debug("remapped segment at aligned address")
	return fixed, nil
}

// Unmap releases a mapping returned by Map.
func Unmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	// Map may return a sub-slice or a MAP_FIXED view that unix.Munmap does
	// not recognise, so the range is released with the raw syscall.
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(sliceAddr(data)), uintptr(len(data)), 0); errno != 0 {
		return fmt.Errorf("segment: munmap: %w", errno)
	}
	return nil
}
