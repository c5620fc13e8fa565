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

// Package block manages the fixed-size table of up to shm.MaxBlock
// independently-mapped segment files a heap is built out of. Each block is
// a separate memory-mapped file named "{basename}-{id:05}.mmap", mapped at
// shm.Alignment so that its id can be recovered from any address inside it
// with nothing more than a shift (in this module's stable-address encoding,
// the block id is already a field of the address itself, so block lookup
// never needs the radix tree the original implementation used for it; see
// DESIGN.md).
package block

import (
	"fmt"

	"github.com/maxnasonov/goshm/internal/segment"
	shm "github.com/maxnasonov/goshm/internal/shmaddr"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "block")

// Purpose records what a block is used for, purely for statistics and for
// letting a resume pass enumerate "all metadata blocks" without a separate
// persisted directory.
type Purpose uint8

const (
	// PurposeUnused marks a free slot (Entry.Size == 0 is equivalent and
	// is what's actually load-bearing; this just makes logs readable).
	PurposeUnused Purpose = iota
	PurposeMetadata
	PurposeUserdata
)

func (p Purpose) String() string {
	switch p {
	case PurposeMetadata:
		return "metadata"
	case PurposeUserdata:
		return "userdata"
	default:
		return "unused"
	}
}

// Entry is the persisted record for one block slot. A slot is free iff
// Size == 0; there is no separate bitmap on disk; the in-memory free bitmap
// (Manager.free) is rebuilt from this on resume.
type Entry struct {
	Size    uint32
	Purpose Purpose
}

// Manager owns the block table and the live mappings of every block
// currently mapped into this process.
type Manager struct {
	basename string

	entries [shm.MaxBlock]Entry
	data    [shm.MaxBlock][]byte
	free    []uint64 // bitmap, 1 = free, mirrors fixed_bitmap<MAX_BLOCK>

	Stats Stats
}

// Stats aggregates block-manager activity for Allocator.Stats.
type Stats struct {
	BlocksAllocated uint64
	BytesMapped     uint64
}

const bitmapWords = (shm.MaxBlock + 63) / 64

// New creates a block manager with every slot marked free. basename is the
// path prefix every block file is derived from.
func New(basename string) *Manager {
	m := &Manager{basename: basename, free: make([]uint64, bitmapWords)}
	for i := range m.free {
		m.free[i] = ^uint64(0)
	}
	return m
}

func (m *Manager) path(id uint16) string {
	return fmt.Sprintf("%s-%05d.mmap", m.basename, id)
}

func (m *Manager) testFree(id uint16) bool {
	return m.free[id>>6]&(uint64(1)<<(id&63)) != 0
}

func (m *Manager) markUsed(id uint16) {
	m.free[id>>6] &^= uint64(1) << (id & 63)
}

func (m *Manager) markFree(id uint16) {
	m.free[id>>6] |= uint64(1) << (id & 63)
}

func (m *Manager) firstFree() (uint16, bool) {
	for w, bits := range m.free {
		if bits == 0 {
			continue
		}
		for b := 0; b < 64; b++ {
			if bits&(uint64(1)<<uint(b)) != 0 {
				id := w*64 + b
				if id >= shm.MaxBlock {
					return 0, false
				}
				return uint16(id), true
			}
		}
	}
	return 0, false
}

// clampAndAlign reproduces block_mgr::allocate_block's size-fixup policy:
// clamp into [MinHeapGrowSize, MaxHeapGrowSize], then round up to Alignment.
func clampAndAlign(bytes uint32) uint32 {
	size := uint64(bytes)
	if size > shm.MaxHeapGrowSize {
		size = shm.MaxHeapGrowSize
	}
	if size < shm.MinHeapGrowSize {
		size = shm.MinHeapGrowSize
	}
	if size%shm.Alignment != 0 {
		size = (size + shm.Alignment - 1) &^ (shm.Alignment - 1)
	}
	return uint32(size)
}

// AllocateBlock creates, maps, and registers a brand-new block of at least
// bytes (clamped and aligned per clampAndAlign), tagged purpose.
func (m *Manager) AllocateBlock(bytes uint32, purpose Purpose) (uint16, []byte, error) {
	if uint64(bytes) > shm.MaxHeapGrowSize {
		return 0, nil, fmt.Errorf("block: requested size %d exceeds MaxHeapGrowSize: %w", bytes, errOutOfMemory)
	}
	size := clampAndAlign(bytes)

	id, ok := m.firstFree()
	if !ok {
		return 0, nil, fmt.Errorf("block: all %d block slots in use: %w", shm.MaxBlock, errOutOfMemory)
	}

	path := m.path(id)
	if _, err := segment.Create(path, int64(size)); err != nil {
		return 0, nil, fmt.Errorf("block: create %s: %w", path, err)
	}
	data, err := segment.Map(path, int64(size), shm.Alignment)
	if err != nil {
		segment.Unlink(path)
		return 0, nil, fmt.Errorf("block: map %s: %w", path, err)
	}

	m.entries[id] = Entry{Size: size, Purpose: purpose}
	m.data[id] = data
	m.markUsed(id)
	m.Stats.BlocksAllocated++
	m.Stats.BytesMapped += uint64(size)

	log.WithFields(logrus.Fields{"block": id, "size": size, "purpose": purpose}).Info("allocated block")
	return id, data, nil
}

// Bytes returns the mapped bytes of an already-allocated block.
func (m *Manager) Bytes(id uint16) []byte { return m.data[id] }

// Entry returns the persisted metadata for a block.
func (m *Manager) Entry(id uint16) Entry { return m.entries[id] }

// BlocksWithPurpose returns every currently-used block id with the given
// purpose, in ascending order (== allocation order, since slots are always
// handed out lowest-first and this module never frees a block back to the
// block manager once assigned a purpose).
func (m *Manager) BlocksWithPurpose(purpose Purpose) []uint16 {
	var ids []uint16
	for id := uint16(0); id < shm.MaxBlock; id++ {
		if !m.testFree(id) && m.entries[id].Purpose == purpose {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot is the persisted block table, written verbatim into the manager
// header on every mutating call so a crash can never lose track of a block
// that was already ftruncate'd and mapped.
type Snapshot struct {
	Basename string
	Entries  [shm.MaxBlock]Entry
}

// Snapshot captures the persisted (non-mapping) block table state.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{Basename: m.basename, Entries: m.entries}
}

// Resume re-maps every block named in snap's table back into this process.
// Per this module's resolution of the original's Open Question about
// conditional radix-tree rewrites, there is no attempt to preserve a prior
// virtual address across the restart: every block is simply re-mapped at a
// fresh alignment-satisfying address, which is safe because no address this
// allocator ever hands out encodes a virtual address, only a block id and
// intra-block offset.
func (m *Manager) Resume(snap Snapshot) error {
	m.basename = snap.Basename
	m.entries = snap.Entries
	for id := uint16(0); id < shm.MaxBlock; id++ {
		if snap.Entries[id].Size == 0 {
			continue
		}
		path := m.path(id)
		size, err := segment.Attach(path)
		if err != nil {
			return fmt.Errorf("block: resume attach %s: %w", path, err)
		}
		if size != int64(snap.Entries[id].Size) {
			return fmt.Errorf("block: resume %s: %w (recorded %d, actual %d)", path, errCorruption, snap.Entries[id].Size, size)
		}
		data, err := segment.Map(path, size, shm.Alignment)
		if err != nil {
			return fmt.Errorf("block: resume map %s: %w", path, err)
		}
		m.data[id] = data
		m.markUsed(id)
		m.Stats.BlocksAllocated++
		m.Stats.BytesMapped += uint64(size)
	}
	return nil
}

// Close unmaps every live block without unlinking the backing files.
func (m *Manager) Close() error {
	var firstErr error
	for id := uint16(0); id < shm.MaxBlock; id++ {
		if m.data[id] == nil {
			continue
		}
		if err := segment.Unmap(m.data[id]); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data[id] = nil
	}
	return firstErr
}

var (
	errOutOfMemory = fmt.Errorf("out of memory")
	errCorruption  = fmt.Errorf("corruption")
)

// MetadataSource adapts Manager to metapool.BlockSource, always tagging new
// blocks PurposeMetadata.
type MetadataSource struct{ *Manager }

// NewBlock implements metapool.BlockSource.
func (s MetadataSource) NewBlock(minBytes uint32) (uint16, []byte, error) {
	return s.AllocateBlock(minBytes, PurposeMetadata)
}

// UserdataSource adapts Manager for the page heap, always tagging new
// blocks PurposeUserdata.
type UserdataSource struct{ *Manager }

// NewBlock allocates a new userdata-purpose block of at least minBytes.
func (s UserdataSource) NewBlock(minBytes uint32) (uint16, []byte, error) {
	return s.AllocateBlock(minBytes, PurposeUserdata)
}
