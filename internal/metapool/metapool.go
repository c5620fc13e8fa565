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

// Package metapool implements the bump allocator metadata structures (span
// descriptors, radix tree nodes) are carved out of. Freed slots are pushed
// onto a singly-linked free list embedded in their own bytes, the same
// reuse-before-bump pattern threaded through every allocator in this module.
package metapool

import (
	"encoding/binary"
	"fmt"

	shm "github.com/maxnasonov/goshm/internal/shmaddr"
)

// BlockSource is the narrow view of the block manager the pool needs: it
// never frees a block, only grows into new ones and reads/writes bytes of
// ones it already owns.
type BlockSource interface {
	// NewBlock allocates a new block of at least minBytes tagged for
	// metadata use and returns its id and mapped bytes.
	NewBlock(minBytes uint32) (blockID uint16, data []byte, err error)
	// Bytes returns the mapped bytes of a block previously returned by
	// NewBlock.
	Bytes(blockID uint16) []byte
}

// Stats mirrors metadata_allocator::stat: aggregate bookkeeping exposed
// through Allocator.Stats.
type Stats struct {
	TotalSize  uint64
	WasteSize  uint64
	AllocCount uint64
	FreeCount  uint64
}

// Pool bump-allocates fixed-size slots of ElemSize bytes, reusing freed
// slots before ever advancing the bump cursor.
type Pool struct {
	ElemSize uint32
	src      BlockSource
	growHint uint32

	freeList   shm.Address
	curBlock   uint16
	curData    []byte
	freeOffset uint32
	spaceLeft  uint32

	Stats Stats
}

// New builds a pool of slots of elemSize bytes, growing by at least
// growHint bytes (typically shm.MetadataAllocationSize) each time it runs
// out of space.
func New(elemSize, growHint uint32, src BlockSource) *Pool {
	return &Pool{ElemSize: elemSize, growHint: growHint, src: src}
}

// Alloc reserves one slot, returning its stable address. The slot's bytes
// are not zeroed: callers overlay their own type onto Slot(addr) and must
// initialize every field themselves.
func (p *Pool) Alloc() (shm.Address, error) {
	if p.freeList.Valid() {
		addr := p.freeList
		data := p.src.Bytes(addr.BlockID())
		next := binary.LittleEndian.Uint64(data[addr.IntraOffset():])
		p.freeList = shm.Address(next)
		p.Stats.AllocCount++
		return addr, nil
	}

	if p.spaceLeft < p.ElemSize {
		p.Stats.WasteSize += uint64(p.spaceLeft)

		grow := p.growHint
		if grow < p.ElemSize {
			grow = p.ElemSize
		}
		blockID, data, err := p.src.NewBlock(grow)
		if err != nil {
			return shm.NullAddress, fmt.Errorf("metapool: grow: %w", err)
		}
		p.curBlock = blockID
		p.curData = data
		p.freeOffset = 0
		p.spaceLeft = uint32(len(data))
		p.Stats.TotalSize += uint64(len(data))
	}

	addr := shm.MakeAddress(shm.SerialMetadata, p.curBlock, p.freeOffset)
	p.freeOffset += p.ElemSize
	p.spaceLeft -= p.ElemSize
	p.Stats.AllocCount++
	return addr, nil
}

// Free returns a slot to the pool, overwriting its first 8 bytes with the
// free-list link. Any other bytes of the slot are left as-is; a resume walk
// tells live from freed slots by the caller's own tombstone convention, not
// by pool state.
func (p *Pool) Free(addr shm.Address) {
	data := p.src.Bytes(addr.BlockID())
	binary.LittleEndian.PutUint64(data[addr.IntraOffset():], uint64(p.freeList))
	p.freeList = addr
	p.Stats.FreeCount++
}

// Slot returns a byte-slice view of the ElemSize bytes at addr, for the
// caller to overlay its own fixed-layout type onto.
func (p *Pool) Slot(addr shm.Address) []byte {
	data := p.src.Bytes(addr.BlockID())
	off := addr.IntraOffset()
	return data[off : off+p.ElemSize]
}

// CursorState is the small amount of scalar bookkeeping that must be
// persisted across a restart for the pool to resume bump-allocating from
// where it left off; everything else (which blocks exist) is recovered from
// the block manager.
type CursorState struct {
	FreeList   shm.Address
	CurBlock   uint16
	FreeOffset uint32
	SpaceLeft  uint32
}

// Snapshot captures the pool's resumable state.
func (p *Pool) Snapshot() CursorState {
	return CursorState{
		FreeList:   p.freeList,
		CurBlock:   p.curBlock,
		FreeOffset: p.freeOffset,
		SpaceLeft:  p.spaceLeft,
	}
}

// Restore reinstates a previously captured state; the caller is
// responsible for having already re-registered CurBlock with the block
// manager so Bytes(CurBlock) resolves.
func (p *Pool) Restore(s CursorState) {
	p.freeList = s.FreeList
	p.curBlock = s.CurBlock
	p.freeOffset = s.FreeOffset
	p.spaceLeft = s.SpaceLeft
	p.curData = p.src.Bytes(s.CurBlock)
}

// Walk visits every slot of every block in blocksAscending (the metadata
// pool's owning blocks, in creation order), calling fn with each slot's
// address and raw bytes. The final block in the list is assumed to be the
// pool's current bump-allocation target and is only walked up to its
// recorded cursor; earlier blocks are walked in full. This is how a resume
// pass rebuilds the span-address radix tree without any separate directory
// of live spans.
func (p *Pool) Walk(blocksAscending []uint16, fn func(addr shm.Address, raw []byte)) {
	for _, b := range blocksAscending {
		data := p.src.Bytes(b)
		limit := uint32(len(data))
		if b == p.curBlock {
			limit = p.freeOffset
		}
		for off := uint32(0); off+p.ElemSize <= limit; off += p.ElemSize {
			addr := shm.MakeAddress(shm.SerialMetadata, b, off)
			fn(addr, data[off:off+p.ElemSize])
		}
	}
}
