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

// Package span implements the span descriptor: a run of contiguous pages
// within one block, either carved into a singly-linked free list of
// fixed-size chunks for the chunk cache, or handed out whole to a large
// allocation. Spans live in the metadata pool's shared memory and are
// addressed by stable shm.Address, never by Go pointer, so that the
// doubly-linked free lists they sit on survive a remap across restarts.
package span

import (
	"encoding/binary"
	"unsafe"

	shm "github.com/maxnasonov/goshm/internal/shmaddr"
)

// Size is the number of bytes one descriptor occupies in the metadata pool.
var Size = int(unsafe.Sizeof(Span{}))

// At overlays a *Span directly onto data, which must be at least Size bytes
// long and originate from a metapool.Pool slot reserved for this type. This
// is the one place this module reaches for unsafe.Pointer casting rather
// than explicit (de)serialization, because a span's fields are mutated far
// too often (every Fetch/Recycle/partition) to afford a decode/encode pair
// per touch; every field is a fixed-width value with no Go pointers, so the
// cast is sound as long as the pool never hands out a misaligned slot.
func At(data []byte) *Span {
	return (*Span)(unsafe.Pointer(&data[0]))
}

// ClassID names which size class a span serves chunks for, or one of the
// two sentinel states: Free (not currently owned by any cache) or Large
// (handed out whole, bypassing the chunk cache entirely).
type ClassID int32

const (
	// Free marks a span not currently partitioned for any size class.
	Free ClassID = -1
	// Large marks a span allocated whole to satisfy a request above
	// MaxSize.
	Large ClassID = -2
)

// IsFree reports whether the span is unpartitioned.
func (c ClassID) IsFree() bool { return c == Free }

// IsLarge reports whether the span was handed out whole.
func (c ClassID) IsLarge() bool { return c == Large }

// IsClass reports whether c names an ordinary chunk-cache class, and
// returns it as a uint8 class index if so.
func (c ClassID) IsClass() (uint8, bool) {
	if c >= 0 {
		return uint8(c), true
	}
	return 0, false
}

// tag values distinguish a live span descriptor from one that has been
// returned to the metadata pool's free list, so a resume pass walking the
// pool linearly can skip tombstoned slots without consulting anything else.
type tag uint8

const (
	tagFree tag = 0
	tagLive tag = 1
)

// Span is the fixed-layout descriptor for one run of pages.
type Span struct {
	Tag       tag
	InUse     bool
	UsedCount uint32
	ClassID   ClassID

	Block      uint16
	StartPage  uint32
	PageCount  uint32

	PrevSpan  shm.Address
	NextSpan  shm.Address
	ChunkList shm.Address
}

// New builds a fresh span descriptor covering [start, start+count) pages of
// block, with Tag already set live. It is the caller's responsibility to
// place it in the metadata pool.
func New(block uint16, start, count uint32) *Span {
	return &Span{
		Tag:       tagLive,
		ClassID:   Free,
		Block:     block,
		StartPage: start,
		PageCount: count,
	}
}

// Memory is the narrow view into block-backed shared memory that span list
// and chunk-list operations need: resolving an address to the descriptor it
// names, and reading/writing the raw chunk-list "next" pointers embedded in
// userdata chunks themselves.
type Memory interface {
	// SpanAt resolves addr (serial shm.SerialMetadata) to the live span
	// descriptor stored there.
	SpanAt(addr shm.Address) *Span
	// UserBytes returns a byte slice view of the userdata block's bytes,
	// so chunk-list next-pointers can be read/written in place.
	UserBytes(block uint16) []byte
}

const addrSize = 8 // sizeof(shm.Address)

// Partition carves the span's page range into a singly-linked free list of
// bytes-sized chunks, tagging it with the owning size class. The loop
// condition deliberately checks "offset+bytes <= end", not "offset < end":
// trailing space too small to hold one more chunk is left unlinked rather
// than overflowing into the next page.
func (s *Span) Partition(mem Memory, bytes uint32, classID uint8) {
	if bytes < addrSize {
		panic("span: partition chunk size smaller than a pointer")
	}
	if s.ChunkList.Valid() || s.UsedCount != 0 || !s.ClassID.IsFree() {
		panic("span: partition called on a span that is already in use")
	}
	s.ClassID = ClassID(classID)

	data := mem.UserBytes(s.Block)
	offset := s.StartPage << shmPageShift
	end := (s.StartPage + s.PageCount) << shmPageShift

	var tailOffset uint32 // byte offset, within data, of the "next" slot to fill
	haveTail := false
	var head shm.Address

	for offset+bytes <= end {
		addr := shm.MakeAddress(shm.SerialUserdata, s.Block, offset)
		if !haveTail {
			head = addr
			haveTail = true
		} else {
			binary.LittleEndian.PutUint64(data[tailOffset:], uint64(addr))
		}
		tailOffset = offset
		offset += bytes
	}
	if haveTail {
		binary.LittleEndian.PutUint64(data[tailOffset:], uint64(shm.NullAddress))
	}
	s.ChunkList = head
}

// IsLive reports whether this slot currently holds a live span descriptor,
// as opposed to one that has already been returned to the metadata pool's
// free list. A resume pass walking the pool linearly uses this to skip
// tombstoned slots without consulting anything else.
func (s *Span) IsLive() bool { return s.Tag == tagLive }

// Erase resets the span to the unpartitioned state so it can be returned to
// the page heap.
func (s *Span) Erase() {
	s.UsedCount = 0
	s.ClassID = Free
	s.ChunkList = shm.NullAddress
}

// Fetch pops and returns the head of the chunk free list, or NullAddress if
// the span has none left.
func (s *Span) Fetch(mem Memory) shm.Address {
	ret := s.ChunkList
	if !ret.Valid() {
		return ret
	}
	data := mem.UserBytes(s.Block)
	next := binary.LittleEndian.Uint64(data[ret.IntraOffset():])
	s.ChunkList = shm.Address(next)
	s.UsedCount++
	return ret
}

// Recycle pushes chunk back onto the span's free list.
func (s *Span) Recycle(mem Memory, chunk shm.Address) {
	data := mem.UserBytes(s.Block)
	binary.LittleEndian.PutUint64(data[chunk.IntraOffset():], uint64(s.ChunkList))
	s.ChunkList = chunk
	s.UsedCount--
}

const shmPageShift = 13 // keep in lockstep with pkg/shm.PageShift

// List helpers operate on circular, dummy-headed lists addressed by stable
// shm.Address rather than Go pointer, exactly like the chunk lists: the
// dummy head is itself a Span descriptor never returned from Fetch.

// ListInit makes list its own prev/next, i.e. an empty circular list.
func ListInit(mem Memory, list shm.Address) {
	l := mem.SpanAt(list)
	l.PrevSpan = list
	l.NextSpan = list
}

// ListEmpty reports whether list has no members besides the dummy head.
func ListEmpty(mem Memory, list shm.Address) bool {
	l := mem.SpanAt(list)
	return l.NextSpan == list
}

// ListRemove unlinks node from whatever list it is on.
func ListRemove(mem Memory, node shm.Address) {
	n := mem.SpanAt(node)
	prev := mem.SpanAt(n.PrevSpan)
	next := mem.SpanAt(n.NextSpan)
	prev.NextSpan = n.NextSpan
	next.PrevSpan = n.PrevSpan
	n.PrevSpan = shm.NullAddress
	n.NextSpan = shm.NullAddress
}

// ListPrepend inserts node right after the dummy head list.
func ListPrepend(mem Memory, list, node shm.Address) {
	l := mem.SpanAt(list)
	n := mem.SpanAt(node)
	if n.PrevSpan.Valid() || n.NextSpan.Valid() {
		panic("span: prepend called on a node already linked")
	}
	next := mem.SpanAt(l.NextSpan)
	n.NextSpan = l.NextSpan
	n.PrevSpan = list
	next.PrevSpan = node
	l.NextSpan = node
}
