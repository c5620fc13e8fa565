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

// Package pageheap manages whole pages: it hands the chunk cache spans of
// exactly the page count requested, growing the userdata side of the heap
// one block at a time, and coalesces a freed span with its page-adjacent
// neighbors before returning it to a free list.
package pageheap

import (
	"fmt"

	"github.com/maxnasonov/goshm/internal/radix"
	"github.com/maxnasonov/goshm/internal/span"
	shm "github.com/maxnasonov/goshm/internal/shmaddr"
)

// BlockSource is satisfied by block.UserdataSource; narrowed here so this
// package doesn't need to import internal/block directly.
type BlockSource interface {
	NewBlock(minBytes uint32) (blockID uint16, data []byte, err error)
	Bytes(blockID uint16) []byte
}

const (
	lv2Bits = shm.MaxPageBits / 2
	lv1Bits = shm.MaxPageBits - lv2Bits
	lv0Bits = shm.MaxBlockBits
)

func spanMapKey(blockID uint16, page uint32) uint64 {
	return uint64(blockID)<<shm.MaxPageBits | uint64(page)
}

// SpanStore is satisfied by *metapool.Pool; narrowed here so pageheap
// doesn't need to import metapool directly.
type SpanStore interface {
	Alloc() (shm.Address, error)
	Free(addr shm.Address)
	Slot(addr shm.Address) []byte
}

// Stats mirrors page_heap::stat_.
type Stats struct {
	UsedPages  uint64
	TotalPages uint64
	GrowCount  uint64
	AllocCount uint64
	FreeCount  uint64
}

// Heap is the page-granularity allocator every span and, transitively,
// every chunk is carved out of.
type Heap struct {
	blocks    BlockSource
	spans     SpanStore
	spanMap   *radix.Tree[shm.Address]
	freeLists [shm.MaxPages]shm.Address // index 0 unused; index i holds spans of exactly i pages
	largeList shm.Address               // spans of >= MaxPages pages

	Stats Stats
}

// New builds an empty page heap. The two dummy list heads (one per
// small-list slot, plus the large list) are pre-allocated from spans so
// ListInit has somewhere real to write.
func New(blocks BlockSource, spans SpanStore) (*Heap, error) {
	h := &Heap{blocks: blocks, spans: spans, spanMap: radix.New[shm.Address](lv0Bits, lv1Bits, lv2Bits)}
	for i := 1; i < shm.MaxPages; i++ {
		addr, err := h.NewListHead()
		if err != nil {
			return nil, err
		}
		h.freeLists[i] = addr
	}
	addr, err := h.NewListHead()
	if err != nil {
		return nil, err
	}
	h.largeList = addr
	return h, nil
}

// NewListHead reserves a span descriptor to serve purely as a circular
// list's dummy head (for the chunk cache's per-class free lists).
func (h *Heap) NewListHead() (shm.Address, error) {
	addr, err := h.spans.Alloc()
	if err != nil {
		return shm.NullAddress, err
	}
	span.ListInit(h, addr)
	return addr, nil
}

// SpanAt implements span.Memory.
func (h *Heap) SpanAt(addr shm.Address) *span.Span { return span.At(h.spans.Slot(addr)) }

// UserBytes implements span.Memory.
func (h *Heap) UserBytes(blockID uint16) []byte { return h.blocks.Bytes(blockID) }

func (h *Heap) listFor(pageCount uint32) shm.Address {
	if pageCount < shm.MaxPages {
		return h.freeLists[pageCount]
	}
	return h.largeList
}

// AllocateSpan returns a span covering exactly pageCount pages, growing the
// heap if no existing free span is big enough.
func (h *Heap) AllocateSpan(pageCount uint32) (shm.Address, error) {
	if pageCount == 0 {
		return shm.NullAddress, fmt.Errorf("pageheap: zero-page span requested")
	}

	addr := h.searchExisting(pageCount)
	if !addr.Valid() {
		if err := h.growHeap(pageCount); err != nil {
			return shm.NullAddress, err
		}
		addr = h.searchExisting(pageCount)
		if !addr.Valid() {
			return shm.NullAddress, fmt.Errorf("pageheap: grow succeeded but no span satisfies %d pages", pageCount)
		}
	}

	sp := h.SpanAt(addr)
	if sp.PageCount > pageCount {
		addr = h.carve(addr, pageCount)
		sp = h.SpanAt(addr)
	} else {
		span.ListRemove(h, addr)
	}
	sp.InUse = true
	h.Stats.UsedPages += uint64(sp.PageCount)
	h.Stats.AllocCount++
	return addr, nil
}

// searchExisting scans free lists from pageCount upward (small lists first,
// then the large list) for the first span big enough.
func (h *Heap) searchExisting(pageCount uint32) shm.Address {
	limit := uint32(shm.MaxPages - 1)
	for n := pageCount; n <= limit; n++ {
		if addr := h.firstOf(h.freeLists[n]); addr.Valid() {
			return addr
		}
	}
	return h.firstFittingLarge(pageCount)
}

func (h *Heap) firstOf(list shm.Address) shm.Address {
	l := h.SpanAt(list)
	if l.NextSpan == list {
		return shm.NullAddress
	}
	return l.NextSpan
}

func (h *Heap) firstFittingLarge(pageCount uint32) shm.Address {
	l := h.SpanAt(h.largeList)
	for cur := l.NextSpan; cur != h.largeList; {
		sp := h.SpanAt(cur)
		if sp.PageCount >= pageCount {
			return cur
		}
		cur = sp.NextSpan
	}
	return shm.NullAddress
}

// carve unlinks the span at addr from its free list and splits it into a
// pageCount-page head kept for the caller and a remainder re-linked onto the
// appropriate free list.
func (h *Heap) carve(addr shm.Address, pageCount uint32) shm.Address {
	span.ListRemove(h, addr)
	sp := h.SpanAt(addr)

	remaining := sp.PageCount - pageCount
	sp.PageCount = pageCount
	h.setSpanMap(sp.Block, sp.StartPage, sp.StartPage+pageCount-1, shm.NullAddress)

	if remaining > 0 {
		restAddr, err := h.newSpan(sp.Block, sp.StartPage+pageCount, remaining)
		if err == nil {
			h.link(restAddr)
		}
	}
	return addr
}

// link re-inserts a free span onto the appropriate list and records it in
// the span map so neighbor coalescing can find it later.
func (h *Heap) link(addr shm.Address) {
	sp := h.SpanAt(addr)
	sp.InUse = false
	span.ListPrepend(h, h.listFor(sp.PageCount), addr)
	h.setSpanMap(sp.Block, sp.StartPage, sp.StartPage+sp.PageCount-1, addr)
}

func (h *Heap) setSpanMap(blockID uint16, first, last uint32, addr shm.Address) {
	h.spanMap.Set(spanMapKey(blockID, first), addr)
	h.spanMap.Set(spanMapKey(blockID, last), addr)
}

func (h *Heap) newSpan(blockID uint16, start, count uint32) (shm.Address, error) {
	addr, err := h.spans.Alloc()
	if err != nil {
		return shm.NullAddress, err
	}
	*h.SpanAt(addr) = *span.New(blockID, start, count)
	return addr, nil
}

func (h *Heap) delSpan(addr shm.Address) {
	h.spans.Free(addr)
}

// growHeap allocates a new userdata block of enough pages to satisfy
// pageCount (at least MinHeapGrowPages), and links the whole thing as one
// new free span.
func (h *Heap) growHeap(pageCount uint32) error {
	need := pageCount << shm.PageShift
	blockID, data, err := h.blocks.NewBlock(need)
	if err != nil {
		return fmt.Errorf("pageheap: grow: %w", err)
	}
	pages := uint32(len(data) >> shm.PageShift)

	addr, err := h.newSpan(blockID, 0, pages)
	if err != nil {
		return fmt.Errorf("pageheap: grow: %w", err)
	}
	h.link(addr)

	h.Stats.TotalPages += uint64(pages)
	h.Stats.GrowCount++
	return nil
}

// DeallocateSpan returns sp to the free lists, first merging it with any
// page-adjacent free neighbor in the same block that the span map records.
// After Resume the span map holds only in-use spans, so a span that was
// already free when the heap was resumed is not found here and is not
// merged until it has been carved and re-linked.
func (h *Heap) DeallocateSpan(addr shm.Address) {
	sp := h.SpanAt(addr)
	sp.InUse = false
	h.Stats.UsedPages -= uint64(sp.PageCount)
	h.Stats.FreeCount++

	blockID, start, count := sp.Block, sp.StartPage, sp.PageCount

	if start > 0 {
		if prevAddr := h.spanMap.Get(spanMapKey(blockID, start-1)); prevAddr.Valid() {
			prev := h.SpanAt(prevAddr)
			if !prev.InUse {
				span.ListRemove(h, prevAddr)
				h.setSpanMap(blockID, prev.StartPage, prev.StartPage+prev.PageCount-1, shm.NullAddress)
				start = prev.StartPage
				count += prev.PageCount
				h.delSpan(prevAddr)
			}
		}
	}
	if nextAddr := h.spanMap.Get(spanMapKey(blockID, start+count)); nextAddr.Valid() {
		next := h.SpanAt(nextAddr)
		if !next.InUse {
			span.ListRemove(h, nextAddr)
			h.setSpanMap(blockID, next.StartPage, next.StartPage+next.PageCount-1, shm.NullAddress)
			count += next.PageCount
			h.delSpan(nextAddr)
		}
	}

	sp.StartPage = start
	sp.PageCount = count
	sp.Erase()
	h.link(addr)
}

// RegisterSpan records an already-in-use span's entire page range in the
// span map, not just its two boundary pages, so FindSpan can resolve any
// address inside the span back to it — a chunk carved out of a multi-page
// span can sit on any of its pages, not only the first or last. This is
// distinct from the boundary-only entries a free span gets from link(),
// which only ever need to answer "is my neighbor page free" during
// coalescing.
func (h *Heap) RegisterSpan(addr shm.Address) {
	sp := h.SpanAt(addr)
	for page := sp.StartPage; page < sp.StartPage+sp.PageCount; page++ {
		h.spanMap.Set(spanMapKey(sp.Block, page), addr)
	}
}

// FindSpan returns the span owning a (block,page) derived from addr, or
// NullAddress if no span claims it.
func (h *Heap) FindSpan(blockID uint16, page uint32) shm.Address {
	return h.spanMap.Get(spanMapKey(blockID, page))
}

// Range is a half-open [Start, End) page range belonging to one span.
type Range struct{ Start, End uint32 }

// FreeRanges returns the page range of every currently free span in
// blockID, by walking the free lists directly rather than consulting the
// span map. It exists for the debug coverage checker in pkg/shm, which
// combines this with the in-use ranges a metadata-pool walk finds to
// cross-validate that every page in a block is claimed exactly once.
func (h *Heap) FreeRanges(blockID uint16) []Range {
	var out []Range
	collect := func(head shm.Address) {
		l := h.SpanAt(head)
		for cur := l.NextSpan; cur != head; {
			sp := h.SpanAt(cur)
			if sp.Block == blockID {
				out = append(out, Range{Start: sp.StartPage, End: sp.StartPage + sp.PageCount})
			}
			cur = sp.NextSpan
		}
	}
	for n := 1; n < shm.MaxPages; n++ {
		collect(h.freeLists[n])
	}
	collect(h.largeList)
	return out
}

// Snapshot captures the dummy list-head addresses and stats that must
// survive a restart. The lists themselves (the span descriptors the heads
// point to) live in the metadata pool and are recovered by the caller
// re-walking it; the (block,page)->span radix tree is never persisted at
// all and must be rebuilt by calling RegisterSpan for every in-use span
// found during that same walk.
type Snapshot struct {
	FreeLists [shm.MaxPages]shm.Address
	LargeList shm.Address
	Stats     Stats
}

// Snapshot returns the heap's resumable state.
func (h *Heap) Snapshot() Snapshot {
	return Snapshot{FreeLists: h.freeLists, LargeList: h.largeList, Stats: h.Stats}
}

// Resume rebuilds a Heap from a previously captured Snapshot, without
// allocating any new dummy list heads (snap's addresses are reused as-is).
// The span map starts empty; the caller must call RegisterSpan for every
// in-use span it finds while walking the metadata pool.
func Resume(blocks BlockSource, spans SpanStore, snap Snapshot) *Heap {
	return &Heap{
		blocks:    blocks,
		spans:     spans,
		spanMap:   radix.New[shm.Address](lv0Bits, lv1Bits, lv2Bits),
		freeLists: snap.FreeLists,
		largeList: snap.LargeList,
		Stats:     snap.Stats,
	}
}
