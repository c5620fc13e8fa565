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

// Package chunkcache sits between the page heap and the public allocator
// API: it hands out fixed-size chunks belonging to a size class, fetching
// and partitioning whole spans from the page heap only when a class's own
// free list runs dry, and it decides span-by-span whether a fully-freed
// span should go back to the page heap or stay cached against the next
// allocation in that class.
package chunkcache

import (
	"fmt"

	"github.com/maxnasonov/goshm/internal/span"
	shm "github.com/maxnasonov/goshm/internal/shmaddr"
)

// Heap is the narrow view of the page heap the chunk cache needs. It is
// satisfied directly by *pageheap.Heap.
type Heap interface {
	span.Memory
	AllocateSpan(pageCount uint32) (shm.Address, error)
	DeallocateSpan(addr shm.Address)
	RegisterSpan(addr shm.Address)
	NewListHead() (shm.Address, error)
}

// SizeTable is the narrow view of the size-class table the chunk cache
// needs. It is satisfied directly by *sizeclass.Table.
type SizeTable interface {
	ClassToSize(sc uint8) uint32
	ClassToPages(sc uint8) uint32
}

// ClassStats mirrors class_cache::stat.
type ClassStats struct {
	AllocCount uint64
	FreeCount  uint64
	UsedSize   uint64
	TotalSize  uint64
}

// Stats mirrors chunk_cache::stat_.
type Stats struct {
	SpanAllocCount uint64
	SpanFreeCount  uint64
	AllocCount     uint64
	FreeCount      uint64
	UsedSize       uint64
	TotalSize      uint64
}

type classCache struct {
	freeList  shm.Address
	spanCount uint32
	Stats     ClassStats
}

// Cache is the chunk cache: one dummy-headed span free list per size class.
type Cache struct {
	heap    Heap
	sizes   SizeTable
	classes [shm.SizeClassCount]classCache

	Stats Stats
}

// New builds an empty chunk cache, one dummy list head per size class.
func New(heap Heap, sizes SizeTable) (*Cache, error) {
	c := &Cache{heap: heap, sizes: sizes}
	for sc := range c.classes {
		head, err := heap.NewListHead()
		if err != nil {
			return nil, fmt.Errorf("chunkcache: init class %d: %w", sc, err)
		}
		c.classes[sc].freeList = head
	}
	return c, nil
}

// ClassSnapshot is one size class's resumable state: its free list's dummy
// head address, how many spans are currently linked onto it, and its
// stats.
type ClassSnapshot struct {
	FreeList  shm.Address
	SpanCount uint32
	Stats     ClassStats
}

// Snapshot is the chunk cache's full resumable state.
type Snapshot struct {
	Classes [shm.SizeClassCount]ClassSnapshot
	Stats   Stats
}

// Snapshot captures the cache's resumable state. The spans linked onto
// each class's free list are ordinary span descriptors in the metadata
// pool and need no separate persistence here.
func (c *Cache) Snapshot() Snapshot {
	var snap Snapshot
	for i := range c.classes {
		snap.Classes[i] = ClassSnapshot{
			FreeList:  c.classes[i].freeList,
			SpanCount: c.classes[i].spanCount,
			Stats:     c.classes[i].Stats,
		}
	}
	snap.Stats = c.Stats
	return snap
}

// Resume rebuilds a Cache from a previously captured Snapshot, reusing the
// dummy list heads recorded in it rather than allocating new ones.
func Resume(heap Heap, sizes SizeTable, snap Snapshot) *Cache {
	c := &Cache{heap: heap, sizes: sizes, Stats: snap.Stats}
	for i := range c.classes {
		c.classes[i] = classCache{
			freeList:  snap.Classes[i].FreeList,
			spanCount: snap.Classes[i].SpanCount,
			Stats:     snap.Classes[i].Stats,
		}
	}
	return c
}

// ClassStats returns sc's own per-class stats, matching the granularity of
// the original's class_cache::stat (as opposed to Cache.Stats, the
// chunk_cache-level aggregate across every class).
func (c *Cache) ClassStats(sc uint8) ClassStats {
	if int(sc) >= len(c.classes) {
		return ClassStats{}
	}
	return c.classes[sc].Stats
}

// AllocateChunk returns one chunk of class sc's size, fetching a new span
// from the page heap (and partitioning it) when the class's free list has
// nothing left to offer.
func (c *Cache) AllocateChunk(sc uint8) (shm.Address, error) {
	if int(sc) >= len(c.classes) {
		return shm.NullAddress, fmt.Errorf("chunkcache: class %d out of range", sc)
	}
	cc := &c.classes[sc]
	head := cc.freeList

	var spAddr shm.Address
	if !span.ListEmpty(c.heap, head) {
		spAddr = c.heap.SpanAt(head).NextSpan
	} else {
		// No available chunk in this class: fetch a whole span from the
		// page heap, partition it into class-sized chunks, and prepend
		// it to the class free list.
		pageCount := c.sizes.ClassToPages(sc)
		bytes := c.sizes.ClassToSize(sc)

		var err error
		spAddr, err = c.heap.AllocateSpan(pageCount)
		if err != nil {
			return shm.NullAddress, err
		}
		c.heap.RegisterSpan(spAddr)

		sp := c.heap.SpanAt(spAddr)
		sp.Partition(c.heap, bytes, sc)
		span.ListPrepend(c.heap, head, spAddr)
		cc.spanCount++

		c.Stats.SpanAllocCount++
		total := uint64(pageCount) << shm.PageShift
		c.Stats.TotalSize += total
		cc.Stats.TotalSize += total
	}

	sp := c.heap.SpanAt(spAddr)
	ret := sp.Fetch(c.heap)
	if !ret.Valid() {
		return shm.NullAddress, fmt.Errorf("chunkcache: span fetch returned nothing for class %d", sc)
	}

	// The span is now full: unlink it from the free list. Do not touch
	// any other stat here; used_size/alloc_count are bumped below
	// unconditionally.
	if !sp.ChunkList.Valid() {
		span.ListRemove(c.heap, spAddr)
		cc.spanCount--
	}

	bytes := uint64(c.sizes.ClassToSize(sc))
	cc.Stats.AllocCount++
	c.Stats.AllocCount++
	cc.Stats.UsedSize += bytes
	c.Stats.UsedSize += bytes
	return ret, nil
}

// DeallocateChunk returns a chunk to the span it was carved from, evicting
// the span back to the page heap when it becomes fully free and some other
// span already covers its class — but deliberately keeping it cached (even
// empty) when it's the class's sole span, to avoid thrashing the page heap
// on an alloc/free/alloc cycle with one chunk in flight.
func (c *Cache) DeallocateChunk(addr, spanAddr shm.Address) error {
	sp := c.heap.SpanAt(spanAddr)
	if sp.UsedCount == 0 {
		return fmt.Errorf("chunkcache: deallocate on a span with no chunks in use")
	}
	sc, ok := sp.ClassID.IsClass()
	if !ok || int(sc) >= len(c.classes) {
		return fmt.Errorf("chunkcache: span does not belong to a chunk-cache class")
	}
	cc := &c.classes[sc]
	head := cc.freeList

	fullBefore := !sp.ChunkList.Valid()
	sp.Recycle(c.heap, addr)
	emptyAfter := sp.UsedCount == 0

	switch {
	case !fullBefore && emptyAfter:
		// Still on the free list already; only evict if some other span
		// also serves this class.
		if cc.spanCount > 1 {
			c.evict(sc, spanAddr, sp)
		}
	case !fullBefore && !emptyAfter:
		// Partially used, already on the free list: nothing to do.
	case fullBefore && emptyAfter:
		// Not on the free list (it was full). Evict only if some other
		// span already covers this class; otherwise this is the sole
		// span and must stay, even though it's now empty.
		if cc.spanCount > 0 {
			c.evict(sc, spanAddr, sp)
		} else {
			span.ListPrepend(c.heap, head, spanAddr)
			cc.spanCount++
		}
	case fullBefore && !emptyAfter:
		// Was full and not on the list; now has room, so re-add it.
		span.ListPrepend(c.heap, head, spanAddr)
		cc.spanCount++
	}

	bytes := uint64(c.sizes.ClassToSize(sc))
	cc.Stats.UsedSize -= bytes
	c.Stats.UsedSize -= bytes
	cc.Stats.FreeCount++
	c.Stats.FreeCount++
	return nil
}

func (c *Cache) evict(sc uint8, spanAddr shm.Address, sp *span.Span) {
	cc := &c.classes[sc]
	if sp.NextSpan.Valid() {
		span.ListRemove(c.heap, spanAddr)
		cc.spanCount--
	}

	bytes := uint64(sp.PageCount) << shm.PageShift
	cc.Stats.TotalSize -= bytes
	c.Stats.TotalSize -= bytes
	c.Stats.SpanFreeCount++

	sp.Erase()
	c.heap.DeallocateSpan(spanAddr)
}
