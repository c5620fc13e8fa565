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

package pageheap

import (
	"testing"

	"github.com/maxnasonov/goshm/internal/metapool"
	"github.com/maxnasonov/goshm/internal/span"
	shm "github.com/maxnasonov/goshm/internal/shmaddr"
	"github.com/stretchr/testify/require"
)

// fakeBlocks hands out plain byte slices in place of real mmap'd blocks.
type fakeBlocks struct {
	nextID uint16
	data   map[uint16][]byte
}

func newFakeBlocks() *fakeBlocks { return &fakeBlocks{data: map[uint16][]byte{}} }

func (f *fakeBlocks) NewBlock(minBytes uint32) (uint16, []byte, error) {
	id := f.nextID
	f.nextID++
	size := minBytes
	if size%shm.Alignment != 0 {
		size = (size + shm.Alignment - 1) &^ (shm.Alignment - 1)
	}
	if size < shm.MinHeapGrowSize {
		size = shm.MinHeapGrowSize
	}
	d := make([]byte, size)
	f.data[id] = d
	return id, d, nil
}

func (f *fakeBlocks) Bytes(id uint16) []byte { return f.data[id] }

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	meta := newFakeBlocks()
	userdata := newFakeBlocks()
	pool := metapool.New(uint32(span.Size), shm.MetadataAllocationSize, meta)
	h, err := New(userdata, pool)
	require.NoError(t, err)
	return h
}

func TestAllocateSpanGrowsHeap(t *testing.T) {
	h := newTestHeap(t)

	addr, err := h.AllocateSpan(4)
	require.NoError(t, err)
	sp := h.SpanAt(addr)
	require.EqualValues(t, 4, sp.PageCount)
	require.True(t, sp.InUse)
}

func TestAllocateThenFreeReusesSpan(t *testing.T) {
	h := newTestHeap(t)

	addr, err := h.AllocateSpan(2)
	require.NoError(t, err)
	h.DeallocateSpan(addr)

	addr2, err := h.AllocateSpan(2)
	require.NoError(t, err)
	require.True(t, h.SpanAt(addr2).InUse)
}

func TestCarveLeavesRemainderFree(t *testing.T) {
	h := newTestHeap(t)

	// Force a grow bigger than needed, then request a small span so the
	// grown span gets carved and the remainder re-linked.
	big, err := h.AllocateSpan(1)
	require.NoError(t, err)
	h.DeallocateSpan(big)

	small, err := h.AllocateSpan(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, h.SpanAt(small).PageCount)
}

func TestDeallocateCoalescesAdjacentFreeSpans(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.AllocateSpan(1)
	require.NoError(t, err)
	b, err := h.AllocateSpan(1)
	require.NoError(t, err)

	blockID := h.SpanAt(a).Block
	require.Equal(t, blockID, h.SpanAt(b).Block)

	h.DeallocateSpan(a)
	h.DeallocateSpan(b)

	merged, err := h.AllocateSpan(2)
	require.NoError(t, err)
	require.EqualValues(t, 2, h.SpanAt(merged).PageCount)
}

func TestFindSpanAfterRegister(t *testing.T) {
	h := newTestHeap(t)
	addr, err := h.AllocateSpan(1)
	require.NoError(t, err)
	sp := h.SpanAt(addr)

	h.spanMap.Clear(spanMapKey(sp.Block, sp.StartPage))
	h.RegisterSpan(addr)

	found := h.FindSpan(sp.Block, sp.StartPage)
	require.Equal(t, addr, found)
}

func TestRegisterSpanCoversEveryPage(t *testing.T) {
	h := newTestHeap(t)
	addr, err := h.AllocateSpan(4)
	require.NoError(t, err)
	sp := h.SpanAt(addr)

	h.RegisterSpan(addr)

	for page := sp.StartPage; page < sp.StartPage+sp.PageCount; page++ {
		require.Equal(t, addr, h.FindSpan(sp.Block, page), "page %d should resolve to the span", page)
	}
}

func TestSnapshotResumeRoundTrip(t *testing.T) {
	h := newTestHeap(t)
	addr, err := h.AllocateSpan(2)
	require.NoError(t, err)
	h.RegisterSpan(addr)

	snap := h.Snapshot()
	require.Equal(t, h.freeLists, snap.FreeLists)
	require.Equal(t, h.largeList, snap.LargeList)

	meta := newFakeBlocks()
	userdata := newFakeBlocks()
	pool := metapool.New(uint32(span.Size), shm.MetadataAllocationSize, meta)
	h2 := Resume(userdata, pool, snap)

	require.Equal(t, snap.FreeLists, h2.freeLists)
	require.Equal(t, snap.LargeList, h2.largeList)
	require.Equal(t, snap.Stats, h2.Stats)

	// The span map is not part of the snapshot; resuming never finds a
	// span until the caller re-registers it from a metadata-pool walk.
	require.False(t, h2.FindSpan(h.SpanAt(addr).Block, h.SpanAt(addr).StartPage).Valid())
}

func TestFreeRangesReportsOnlyFreeSpansOfThatBlock(t *testing.T) {
	h := newTestHeap(t)

	used, err := h.AllocateSpan(1)
	require.NoError(t, err)
	blockID := h.SpanAt(used).Block

	ranges := h.FreeRanges(blockID)
	for _, r := range ranges {
		require.NotEqual(t, h.SpanAt(used).StartPage, r.Start, "in-use span must not appear in FreeRanges")
	}

	h.DeallocateSpan(used)
	ranges = h.FreeRanges(blockID)
	require.NotEmpty(t, ranges)
}
