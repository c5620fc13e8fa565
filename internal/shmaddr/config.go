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

package shmaddr

const (
	// PageShift/PageSize: the allocator's internal page, independent of
	// the host's mmap page size.
	PageShift = 13
	PageSize  = 1 << PageShift // 8 KiB

	// MaxPages is the number of exact-size page-heap free lists; free
	// spans of MaxPages pages or more share one large list.
	MaxPages = 1 << (20 - PageShift) // 128

	// MinHeapGrowSize/MaxHeapGrowSize bound a single block's size.
	MinHeapGrowBits  = 20
	MaxHeapGrowBits  = offsetBits // 32, must match the address encoding
	MinHeapGrowSize  = 1 << MinHeapGrowBits
	MaxHeapGrowSize  = 1 << MaxHeapGrowBits
	MinHeapGrowPages = MinHeapGrowSize / PageSize
	MaxHeapGrowPages = MaxHeapGrowSize / PageSize

	// AlignmentBits/Alignment is the virtual-address alignment every
	// block (and the manager header) is mapped at, and the unit block
	// sizes are rounded up to.
	AlignmentBits = 20
	Alignment     = 1 << AlignmentBits

	// MetadataAllocationSize is the bump increment metapool requests
	// from its backing block when it runs out of space.
	MetadataAllocationSize = 128 * 1024

	// MaxBlock is the number of block-id slots the block manager has
	// available; it must match the address encoding's blockIDBits.
	MaxBlockBits = blockIDBits
	MaxBlock     = 1 << MaxBlockBits

	// MaxPageBits/MaxPageCount bound the number of pages a single block
	// can be divided into; must equal MaxHeapGrowPages.
	MaxPageBits  = 19
	MaxPageCount = 1 << MaxPageBits

	// MaxSize/MaxSmallSize/SizeClassCount describe the size-class table.
	MaxSize        = 256 * 1024
	MaxSmallSize   = 1024
	SizeClassCount = 87

	// MaxSerialBits/MaxSerialNum bound the serial namespace.
	MaxSerialBits = serialBits
	MaxSerialNum  = (1 << MaxSerialBits) - 1

	// MaxPathSize mirrors the original implementation's path buffer
	// bound; Go strings aren't bounded, but Init rejects basenames
	// longer than this for parity with what the format's file names can
	// address.
	MaxPathSize = 256

	// MaxSingletonCount bounds the number of distinct singleton ids the
	// top-level manager tracks, matching shm_mgr::MAX_SINGLETON_COUNT.
	MaxSingletonCount = 256
)

func init() {
	if MaxHeapGrowPages != MaxPageCount {
		panic("shm: MaxHeapGrowPages must equal MaxPageCount")
	}
}
