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

package shm

import (
	"github.com/maxnasonov/goshm/internal/block"
	"github.com/maxnasonov/goshm/internal/chunkcache"
	"github.com/maxnasonov/goshm/internal/metapool"
	"github.com/maxnasonov/goshm/internal/pageheap"
	"github.com/mohae/deepcopy"
)

// Stats aggregates every layer's counters, mirroring the granularity of
// shm_mgr::stat, page_heap::stat_, chunk_cache::stat_, and
// class_cache::stat in the original implementation.
type Stats struct {
	AllocCount         uint64
	FreeCount          uint64
	MetadataAllocCount uint64
	UserdataAllocCount uint64

	Blocks     block.Stats
	Metadata   metapool.Stats
	PageHeap   pageheap.Stats
	ChunkCache chunkcache.Stats

	Classes [SizeClassCount]chunkcache.ClassStats
}

// Stats returns a detached snapshot of the allocator's current counters.
// The copy is deep so a caller mutating the result (e.g. to diff two
// snapshots) can never reach back into allocator-internal state.
func (a *Allocator) Stats() Stats {
	s := Stats{
		AllocCount:         a.stat.AllocCount,
		FreeCount:          a.stat.FreeCount,
		MetadataAllocCount: a.stat.MetadataAllocCount,
		UserdataAllocCount: a.stat.UserdataAllocCount,
		Blocks:             a.blocks.Stats,
		Metadata:           a.metaPool.Stats,
		PageHeap:           a.heap.Stats,
		ChunkCache:         a.cache.Stats,
	}
	for sc := range s.Classes {
		s.Classes[sc] = a.cache.ClassStats(uint8(sc))
	}
	return deepcopy.Copy(s).(Stats)
}
