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
	"fmt"

	"github.com/maxnasonov/goshm/internal/block"
	"github.com/maxnasonov/goshm/internal/span"
	"golang.org/x/sync/errgroup"
)

// Check concurrently verifies that every live block's mapped size matches
// its recorded table entry, then cross-validates the page heap's free and
// in-use bookkeeping for every userdata block against an independently
// structured shadow index. It never mutates anything and is safe to call
// while the allocator is otherwise idle; cmd/goshmctl's "check" subcommand
// is the only caller today.
func (a *Allocator) Check() error {
	var g errgroup.Group
	for _, purpose := range [...]block.Purpose{block.PurposeMetadata, block.PurposeUserdata} {
		for _, id := range a.blocks.BlocksWithPurpose(purpose) {
			id := id
			g.Go(func() error {
				entry := a.blocks.Entry(id)
				data := a.blocks.Bytes(id)
				if uint32(len(data)) != entry.Size {
					return newErr(ErrCorruption, "Check", fmt.Errorf("block %d: mapped %d bytes, recorded %d", id, len(data), entry.Size))
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return a.checkPageCoverage()
}

// checkPageCoverage gathers, per userdata block, every free span (from the
// page heap's free lists) and every in-use span (from a metadata-pool
// walk, the same technique onResume uses to rebuild the span map) and
// hands the combined ranges to block.CheckCoverage.
func (a *Allocator) checkPageCoverage() error {
	inUse := make(map[uint16][]block.PageRange)
	metaBlocks := a.blocks.BlocksWithPurpose(block.PurposeMetadata)
	a.metaPool.Walk(metaBlocks, func(_ Address, raw []byte) {
		sp := span.At(raw)
		if sp.IsLive() && sp.InUse {
			inUse[sp.Block] = append(inUse[sp.Block], block.PageRange{
				Start: sp.StartPage,
				End:   sp.StartPage + sp.PageCount,
			})
		}
	})

	for _, id := range a.blocks.BlocksWithPurpose(block.PurposeUserdata) {
		totalPages := uint32(len(a.blocks.Bytes(id))) >> PageShift
		ranges := inUse[id]
		for _, r := range a.heap.FreeRanges(id) {
			ranges = append(ranges, block.PageRange{Start: r.Start, End: r.End})
		}
		if err := block.CheckCoverage(totalPages, ranges); err != nil {
			return newErr(ErrCorruption, "Check", fmt.Errorf("block %d: %w", id, err))
		}
	}
	return nil
}
