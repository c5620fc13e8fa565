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

package block

import (
	"fmt"

	"github.com/google/btree"
)

// PageRange is a half-open [Start, End) page range claimed by one span.
type PageRange struct {
	Start, End uint32
}

type rangeItem struct{ r PageRange }

func (a rangeItem) Less(than btree.Item) bool { return a.r.Start < than.(rangeItem).r.Start }

// CheckCoverage verifies that ranges tile [0, totalPages) exactly once
// each: no gaps, no overlaps. It is a debug cross-check for the page
// heap's own free-list and in-use bookkeeping, built on an ordered index
// (a B-tree) that shares no code with the production radix tree, so a
// bug common to both wouldn't be invisible here.
func CheckCoverage(totalPages uint32, ranges []PageRange) error {
	bt := btree.New(8)
	for _, r := range ranges {
		if r.Start >= r.End {
			return fmt.Errorf("block: empty or inverted range [%d,%d)", r.Start, r.End)
		}
		var overlap *PageRange
		bt.AscendGreaterOrEqual(rangeItem{PageRange{Start: 0, End: 0}}, func(i btree.Item) bool {
			other := i.(rangeItem).r
			if other.Start < r.End && r.Start < other.End {
				o := other
				overlap = &o
				return false
			}
			return true
		})
		if overlap != nil {
			return fmt.Errorf("block: overlapping ranges [%d,%d) and [%d,%d)", r.Start, r.End, overlap.Start, overlap.End)
		}
		bt.ReplaceOrInsert(rangeItem{r})
	}

	var cursor uint32
	var err error
	bt.Ascend(func(i btree.Item) bool {
		r := i.(rangeItem).r
		if r.Start != cursor {
			err = fmt.Errorf("block: gap in page coverage at page %d", cursor)
			return false
		}
		cursor = r.End
		return true
	})
	if err != nil {
		return err
	}
	if cursor != totalPages {
		return fmt.Errorf("block: coverage ends at page %d, want %d", cursor, totalPages)
	}
	return nil
}
