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

import "github.com/maxnasonov/goshm/internal/shmaddr"

// Re-exported from internal/shmaddr; see address.go's package doc for why.
const (
	PageShift = shmaddr.PageShift
	PageSize  = shmaddr.PageSize

	MaxPages = shmaddr.MaxPages

	MinHeapGrowBits  = shmaddr.MinHeapGrowBits
	MaxHeapGrowBits  = shmaddr.MaxHeapGrowBits
	MinHeapGrowSize  = shmaddr.MinHeapGrowSize
	MaxHeapGrowSize  = shmaddr.MaxHeapGrowSize
	MinHeapGrowPages = shmaddr.MinHeapGrowPages
	MaxHeapGrowPages = shmaddr.MaxHeapGrowPages

	AlignmentBits = shmaddr.AlignmentBits
	Alignment     = shmaddr.Alignment

	MetadataAllocationSize = shmaddr.MetadataAllocationSize

	MaxBlockBits = shmaddr.MaxBlockBits
	MaxBlock     = shmaddr.MaxBlock

	MaxPageBits  = shmaddr.MaxPageBits
	MaxPageCount = shmaddr.MaxPageCount

	MaxSize        = shmaddr.MaxSize
	MaxSmallSize   = shmaddr.MaxSmallSize
	SizeClassCount = shmaddr.SizeClassCount

	MaxSerialBits = shmaddr.MaxSerialBits
	MaxSerialNum  = shmaddr.MaxSerialNum

	MaxPathSize = shmaddr.MaxPathSize

	MaxSingletonCount = shmaddr.MaxSingletonCount
)
