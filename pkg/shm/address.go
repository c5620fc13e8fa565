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

// Package shm implements a malloc/free allocator whose allocations live in
// memory-mapped files and survive process restarts under stable addresses.
//
// The address encoding, size constants, and error taxonomy are defined in
// internal/shmaddr rather than here, because every allocator layer
// (internal/block, internal/span, internal/pageheap, ...) needs them and
// this package assembles those layers into the public Allocator — defining
// them here would make every one of those packages import pkg/shm, which
// imports them back, an import cycle. This file and config.go/errors.go
// simply re-export that leaf package's API under its original names so
// nothing outside this module ever needs to know internal/shmaddr exists.
package shm

import "github.com/maxnasonov/goshm/internal/shmaddr"

// Address is the stable, self-describing 64-bit handle the allocator hands
// back from Malloc/NewSingleton. See internal/shmaddr for the encoding.
type Address = shmaddr.Address

// NullAddress is the zero-value, invalid address.
const NullAddress = shmaddr.NullAddress

// Serial namespace tags.
const (
	SerialNull     = shmaddr.SerialNull
	SerialMetadata = shmaddr.SerialMetadata
	SerialUserdata = shmaddr.SerialUserdata
)

// MakeAddress packs a serial, block id and intra-block offset into an
// Address.
func MakeAddress(serial, blockID uint16, intraOffset uint32) Address {
	return shmaddr.MakeAddress(serial, blockID, intraOffset)
}
