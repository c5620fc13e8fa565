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

// ErrKind classifies the failures the allocator can return, matching the
// finite taxonomy callers are expected to switch on.
type ErrKind = shmaddr.ErrKind

const (
	ErrConfig      = shmaddr.ErrConfig
	ErrOutOfMemory = shmaddr.ErrOutOfMemory
	ErrOutOfRange  = shmaddr.ErrOutOfRange
	ErrCorruption  = shmaddr.ErrCorruption
	ErrIO          = shmaddr.ErrIO
)

// Error is the concrete error type returned by every exported operation.
type Error = shmaddr.Error

// Kind sentinels usable with errors.Is, e.g. errors.Is(err, shm.OutOfMemory).
var (
	ConfigError error = shmaddr.ConfigError
	OutOfMemory error = shmaddr.OutOfMemory
	OutOfRange  error = shmaddr.OutOfRange
	Corruption  error = shmaddr.Corruption
	IOError     error = shmaddr.IOError
)

func newErr(kind ErrKind, op string, err error) *Error {
	return shmaddr.NewErr(kind, op, err)
}
