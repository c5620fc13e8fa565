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
	"sync"
)

// This file is the one place in the package that behaves like the
// original C library: a single process-wide allocator reached through
// package-level functions instead of an explicit receiver. Every other
// exported operation takes an *Allocator; nothing here does anything that
// method couldn't do itself, it's purely a convenience shim for callers
// migrating from "one allocator per process" C code.

var (
	globalMu  sync.Mutex
	globalAll *Allocator
)

// InitGlobal creates or resumes the process-wide allocator. It is an error
// to call it twice without an intervening FiniGlobal.
func InitGlobal(basename string, resume bool) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAll != nil {
		return newErr(ErrConfig, "InitGlobal", fmt.Errorf("global allocator already initialized"))
	}
	a, err := Init(basename, resume)
	if err != nil {
		return err
	}
	globalAll = a
	return nil
}

// FiniGlobal releases the process-wide allocator set up by InitGlobal.
func FiniGlobal() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAll == nil {
		return nil
	}
	err := globalAll.Fini()
	globalAll = nil
	return err
}

func global() *Allocator {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAll == nil {
		panic("shm: global allocator used before InitGlobal")
	}
	return globalAll
}

// Malloc allocates from the process-wide allocator set up by InitGlobal.
func Malloc(bytes uint32) (Address, error) { return global().Malloc(bytes) }

// Free releases addr back to the process-wide allocator.
func Free(addr Address) error { return global().Free(addr) }

// NewSingleton registers/returns id's address on the process-wide allocator.
func NewSingleton(id int, bytes uint32) (Address, bool, error) {
	return global().NewSingleton(id, bytes)
}

// FreeSingleton releases id's registered address on the process-wide
// allocator.
func FreeSingleton(id int) error { return global().FreeSingleton(id) }

// HasSingleton reports whether id is registered on the process-wide
// allocator.
func HasSingleton(id int) bool { return global().HasSingleton(id) }

// AddrToPtr resolves addr through the process-wide allocator.
func AddrToPtr(addr Address) ([]byte, error) { return global().AddrToPtr(addr) }

// PtrToAddr resolves ptr through the process-wide allocator.
func PtrToAddr(ptr []byte) (Address, error) { return global().PtrToAddr(ptr) }
