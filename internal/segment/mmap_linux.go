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

//go:build linux

package segment

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sliceAddr returns the virtual address a mmap'd slice begins at.
func sliceAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// mmapFixed maps size bytes of fd at the fixed virtual address addr, the
// same MAP_FIXED remap shm_object_map performs once it has computed the
// alignment it needs that a plain over-map-and-trim couldn't produce.
func mmapFixed(fd int, addr uint64, size uintptr) ([]byte, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(addr),
		size,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("mmap(MAP_FIXED): %w", errno)
	}
	if uint64(r1) != addr {
		return nil, fmt.Errorf("mmap(MAP_FIXED) returned %#x, wanted %#x", r1, addr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(size)), nil
}
