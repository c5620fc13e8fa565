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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) (*Allocator, string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "test")
	a, err := Init(base, false)
	require.NoError(t, err)
	t.Cleanup(func() { a.Fini() })
	return a, base
}

func TestMallocFreeRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t)

	addr, err := a.Malloc(64)
	require.NoError(t, err)
	require.True(t, addr.Valid())

	data, err := a.AddrToPtr(addr)
	require.NoError(t, err)
	data[0] = 0x5a

	require.NoError(t, a.Free(addr))
}

func TestMallocLargeRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t)

	addr, err := a.Malloc(MaxSize + 1)
	require.NoError(t, err)
	require.True(t, addr.Valid())
	require.Equal(t, uint16(SerialUserdata), addr.Serial())

	require.NoError(t, a.Free(addr))
}

func TestMallocZeroBytesRejected(t *testing.T) {
	a, _ := newTestAllocator(t)
	_, err := a.Malloc(0)
	require.Error(t, err)
}

func TestPtrToAddrRoundTrip(t *testing.T) {
	a, _ := newTestAllocator(t)

	addr, err := a.Malloc(128)
	require.NoError(t, err)

	ptr, err := a.AddrToPtr(addr)
	require.NoError(t, err)

	got, err := a.PtrToAddr(ptr[:1])
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestSingletonIsStableAcrossCalls(t *testing.T) {
	a, _ := newTestAllocator(t)

	require.False(t, a.HasSingleton(3))
	addr1, first1, err := a.NewSingleton(3, 32)
	require.NoError(t, err)
	require.True(t, first1)

	addr2, first2, err := a.NewSingleton(3, 32)
	require.NoError(t, err)
	require.False(t, first2)
	require.Equal(t, addr1, addr2)
	require.True(t, a.HasSingleton(3))

	require.NoError(t, a.FreeSingleton(3))
	require.False(t, a.HasSingleton(3))
}

func TestResumeRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")

	a, err := Init(base, false)
	require.NoError(t, err)

	small, err := a.Malloc(64)
	require.NoError(t, err)
	smallPtr, err := a.AddrToPtr(small)
	require.NoError(t, err)
	smallPtr[0] = 0x11

	large, err := a.Malloc(MaxSize + 1)
	require.NoError(t, err)
	largePtr, err := a.AddrToPtr(large)
	require.NoError(t, err)
	largePtr[0] = 0x22

	singleton, _, err := a.NewSingleton(7, 16)
	require.NoError(t, err)

	require.NoError(t, a.Fini())

	b, err := Init(base, true)
	require.NoError(t, err)
	t.Cleanup(func() { b.Fini() })

	require.True(t, b.HasSingleton(7))
	got, first, err := b.NewSingleton(7, 16)
	require.NoError(t, err)
	require.False(t, first)
	require.Equal(t, singleton, got)

	smallPtr2, err := b.AddrToPtr(small)
	require.NoError(t, err)
	require.Equal(t, byte(0x11), smallPtr2[0])

	largePtr2, err := b.AddrToPtr(large)
	require.NoError(t, err)
	require.Equal(t, byte(0x22), largePtr2[0])

	// The resumed allocator must be able to free addresses it never
	// itself allocated, proving the span map was rebuilt from scratch.
	require.NoError(t, b.Free(small))
	require.NoError(t, b.Free(large))
}

func TestInitRejectsConcurrentOpen(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")

	a, err := Init(base, false)
	require.NoError(t, err)
	t.Cleanup(func() { a.Fini() })

	_, err = Init(base, false)
	require.Error(t, err)
}

func TestFreeRejectsForeignSerial(t *testing.T) {
	a, _ := newTestAllocator(t)
	err := a.Free(MakeAddress(SerialMetadata, 0, 0))
	require.Error(t, err)
}
