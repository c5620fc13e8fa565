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

package span

import (
	"testing"

	shm "github.com/maxnasonov/goshm/internal/shmaddr"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a minimal Memory implementation for unit tests: one
// userdata block of raw bytes, and a map of metadata addresses to spans.
type fakeMemory struct {
	user  []byte
	spans map[shm.Address]*Span
	next  uint32
}

func newFakeMemory(blockSize int) *fakeMemory {
	return &fakeMemory{user: make([]byte, blockSize), spans: map[shm.Address]*Span{}, next: 16}
}

func (m *fakeMemory) UserBytes(block uint16) []byte { return m.user }

func (m *fakeMemory) put(s *Span) shm.Address {
	addr := shm.MakeAddress(shm.SerialMetadata, 0, m.next)
	m.next += 64
	m.spans[addr] = s
	return addr
}

func (m *fakeMemory) SpanAt(addr shm.Address) *Span { return m.spans[addr] }

func TestPartitionFetchRecycle(t *testing.T) {
	mem := newFakeMemory(4 << shmPageShift) // a few pages
	s := New(0, 0, 1)
	mem.put(s)

	s.Partition(mem, 64, 3)
	require.True(t, s.ChunkList.Valid())

	var chunks []shm.Address
	for {
		c := s.Fetch(mem)
		if !c.Valid() {
			break
		}
		chunks = append(chunks, c)
	}
	require.NotEmpty(t, chunks)
	require.EqualValues(t, len(chunks), s.UsedCount)

	for _, c := range chunks {
		s.Recycle(mem, c)
	}
	require.EqualValues(t, 0, s.UsedCount)
	require.True(t, s.ChunkList.Valid())
}

func TestListOperations(t *testing.T) {
	mem := newFakeMemory(4096)
	head := New(0, 0, 0)
	headAddr := mem.put(head)

	ListInit(mem, headAddr)
	require.True(t, ListEmpty(mem, headAddr))

	a := New(0, 1, 1)
	aAddr := mem.put(a)
	ListPrepend(mem, headAddr, aAddr)
	require.False(t, ListEmpty(mem, headAddr))

	ListRemove(mem, aAddr)
	require.True(t, ListEmpty(mem, headAddr))
}

func TestClassIDSentinels(t *testing.T) {
	require.True(t, Free.IsFree())
	require.True(t, Large.IsLarge())
	c, ok := ClassID(5).IsClass()
	require.True(t, ok)
	require.EqualValues(t, 5, c)
}
