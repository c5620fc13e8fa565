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
	"path/filepath"
	"testing"

	shm "github.com/maxnasonov/goshm/internal/shmaddr"
	"github.com/stretchr/testify/require"
)

func TestAllocateBlockClampsAndAligns(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "test"))

	id, data, err := m.AllocateBlock(100, PurposeUserdata)
	require.NoError(t, err)
	require.EqualValues(t, 0, id)
	require.EqualValues(t, shm.MinHeapGrowSize, len(data))
	require.Zero(t, len(data)%shm.Alignment)

	e := m.Entry(id)
	require.Equal(t, PurposeUserdata, e.Purpose)
}

func TestBlocksWithPurposeOrdering(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "test"))

	id0, _, err := m.AllocateBlock(shm.MinHeapGrowSize, PurposeMetadata)
	require.NoError(t, err)
	id1, _, err := m.AllocateBlock(shm.MinHeapGrowSize, PurposeUserdata)
	require.NoError(t, err)
	id2, _, err := m.AllocateBlock(shm.MinHeapGrowSize, PurposeMetadata)
	require.NoError(t, err)

	meta := m.BlocksWithPurpose(PurposeMetadata)
	require.Equal(t, []uint16{id0, id2}, meta)

	user := m.BlocksWithPurpose(PurposeUserdata)
	require.Equal(t, []uint16{id1}, user)
}

func TestResumeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "test")

	m := New(base)
	id, data, err := m.AllocateBlock(shm.MinHeapGrowSize, PurposeUserdata)
	require.NoError(t, err)
	data[0] = 0x7a
	snap := m.Snapshot()
	require.NoError(t, m.Close())

	m2 := New(base)
	require.NoError(t, m2.Resume(snap))
	got := m2.Bytes(id)
	require.Equal(t, byte(0x7a), got[0])
}

func TestAllocateBlockExhaustion(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "test"))
	for i := range m.free {
		m.free[i] = 0
	}
	_, _, err := m.AllocateBlock(shm.MinHeapGrowSize, PurposeUserdata)
	require.Error(t, err)
}
