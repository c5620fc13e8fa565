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

package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAttachResize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block-00000.mmap")

	size, err := Create(path, 100)
	require.NoError(t, err)
	require.EqualValues(t, 4096, size) // page-rounded

	got, err := Attach(path)
	require.NoError(t, err)
	require.Equal(t, size, got)

	grown, err := Resize(path, 1<<20)
	require.NoError(t, err)
	require.EqualValues(t, 1<<20, grown)

	// Resize never shrinks.
	same, err := Resize(path, 10)
	require.NoError(t, err)
	require.Equal(t, grown, same)
}

func TestCreateRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block-00000.mmap")

	_, err := Create(path, 4096)
	require.NoError(t, err)

	_, err = Create(path, 4096)
	require.Error(t, err)
}

func TestMapAlignedAndReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "block-00000.mmap")

	size, err := Create(path, 1<<20)
	require.NoError(t, err)

	data, err := Map(path, size, 1<<20)
	require.NoError(t, err)
	require.Len(t, data, int(size))
	require.Zero(t, sliceAddr(data)%(1<<20))

	data[0] = 0x42
	data[len(data)-1] = 0x43

	require.NoError(t, Unmap(data))
	require.NoError(t, Unlink(path))
}

func TestUnlinkMissingIsNotError(t *testing.T) {
	require.NoError(t, Unlink(filepath.Join(t.TempDir(), "missing.mmap")))
}
