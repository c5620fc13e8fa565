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

func TestCheckPassesAfterMixedAllocations(t *testing.T) {
	a, _ := newTestAllocator(t)

	small, err := a.Malloc(64)
	require.NoError(t, err)
	large, err := a.Malloc(MaxSize + 1)
	require.NoError(t, err)

	require.NoError(t, a.Check())

	require.NoError(t, a.Free(small))
	require.NoError(t, a.Check())
	require.NoError(t, a.Free(large))
	require.NoError(t, a.Check())
}

func TestCheckPassesAcrossResume(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")

	a, err := Init(base, false)
	require.NoError(t, err)
	_, err = a.Malloc(64)
	require.NoError(t, err)
	_, err = a.Malloc(MaxSize + 1)
	require.NoError(t, err)
	require.NoError(t, a.Fini())

	b, err := Init(base, true)
	require.NoError(t, err)
	t.Cleanup(func() { b.Fini() })
	require.NoError(t, b.Check())
}
