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

func TestGlobalAllocatorRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	require.NoError(t, InitGlobal(base, false))
	defer FiniGlobal()

	addr, err := Malloc(32)
	require.NoError(t, err)
	require.True(t, addr.Valid())
	require.NoError(t, Free(addr))
}

func TestInitGlobalTwiceFails(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	require.NoError(t, InitGlobal(base, false))
	defer FiniGlobal()

	err := InitGlobal(base, false)
	require.Error(t, err)
}

func TestMallocPanicsBeforeInitGlobal(t *testing.T) {
	require.Panics(t, func() { Malloc(16) })
}
