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

package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildIsWithinBudget(t *testing.T) {
	tbl, err := Build()
	require.NoError(t, err)
	require.LessOrEqual(t, int(tbl.NumClasses()), Count)
}

func TestRoundTripNeverUndersizes(t *testing.T) {
	tbl, err := Build()
	require.NoError(t, err)

	for bytes := uint32(0); bytes <= maxSize; bytes += 37 {
		sc, ok := tbl.SizeToClass(bytes)
		require.True(t, ok)
		require.GreaterOrEqual(t, tbl.ClassToSize(sc), bytes)
	}
}

func TestMonotonic(t *testing.T) {
	tbl, err := Build()
	require.NoError(t, err)

	var prevSize uint32
	for sc := uint8(1); sc < tbl.NumClasses(); sc++ {
		require.Greater(t, tbl.ClassToSize(sc), prevSize)
		prevSize = tbl.ClassToSize(sc)
	}
}

func TestWasteBound(t *testing.T) {
	tbl, err := Build()
	require.NoError(t, err)

	for sc := uint8(1); sc < tbl.NumClasses(); sc++ {
		size := tbl.ClassToSize(sc)
		pages := tbl.ClassToPages(sc)
		psize := pages << pageShift
		waste := psize % size
		require.LessOrEqual(t, waste*8, psize, "class %d wastes more than 1/8", sc)
	}
}

func TestAboveMaxSizeIsLarge(t *testing.T) {
	tbl, err := Build()
	require.NoError(t, err)
	_, ok := tbl.SizeToClass(maxSize + 1)
	require.False(t, ok)
}
