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

// Package radix implements the lazily-populated 3-level lookup tree the
// page heap uses to map a (block, page) key to the span that owns it.
//
// Unlike the rest of this module, a Tree is never itself placed in the
// memory-mapped arena: it is plain Go-heap state, rebuilt unconditionally
// on every resume by re-registering each live span (see pkg/shm's resume
// path), which is this module's resolution of the question of whether a
// stale tree can ever be trusted across a remap. Address-to-block lookup
// needs no tree at all, since the block id is already a field of every
// shm.Address (see pkg/shm/address.go); this tree exists purely for the
// (block, page) -> span-address mapping.
package radix

// Tree is a 3-level radix tree keyed by an up-to-(bits0+bits1+bits2)-bit
// integer, storing values of type V (the zero value of V means "absent").
type Tree[V comparable] struct {
	bits0, bits1, bits2 uint
	len1, len2          uint64
	zero                V

	lv0 []*node1[V]
}

type node1[V comparable] struct {
	lv1 []*node2[V]
}

type node2[V comparable] struct {
	lv2 []V
}

// New builds an empty tree. bits0+bits1+bits2 must be <= 64.
func New[V comparable](bits0, bits1, bits2 uint) *Tree[V] {
	if bits0+bits1+bits2 > 64 {
		panic("radix: too many bits")
	}
	return &Tree[V]{
		bits0: bits0, bits1: bits1, bits2: bits2,
		len1: 1 << bits1, len2: 1 << bits2,
		lv0: make([]*node1[V], 1<<bits0),
	}
}

func (t *Tree[V]) split(key uint64) (i0, i1, i2 uint64) {
	i0 = key >> (t.bits1 + t.bits2)
	i1 = (key >> t.bits2) & (t.len1 - 1)
	i2 = key & (t.len2 - 1)
	return
}

// Get returns the value at key, or the zero value of V if unset.
func (t *Tree[V]) Get(key uint64) V {
	i0, i1, i2 := t.split(key)
	v1 := t.lv0[i0]
	if v1 == nil {
		return t.zero
	}
	v2 := v1.lv1[i1]
	if v2 == nil {
		return t.zero
	}
	return v2.lv2[i2]
}

// Set stores v at key, lazily allocating the intermediate levels.
func (t *Tree[V]) Set(key uint64, v V) {
	i0, i1, i2 := t.split(key)
	v1 := t.lv0[i0]
	if v1 == nil {
		v1 = &node1[V]{lv1: make([]*node2[V], t.len1)}
		t.lv0[i0] = v1
	}
	v2 := v1.lv1[i1]
	if v2 == nil {
		v2 = &node2[V]{lv2: make([]V, t.len2)}
		v1.lv1[i1] = v2
	}
	v2.lv2[i2] = v
}

// Clear resets key back to the zero value without freeing the intermediate
// nodes (cheap, since Go's GC reclaims empty subtrees anyway only when
// wholly unreferenced; this module's trees are small enough not to bother).
func (t *Tree[V]) Clear(key uint64) {
	t.Set(key, t.zero)
}
