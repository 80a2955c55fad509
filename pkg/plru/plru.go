// Copyright 2025 The riommu Authors.
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

// Package plru implements tree pseudo-LRU replacement.
//
// The tree is a flat bit vector of ways-1 internal nodes, heap-ordered with
// the root at index 0. Each node bit names the subtree holding the
// less-recently-used half. Touching a way flips every node on its root-to-leaf
// path to point away from it; the victim is found by following the node bits
// down from the root, so its path disagrees entirely with its own index bits.
package plru

import (
	"fmt"
	"math/bits"
)

// Tree tracks recency over a power-of-two number of ways.
type Tree struct {
	nodes  uint64
	ways   int
	levels int
}

// New returns a Tree over the given number of ways. ways must be a power of
// two between 2 and 64.
func New(ways int) (*Tree, error) {
	if ways < 2 || ways > 64 || ways&(ways-1) != 0 {
		return nil, fmt.Errorf("plru: ways must be a power of two in [2, 64], got %d", ways)
	}
	return &Tree{ways: ways, levels: bits.TrailingZeros(uint(ways))}, nil
}

// Ways returns the number of ways tracked.
func (t *Tree) Ways() int {
	return t.ways
}

// Touch marks the way most recently used.
func (t *Tree) Touch(way int) {
	node := 0
	for lvl := t.levels - 1; lvl >= 0; lvl-- {
		bit := (way >> uint(lvl)) & 1
		if bit == 0 {
			// Went left; LRU side is now the right subtree.
			t.nodes |= 1 << uint(node)
		} else {
			t.nodes &^= 1 << uint(node)
		}
		node = 2*node + 1 + bit
	}
}

// Victim returns the way nominated for replacement: the leaf whose
// root-to-leaf path of node bits entirely disagrees with its index bits.
func (t *Tree) Victim() int {
	node := 0
	way := 0
	for lvl := 0; lvl < t.levels; lvl++ {
		bit := int(t.nodes>>uint(node)) & 1
		way = way<<1 | bit
		node = 2*node + 1 + bit
	}
	return way
}
