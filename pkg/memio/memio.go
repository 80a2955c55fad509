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

// Package memio models the translation engine's read port into system
// memory: burst reads of 8-byte beats, delivered asynchronously, each beat
// carrying its own ok/error status.
package memio

import (
	"context"
	"sync"
)

// Beat is one 8-byte response beat. Data is carried little-endian; OK is
// clear when the bus signaled an error for this beat.
type Beat struct {
	Data uint64
	OK   bool
}

// ReadPort issues burst reads. A burst of n beats reads n consecutive
// dwords starting at addr; beats arrive on the returned channel in order and
// the channel is closed after the last one. Walkers consume beats one at a
// time, tracking beats-remaining explicitly, and must drain the channel even
// after deciding to fault.
type ReadPort interface {
	Read(ctx context.Context, addr uint64, beats int) (<-chan Beat, error)
}

// SparseMemory is a dword-granular sparse memory backing tests and the CLI.
// Individual addresses can be poisoned to produce error beats.
//
// The zero value is not usable; call NewSparseMemory.
type SparseMemory struct {
	mu       sync.RWMutex
	words    map[uint64]uint64
	poisoned map[uint64]bool
}

// NewSparseMemory returns an empty memory.
func NewSparseMemory() *SparseMemory {
	return &SparseMemory{
		words:    make(map[uint64]uint64),
		poisoned: make(map[uint64]bool),
	}
}

// WriteWord stores one dword. addr is truncated to dword alignment.
func (m *SparseMemory) WriteWord(addr, data uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[addr>>3] = data
}

// WriteWords stores consecutive dwords starting at addr.
func (m *SparseMemory) WriteWords(addr uint64, data []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range data {
		m.words[(addr>>3)+uint64(i)] = d
	}
}

// Word loads one dword; absent locations read as zero.
func (m *SparseMemory) Word(addr uint64) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.words[addr>>3]
}

// Poison marks the dword at addr so reads of it return an error beat.
func (m *SparseMemory) Poison(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poisoned[addr>>3] = true
}

// Read implements ReadPort.
func (m *SparseMemory) Read(ctx context.Context, addr uint64, beats int) (<-chan Beat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Beat, beats)
	m.mu.RLock()
	for i := 0; i < beats; i++ {
		w := (addr >> 3) + uint64(i)
		ch <- Beat{Data: m.words[w], OK: !m.poisoned[w]}
	}
	m.mu.RUnlock()
	close(ch)
	return ch, nil
}
