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

// Package ctxcache implements the device-context and process-context caches
// (DDTC and PDTC): single-tag fully associative caches with tree-PLRU
// replacement, consulted before the context-directory walker touches memory.
package ctxcache

import (
	"fmt"
	"sync"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/plru"
)

type ddtcLine struct {
	valid bool
	devID uint32
	dc    arch.DeviceContext
}

// DDTC caches device contexts by device id.
type DDTC struct {
	mu    sync.Mutex
	tree  *plru.Tree
	lines []ddtcLine
}

// NewDDTC returns a DDTC with the given number of ways (a power of two).
func NewDDTC(ways int) (*DDTC, error) {
	tree, err := plru.New(ways)
	if err != nil {
		return nil, fmt.Errorf("ddtc: %w", err)
	}
	return &DDTC{tree: tree, lines: make([]ddtcLine, ways)}, nil
}

// Lookup returns the cached device context for devID.
func (c *DDTC) Lookup(devID uint32) (arch.DeviceContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && l.devID == devID {
			c.tree.Touch(i)
			return l.dc, true
		}
	}
	return arch.DeviceContext{}, false
}

// Update caches a resolved device context. Contexts with the validity bit
// clear are never cached.
func (c *DDTC) Update(devID uint32, dc arch.DeviceContext) {
	if !dc.TC.V {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := -1
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && l.devID == devID {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = c.tree.Victim()
	}
	c.lines[slot] = ddtcLine{valid: true, devID: devID, dc: dc}
	c.tree.Touch(slot)
}

// Invalidate clears the entry for devID, or every entry when dv is clear.
func (c *DDTC) Invalidate(dv bool, devID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid {
			continue
		}
		if !dv || l.devID == devID {
			l.valid = false
		}
	}
}

type pdtcLine struct {
	valid  bool
	devID  uint32
	procID uint32
	pc     arch.ProcessContext
}

// PDTC caches process contexts by (device id, process id).
type PDTC struct {
	mu    sync.Mutex
	tree  *plru.Tree
	lines []pdtcLine
}

// NewPDTC returns a PDTC with the given number of ways (a power of two).
func NewPDTC(ways int) (*PDTC, error) {
	tree, err := plru.New(ways)
	if err != nil {
		return nil, fmt.Errorf("pdtc: %w", err)
	}
	return &PDTC{tree: tree, lines: make([]pdtcLine, ways)}, nil
}

// Lookup returns the cached process context for (devID, procID).
func (c *PDTC) Lookup(devID, procID uint32) (arch.ProcessContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && l.devID == devID && l.procID == procID {
			c.tree.Touch(i)
			return l.pc, true
		}
	}
	return arch.ProcessContext{}, false
}

// Update caches a resolved process context. Contexts with the validity bit
// clear are never cached.
func (c *PDTC) Update(devID, procID uint32, pc arch.ProcessContext) {
	if !pc.V {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := -1
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && l.devID == devID && l.procID == procID {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = c.tree.Victim()
	}
	c.lines[slot] = pdtcLine{valid: true, devID: devID, procID: procID, pc: pc}
	c.tree.Touch(slot)
}

// Invalidate clears the entry for (devID, procID) when pv is set, every
// entry for devID when only dv is set, or everything when neither is.
func (c *PDTC) Invalidate(dv, pv bool, devID, procID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid {
			continue
		}
		if dv && l.devID != devID {
			continue
		}
		if pv && l.procID != procID {
			continue
		}
		l.valid = false
	}
}

// Set bundles the two context caches so directory-level invalidations can
// honor their coupling: dropping a device context also drops every process
// context resolved under it, since PDTC entries are only reachable through
// their device's directory.
type Set struct {
	DDTC *DDTC
	PDTC *PDTC
}

// NewSet returns a coupled DDTC/PDTC pair.
func NewSet(ddtcWays, pdtcWays int) (*Set, error) {
	ddtc, err := NewDDTC(ddtcWays)
	if err != nil {
		return nil, err
	}
	pdtc, err := NewPDTC(pdtcWays)
	if err != nil {
		return nil, err
	}
	return &Set{DDTC: ddtc, PDTC: pdtc}, nil
}

// InvalidateDDT implements a DDT-directed invalidation command: the DDTC
// entry (or all of them), plus the PDTC entries of the affected devices.
func (s *Set) InvalidateDDT(dv bool, devID uint32) {
	s.DDTC.Invalidate(dv, devID)
	s.PDTC.Invalidate(dv, false, devID, 0)
}

// InvalidatePDT implements a PDT-directed invalidation command against the
// PDTC alone.
func (s *Set) InvalidatePDT(dv, pv bool, devID, procID uint32) {
	s.PDTC.Invalidate(dv, pv, devID, procID)
}
