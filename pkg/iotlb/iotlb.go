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

// Package iotlb caches resolved leaf translations: for each tag
// (address-space identifiers plus virtual page number) it holds both the
// first-stage and second-stage leaf PTE, so the final physical address can
// be rebuilt at any superpage granularity without re-walking.
package iotlb

import (
	"fmt"
	"sync"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/plru"
)

// Key identifies a lookup.
type Key struct {
	IOVA      uint64
	PSCID     uint32
	GSCID     uint32
	S1Enabled bool
	S2Enabled bool
}

// Entry is one cached translation: the tag fields plus both leaf PTEs. It
// doubles as the update record emitted by the page-table walker.
type Entry struct {
	VPN       uint64
	PSCID     uint32
	GSCID     uint32
	S1Enabled bool
	S2Enabled bool

	// Superpage size of each stage's leaf: level 1 (mega) or 2 (giga).
	S1Mega bool
	S1Giga bool
	S2Mega bool
	S2Giga bool

	// Index width of each stage's radix levels: 9 for the Sv39 family, 10
	// for Sv32. Zero means 9, so address reconstruction and superpage
	// matching land on the right boundary for either scheme.
	S1IdxBits uint8
	S2IdxBits uint8

	MSI bool

	PTE1 arch.PTE
	PTE2 arch.PTE
}

func (e *Entry) s1Bits() int {
	if e.S1IdxBits != 0 {
		return int(e.S1IdxBits)
	}
	return 9
}

func (e *Entry) s2Bits() int {
	if e.S2IdxBits != 0 {
		return int(e.S2IdxBits)
	}
	return 9
}

// s1Shift returns the number of page-number bits below the first-stage
// superpage boundary: zero for a base page, one level's index width for a
// megapage, two for a gigapage.
func (e *Entry) s1Shift() int {
	switch {
	case e.S1Giga:
		return 2 * e.s1Bits()
	case e.S1Mega:
		return e.s1Bits()
	default:
		return 0
	}
}

func (e *Entry) s2Shift() int {
	switch {
	case e.S2Giga:
		return 2 * e.s2Bits()
	case e.S2Mega:
		return e.s2Bits()
	default:
		return 0
	}
}

// shift returns the composed superpage boundary: the smallest boundary over
// the enabled stages. A disabled stage does not constrain it.
func (e *Entry) shift() int {
	s := -1
	if e.S1Enabled {
		s = e.s1Shift()
	}
	if e.S2Enabled && (s < 0 || e.s2Shift() < s) {
		s = e.s2Shift()
	}
	if s < 0 {
		return 0
	}
	return s
}

// SizeBytes returns the bytes mapped at the composed granularity.
func (e *Entry) SizeBytes() uint64 {
	return 1 << uint(arch.PageShift+e.shift())
}

// guestPhysPN rebuilds the page number of the guest-physical address the
// entry translates to after stage one. With stage one disabled the IOVA is
// already guest-physical.
func (e *Entry) guestPhysPN() uint64 {
	if !e.S1Enabled {
		return e.VPN
	}
	mask := uint64(1)<<uint(e.s1Shift()) - 1
	return e.PTE1.PPN&^mask | e.VPN&mask
}

// GuestPhysAddr rebuilds the guest-physical address for iova.
func (e *Entry) GuestPhysAddr(iova uint64) uint64 {
	pn := e.guestPhysPN()
	if e.S1Enabled {
		// Offset within the stage-1 page comes from the IOVA.
		mask := uint64(1)<<uint(e.s1Shift()) - 1
		pn = pn&^mask | (iova>>arch.PageShift)&mask
	}
	return pn<<arch.PageShift | iova&(arch.PageSize-1)
}

// PhysAddr rebuilds the final physical address for iova.
func (e *Entry) PhysAddr(iova uint64) uint64 {
	gpn := e.guestPhysPN()
	if e.S1Enabled {
		mask := uint64(1)<<uint(e.s1Shift()) - 1
		gpn = gpn&^mask | (iova>>arch.PageShift)&mask
	}
	if !e.S2Enabled {
		return gpn<<arch.PageShift | iova&(arch.PageSize-1)
	}
	mask := uint64(1)<<uint(e.s2Shift()) - 1
	pn := e.PTE2.PPN&^mask | gpn&mask
	return pn<<arch.PageShift | iova&(arch.PageSize-1)
}

// vpnMatch compares the tag against a lookup VPN at the entry's composed
// granularity: the top segment always, the lower segments only below the
// superpage boundary.
func (e *Entry) vpnMatch(vpn uint64) bool {
	s := uint(e.shift())
	return e.VPN>>s == vpn>>s
}

// gpaMatch compares the entry's guest-physical reconstruction against a GPA
// page number, inspecting only the second-stage superpage flags.
func (e *Entry) gpaMatch(gpn uint64) bool {
	s := uint(e.s2Shift())
	return e.guestPhysPN()>>s == gpn>>s
}

type line struct {
	valid bool
	e     Entry
}

// Cache is a fully associative IOTLB with tree-PLRU replacement. All methods
// are safe for concurrent use; invalidations and updates are serialized with
// lookups, so an entry invalidated concurrently with a lookup is never
// reported as a hit.
type Cache struct {
	mu    sync.Mutex
	tree  *plru.Tree
	lines []line
}

// New returns a cache with the given number of ways (a power of two).
func New(ways int) (*Cache, error) {
	tree, err := plru.New(ways)
	if err != nil {
		return nil, fmt.Errorf("iotlb: %w", err)
	}
	return &Cache{tree: tree, lines: make([]line, ways)}, nil
}

// Lookup returns the cached translation for k, if any. A hit requires the
// stage-enable flags to agree, the PSCID to match unless stage one is
// disabled or the cached first-stage leaf is global, the GSCID to match
// unless stage two is disabled, and the VPN to match at the cached
// granularity. MSI mappings never hit a translation lookup.
func (c *Cache) Lookup(k Key) (Entry, bool) {
	vpn := k.IOVA >> arch.PageShift
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid || l.e.MSI {
			continue
		}
		if l.e.S1Enabled != k.S1Enabled || l.e.S2Enabled != k.S2Enabled {
			continue
		}
		if k.S1Enabled && !l.e.PTE1.G && l.e.PSCID != k.PSCID {
			continue
		}
		if k.S2Enabled && l.e.GSCID != k.GSCID {
			continue
		}
		if !l.e.vpnMatch(vpn) {
			continue
		}
		c.tree.Touch(i)
		return l.e, true
	}
	return Entry{}, false
}

// Update inserts a translation into the PLRU-nominated way. An update whose
// supplied PTEs are invalid for every enabled stage never changes cache
// state. Any resident entry the new one would shadow is dropped first, so a
// key can never hit twice.
func (c *Cache) Update(e Entry) {
	okS1 := e.S1Enabled && e.PTE1.Valid
	okS2 := e.S2Enabled && e.PTE2.Valid
	if !okS1 && !okS2 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slot := -1
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid {
			continue
		}
		if l.e.S1Enabled == e.S1Enabled && l.e.S2Enabled == e.S2Enabled &&
			l.e.PSCID == e.PSCID && l.e.GSCID == e.GSCID && l.e.MSI == e.MSI &&
			(l.e.vpnMatch(e.VPN) || e.vpnMatch(l.e.VPN)) {
			if slot < 0 {
				slot = i
			} else {
				l.valid = false
			}
		}
	}
	if slot < 0 {
		slot = c.tree.Victim()
	}
	c.lines[slot] = line{valid: true, e: e}
	c.tree.Touch(slot)
}

// InvalidateVMA clears entries per the first-stage invalidation command.
// The three valid bits select among eight predicates:
//
//	GV selects second-stage scope: entries tagged with GSCID when set,
//	host entries (stage two disabled) when clear.
//	PSCV adds a PSCID match and excludes global mappings.
//	AV adds a VPN match at the cached granularity.
func (c *Cache) InvalidateVMA(gv, av, pscv bool, gscid, pscid uint32, iova uint64) {
	vpn := iova >> arch.PageShift
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid {
			continue
		}
		if gv {
			if !l.e.S2Enabled || l.e.GSCID != gscid {
				continue
			}
		} else if l.e.S2Enabled {
			continue
		}
		if pscv {
			if !l.e.S1Enabled || l.e.PSCID != pscid || l.e.PTE1.G {
				continue
			}
		}
		if av && !l.e.vpnMatch(vpn) {
			continue
		}
		l.valid = false
	}
}

// InvalidateGVMA clears second-stage-enabled entries matching GSCID (when gv
// is set) and the guest-physical reconstruction of the cached entry (when av
// is set).
func (c *Cache) InvalidateGVMA(gv, av bool, gscid uint32, gpa uint64) {
	gpn := gpa >> arch.PageShift
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid || !l.e.S2Enabled {
			continue
		}
		if gv && l.e.GSCID != gscid {
			continue
		}
		if av && !l.e.gpaMatch(gpn) {
			continue
		}
		l.valid = false
	}
}

// Victim returns the way currently nominated for replacement. Exposed for
// tests of the replacement invariants.
func (c *Cache) Victim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Victim()
}

// Len returns the number of valid entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.lines {
		if c.lines[i].valid {
			n++
		}
	}
	return n
}
