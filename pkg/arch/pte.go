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

package arch

import (
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/bits"
)

// PTE is a decoded page-table entry. The zero value is an invalid entry.
type PTE struct {
	Valid bool
	R     bool
	W     bool
	X     bool
	U     bool
	G     bool
	A     bool
	D     bool
	PPN   uint64
	Raw   uint64
}

// DecodePTE decodes one raw page-table entry for the given scheme. For Sv32
// only the low 32 bits of raw are interpreted. reservedOK is false when bits
// the scheme defines as reserved are set; per the translation rules this is a
// page fault, not a silent ignore.
func DecodePTE(raw uint64, m SVMode) (pte PTE, reservedOK bool) {
	if m.PTESize == 4 {
		raw &= 0xffffffff
	}
	pte = PTE{
		Valid: bits.Bit(raw, 0),
		R:     bits.Bit(raw, 1),
		W:     bits.Bit(raw, 2),
		X:     bits.Bit(raw, 3),
		U:     bits.Bit(raw, 4),
		G:     bits.Bit(raw, 5),
		A:     bits.Bit(raw, 6),
		D:     bits.Bit(raw, 7),
		Raw:   raw,
	}
	if m.PTESize == 4 {
		pte.PPN = bits.Field(raw, 31, 10)
		return pte, true
	}
	pte.PPN = bits.Field(raw, 53, 10)
	// Bits 54..60 are reserved; PBMT (61..62) and N (63) require Svpbmt
	// and Svnapot, which the translation engine does not implement.
	return pte, bits.Field(raw, 63, 54) == 0
}

// IsLeaf reports whether the entry maps a page rather than pointing at the
// next table level.
func (p PTE) IsLeaf() bool {
	return p.R || p.X
}

// Misaligned reports whether a leaf at the given level has PPN bits set
// below the superpage boundary.
func (p PTE) Misaligned(m SVMode, level int) bool {
	return p.PPN&m.AlignMask(level) != 0
}

// NonLeafReservedSet reports whether a non-leaf entry carries bits that must
// be zero on pointer entries (D, A, U).
func (p PTE) NonLeafReservedSet() bool {
	return p.D || p.A || p.U
}

// Permits applies the R/W/X and U/SUM rules for a leaf entry. Second-stage
// lookups pass priv=false and sum=false, since all second-stage accesses are
// treated as user mode.
func (p PTE) Permits(a AccessType, priv, sum bool) bool {
	switch a {
	case AccessWrite:
		if !p.W {
			return false
		}
	case AccessExec:
		if !p.X {
			return false
		}
	default:
		if !p.R {
			return false
		}
	}
	if priv {
		// Supervisor access to a user page requires SUM, and is never
		// an instruction fetch.
		if p.U && (!sum || a == AccessExec) {
			return false
		}
		return true
	}
	return p.U
}

// ADOK applies the accessed/dirty rules: A must be set, and D as well when
// the access is a store.
func (p PTE) ADOK(a AccessType) bool {
	return p.A && (a != AccessWrite || p.D)
}

// EncodePTE is the inverse of DecodePTE for the 8-byte format. Tests and the
// memory-image loader use it to build page tables.
func EncodePTE(p PTE) uint64 {
	var raw uint64
	set := func(i int, on bool) {
		if on {
			raw |= bits.MaskOf(i)
		}
	}
	set(0, p.Valid)
	set(1, p.R)
	set(2, p.W)
	set(3, p.X)
	set(4, p.U)
	set(5, p.G)
	set(6, p.A)
	set(7, p.D)
	raw |= (p.PPN & (1<<44 - 1)) << 10
	return raw
}
