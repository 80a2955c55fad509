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

// Package arch defines the architectural records and address algebra of the
// RISC-V IOMMU: page-table entries, device and process contexts, translation
// modes and the capability surface exposed by the register file.
//
// All records are decoded from raw in-memory dwords by pure functions so that
// reserved-bit and mode-legality violations surface as explicit results
// rather than being masked away.
package arch

// Page geometry shared by every translation mode.
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// DWordSize is the width of one memory beat. All directory and
	// page-table reads are performed in 8-byte beats.
	DWordSize = 8
)

// AccessType classifies an inbound transaction.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExec
)

// String implements fmt.Stringer.
func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "unknown"
	}
}

// SVMode describes one page-table scheme: the number of radix levels, the
// index width per level and the entry size. Second-stage ("x4") schemes widen
// the root level by two bits, so the root table spans four pages.
type SVMode struct {
	Name     string
	Levels   int
	IdxBits  int
	PTESize  int
	RootXtra int
}

// The translation schemes the walker understands. Sv32 is the 32-bit
// two-level scheme with 4-byte entries; Sv39 the 64-bit three-level scheme.
var (
	Sv39   = SVMode{Name: "Sv39", Levels: 3, IdxBits: 9, PTESize: 8}
	Sv32   = SVMode{Name: "Sv32", Levels: 2, IdxBits: 10, PTESize: 4}
	Sv39x4 = SVMode{Name: "Sv39x4", Levels: 3, IdxBits: 9, PTESize: 8, RootXtra: 2}
	Sv32x4 = SVMode{Name: "Sv32x4", Levels: 2, IdxBits: 10, PTESize: 4, RootXtra: 2}
)

// VPN extracts the virtual page number segment selecting the entry at the
// given level. Level Levels-1 is the root; at the root the index is widened
// by RootXtra bits.
func (m SVMode) VPN(addr uint64, level int) uint64 {
	shift := uint(PageShift + level*m.IdxBits)
	width := uint(m.IdxBits)
	if level == m.Levels-1 {
		width += uint(m.RootXtra)
	}
	return (addr >> shift) & (1<<width - 1)
}

// LevelSize returns the bytes mapped by one leaf at the given level.
func (m SVMode) LevelSize(level int) uint64 {
	return 1 << uint(PageShift+level*m.IdxBits)
}

// AlignMask returns the PPN bits that must be clear in a leaf at the given
// level for the superpage to be aligned.
func (m SVMode) AlignMask(level int) uint64 {
	return 1<<uint(level*m.IdxBits) - 1
}
