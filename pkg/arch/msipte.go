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
	"math/bits"

	pkgbits "github.com/zero-day-labs/riscv-iommu-sub002/pkg/bits"
)

// MSI PTE modes (the M field).
const (
	MSIPTEModeMRIF  = 1
	MSIPTEModeBasic = 3
)

// MSIPTE is a decoded MSI page-table entry in write-through (basic
// translate) form. The MRIF form is recognized for legality only.
type MSIPTE struct {
	Valid bool
	Mode  uint8
	PPN   uint64
	C     bool
}

// DecodeMSIPTE decodes the first dword of an MSI PTE. reservedOK is false
// when bits the basic-translate format defines as reserved are set.
func DecodeMSIPTE(raw uint64) (pte MSIPTE, reservedOK bool) {
	pte = MSIPTE{
		Valid: pkgbits.Bit(raw, 0),
		Mode:  uint8(pkgbits.Field(raw, 2, 1)),
		PPN:   pkgbits.Field(raw, 53, 10),
		C:     pkgbits.Bit(raw, 63),
	}
	return pte, pkgbits.Field(raw, 9, 3) == 0 && pkgbits.Field(raw, 62, 54) == 0
}

// MSIAddressMatch reports whether the page of addr matches the configured
// interrupt-file pattern under the mask.
func MSIAddressMatch(addr, mask, pattern uint64) bool {
	return (addr>>PageShift)&^mask == pattern&^mask
}

// MSIInterruptFileIndex extracts the interrupt-file number from addr: the
// bits of the page number selected by the mask, compressed together.
func MSIInterruptFileIndex(addr, mask uint64) uint64 {
	var idx, out uint64
	pn := addr >> PageShift
	for m := mask; m != 0; m &= m - 1 {
		b := uint(bits.TrailingZeros64(m))
		if pn&(1<<b) != 0 {
			idx |= 1 << out
		}
		out++
	}
	return idx
}
