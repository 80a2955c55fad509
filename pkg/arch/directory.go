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
	"encoding/binary"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/bits"
)

// NonLeafEntry is a DDT or PDT pointer entry: one dword with a validity bit
// and the PPN of the next directory level.
type NonLeafEntry struct {
	Valid bool
	PPN   uint64
}

// DecodeNonLeaf decodes a directory pointer entry. reservedOK is false when
// bits 9:1 or 63:54 are set, which the walker reports as a misconfigured
// directory entry.
func DecodeNonLeaf(raw uint64) (e NonLeafEntry, reservedOK bool) {
	e = NonLeafEntry{
		Valid: bits.Bit(raw, 0),
		PPN:   bits.Field(raw, 53, 10),
	}
	return e, bits.Field(raw, 9, 1) == 0 && bits.Field(raw, 63, 54) == 0
}

// EncodeNonLeaf builds a valid directory pointer entry. Used by tests and
// the memory-image loader.
func EncodeNonLeaf(ppn uint64) uint64 {
	return 1 | (ppn&(1<<44-1))<<10
}

// DDTIndex returns the device-id slice indexing directory level lvl. The
// slice widths depend on the device-context format: the wider extended DC
// halves the leaf-table fanout.
func DDTIndex(devID uint32, lvl int, extended bool) uint64 {
	id := uint64(devID)
	if extended {
		switch lvl {
		case 0:
			return bits.Field(id, 5, 0)
		case 1:
			return bits.Field(id, 14, 6)
		default:
			return bits.Field(id, 23, 15)
		}
	}
	switch lvl {
	case 0:
		return bits.Field(id, 6, 0)
	case 1:
		return bits.Field(id, 15, 7)
	default:
		return bits.Field(id, 23, 16)
	}
}

// PDTIndex returns the process-id slice indexing directory level lvl.
func PDTIndex(procID uint32, lvl int) uint64 {
	id := uint64(procID)
	switch lvl {
	case 0:
		return bits.Field(id, 7, 0)
	case 1:
		return bits.Field(id, 16, 8)
	default:
		return bits.Field(id, 19, 17)
	}
}

// PDTLevels maps a pdtp mode to its directory depth.
func PDTLevels(mode uint8) int {
	switch mode {
	case PDTPModePD8:
		return 1
	case PDTPModePD17:
		return 2
	case PDTPModePD20:
		return 3
	default:
		return 0
	}
}

// ToEndian converts a dword read from memory to its in-memory interpretation
// under the given endianness. Memory beats are carried little-endian; a
// big-endian structure flips the byte order.
func ToEndian(raw uint64, bigEndian bool) uint64 {
	if !bigEndian {
		return raw
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], raw)
	return binary.BigEndian.Uint64(b[:])
}
