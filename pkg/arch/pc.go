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
	"fmt"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/bits"
)

// Process-context geometry.
const (
	PCDWords = 2
	PCSize   = 16
)

// ProcessContext is a decoded PC record.
type ProcessContext struct {
	V     bool
	ENS   bool
	SUM   bool
	PSCID uint32
	FSC   FSC
}

// DecodeProcessContext decodes the two dwords of a PC record.
func DecodeProcessContext(dw []uint64) ProcessContext {
	return ProcessContext{
		V:     bits.Bit(dw[0], 0),
		ENS:   bits.Bit(dw[0], 1),
		SUM:   bits.Bit(dw[0], 2),
		PSCID: uint32(bits.Field(dw[0], 31, 12)),
		FSC: FSC{
			PPN:  bits.Field(dw[1], 43, 0),
			Mode: uint8(bits.Field(dw[1], 63, 60)),
		},
	}
}

// PCReservedOK reports whether the reserved bits of PC dword idx are clear.
func PCReservedOK(idx int, raw uint64) bool {
	switch idx {
	case 0: // ta
		return bits.Field(raw, 11, 3) == 0 && bits.Field(raw, 63, 32) == 0
	case 1: // fsc
		return bits.Field(raw, 59, 44) == 0
	default:
		return true
	}
}

// IOSATP returns the first-stage root pointer carried by the PC.
func (pc *ProcessContext) IOSATP() IOSATP {
	return IOSATP{PPN: pc.FSC.PPN, Mode: pc.FSC.Mode}
}

// Check validates mode legality against the capabilities. sxl is the owning
// device context's XLEN selector.
func (pc *ProcessContext) Check(caps Capabilities, sxl bool) error {
	if err := checkIOSATPMode(pc.FSC.Mode, sxl, caps); err != nil {
		return err
	}
	if pc.SUM && !pc.ENS {
		return fmt.Errorf("SUM requires ENS")
	}
	return nil
}
