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

// Device-context geometry. The base format carries four dwords; the extended
// format (present when MSI translation is supported) carries the MSI
// sub-record as well. The eighth dword of the extended format is reserved
// and never read.
const (
	DCBaseDWords     = 4
	DCExtendedDWords = 7

	DCBaseSize     = 32
	DCExtendedSize = 64
)

// TransControl is the translation-control dword of a device context.
type TransControl struct {
	V     bool
	EnATS bool
	EnPRI bool
	T2GPA bool
	DTF   bool
	PDTV  bool
	PRPR  bool
	GADE  bool
	SADE  bool
	DPE   bool
	SBE   bool
	SXL   bool
}

// MSIPTP is the MSI page-table pointer of an extended device context.
type MSIPTP struct {
	Mode uint8
	PPN  uint64
}

// MSI page-table modes.
const (
	MSIModeOff  = 0
	MSIModeFlat = 1
)

// FSC is the raw first-stage context dword: an iosatp when the device
// context has PDTV clear, a pdtp when it is set.
type FSC struct {
	Mode uint8
	PPN  uint64
}

// DeviceContext is a decoded DC record.
type DeviceContext struct {
	TC         TransControl
	IOHGATP    IOHGATP
	PSCID      uint32
	FSC        FSC
	MSIPTP     MSIPTP
	MSIMask    uint64
	MSIPattern uint64
	Extended   bool
}

// IOSATP returns the first-stage root pointer. Only meaningful when PDTV is
// clear; with PDTV set the fsc field is a process-directory pointer instead.
func (dc *DeviceContext) IOSATP() IOSATP {
	return IOSATP{PPN: dc.FSC.PPN, Mode: dc.FSC.Mode}
}

// PDTMode returns the process-directory depth selector. Only meaningful when
// PDTV is set.
func (dc *DeviceContext) PDTMode() uint8 {
	return dc.FSC.Mode
}

// DecodeDeviceContext decodes the dwords of a DC record. dw must hold
// DCBaseDWords entries, or DCExtendedDWords when extended.
func DecodeDeviceContext(dw []uint64, extended bool) DeviceContext {
	tc := dw[0]
	dc := DeviceContext{
		TC: TransControl{
			V:     bits.Bit(tc, 0),
			EnATS: bits.Bit(tc, 1),
			EnPRI: bits.Bit(tc, 2),
			T2GPA: bits.Bit(tc, 3),
			DTF:   bits.Bit(tc, 4),
			PDTV:  bits.Bit(tc, 5),
			PRPR:  bits.Bit(tc, 6),
			GADE:  bits.Bit(tc, 7),
			SADE:  bits.Bit(tc, 8),
			DPE:   bits.Bit(tc, 9),
			SBE:   bits.Bit(tc, 10),
			SXL:   bits.Bit(tc, 11),
		},
		IOHGATP: IOHGATP{
			PPN:   bits.Field(dw[1], 43, 0),
			GSCID: uint32(bits.Field(dw[1], 59, 44)),
			Mode:  uint8(bits.Field(dw[1], 63, 60)),
		},
		PSCID: uint32(bits.Field(dw[2], 31, 12)),
		FSC: FSC{
			PPN:  bits.Field(dw[3], 43, 0),
			Mode: uint8(bits.Field(dw[3], 63, 60)),
		},
		Extended: extended,
	}
	if extended {
		dc.MSIPTP = MSIPTP{
			PPN:  bits.Field(dw[4], 43, 0),
			Mode: uint8(bits.Field(dw[4], 63, 60)),
		}
		dc.MSIMask = bits.Field(dw[5], 51, 0)
		dc.MSIPattern = bits.Field(dw[6], 51, 0)
	}
	return dc
}

// DCReservedOK reports whether the reserved bits of DC dword idx are clear.
// The context-directory walker applies it to each beat as it arrives.
func DCReservedOK(idx int, raw uint64) bool {
	switch idx {
	case 0: // tc
		return bits.Field(raw, 63, 12) == 0
	case 2: // ta
		return bits.Field(raw, 11, 0) == 0 && bits.Field(raw, 63, 32) == 0
	case 3, 4: // fsc, msiptp
		return bits.Field(raw, 59, 44) == 0
	case 5, 6: // msi_addr_mask, msi_addr_pattern
		return bits.Field(raw, 63, 52) == 0
	default: // iohgatp has no reserved bits
		return true
	}
}

// Check validates mode legality and cross-field consistency against the
// advertised capabilities. A non-nil error means the DC is misconfigured;
// the text is for logs, the caller maps it to the architectural cause.
func (dc *DeviceContext) Check(caps Capabilities, fctl FeatureControl) error {
	tc := dc.TC
	if (tc.EnATS || tc.EnPRI || tc.T2GPA) && !caps.ATS {
		return fmt.Errorf("ATS features enabled without ATS capability")
	}
	if tc.EnPRI && !tc.EnATS {
		return fmt.Errorf("EN_PRI requires EN_ATS")
	}
	if tc.PRPR && !tc.EnPRI {
		return fmt.Errorf("PRPR requires EN_PRI")
	}
	if tc.T2GPA && (!tc.EnATS || dc.IOHGATP.Bare()) {
		return fmt.Errorf("T2GPA requires EN_ATS and a non-Bare iohgatp")
	}
	if (tc.GADE || tc.SADE) && !caps.AMOHWAD {
		return fmt.Errorf("hardware A/D updating enabled without AMO_HWAD capability")
	}
	if tc.DPE && !tc.PDTV {
		return fmt.Errorf("DPE requires PDTV")
	}
	if tc.SBE != fctl.BE && !caps.END {
		return fmt.Errorf("SBE disagrees with fctl.BE without END capability")
	}
	if tc.SXL != fctl.GXL && !caps.END {
		// Without both XLEN families the per-device setting must track
		// the global one.
		if (tc.SXL && !caps.Sv32) || (!tc.SXL && !caps.Sv39) {
			return fmt.Errorf("SXL selects an unsupported XLEN")
		}
	}
	switch dc.IOHGATP.Mode {
	case ATPModeBare:
	case ATPModeSv:
		if fctl.GXL && !caps.Sv32x4 {
			return fmt.Errorf("iohgatp mode Sv32x4 not supported")
		}
		if !fctl.GXL && !caps.Sv39x4 {
			return fmt.Errorf("iohgatp mode Sv39x4 not supported")
		}
		if dc.IOHGATP.PPN&0x3 != 0 {
			// The x4 root spans four pages and must be 16KiB aligned.
			return fmt.Errorf("iohgatp PPN not 16KiB aligned")
		}
	default:
		return fmt.Errorf("iohgatp mode %d reserved", dc.IOHGATP.Mode)
	}
	if tc.PDTV {
		switch dc.FSC.Mode {
		case PDTPModeBare:
		case PDTPModePD8:
			if !caps.PD8 {
				return fmt.Errorf("pdtp mode PD8 not supported")
			}
		case PDTPModePD17:
			if !caps.PD17 {
				return fmt.Errorf("pdtp mode PD17 not supported")
			}
		case PDTPModePD20:
			if !caps.PD20 {
				return fmt.Errorf("pdtp mode PD20 not supported")
			}
		default:
			return fmt.Errorf("pdtp mode %d reserved", dc.FSC.Mode)
		}
	} else {
		if err := checkIOSATPMode(dc.FSC.Mode, tc.SXL, caps); err != nil {
			return err
		}
	}
	if dc.Extended {
		switch dc.MSIPTP.Mode {
		case MSIModeOff:
		case MSIModeFlat:
			if !caps.MSIFlat {
				return fmt.Errorf("msiptp mode Flat not supported")
			}
		default:
			return fmt.Errorf("msiptp mode %d reserved", dc.MSIPTP.Mode)
		}
	}
	return nil
}

func checkIOSATPMode(mode uint8, sxl bool, caps Capabilities) error {
	switch mode {
	case ATPModeBare:
		return nil
	case ATPModeSv:
		if sxl && !caps.Sv32 {
			return fmt.Errorf("iosatp mode Sv32 not supported")
		}
		if !sxl && !caps.Sv39 {
			return fmt.Errorf("iosatp mode Sv39 not supported")
		}
		return nil
	default:
		return fmt.Errorf("iosatp mode %d reserved", mode)
	}
}

// DWords returns the dwords the CDW must fetch for one DC in this format.
func DCDWords(extended bool) int {
	if extended {
		return DCExtendedDWords
	}
	return DCBaseDWords
}

// DCSize returns the byte stride between consecutive DCs in a leaf table.
func DCSize(extended bool) uint64 {
	if extended {
		return DCExtendedSize
	}
	return DCBaseSize
}
