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

// Capabilities mirrors the feature bits the register file advertises. The
// translation engine only consumes them; discovery and programming belong to
// the register-file collaborator.
type Capabilities struct {
	// First-stage translation schemes.
	Sv32 bool
	Sv39 bool

	// Second-stage translation schemes.
	Sv32x4 bool
	Sv39x4 bool

	// MSI translation support. MSIFlat enables the extended 64-byte device
	// context with the flat MSI page table. MRIF mode is advertised only
	// for decode legality; the engine does not implement it.
	MSIFlat bool
	MSIMRIF bool

	// AMOHWAD advertises hardware A/D-bit updating; device contexts may
	// set GADE/SADE only when it is present.
	AMOHWAD bool

	// ATS advertises PCIe Address Translation Services; EN_ATS, EN_PRI and
	// T2GPA in a device context require it.
	ATS bool

	// Process-directory table depths.
	PD8  bool
	PD17 bool
	PD20 bool

	// END advertises that both endiannesses are supported for in-memory
	// structures.
	END bool
}

// FeatureControl mirrors the fctl register fields the engine consumes.
type FeatureControl struct {
	// BE selects big-endian interpretation of in-memory structures.
	BE bool
	// GXL selects the 32-bit (Sv32 family) guest scheme when set.
	GXL bool
}

// DDTMode is the ddtp.MODE field.
type DDTMode uint8

const (
	DDTOff DDTMode = iota
	DDTBare
	DDT1Level
	DDT2Level
	DDT3Level
)

// Levels returns the directory depth, or 0 for Off/Bare.
func (m DDTMode) Levels() int {
	switch m {
	case DDT1Level:
		return 1
	case DDT2Level:
		return 2
	case DDT3Level:
		return 3
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (m DDTMode) String() string {
	switch m {
	case DDTOff:
		return "Off"
	case DDTBare:
		return "Bare"
	case DDT1Level:
		return "1LVL"
	case DDT2Level:
		return "2LVL"
	case DDT3Level:
		return "3LVL"
	default:
		return "reserved"
	}
}

// DDTP is the device-directory-table pointer register.
type DDTP struct {
	Mode DDTMode
	PPN  uint64
}

// ATP mode encodings shared by iosatp, iohgatp and pdtp. The numeric values
// follow the register formats: under the 64-bit XL setting 8 selects the
// Sv39 family, under the 32-bit setting 8 selects the Sv32 family.
const (
	ATPModeBare = 0
	ATPModeSv   = 8

	PDTPModeBare = 0
	PDTPModePD20 = 1
	PDTPModePD17 = 2
	PDTPModePD8  = 3
)

// IOHGATP is the decoded second-stage root pointer from a device context.
type IOHGATP struct {
	PPN   uint64
	GSCID uint32
	Mode  uint8
}

// Bare reports whether second-stage translation is disabled.
func (g IOHGATP) Bare() bool {
	return g.Mode == ATPModeBare
}

// Scheme resolves the second-stage SVMode under the given guest XLEN.
func (g IOHGATP) Scheme(gxl bool) SVMode {
	if gxl {
		return Sv32x4
	}
	return Sv39x4
}

// IOSATP is a decoded first-stage root pointer (a device context fsc with
// PDTV clear, or a process context fsc).
type IOSATP struct {
	PPN  uint64
	Mode uint8
}

// Bare reports whether first-stage translation is disabled.
func (s IOSATP) Bare() bool {
	return s.Mode == ATPModeBare
}

// Scheme resolves the first-stage SVMode under the given XLEN setting.
func (s IOSATP) Scheme(sxl bool) SVMode {
	if sxl {
		return Sv32
	}
	return Sv39
}
