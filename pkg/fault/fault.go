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

// Package fault defines the architectural fault causes of the translation
// engine and the report record delivered to the fault-queue collaborator.
package fault

import (
	"fmt"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
)

// Cause is a 12-bit architectural fault cause.
type Cause uint16

// Fault causes. The low range reuses the RISC-V exception encoding; the
// 256+ range is IOMMU-specific.
const (
	CauseInstrAccessFault Cause = 1
	CauseReadAccessFault  Cause = 5
	CauseWriteAccessFault Cause = 7

	CauseInstrPageFault Cause = 12
	CauseReadPageFault  Cause = 13
	CauseWritePageFault Cause = 15

	CauseInstrGuestPageFault Cause = 20
	CauseReadGuestPageFault  Cause = 21
	CauseWriteGuestPageFault Cause = 23

	CauseAllInboundDisallowed  Cause = 256
	CauseDDTLoadAccessFault    Cause = 257
	CauseDDTEntryInvalid       Cause = 258
	CauseDDTEntryMisconfigured Cause = 259
	CauseTransTypeDisallowed   Cause = 260
	CauseMSIPTELoadAccessFault Cause = 261
	CauseMSIPTEInvalid         Cause = 262
	CauseMSIPTEMisconfigured   Cause = 263
	CauseMRIFAccessFault       Cause = 264
	CausePDTLoadAccessFault    Cause = 265
	CausePDTEntryInvalid       Cause = 266
	CausePDTEntryMisconfigured Cause = 267
	CauseDDTDataCorruption     Cause = 268
	CausePDTDataCorruption     Cause = 269
	CauseMSIPTDataCorruption   Cause = 270
	CauseMRIFDataCorruption    Cause = 271
	CauseInternalDataPathError Cause = 272
	CausePTDataCorruption      Cause = 274
)

// String implements fmt.Stringer.
func (c Cause) String() string {
	switch c {
	case CauseInstrAccessFault:
		return "instruction access fault"
	case CauseReadAccessFault:
		return "read access fault"
	case CauseWriteAccessFault:
		return "write access fault"
	case CauseInstrPageFault:
		return "instruction page fault"
	case CauseReadPageFault:
		return "read page fault"
	case CauseWritePageFault:
		return "write page fault"
	case CauseInstrGuestPageFault:
		return "instruction guest page fault"
	case CauseReadGuestPageFault:
		return "read guest page fault"
	case CauseWriteGuestPageFault:
		return "write guest page fault"
	case CauseAllInboundDisallowed:
		return "all inbound transactions disallowed"
	case CauseDDTLoadAccessFault:
		return "DDT entry load access fault"
	case CauseDDTEntryInvalid:
		return "DDT entry not valid"
	case CauseDDTEntryMisconfigured:
		return "DDT entry misconfigured"
	case CauseTransTypeDisallowed:
		return "transaction type disallowed"
	case CauseMSIPTELoadAccessFault:
		return "MSI PTE load access fault"
	case CauseMSIPTEInvalid:
		return "MSI PTE not valid"
	case CauseMSIPTEMisconfigured:
		return "MSI PTE misconfigured"
	case CauseMRIFAccessFault:
		return "MRIF access fault"
	case CausePDTLoadAccessFault:
		return "PDT entry load access fault"
	case CausePDTEntryInvalid:
		return "PDT entry not valid"
	case CausePDTEntryMisconfigured:
		return "PDT entry misconfigured"
	case CauseDDTDataCorruption:
		return "DDT data corruption"
	case CausePDTDataCorruption:
		return "PDT data corruption"
	case CauseMSIPTDataCorruption:
		return "MSI PT data corruption"
	case CauseMRIFDataCorruption:
		return "MSI MRIF data corruption"
	case CauseInternalDataPathError:
		return "internal data path error"
	case CausePTDataCorruption:
		return "page table data corruption"
	default:
		return fmt.Sprintf("cause %d", uint16(c))
	}
}

// IsGuest reports whether the cause is a guest (second-stage) page fault.
func (c Cause) IsGuest() bool {
	switch c {
	case CauseInstrGuestPageFault, CauseReadGuestPageFault, CauseWriteGuestPageFault:
		return true
	}
	return false
}

// PageFault returns the first-stage page-fault cause for an access type.
func PageFault(a arch.AccessType) Cause {
	switch a {
	case AccessTypeWrite:
		return CauseWritePageFault
	case AccessTypeExec:
		return CauseInstrPageFault
	default:
		return CauseReadPageFault
	}
}

// GuestPageFault returns the second-stage page-fault cause for an access
// type.
func GuestPageFault(a arch.AccessType) Cause {
	switch a {
	case AccessTypeWrite:
		return CauseWriteGuestPageFault
	case AccessTypeExec:
		return CauseInstrGuestPageFault
	default:
		return CauseReadGuestPageFault
	}
}

// Aliases so the switch arms above read naturally.
const (
	AccessTypeRead  = arch.AccessRead
	AccessTypeWrite = arch.AccessWrite
	AccessTypeExec  = arch.AccessExec
)

// TType tags the faulting transaction type in a report.
type TType uint8

const (
	TTypeNone TType = iota
	TTypeUntranslatedRead
	TTypeUntranslatedWrite
	TTypeUntranslatedExec
	TTypeTranslatedRead
	TTypeTranslatedWrite
	TTypePCIeATSRequest
	TTypePCIeMessage
)

// TTypeFor maps an untranslated request access to its transaction type.
func TTypeFor(a arch.AccessType) TType {
	switch a {
	case AccessTypeWrite:
		return TTypeUntranslatedWrite
	case AccessTypeExec:
		return TTypeUntranslatedExec
	default:
		return TTypeUntranslatedRead
	}
}

// Report is the record handed to the fault-queue collaborator. Exactly one
// report is produced per failed walk.
type Report struct {
	Cause Cause
	TType TType

	// IOVA is the faulting untranslated address, when applicable.
	IOVA uint64

	DeviceID    uint32
	ProcessID   uint32
	PIDValid    bool
	Priv        bool
	GuestFault  bool
	Implicit    bool
	BadGPA      uint64
	BadGPAValid bool
}

// Error implements error so a fault can flow through error returns without
// losing the report.
func (r *Report) Error() string {
	return fmt.Sprintf("iommu fault: %v (device %#x)", r.Cause, r.DeviceID)
}

// Sink consumes fault reports. The command/fault-queue collaborator
// implements it; tests use a recording stub.
type Sink interface {
	Report(r Report)
}

// DiscardSink drops all reports.
type DiscardSink struct{}

// Report implements Sink.
func (DiscardSink) Report(Report) {}
