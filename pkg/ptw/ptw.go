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

// Package ptw implements the page-table walker: first-stage and second-stage
// radix walks, their composition, and MSI address detection for stores that
// target a virtual interrupt file.
//
// The walker is a strictly sequential state machine. A walk holds at most
// one outstanding memory read; a second-stage sub-walk triggered mid-way
// through a first-stage walk is a state re-entry of the same walker, not a
// concurrent walk.
package ptw

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/fault"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/iotlb"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/memio"
)

// Stage tags what the walker is currently resolving.
type Stage int

const (
	// Stage1 walks the process/guest-virtual address space.
	Stage1 Stage = iota
	// Stage2Intermediate resolves a non-final guest-physical pointer
	// produced mid-walk by stage one.
	Stage2Intermediate
	// Stage2Final resolves the final guest-physical address once stage
	// one produced a leaf.
	Stage2Final
)

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case Stage1:
		return "stage1"
	case Stage2Intermediate:
		return "stage2-intermediate"
	default:
		return "stage2-final"
	}
}

type state int

const (
	stateIdle state = iota
	stateMemAccess
	statePTELookup
	statePropagateError
)

// Request is one translation to resolve, with the contexts already looked
// up by the caller.
type Request struct {
	IOVA   uint64
	Access arch.AccessType

	// Priv marks a supervisor-privilege request; SUM is taken from the
	// process context.
	Priv bool
	SUM  bool

	DeviceID  uint32
	ProcessID uint32
	PIDValid  bool

	PSCID uint32
	GSCID uint32

	IOSATP  arch.IOSATP
	IOHGATP arch.IOHGATP
	SXL     bool
	GXL     bool

	BigEndian bool

	// MSI redirect configuration from the device context. Zero values
	// disable detection.
	MSIEnabled bool
	MSIPPN     uint64
	MSIMask    uint64
	MSIPattern uint64

	// Implicit marks a CDW-origin walk; its result must not reach the
	// IOTLB.
	Implicit bool
}

// Result is a successful walk.
type Result struct {
	// PA is the final translated address (for MSI redirects, the
	// interrupt-file write target).
	PA uint64

	// GPA is the guest-physical address after stage one.
	GPA uint64

	// Entry is the IOTLB update record. Cacheable is clear for MSI
	// redirects and implicit walks, which must not be inserted.
	Entry     iotlb.Entry
	Cacheable bool

	IsMSI  bool
	MSIPTE arch.MSIPTE
}

// Walker is a single-request page-table walker bound to one memory port.
type Walker struct {
	mem memio.ReadPort
	log logrus.FieldLogger

	// Walk registers; live only between Walk entry and exit.
	st        state
	stage     Stage
	level     int
	beatsLeft int
}

// New returns a walker reading page tables through mem.
func New(mem memio.ReadPort, log logrus.FieldLogger) *Walker {
	return &Walker{mem: mem, log: log, st: stateIdle}
}

// Walk resolves req to a physical address, walking whichever stages its
// root pointers enable. On a fault the walker unwinds to idle and returns
// the report; no partial result is produced.
func (w *Walker) Walk(ctx context.Context, req *Request) (*Result, *fault.Report, error) {
	w.st = stateIdle
	defer func() { w.st = stateIdle }()

	s1 := !req.IOSATP.Bare()
	s2 := !req.IOHGATP.Bare()

	var (
		pte1   arch.PTE
		s1lvl  int
		global bool
	)
	gpa := req.IOVA
	if s1 {
		var flt *fault.Report
		var err error
		pte1, s1lvl, global, flt, err = w.walkFirstStage(ctx, req, s2)
		if flt != nil || err != nil {
			return nil, flt, err
		}
		m := req.IOSATP.Scheme(req.SXL)
		mask := m.LevelSize(s1lvl) - 1
		gpa = pte1.PPN<<arch.PageShift&^mask | req.IOVA&mask
		pte1.G = pte1.G || global
	}

	// MSI detection applies to the guest-physical address, before any
	// final second-stage walk, and only to stores.
	if req.MSIEnabled && req.Access == arch.AccessWrite &&
		arch.MSIAddressMatch(gpa, req.MSIMask, req.MSIPattern) {
		return w.walkMSI(ctx, req, gpa)
	}

	var (
		pte2  arch.PTE
		s2lvl int
	)
	pa := gpa
	if s2 {
		var flt *fault.Report
		var err error
		pte2, s2lvl, flt, err = w.walkSecondStage(ctx, req, gpa, Stage2Final)
		if flt != nil || err != nil {
			return nil, flt, err
		}
		m := req.IOHGATP.Scheme(req.GXL)
		mask := m.LevelSize(s2lvl) - 1
		pa = pte2.PPN<<arch.PageShift&^mask | gpa&mask
	}

	res := &Result{
		PA:  pa,
		GPA: gpa,
		Entry: iotlb.Entry{
			VPN:       req.IOVA >> arch.PageShift,
			PSCID:     req.PSCID,
			GSCID:     req.GSCID,
			S1Enabled: s1,
			S2Enabled: s2,
			S1Mega:    s1lvl == 1,
			S1Giga:    s1lvl == 2,
			S2Mega:    s2lvl == 1,
			S2Giga:    s2lvl == 2,
			S1IdxBits: uint8(req.IOSATP.Scheme(req.SXL).IdxBits),
			S2IdxBits: uint8(req.IOHGATP.Scheme(req.GXL).IdxBits),
			PTE1:      pte1,
			PTE2:      pte2,
		},
		Cacheable: !req.Implicit && (s1 || s2),
	}
	w.log.WithFields(logrus.Fields{
		"device_id": req.DeviceID,
		"iova":      req.IOVA,
		"pa":        pa,
		"size":      res.Entry.SizeBytes(),
	}).Debug("ptw: walk complete")
	return res, nil, nil
}

// TranslateGPA resolves a guest-physical pointer on behalf of the
// context-directory walker. The walk is implicit: treated as a read, and the
// result is handed back directly instead of becoming an IOTLB entry. On a
// second-stage fault the report carries the implicit flag and the faulting
// GPA; the caller unwinds without reporting anything further.
func (w *Walker) TranslateGPA(ctx context.Context, req *Request, gpa uint64) (uint64, *fault.Report, error) {
	sub := *req
	sub.Access = arch.AccessRead
	sub.Implicit = true
	pte, lvl, flt, err := w.walkSecondStage(ctx, &sub, gpa, Stage2Intermediate)
	if flt != nil || err != nil {
		return 0, flt, err
	}
	m := req.IOHGATP.Scheme(req.GXL)
	mask := m.LevelSize(lvl) - 1
	return pte.PPN<<arch.PageShift&^mask | gpa&mask, nil, nil
}

// walkFirstStage walks the first-stage table for req.IOVA, returning the
// leaf, its level, and whether any entry on the path had the global bit set.
// Each table pointer is a guest-physical address when stage two is enabled
// and is resolved through a Stage2Intermediate re-entry before the read.
func (w *Walker) walkFirstStage(ctx context.Context, req *Request, s2 bool) (arch.PTE, int, bool, *fault.Report, error) {
	m := req.IOSATP.Scheme(req.SXL)
	w.stage = Stage1

	if !addrInRange(req.IOVA, m) {
		return arch.PTE{}, 0, false, w.pageFault(req), nil
	}

	global := false
	base := req.IOSATP.PPN << arch.PageShift
	for w.level = m.Levels - 1; ; w.level-- {
		level := w.level
		entryAddr := base + m.VPN(req.IOVA, level)*uint64(m.PTESize)
		readAddr := entryAddr
		if s2 {
			// The pointer lives in guest-physical space. Re-enter as
			// a second-stage sub-walk, then resume at this level.
			pa, flt, err := w.resolveGPA(ctx, req, entryAddr, Stage2Intermediate)
			if flt != nil || err != nil {
				return arch.PTE{}, 0, false, flt, err
			}
			w.stage, w.level = Stage1, level
			readAddr = pa
		}

		w.st = stateMemAccess
		pte, reservedOK, flt, err := w.readPTE(ctx, req, readAddr, m)
		if flt != nil || err != nil {
			return arch.PTE{}, 0, false, flt, err
		}

		w.st = statePTELookup
		if !pte.Valid || (pte.W && !pte.R) || !reservedOK {
			return arch.PTE{}, 0, false, w.pageFault(req), nil
		}
		if pte.IsLeaf() {
			if flt := w.checkLeaf(req, pte, m, level, Stage1); flt != nil {
				return arch.PTE{}, 0, false, flt, nil
			}
			return pte, level, global, nil, nil
		}
		// Pointer entry: A, D and U must be clear.
		if pte.NonLeafReservedSet() {
			return arch.PTE{}, 0, false, w.pageFault(req), nil
		}
		global = global || pte.G
		if level == 0 {
			return arch.PTE{}, 0, false, w.pageFault(req), nil
		}
		base = pte.PPN << arch.PageShift
	}
}

// walkSecondStage walks the second-stage table for gpa. stage distinguishes
// the final walk of a translated request from the resolution of an
// intermediate pointer; faults carry the corresponding guest-physical
// address either way.
func (w *Walker) walkSecondStage(ctx context.Context, req *Request, gpa uint64, stage Stage) (arch.PTE, int, *fault.Report, error) {
	m := req.IOHGATP.Scheme(req.GXL)
	w.stage = stage

	if !addrInRange(gpa, m) {
		return arch.PTE{}, 0, w.guestPageFault(req, stage, gpa), nil
	}

	access := req.Access
	if stage == Stage2Intermediate {
		// Resolving a pointer is a read regardless of the request.
		access = arch.AccessRead
	}

	base := req.IOHGATP.PPN << arch.PageShift
	for w.level = m.Levels - 1; ; w.level-- {
		level := w.level
		entryAddr := base + m.VPN(gpa, level)*uint64(m.PTESize)

		w.st = stateMemAccess
		pte, reservedOK, flt, err := w.readPTE(ctx, req, entryAddr, m)
		if flt != nil || err != nil {
			return arch.PTE{}, 0, flt, err
		}

		w.st = statePTELookup
		if !pte.Valid || (pte.W && !pte.R) || !reservedOK {
			return arch.PTE{}, 0, w.guestPageFault(req, stage, gpa), nil
		}
		if pte.IsLeaf() {
			if pte.Misaligned(m, level) || !pte.ADOK(access) ||
				!pte.Permits(access, false, false) {
				return arch.PTE{}, 0, w.guestPageFault(req, stage, gpa), nil
			}
			return pte, level, nil, nil
		}
		if pte.NonLeafReservedSet() || level == 0 {
			return arch.PTE{}, 0, w.guestPageFault(req, stage, gpa), nil
		}
		base = pte.PPN << arch.PageShift
	}
}

// resolveGPA composes a second-stage walk into a physical address.
func (w *Walker) resolveGPA(ctx context.Context, req *Request, gpa uint64, stage Stage) (uint64, *fault.Report, error) {
	pte, lvl, flt, err := w.walkSecondStage(ctx, req, gpa, stage)
	if flt != nil || err != nil {
		return 0, flt, err
	}
	m := req.IOHGATP.Scheme(req.GXL)
	mask := m.LevelSize(lvl) - 1
	return pte.PPN<<arch.PageShift&^mask | gpa&mask, nil, nil
}

// checkLeaf applies the first-stage leaf checks: superpage alignment, the
// A/D update rules, and the permission/privilege rules.
func (w *Walker) checkLeaf(req *Request, pte arch.PTE, m arch.SVMode, level int, stage Stage) *fault.Report {
	if pte.Misaligned(m, level) {
		return w.pageFault(req)
	}
	if !pte.ADOK(req.Access) {
		return w.pageFault(req)
	}
	if !pte.Permits(req.Access, req.Priv, req.SUM) {
		return w.pageFault(req)
	}
	return nil
}

// walkMSI performs the single-level MSI page-table walk for a store whose
// guest-physical address matched the interrupt-file pattern. The result is a
// write destination, never an IOTLB entry.
func (w *Walker) walkMSI(ctx context.Context, req *Request, gpa uint64) (*Result, *fault.Report, error) {
	idx := arch.MSIInterruptFileIndex(gpa, req.MSIMask)
	addr := req.MSIPPN<<arch.PageShift + idx*16

	w.st = stateMemAccess
	dw, busOK, err := w.readDWords(ctx, addr, 1)
	if err != nil {
		return nil, nil, err
	}
	if !busOK {
		return nil, w.report(req, fault.CauseMSIPTDataCorruption, 0, false), nil
	}
	raw := arch.ToEndian(dw[0], req.BigEndian)
	pte, reservedOK := arch.DecodeMSIPTE(raw)
	w.st = statePTELookup
	if !pte.Valid {
		return nil, w.report(req, fault.CauseMSIPTEInvalid, 0, false), nil
	}
	if !reservedOK || pte.C || pte.Mode != arch.MSIPTEModeBasic {
		// MRIF and custom modes are unsupported in the base model.
		return nil, w.report(req, fault.CauseMSIPTEMisconfigured, 0, false), nil
	}
	pa := pte.PPN<<arch.PageShift | gpa&(arch.PageSize-1)
	w.log.WithFields(logrus.Fields{
		"device_id": req.DeviceID,
		"gpa":       gpa,
		"file":      idx,
		"pa":        pa,
	}).Debug("ptw: MSI redirect")
	return &Result{
		PA:        pa,
		GPA:       gpa,
		IsMSI:     true,
		MSIPTE:    pte,
		Cacheable: false,
		Entry: iotlb.Entry{
			VPN:   req.IOVA >> arch.PageShift,
			PSCID: req.PSCID,
			GSCID: req.GSCID,
			MSI:   true,
		},
	}, nil, nil
}

// readPTE fetches and decodes one page-table entry. Four-byte schemes read
// the covering dword and select the half. A bus error becomes a page-table
// data-corruption fault; reserved-bit violations are left to the caller,
// which knows the faulting address of its stage.
func (w *Walker) readPTE(ctx context.Context, req *Request, addr uint64, m arch.SVMode) (arch.PTE, bool, *fault.Report, error) {
	dw, busOK, err := w.readDWords(ctx, addr&^uint64(7), 1)
	if err != nil {
		return arch.PTE{}, false, nil, err
	}
	if !busOK {
		return arch.PTE{}, false, w.report(req, fault.CausePTDataCorruption, 0, false), nil
	}
	raw := arch.ToEndian(dw[0], req.BigEndian)
	if m.PTESize == 4 && addr&4 != 0 {
		raw >>= 32
	}
	pte, reservedOK := arch.DecodePTE(raw, m)
	return pte, reservedOK, nil, nil
}

// readDWords issues one burst and drains every beat, even after a bad one,
// so the memory interface is never left mid-burst.
func (w *Walker) readDWords(ctx context.Context, addr uint64, beats int) ([]uint64, bool, error) {
	ch, err := w.mem.Read(ctx, addr, beats)
	if err != nil {
		return nil, false, err
	}
	data := make([]uint64, 0, beats)
	ok := true
	w.beatsLeft = beats
	for beat := range ch {
		w.beatsLeft--
		if !beat.OK {
			ok = false
		}
		data = append(data, beat.Data)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return data, ok, nil
}

func (w *Walker) pageFault(req *Request) *fault.Report {
	w.st = statePropagateError
	return w.report(req, fault.PageFault(req.Access), 0, false)
}

func (w *Walker) guestPageFault(req *Request, stage Stage, gpa uint64) *fault.Report {
	w.st = statePropagateError
	access := req.Access
	if stage == Stage2Intermediate {
		access = arch.AccessRead
	}
	r := w.report(req, fault.GuestPageFault(access), gpa, true)
	r.GuestFault = true
	return r
}

func (w *Walker) report(req *Request, cause fault.Cause, gpa uint64, gpaValid bool) *fault.Report {
	return &fault.Report{
		Cause:       cause,
		TType:       fault.TTypeFor(req.Access),
		IOVA:        req.IOVA,
		DeviceID:    req.DeviceID,
		ProcessID:   req.ProcessID,
		PIDValid:    req.PIDValid,
		Priv:        req.Priv,
		Implicit:    req.Implicit,
		BadGPA:      gpa,
		BadGPAValid: gpaValid,
	}
}

// addrInRange checks that the address fits the scheme's virtual width.
func addrInRange(addr uint64, m arch.SVMode) bool {
	width := uint(arch.PageShift + m.Levels*m.IdxBits + m.RootXtra)
	if width >= 64 {
		return true
	}
	return addr>>width == 0
}
