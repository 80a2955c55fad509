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

// Package iommu wires the translation engine together: caches in front of
// walkers, fault reporting out to the fault-queue collaborator, and the
// invalidation entry points exposed to the command-queue collaborator.
package iommu

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/cdw"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/ctxcache"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/fault"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/iotlb"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/memio"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/ptw"
)

// RegisterFile is the control-plane surface the engine consumes. The
// programmable register file implements it; tests and the CLI use Static.
type RegisterFile interface {
	DDTP() arch.DDTP
	Capabilities() arch.Capabilities
	FeatureControl() arch.FeatureControl
}

// Static is a fixed register-file snapshot.
type Static struct {
	DDTPReg arch.DDTP
	Caps    arch.Capabilities
	Fctl    arch.FeatureControl
}

// DDTP implements RegisterFile.
func (s *Static) DDTP() arch.DDTP { return s.DDTPReg }

// Capabilities implements RegisterFile.
func (s *Static) Capabilities() arch.Capabilities { return s.Caps }

// FeatureControl implements RegisterFile.
func (s *Static) FeatureControl() arch.FeatureControl { return s.Fctl }

// Config sizes the caches.
type Config struct {
	IOTLBWays int
	DDTCWays  int
	PDTCWays  int
}

// DefaultConfig mirrors the reference geometry.
func DefaultConfig() Config {
	return Config{IOTLBWays: 32, DDTCWays: 8, PDTCWays: 8}
}

// Validate checks the geometry.
func (c Config) Validate() error {
	for _, w := range []int{c.IOTLBWays, c.DDTCWays, c.PDTCWays} {
		if w < 2 || w > 64 || w&(w-1) != 0 {
			return fmt.Errorf("cache ways must be a power of two in [2, 64], got %d", w)
		}
	}
	return nil
}

// Request is one inbound untranslated transaction.
type Request struct {
	DeviceID  uint32
	ProcessID uint32
	PIDValid  bool
	IOVA      uint64
	Access    arch.AccessType
	Priv      bool
}

// Result is a successful translation.
type Result struct {
	// PA is the translated physical address; for an MSI redirect it is
	// the interrupt-file write target.
	PA uint64

	// PageSize is the granularity of the translation in bytes (PageSize
	// for MSI redirects and Bare pass-through).
	PageSize uint64

	IsMSI bool

	// FromIOTLB marks a translation served without walking.
	FromIOTLB bool
}

// IOMMU is one translation-engine instance: an IOTLB and context caches in
// front of a CDW/PTW walker pair. An instance serves one logical request at
// a time; independent device streams each get their own instance, sharing
// nothing but the memory port and register file.
type IOMMU struct {
	regs RegisterFile
	mem  memio.ReadPort
	sink fault.Sink
	log  logrus.FieldLogger

	tlb  *iotlb.Cache
	ctxc *ctxcache.Set
	ptw  *ptw.Walker
	cdw  *cdw.Walker

	mu sync.Mutex
}

// New builds an engine instance.
func New(regs RegisterFile, mem memio.ReadPort, sink fault.Sink, cfg Config, log logrus.FieldLogger) (*IOMMU, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("iommu: %w", err)
	}
	if sink == nil {
		sink = fault.DiscardSink{}
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	tlb, err := iotlb.New(cfg.IOTLBWays)
	if err != nil {
		return nil, err
	}
	ctxc, err := ctxcache.NewSet(cfg.DDTCWays, cfg.PDTCWays)
	if err != nil {
		return nil, err
	}
	pw := ptw.New(mem, log)
	return &IOMMU{
		regs: regs,
		mem:  mem,
		sink: sink,
		log:  log,
		tlb:  tlb,
		ctxc: ctxc,
		ptw:  pw,
		cdw:  cdw.New(mem, pw, regs.Capabilities(), regs.FeatureControl(), log),
	}, nil
}

// Translate resolves one request. On a fault it delivers exactly one report
// to the fault sink and returns the report as the error; cache state is
// never touched by a failed walk.
func (m *IOMMU) Translate(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ddtp := m.regs.DDTP()
	fctl := m.regs.FeatureControl()
	org := cdw.Origin{
		IOVA:      req.IOVA,
		Access:    req.Access,
		Priv:      req.Priv,
		ProcessID: req.ProcessID,
		PIDValid:  req.PIDValid,
	}

	switch ddtp.Mode {
	case arch.DDTOff:
		return nil, m.fail(nil, m.newReport(req, fault.CauseAllInboundDisallowed))
	case arch.DDTBare:
		// Pass-through; nothing is cached.
		return &Result{PA: req.IOVA, PageSize: arch.PageSize}, nil
	}

	dc, hit := m.ctxc.DDTC.Lookup(req.DeviceID)
	if !hit {
		dcp, flt, err := m.cdw.WalkDDT(ctx, ddtp, req.DeviceID, org)
		if err != nil {
			return nil, err
		}
		if flt != nil {
			return nil, m.fail(nil, flt)
		}
		dc = *dcp
		m.ctxc.DDTC.Update(req.DeviceID, dc)
	}

	// Resolve the first-stage root: directly from the DC, or through a
	// process context when the device uses a process directory.
	var (
		iosatp arch.IOSATP
		pscid  uint32
		sum    bool
	)
	if dc.TC.PDTV {
		procID := req.ProcessID
		if !req.PIDValid {
			if !dc.TC.DPE {
				return nil, m.fail(&dc, m.newReport(req, fault.CauseTransTypeDisallowed))
			}
			// Default-process enable: walk as process 0.
			procID = 0
		}
		pc, hit := m.ctxc.PDTC.Lookup(req.DeviceID, procID)
		if !hit {
			pcp, flt, err := m.cdw.WalkPDT(ctx, &dc, req.DeviceID, procID, org)
			if err != nil {
				return nil, err
			}
			if flt != nil {
				return nil, m.fail(&dc, flt)
			}
			pc = *pcp
			m.ctxc.PDTC.Update(req.DeviceID, procID, pc)
		}
		if req.Priv && !pc.ENS {
			return nil, m.fail(&dc, m.newReport(req, fault.CauseTransTypeDisallowed))
		}
		iosatp = pc.IOSATP()
		pscid = pc.PSCID
		sum = pc.SUM
	} else {
		if req.PIDValid {
			// The device is not configured for process contexts.
			return nil, m.fail(&dc, m.newReport(req, fault.CauseTransTypeDisallowed))
		}
		iosatp = dc.IOSATP()
		pscid = dc.PSCID
	}

	s1 := !iosatp.Bare()
	s2 := !dc.IOHGATP.Bare()

	key := iotlb.Key{
		IOVA:      req.IOVA,
		PSCID:     pscid,
		GSCID:     dc.IOHGATP.GSCID,
		S1Enabled: s1,
		S2Enabled: s2,
	}
	if e, ok := m.tlb.Lookup(key); ok {
		if flt := m.checkCached(req, &e, sum); flt != nil {
			return nil, m.fail(&dc, flt)
		}
		return &Result{
			PA:        e.PhysAddr(req.IOVA),
			PageSize:  e.SizeBytes(),
			FromIOTLB: true,
		}, nil
	}

	wreq := &ptw.Request{
		IOVA:       req.IOVA,
		Access:     req.Access,
		Priv:       req.Priv,
		SUM:        sum,
		DeviceID:   req.DeviceID,
		ProcessID:  req.ProcessID,
		PIDValid:   req.PIDValid,
		PSCID:      pscid,
		GSCID:      dc.IOHGATP.GSCID,
		IOSATP:     iosatp,
		IOHGATP:    dc.IOHGATP,
		SXL:        dc.TC.SXL,
		GXL:        fctl.GXL,
		BigEndian:  dc.TC.SBE,
		MSIEnabled: dc.Extended && dc.MSIPTP.Mode == arch.MSIModeFlat,
		MSIPPN:     dc.MSIPTP.PPN,
		MSIMask:    dc.MSIMask,
		MSIPattern: dc.MSIPattern,
	}
	res, flt, err := m.ptw.Walk(ctx, wreq)
	if err != nil {
		return nil, err
	}
	if flt != nil {
		return nil, m.fail(&dc, flt)
	}
	if res.Cacheable {
		m.tlb.Update(res.Entry)
	}
	out := &Result{PA: res.PA, PageSize: res.Entry.SizeBytes(), IsMSI: res.IsMSI}
	if res.IsMSI || (!s1 && !s2) {
		out.PageSize = arch.PageSize
	}
	return out, nil
}

// checkCached re-applies the permission rules to an IOTLB hit. A cached
// entry can satisfy a stricter access than it was created by only if the
// leaves allow it; otherwise the request faults without walking.
func (m *IOMMU) checkCached(req Request, e *iotlb.Entry, sum bool) *fault.Report {
	if e.S1Enabled && (!e.PTE1.Permits(req.Access, req.Priv, sum) || !e.PTE1.ADOK(req.Access)) {
		r := m.newReport(req, fault.PageFault(req.Access))
		return r
	}
	if e.S2Enabled && (!e.PTE2.Permits(req.Access, false, false) || !e.PTE2.ADOK(req.Access)) {
		r := m.newReport(req, fault.GuestPageFault(req.Access))
		r.GuestFault = true
		r.BadGPA = e.GuestPhysAddr(req.IOVA)
		r.BadGPAValid = true
		return r
	}
	return nil
}

func (m *IOMMU) newReport(req Request, cause fault.Cause) *fault.Report {
	return &fault.Report{
		Cause:     cause,
		TType:     fault.TTypeFor(req.Access),
		IOVA:      req.IOVA,
		DeviceID:  req.DeviceID,
		ProcessID: req.ProcessID,
		PIDValid:  req.PIDValid,
		Priv:      req.Priv,
	}
}

// fail delivers the report and returns it as the error. A device context
// with DTF set suppresses reporting of post-DC faults; directory-level
// faults are always reported because DTF is not yet trusted while the DC
// itself is being resolved.
func (m *IOMMU) fail(dc *arch.DeviceContext, r *fault.Report) error {
	suppress := dc != nil && dc.TC.DTF && !ddtLevelCause(r.Cause)
	if !suppress {
		m.sink.Report(*r)
	}
	m.log.WithFields(logrus.Fields{
		"device_id": r.DeviceID,
		"cause":     r.Cause,
		"iova":      r.IOVA,
	}).Debug("iommu: translation fault")
	return r
}

func ddtLevelCause(c fault.Cause) bool {
	switch c {
	case fault.CauseDDTLoadAccessFault, fault.CauseDDTEntryInvalid,
		fault.CauseDDTEntryMisconfigured, fault.CauseDDTDataCorruption,
		fault.CauseAllInboundDisallowed:
		return true
	}
	return false
}

// InvalidateDDT implements the IODIR.INVAL_DDT command: by device id when dv
// is set, otherwise everything. Process contexts resolved under an
// invalidated device context are dropped with it.
func (m *IOMMU) InvalidateDDT(dv bool, devID uint32) {
	m.ctxc.InvalidateDDT(dv, devID)
}

// InvalidatePDT implements the IODIR.INVAL_PDT command.
func (m *IOMMU) InvalidatePDT(dv, pv bool, devID, procID uint32) {
	m.ctxc.InvalidatePDT(dv, pv, devID, procID)
}

// InvalidateVMA implements the IOTINVAL.VMA command.
func (m *IOMMU) InvalidateVMA(gv, av, pscv bool, gscid, pscid uint32, iova uint64) {
	m.tlb.InvalidateVMA(gv, av, pscv, gscid, pscid, iova)
}

// InvalidateGVMA implements the IOTINVAL.GVMA command.
func (m *IOMMU) InvalidateGVMA(gv, av bool, gscid uint32, gpa uint64) {
	m.tlb.InvalidateGVMA(gv, av, gscid, gpa)
}

// IOTLB exposes the cache for white-box tests.
func (m *IOMMU) IOTLB() *iotlb.Cache { return m.tlb }

// ContextCaches exposes the DDTC/PDTC pair for white-box tests.
func (m *IOMMU) ContextCaches() *ctxcache.Set { return m.ctxc }
