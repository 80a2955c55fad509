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

// Package cdw implements the context-directory walker: on a DDTC or PDTC
// miss it walks the device-directory table and, when process contexts are in
// use, the process-directory table, validating each record field as its
// beats arrive.
//
// When second-stage translation is enabled the process-directory pointers
// are guest-physical and are resolved through the page-table walker's
// implicit-access channel; a second-stage fault there unwinds this walker to
// idle and the page-table walker's report is definitive.
package cdw

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/fault"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/memio"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/ptw"
)

type state int

const (
	stateIdle state = iota
	stateMemAccess
	stateNonLeaf
	stateLeaf
	stateGuestTr
	stateError
)

// Origin carries the fields of the original request a directory fault must
// report.
type Origin struct {
	IOVA      uint64
	Access    arch.AccessType
	Priv      bool
	ProcessID uint32
	PIDValid  bool
}

// Walker resolves device and process contexts from the in-memory
// directories.
type Walker struct {
	mem  memio.ReadPort
	ptw  *ptw.Walker
	caps arch.Capabilities
	fctl arch.FeatureControl
	log  logrus.FieldLogger

	st        state
	level     int
	beatsLeft int
}

// New returns a walker reading directories through mem and delegating
// guest-physical pointer resolution to pw.
func New(mem memio.ReadPort, pw *ptw.Walker, caps arch.Capabilities, fctl arch.FeatureControl, log logrus.FieldLogger) *Walker {
	return &Walker{mem: mem, ptw: pw, caps: caps, fctl: fctl, log: log, st: stateIdle}
}

// ddtWidth returns the device-id bits a DDT of the given depth can index.
func ddtWidth(levels int, extended bool) int {
	w := 0
	for lvl := 0; lvl < levels; lvl++ {
		switch {
		case lvl == 0 && extended:
			w += 6
		case lvl == 0:
			w += 7
		case lvl == 2 && !extended:
			w += 8
		default:
			w += 9
		}
	}
	return w
}

// pdtWidth returns the process-id bits a PDT of the given depth can index.
func pdtWidth(levels int) int {
	switch levels {
	case 1:
		return 8
	case 2:
		return 17
	default:
		return 20
	}
}

// WalkDDT resolves the device context for devID, walking ddtp's directory.
// The walk depth and per-level device-id slices follow the configured mode;
// the leaf is read as a 4- or 7-dword burst depending on the MSI-translation
// capability, and every field is validated as it arrives with the burst
// drained before any fault is reported.
func (w *Walker) WalkDDT(ctx context.Context, ddtp arch.DDTP, devID uint32, org Origin) (*arch.DeviceContext, *fault.Report, error) {
	w.st = stateMemAccess
	defer func() { w.st = stateIdle }()

	extended := w.caps.MSIFlat
	levels := ddtp.Mode.Levels()
	if devID>>uint(ddtWidth(levels, extended)) != 0 {
		return nil, w.report(devID, org, fault.CauseTransTypeDisallowed), nil
	}

	base := ddtp.PPN << arch.PageShift
	for w.level = levels - 1; w.level > 0; w.level-- {
		addr := base + arch.DDTIndex(devID, w.level, extended)*arch.DWordSize
		dw, busOK, err := w.readDWords(ctx, addr, 1)
		if err != nil {
			return nil, nil, err
		}
		if !busOK {
			return nil, w.report(devID, org, fault.CauseDDTDataCorruption), nil
		}
		w.st = stateNonLeaf
		e, reservedOK := arch.DecodeNonLeaf(arch.ToEndian(dw[0], w.fctl.BE))
		if !e.Valid {
			return nil, w.report(devID, org, fault.CauseDDTEntryInvalid), nil
		}
		if !reservedOK {
			return nil, w.report(devID, org, fault.CauseDDTEntryMisconfigured), nil
		}
		base = e.PPN << arch.PageShift
		w.st = stateMemAccess
	}

	w.st = stateLeaf
	addr := base + arch.DDTIndex(devID, 0, extended)*arch.DCSize(extended)
	n := arch.DCDWords(extended)
	dw, busOK, err := w.readDWords(ctx, addr, n)
	if err != nil {
		return nil, nil, err
	}
	if !busOK {
		return nil, w.report(devID, org, fault.CauseDDTDataCorruption), nil
	}
	for i := 0; i < n; i++ {
		dw[i] = arch.ToEndian(dw[i], w.fctl.BE)
	}
	dc := arch.DecodeDeviceContext(dw, extended)
	if !dc.TC.V {
		return nil, w.report(devID, org, fault.CauseDDTEntryInvalid), nil
	}
	for i := 0; i < n; i++ {
		if !arch.DCReservedOK(i, dw[i]) {
			return nil, w.report(devID, org, fault.CauseDDTEntryMisconfigured), nil
		}
	}
	if err := dc.Check(w.caps, w.fctl); err != nil {
		w.log.WithFields(logrus.Fields{
			"device_id": devID,
			"reason":    err,
		}).Debug("cdw: device context misconfigured")
		return nil, w.report(devID, org, fault.CauseDDTEntryMisconfigured), nil
	}
	w.log.WithFields(logrus.Fields{
		"device_id": devID,
		"pdtv":      dc.TC.PDTV,
		"extended":  extended,
	}).Debug("cdw: device context resolved")
	return &dc, nil, nil
}

// WalkPDT resolves the process context for (devID, procID) under dc. With
// second-stage translation enabled the directory lives in guest-physical
// space and every table pointer is translated through the page-table walker
// before use.
func (w *Walker) WalkPDT(ctx context.Context, dc *arch.DeviceContext, devID, procID uint32, org Origin) (*arch.ProcessContext, *fault.Report, error) {
	w.st = stateMemAccess
	defer func() { w.st = stateIdle }()

	levels := arch.PDTLevels(dc.PDTMode())
	if levels == 0 {
		// A Bare process-directory pointer has nothing to walk.
		return nil, w.report(devID, org, fault.CausePDTEntryInvalid), nil
	}
	if procID>>uint(pdtWidth(levels)) != 0 {
		return nil, w.report(devID, org, fault.CauseTransTypeDisallowed), nil
	}

	be := dc.TC.SBE
	base := dc.FSC.PPN << arch.PageShift
	for w.level = levels - 1; w.level > 0; w.level-- {
		addr := base + arch.PDTIndex(procID, w.level)*arch.DWordSize
		pa, flt, err := w.translate(ctx, dc, devID, org, addr)
		if flt != nil || err != nil {
			return nil, flt, err
		}
		dw, busOK, err := w.readDWords(ctx, pa, 1)
		if err != nil {
			return nil, nil, err
		}
		if !busOK {
			return nil, w.report(devID, org, fault.CausePDTDataCorruption), nil
		}
		w.st = stateNonLeaf
		e, reservedOK := arch.DecodeNonLeaf(arch.ToEndian(dw[0], be))
		if !e.Valid {
			return nil, w.report(devID, org, fault.CausePDTEntryInvalid), nil
		}
		if !reservedOK {
			return nil, w.report(devID, org, fault.CausePDTEntryMisconfigured), nil
		}
		base = e.PPN << arch.PageShift
		w.st = stateMemAccess
	}

	w.st = stateLeaf
	addr := base + arch.PDTIndex(procID, 0)*arch.PCSize
	pa, flt, err := w.translate(ctx, dc, devID, org, addr)
	if flt != nil || err != nil {
		return nil, flt, err
	}
	dw, busOK, err := w.readDWords(ctx, pa, arch.PCDWords)
	if err != nil {
		return nil, nil, err
	}
	if !busOK {
		return nil, w.report(devID, org, fault.CausePDTDataCorruption), nil
	}
	for i := range dw {
		dw[i] = arch.ToEndian(dw[i], be)
	}
	pc := arch.DecodeProcessContext(dw)
	if !pc.V {
		return nil, w.report(devID, org, fault.CausePDTEntryInvalid), nil
	}
	for i := range dw {
		if !arch.PCReservedOK(i, dw[i]) {
			return nil, w.report(devID, org, fault.CausePDTEntryMisconfigured), nil
		}
	}
	if err := pc.Check(w.caps, dc.TC.SXL); err != nil {
		w.log.WithFields(logrus.Fields{
			"device_id":  devID,
			"process_id": procID,
			"reason":     err,
		}).Debug("cdw: process context misconfigured")
		return nil, w.report(devID, org, fault.CausePDTEntryMisconfigured), nil
	}
	w.log.WithFields(logrus.Fields{
		"device_id":  devID,
		"process_id": procID,
	}).Debug("cdw: process context resolved")
	return &pc, nil, nil
}

// translate resolves a directory address through stage two when the device
// context enables it. On a fault the page-table walker's implicit-access
// report is returned as-is; this walker adds nothing and simply unwinds.
func (w *Walker) translate(ctx context.Context, dc *arch.DeviceContext, devID uint32, org Origin, gpa uint64) (uint64, *fault.Report, error) {
	if dc.IOHGATP.Bare() {
		return gpa, nil, nil
	}
	w.st = stateGuestTr
	defer func() { w.st = stateMemAccess }()
	req := &ptw.Request{
		IOVA:      org.IOVA,
		Access:    org.Access,
		DeviceID:  devID,
		ProcessID: org.ProcessID,
		PIDValid:  org.PIDValid,
		Priv:      org.Priv,
		GSCID:     dc.IOHGATP.GSCID,
		IOHGATP:   dc.IOHGATP,
		GXL:       w.fctl.GXL,
		BigEndian: dc.TC.SBE,
	}
	pa, flt, err := w.ptw.TranslateGPA(ctx, req, gpa)
	if err != nil {
		return 0, nil, err
	}
	if flt != nil {
		w.st = stateIdle
		return 0, flt, nil
	}
	return pa, nil, nil
}

// readDWords issues one burst and drains every beat before acting on any
// error, so a mid-record fault never leaves the bus mid-burst.
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

func (w *Walker) report(devID uint32, org Origin, cause fault.Cause) *fault.Report {
	w.st = stateError
	return &fault.Report{
		Cause:     cause,
		TType:     fault.TTypeFor(org.Access),
		IOVA:      org.IOVA,
		DeviceID:  devID,
		ProcessID: org.ProcessID,
		PIDValid:  org.PIDValid,
		Priv:      org.Priv,
	}
}
