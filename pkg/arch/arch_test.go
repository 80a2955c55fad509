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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestVPNSegmentation(t *testing.T) {
	// Sv39: 9-bit segments above the 12-bit offset.
	iova := uint64(0x1_2345_6789)
	if got := Sv39.VPN(iova, 0); got != (iova>>12)&0x1ff {
		t.Errorf("VPN[0] = %#x", got)
	}
	if got := Sv39.VPN(iova, 1); got != (iova>>21)&0x1ff {
		t.Errorf("VPN[1] = %#x", got)
	}
	if got := Sv39.VPN(iova, 2); got != (iova>>30)&0x1ff {
		t.Errorf("VPN[2] = %#x", got)
	}
	// The x4 root widens by two bits.
	if got := Sv39x4.VPN(uint64(3)<<39|iova, 2); got != (uint64(3)<<39|iova)>>30&0x7ff {
		t.Errorf("x4 VPN[2] = %#x", got)
	}
	// Sv32: 10-bit segments.
	if got := Sv32.VPN(0xffc0_1000, 1); got != 0x3ff {
		t.Errorf("Sv32 VPN[1] = %#x", got)
	}
}

func TestDecodePTERoundTrip(t *testing.T) {
	want := PTE{Valid: true, R: true, W: true, U: true, G: true, A: true, D: true, PPN: 0x12345}
	got, ok := DecodePTE(EncodePTE(want), Sv39)
	if !ok {
		t.Fatal("reserved bits reported on a clean entry")
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(PTE{}, "Raw")); diff != "" {
		t.Fatalf("PTE mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodePTEReservedBits(t *testing.T) {
	raw := EncodePTE(PTE{Valid: true, R: true, A: true, PPN: 1})
	for _, bit := range []int{54, 60, 61, 63} {
		if _, ok := DecodePTE(raw|1<<uint(bit), Sv39); ok {
			t.Errorf("bit %d set not reported as reserved", bit)
		}
	}
	// Sv32 has no high reserved bits; the upper word is ignored.
	if _, ok := DecodePTE(raw|1<<63, Sv32); !ok {
		t.Error("Sv32 decode flagged a bit outside the entry")
	}
}

func TestPTELeafAndAlignment(t *testing.T) {
	nonleaf := PTE{Valid: true, PPN: 0x100}
	if nonleaf.IsLeaf() {
		t.Error("pointer entry classified as leaf")
	}
	leaf := PTE{Valid: true, R: true, PPN: 0x201}
	if !leaf.IsLeaf() {
		t.Error("leaf not classified")
	}
	if leaf.Misaligned(Sv39, 0) {
		t.Error("4KiB leaf reported misaligned")
	}
	if !leaf.Misaligned(Sv39, 1) {
		t.Error("2MiB leaf with low PPN bits not reported misaligned")
	}
	aligned := PTE{Valid: true, R: true, PPN: 0x200}
	if aligned.Misaligned(Sv39, 1) {
		t.Error("aligned 2MiB leaf reported misaligned")
	}
}

func TestPermits(t *testing.T) {
	user := PTE{R: true, W: true, X: true, U: true}
	sup := PTE{R: true, W: true, X: true}
	cases := []struct {
		name string
		pte  PTE
		a    AccessType
		priv bool
		sum  bool
		want bool
	}{
		{"user-read", user, AccessRead, false, false, true},
		{"user-exec", user, AccessExec, false, false, true},
		{"sup-page-user-req", sup, AccessRead, false, false, false},
		{"sup-read", sup, AccessRead, true, false, true},
		{"sup-to-user-no-sum", user, AccessRead, true, false, false},
		{"sup-to-user-sum", user, AccessRead, true, true, true},
		{"sup-exec-user-page", user, AccessExec, true, true, false},
		{"no-write", PTE{R: true, U: true}, AccessWrite, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pte.Permits(tc.a, tc.priv, tc.sum); got != tc.want {
				t.Errorf("Permits = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestADOK(t *testing.T) {
	p := PTE{A: true}
	if !p.ADOK(AccessRead) {
		t.Error("accessed read refused")
	}
	if p.ADOK(AccessWrite) {
		t.Error("clean page accepted a store")
	}
	if (PTE{}).ADOK(AccessRead) {
		t.Error("untouched page accepted an access")
	}
}

func baseDCWords() []uint64 {
	// Valid DC: V set, iohgatp Bare, fsc Bare.
	return []uint64{1, 0, 0, 0}
}

func TestDecodeDeviceContext(t *testing.T) {
	dw := []uint64{
		1 | 1<<5 | 1<<9,                        // V, PDTV, DPE
		0x123 | uint64(42)<<44 | uint64(8)<<60, // iohgatp: PPN, GSCID, Sv39x4
		uint64(77) << 12,                       // ta: PSCID
		0x456 | uint64(PDTPModePD8)<<60,        // fsc: pdtp PD8
	}
	dc := DecodeDeviceContext(dw, false)
	if !dc.TC.V || !dc.TC.PDTV || !dc.TC.DPE {
		t.Error("tc bits lost")
	}
	if dc.IOHGATP.PPN != 0x123 || dc.IOHGATP.GSCID != 42 || dc.IOHGATP.Mode != 8 {
		t.Errorf("iohgatp = %+v", dc.IOHGATP)
	}
	if dc.PSCID != 77 {
		t.Errorf("PSCID = %d", dc.PSCID)
	}
	if dc.FSC.PPN != 0x456 || dc.FSC.Mode != PDTPModePD8 {
		t.Errorf("fsc = %+v", dc.FSC)
	}
}

func TestDCReservedBits(t *testing.T) {
	dw := baseDCWords()
	dw[0] |= 1 << 40 // reserved tc bit
	if DCReservedOK(0, dw[0]) {
		t.Error("reserved tc bit not flagged")
	}
	if !DCReservedOK(0, 1) {
		t.Error("clean tc flagged")
	}
	if DCReservedOK(3, uint64(1)<<50) {
		t.Error("reserved fsc bit not flagged")
	}
	if DCReservedOK(2, 1) {
		t.Error("reserved ta bit not flagged")
	}
}

func TestDCCheck(t *testing.T) {
	caps := Capabilities{Sv39: true, Sv39x4: true, PD8: true, ATS: true, MSIFlat: true}
	fctl := FeatureControl{}

	dc := DecodeDeviceContext(baseDCWords(), false)
	if err := dc.Check(caps, fctl); err != nil {
		t.Errorf("valid bare DC rejected: %v", err)
	}

	// Sv39 first stage, Sv39x4 second stage.
	dw := baseDCWords()
	dw[1] = 0x4 | uint64(8)<<60
	dw[3] = 0x10 | uint64(8)<<60
	dc = DecodeDeviceContext(dw, false)
	if err := dc.Check(caps, fctl); err != nil {
		t.Errorf("two-stage DC rejected: %v", err)
	}

	// Reserved iohgatp mode.
	dw[1] = uint64(5) << 60
	dc = DecodeDeviceContext(dw, false)
	if err := dc.Check(caps, fctl); err == nil {
		t.Error("reserved iohgatp mode accepted")
	}

	// Misaligned x4 root.
	dw[1] = 0x5 | uint64(8)<<60
	dc = DecodeDeviceContext(dw, false)
	if err := dc.Check(caps, fctl); err == nil {
		t.Error("misaligned iohgatp PPN accepted")
	}

	// EN_PRI without EN_ATS.
	dw = baseDCWords()
	dw[0] |= 1 << 2
	dc = DecodeDeviceContext(dw, false)
	if err := dc.Check(caps, fctl); err == nil {
		t.Error("EN_PRI without EN_ATS accepted")
	}

	// GADE without the AMO capability.
	dw = baseDCWords()
	dw[0] |= 1 << 7
	dc = DecodeDeviceContext(dw, false)
	if err := dc.Check(caps, fctl); err == nil {
		t.Error("GADE without AMO_HWAD accepted")
	}

	// PD17 without the capability.
	dw = baseDCWords()
	dw[0] |= 1 << 5
	dw[3] = uint64(2) << 60
	dc = DecodeDeviceContext(dw, false)
	if err := dc.Check(caps, fctl); err == nil {
		t.Error("unsupported pdtp mode accepted")
	}
}

func TestDecodeProcessContext(t *testing.T) {
	dw := []uint64{
		1 | 1<<1 | 1<<2 | uint64(99)<<12,
		0x789 | uint64(8)<<60,
	}
	pc := DecodeProcessContext(dw)
	if !pc.V || !pc.ENS || !pc.SUM || pc.PSCID != 99 {
		t.Errorf("ta fields lost: %+v", pc)
	}
	if pc.FSC.PPN != 0x789 || pc.FSC.Mode != 8 {
		t.Errorf("fsc = %+v", pc.FSC)
	}
	if PCReservedOK(0, 1<<5) {
		t.Error("reserved ta bit not flagged")
	}
	if !PCReservedOK(0, dw[0]) {
		t.Error("clean ta flagged")
	}
}

func TestDirectoryIndexSlices(t *testing.T) {
	devID := uint32(0xABCDEF)
	// Base format: 7/9/8 from the bottom.
	if got := DDTIndex(devID, 0, false); got != uint64(devID&0x7f) {
		t.Errorf("DDI[0] = %#x", got)
	}
	if got := DDTIndex(devID, 1, false); got != uint64(devID>>7&0x1ff) {
		t.Errorf("DDI[1] = %#x", got)
	}
	if got := DDTIndex(devID, 2, false); got != uint64(devID>>16&0xff) {
		t.Errorf("DDI[2] = %#x", got)
	}
	// Extended format: 6/9/9.
	if got := DDTIndex(devID, 0, true); got != uint64(devID&0x3f) {
		t.Errorf("extended DDI[0] = %#x", got)
	}
	if got := DDTIndex(devID, 2, true); got != uint64(devID>>15&0x1ff) {
		t.Errorf("extended DDI[2] = %#x", got)
	}

	procID := uint32(0xFFFFF)
	if got := PDTIndex(procID, 0); got != 0xff {
		t.Errorf("PDI[0] = %#x", got)
	}
	if got := PDTIndex(procID, 1); got != 0x1ff {
		t.Errorf("PDI[1] = %#x", got)
	}
	if got := PDTIndex(procID, 2); got != 0x7 {
		t.Errorf("PDI[2] = %#x", got)
	}
}

func TestMSIAddressMatch(t *testing.T) {
	// Mask selects which page-number bits are wildcards.
	mask := uint64(0xff)
	pattern := uint64(0x300)
	if !MSIAddressMatch(0x3ab<<PageShift, mask, pattern) {
		t.Error("address within the masked pattern did not match")
	}
	if MSIAddressMatch(0x4ab<<PageShift, mask, pattern) {
		t.Error("address outside the pattern matched")
	}
	if got := MSIInterruptFileIndex(0x3ab<<PageShift, mask); got != 0xab {
		t.Errorf("interrupt file index = %#x, want 0xab", got)
	}
	// Sparse mask bits compress.
	if got := MSIInterruptFileIndex(0x5<<PageShift, 0x5); got != 0x3 {
		t.Errorf("sparse index = %#x, want 0x3", got)
	}
}

func TestDecodeNonLeaf(t *testing.T) {
	e, ok := DecodeNonLeaf(EncodeNonLeaf(0x123))
	if !ok || !e.Valid || e.PPN != 0x123 {
		t.Errorf("round trip lost: %+v ok=%v", e, ok)
	}
	if _, ok := DecodeNonLeaf(1 | 1<<4); ok {
		t.Error("reserved low bits not flagged")
	}
	if _, ok := DecodeNonLeaf(1 | 1<<60); ok {
		t.Error("reserved high bits not flagged")
	}
}

func TestToEndian(t *testing.T) {
	if got := ToEndian(0x0102030405060708, false); got != 0x0102030405060708 {
		t.Errorf("little endian changed: %#x", got)
	}
	if got := ToEndian(0x0102030405060708, true); got != 0x0807060504030201 {
		t.Errorf("byte swap wrong: %#x", got)
	}
}
