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

package iotlb

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
)

func validPTE(ppn uint64) arch.PTE {
	return arch.PTE{Valid: true, R: true, W: true, U: true, A: true, D: true, PPN: ppn}
}

func s1Entry(iova uint64, pscid uint32) Entry {
	return Entry{
		VPN:       iova >> arch.PageShift,
		PSCID:     pscid,
		S1Enabled: true,
		PTE1:      validPTE(0x10),
	}
}

func TestLookupMissOnEmpty(t *testing.T) {
	c, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup(Key{IOVA: 0x4000, S1Enabled: true}); ok {
		t.Fatal("hit on empty cache")
	}
}

func TestUpdateThenLookup(t *testing.T) {
	c, _ := New(8)
	e := s1Entry(0x4000, 7)
	c.Update(e)
	got, ok := c.Lookup(Key{IOVA: 0x4000, PSCID: 7, S1Enabled: true})
	if !ok {
		t.Fatal("miss after update")
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
	// Same page, different offset bits.
	if _, ok := c.Lookup(Key{IOVA: 0x4abc, PSCID: 7, S1Enabled: true}); !ok {
		t.Fatal("miss within the same page")
	}
	// Different PSCID must miss.
	if _, ok := c.Lookup(Key{IOVA: 0x4000, PSCID: 8, S1Enabled: true}); ok {
		t.Fatal("hit with wrong PSCID")
	}
	// Disagreeing stage-enable flags must miss.
	if _, ok := c.Lookup(Key{IOVA: 0x4000, PSCID: 7, S1Enabled: true, S2Enabled: true}); ok {
		t.Fatal("hit with disagreeing stage enables")
	}
}

func TestNoCacheOnInvalid(t *testing.T) {
	c, _ := New(8)
	e := s1Entry(0x4000, 7)
	e.PTE1.Valid = false
	c.Update(e)
	if c.Len() != 0 {
		t.Fatal("invalid translation was cached")
	}

	// A PTE valid only for a disabled stage is equally uncacheable.
	e = Entry{VPN: 4, S2Enabled: true, PTE1: validPTE(0x10)}
	c.Update(e)
	if c.Len() != 0 {
		t.Fatal("update cached with no valid PTE on an enabled stage")
	}
}

func TestSingleHitAfterOverlappingUpdates(t *testing.T) {
	c, _ := New(8)
	c.Update(s1Entry(0x4000, 7))
	c.Update(s1Entry(0x4000, 7))
	if c.Len() != 1 {
		t.Fatalf("duplicate tags resident: %d entries", c.Len())
	}

	// A 2MiB superpage covering the same VPN must displace the 4KiB
	// entry rather than coexist with it.
	super := s1Entry(0x4000, 7)
	super.S1Mega = true
	c.Update(super)
	if c.Len() != 1 {
		t.Fatalf("shadowed entry kept: %d entries", c.Len())
	}
	got, ok := c.Lookup(Key{IOVA: 0x4000, PSCID: 7, S1Enabled: true})
	if !ok || !got.S1Mega {
		t.Fatal("superpage entry not the surviving one")
	}
}

func TestGlobalIgnoresPSCID(t *testing.T) {
	c, _ := New(8)
	e := s1Entry(0x4000, 7)
	e.PTE1.G = true
	c.Update(e)
	if _, ok := c.Lookup(Key{IOVA: 0x4000, PSCID: 99, S1Enabled: true}); !ok {
		t.Fatal("global mapping missed under another PSCID")
	}
}

func TestSuperpageMatch(t *testing.T) {
	c, _ := New(8)
	giga := Entry{
		VPN:       0x40000000 >> arch.PageShift, // VPN[2]=1
		PSCID:     1,
		S1Enabled: true,
		S1Giga:    true,
		PTE1:      validPTE(0x40000),
	}
	c.Update(giga)

	// Any IOVA sharing VPN[2] hits regardless of the lower segments.
	for _, iova := range []uint64{0x40000000, 0x40200000, 0x7fffffff} {
		if _, ok := c.Lookup(Key{IOVA: iova, PSCID: 1, S1Enabled: true}); !ok {
			t.Errorf("1GiB entry missed at %#x", iova)
		}
	}
	if _, ok := c.Lookup(Key{IOVA: 0x80000000, PSCID: 1, S1Enabled: true}); ok {
		t.Error("1GiB entry hit outside its VPN[2]")
	}

	// A 4KiB entry requires an exact three-segment match.
	c2, _ := New(8)
	c2.Update(s1Entry(0x40000000, 1))
	if _, ok := c2.Lookup(Key{IOVA: 0x40001000, PSCID: 1, S1Enabled: true}); ok {
		t.Error("4KiB entry hit a neighboring page")
	}
}

func TestSv32SuperpageRoundTrip(t *testing.T) {
	// An Sv32 megapage spans 4MiB: ten VPN[0] bits fold into the leaf
	// PPN, one more than the Sv39 levels carry.
	e := Entry{
		VPN:       0x200123 >> arch.PageShift,
		PSCID:     1,
		S1Enabled: true,
		S1Mega:    true,
		S1IdxBits: 10,
		PTE1:      validPTE(0x400), // 4MiB aligned: low 10 PPN bits clear
	}
	if got := e.SizeBytes(); got != 4<<20 {
		t.Errorf("SizeBytes() = %#x, want %#x", got, 4<<20)
	}

	c, _ := New(8)
	c.Update(e)
	got, ok := c.Lookup(Key{IOVA: 0x200123, PSCID: 1, S1Enabled: true})
	if !ok {
		t.Fatal("miss after update")
	}
	// The cached reconstruction must agree with the walked translation.
	if pa := got.PhysAddr(0x200123); pa != 0x600123 {
		t.Errorf("cached PhysAddr = %#x, want %#x", pa, 0x600123)
	}

	// Any IOVA sharing VPN[1] hits, including pages past the nine-bit
	// boundary; the next megapage misses.
	for _, iova := range []uint64{0x200000, 0x3ff000, 0x3fffff} {
		if _, ok := c.Lookup(Key{IOVA: iova, PSCID: 1, S1Enabled: true}); !ok {
			t.Errorf("4MiB entry missed at %#x", iova)
		}
	}
	if _, ok := c.Lookup(Key{IOVA: 0x400000, PSCID: 1, S1Enabled: true}); ok {
		t.Error("4MiB entry hit outside its VPN[1]")
	}
}

func TestInvalidateGVMASv32Superpage(t *testing.T) {
	// Sv32x4 second-stage megapage: GVMA matching must use the ten-bit
	// boundary when deciding what an invalidation covers.
	e := Entry{
		VPN:       0x123,
		GSCID:     9,
		S2Enabled: true,
		S2Mega:    true,
		S2IdxBits: 10,
		PTE2:      validPTE(0x800),
	}
	c, _ := New(8)
	c.Update(e)
	// Stage 1 is disabled, so the GPA is the IOVA; page 0x3ff sits in the
	// same megapage as 0x123 only at ten-bit granularity.
	c.InvalidateGVMA(true, true, 9, 0x3ff000)
	if _, ok := c.Lookup(Key{IOVA: 0x123000, GSCID: 9, S2Enabled: true}); ok {
		t.Error("megapage survived GVMA invalidation within its span")
	}
}

func TestPageSizeAlgebra(t *testing.T) {
	cases := []struct {
		name string
		e    Entry
		want uint64
	}{
		{"s1-4k", Entry{S1Enabled: true}, 4 << 10},
		{"s1-2m", Entry{S1Enabled: true, S1Mega: true}, 2 << 20},
		{"s1-1g", Entry{S1Enabled: true, S1Giga: true}, 1 << 30},
		{"both-1g", Entry{S1Enabled: true, S1Giga: true, S2Enabled: true, S2Giga: true}, 1 << 30},
		{"1g-over-2m", Entry{S1Enabled: true, S1Giga: true, S2Enabled: true, S2Mega: true}, 2 << 20},
		{"2m-over-1g", Entry{S1Enabled: true, S1Mega: true, S2Enabled: true, S2Giga: true}, 2 << 20},
		{"2m-over-4k", Entry{S1Enabled: true, S1Mega: true, S2Enabled: true}, 4 << 10},
		{"s2-only-1g", Entry{S2Enabled: true, S2Giga: true}, 1 << 30},
		{"sv32-4m", Entry{S1Enabled: true, S1Mega: true, S1IdxBits: 10}, 4 << 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.e.SizeBytes(); got != tc.want {
				t.Errorf("SizeBytes() = %#x, want %#x", got, tc.want)
			}
		})
	}
}

func TestPhysAddrComposition(t *testing.T) {
	// Stage 1 maps VPN 0x4 to GPA page 0x10; stage 2 maps that page to
	// PA page 0x200.
	e := Entry{
		VPN:       0x4,
		S1Enabled: true,
		S2Enabled: true,
		PTE1:      validPTE(0x10),
		PTE2:      validPTE(0x200),
	}
	if got := e.GuestPhysAddr(0x4abc); got != 0x10abc {
		t.Errorf("GuestPhysAddr = %#x, want %#x", got, 0x10abc)
	}
	if got := e.PhysAddr(0x4abc); got != 0x200abc {
		t.Errorf("PhysAddr = %#x, want %#x", got, 0x200abc)
	}

	// A 2MiB stage-2 leaf keeps the low GPA bits.
	e2 := Entry{
		VPN:       0x4,
		S2Enabled: true,
		S2Mega:    true,
		PTE2:      validPTE(0x600), // 2MiB aligned: low 9 PPN bits clear
	}
	if got := e2.PhysAddr(0x4abc); got != (0x600|0x4)<<arch.PageShift|0xabc {
		t.Errorf("superpage PhysAddr = %#x", got)
	}
}

func TestInvalidateVMATruthTable(t *testing.T) {
	// Four resident entries covering the predicate dimensions:
	// host (stage 2 off) vs guest, matching PSCID vs global.
	host := s1Entry(0x1000, 5)
	hostGlobal := s1Entry(0x2000, 5)
	hostGlobal.PTE1.G = true
	guest := Entry{
		VPN: 0x3, PSCID: 5, GSCID: 9,
		S1Enabled: true, S2Enabled: true,
		PTE1: validPTE(0x30), PTE2: validPTE(0x300),
	}
	otherGuest := Entry{
		VPN: 0x4, PSCID: 5, GSCID: 10,
		S1Enabled: true, S2Enabled: true,
		PTE1: validPTE(0x40), PTE2: validPTE(0x400),
	}

	fill := func() *Cache {
		c, _ := New(8)
		for _, e := range []Entry{host, hostGlobal, guest, otherGuest} {
			c.Update(e)
		}
		return c
	}
	hit := func(c *Cache, e Entry) bool {
		_, ok := c.Lookup(Key{
			IOVA:      e.VPN << arch.PageShift,
			PSCID:     e.PSCID,
			GSCID:     e.GSCID,
			S1Enabled: e.S1Enabled,
			S2Enabled: e.S2Enabled,
		})
		return ok
	}

	t.Run("gv0-av0-pscv0", func(t *testing.T) {
		// All host entries go, globals included; guests stay.
		c := fill()
		c.InvalidateVMA(false, false, false, 0, 0, 0)
		if hit(c, host) || hit(c, hostGlobal) {
			t.Error("host entry survived broad host invalidation")
		}
		if !hit(c, guest) || !hit(c, otherGuest) {
			t.Error("guest entry dropped by host invalidation")
		}
	})

	t.Run("gv0-av0-pscv1", func(t *testing.T) {
		// Host entries of PSCID 5, but global mappings survive.
		c := fill()
		c.InvalidateVMA(false, false, true, 0, 5, 0)
		if hit(c, host) {
			t.Error("host entry survived PSCID invalidation")
		}
		if !hit(c, hostGlobal) {
			t.Error("global mapping dropped by PSCID invalidation")
		}
	})

	t.Run("gv0-av1-pscv0", func(t *testing.T) {
		// Address-filtered host invalidation, globals included.
		c := fill()
		c.InvalidateVMA(false, true, false, 0, 0, 0x2000)
		if hit(c, hostGlobal) {
			t.Error("global entry survived address invalidation without PSCV")
		}
		if !hit(c, host) {
			t.Error("non-matching address dropped")
		}
	})

	t.Run("gv0-av1-pscv1", func(t *testing.T) {
		c := fill()
		c.InvalidateVMA(false, true, true, 0, 5, 0x1000)
		if hit(c, host) {
			t.Error("matching entry survived")
		}
		if !hit(c, hostGlobal) {
			t.Error("global mapping dropped despite PSCV")
		}
	})

	t.Run("gv1-av0-pscv0", func(t *testing.T) {
		// Everything under GSCID 9; other guests and hosts stay.
		c := fill()
		c.InvalidateVMA(true, false, false, 9, 0, 0)
		if hit(c, guest) {
			t.Error("guest entry survived GSCID invalidation")
		}
		if !hit(c, otherGuest) || !hit(c, host) {
			t.Error("unrelated entry dropped")
		}
	})

	t.Run("gv1-av1-pscv1", func(t *testing.T) {
		c := fill()
		c.InvalidateVMA(true, true, true, 9, 5, 0x3000)
		if hit(c, guest) {
			t.Error("fully qualified entry survived")
		}
		if !hit(c, otherGuest) {
			t.Error("other GSCID dropped")
		}
	})
}

func TestInvalidateGVMA(t *testing.T) {
	guest := Entry{
		VPN: 0x3, PSCID: 5, GSCID: 9,
		S1Enabled: true, S2Enabled: true,
		PTE1: validPTE(0x30), PTE2: validPTE(0x300),
	}
	host := s1Entry(0x3000, 5)

	c, _ := New(8)
	c.Update(guest)
	c.Update(host)

	// The GPA of the guest entry is page 0x30 (stage-1 PPN).
	c.InvalidateGVMA(true, true, 9, 0x30000)
	if _, ok := c.Lookup(Key{IOVA: 0x3000, PSCID: 5, GSCID: 9, S1Enabled: true, S2Enabled: true}); ok {
		t.Error("guest entry survived GVMA invalidation of its GPA")
	}
	if _, ok := c.Lookup(Key{IOVA: 0x3000, PSCID: 5, S1Enabled: true}); !ok {
		t.Error("host entry dropped by GVMA invalidation")
	}

	// A non-matching GPA leaves the entry alone.
	c2, _ := New(8)
	c2.Update(guest)
	c2.InvalidateGVMA(true, true, 9, 0x99000)
	if _, ok := c2.Lookup(Key{IOVA: 0x3000, PSCID: 5, GSCID: 9, S1Enabled: true, S2Enabled: true}); !ok {
		t.Error("guest entry dropped by unrelated GPA")
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	c, _ := New(8)
	e := s1Entry(0x4000, 7)
	c.Update(e)
	c.InvalidateVMA(false, true, false, 0, 0, 0x4000)
	if _, ok := c.Lookup(Key{IOVA: 0x4000, PSCID: 7, S1Enabled: true}); ok {
		t.Fatal("hit after invalidation")
	}
	before := c.Len()
	// Invalidating again is a no-op.
	c.InvalidateVMA(false, true, false, 0, 0, 0x4000)
	if c.Len() != before {
		t.Fatal("repeated invalidation changed state")
	}
}

func TestMSIEntriesNeverHit(t *testing.T) {
	c, _ := New(8)
	e := Entry{VPN: 0x4, S2Enabled: true, MSI: true, PTE2: validPTE(0x10)}
	c.Update(e)
	if _, ok := c.Lookup(Key{IOVA: 0x4000, S2Enabled: true}); ok {
		t.Fatal("MSI mapping served a translation lookup")
	}
}

func TestReplacementCyclesAllWays(t *testing.T) {
	const ways = 4
	c, _ := New(ways)
	for i := 0; i < ways; i++ {
		c.Update(s1Entry(uint64(i)<<arch.PageShift, 1))
	}
	if c.Len() != ways {
		t.Fatalf("fill left %d entries, want %d", c.Len(), ways)
	}
	// One more distinct update evicts exactly one resident entry.
	c.Update(s1Entry(uint64(ways)<<arch.PageShift, 1))
	if c.Len() != ways {
		t.Fatalf("update overflowed the cache: %d entries", c.Len())
	}
}
