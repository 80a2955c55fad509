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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
)

// probeCmd implements subcommands.Command for the "probe" command: decode
// raw dwords as one of the in-memory structures and dump the fields.
type probeCmd struct {
	format   string
	extended bool
	sv32     bool
}

// Name implements subcommands.Command.Name.
func (*probeCmd) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*probeCmd) Synopsis() string {
	return "decode raw dwords as a DC, PC, PTE, MSI PTE or directory entry"
}

// Usage implements subcommands.Command.Usage.
func (*probeCmd) Usage() string {
	return `probe -format {dc|pc|pte|msipte|nonleaf} <dword>...`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *probeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.format, "format", "pte", "structure to decode: dc, pc, pte, msipte or nonleaf")
	f.BoolVar(&c.extended, "extended", false, "decode a DC in the extended (MSI) format")
	f.BoolVar(&c.sv32, "sv32", false, "decode a PTE as Sv32 instead of Sv39")
}

// Execute implements subcommands.Command.Execute.
func (c *probeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	dw := make([]uint64, f.NArg())
	for i, a := range f.Args() {
		v, err := parseAddr(a)
		if err != nil {
			Fatalf("bad dword %q: %v", a, err)
		}
		dw[i] = v
	}

	switch c.format {
	case "pte":
		m := arch.Sv39
		if c.sv32 {
			m = arch.Sv32
		}
		pte, reservedOK := arch.DecodePTE(dw[0], m)
		fmt.Printf("%s pte: v=%t r=%t w=%t x=%t u=%t g=%t a=%t d=%t ppn=%#x leaf=%t reserved_ok=%t\n",
			m.Name, pte.Valid, pte.R, pte.W, pte.X, pte.U, pte.G, pte.A, pte.D,
			pte.PPN, pte.IsLeaf(), reservedOK)
	case "nonleaf":
		e, reservedOK := arch.DecodeNonLeaf(dw[0])
		fmt.Printf("directory entry: v=%t ppn=%#x reserved_ok=%t\n", e.Valid, e.PPN, reservedOK)
	case "msipte":
		pte, reservedOK := arch.DecodeMSIPTE(dw[0])
		fmt.Printf("msi pte: v=%t mode=%d ppn=%#x c=%t reserved_ok=%t\n",
			pte.Valid, pte.Mode, pte.PPN, pte.C, reservedOK)
	case "pc":
		if len(dw) < arch.PCDWords {
			Fatalf("pc needs %d dwords", arch.PCDWords)
		}
		pc := arch.DecodeProcessContext(dw)
		fmt.Printf("pc: v=%t ens=%t sum=%t pscid=%#x fsc mode=%d ppn=%#x\n",
			pc.V, pc.ENS, pc.SUM, pc.PSCID, pc.FSC.Mode, pc.FSC.PPN)
	case "dc":
		n := arch.DCDWords(c.extended)
		if len(dw) < n {
			Fatalf("dc needs %d dwords in this format", n)
		}
		dc := arch.DecodeDeviceContext(dw[:n], c.extended)
		tc := dc.TC
		fmt.Printf("dc tc: v=%t en_ats=%t en_pri=%t t2gpa=%t dtf=%t pdtv=%t prpr=%t gade=%t sade=%t dpe=%t sbe=%t sxl=%t\n",
			tc.V, tc.EnATS, tc.EnPRI, tc.T2GPA, tc.DTF, tc.PDTV, tc.PRPR,
			tc.GADE, tc.SADE, tc.DPE, tc.SBE, tc.SXL)
		fmt.Printf("dc iohgatp: mode=%d gscid=%#x ppn=%#x\n",
			dc.IOHGATP.Mode, dc.IOHGATP.GSCID, dc.IOHGATP.PPN)
		fmt.Printf("dc ta: pscid=%#x\n", dc.PSCID)
		fmt.Printf("dc fsc: mode=%d ppn=%#x\n", dc.FSC.Mode, dc.FSC.PPN)
		if c.extended {
			fmt.Printf("dc msiptp: mode=%d ppn=%#x mask=%#x pattern=%#x\n",
				dc.MSIPTP.Mode, dc.MSIPTP.PPN, dc.MSIMask, dc.MSIPattern)
		}
	default:
		Fatalf("unknown format %q", c.format)
	}
	return subcommands.ExitSuccess
}
