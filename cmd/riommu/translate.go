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
	"errors"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/fault"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/iommu"
)

const unsetID = -1

// translateCmd implements subcommands.Command for the "translate" command.
type translateCmd struct {
	config  string
	device  uint64
	process int
	access  string
	priv    bool
}

// Name implements subcommands.Command.Name.
func (*translateCmd) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*translateCmd) Synopsis() string {
	return "translate one IOVA against a TOML machine description"
}

// Usage implements subcommands.Command.Usage.
func (*translateCmd) Usage() string {
	return `translate [flags] <iova>`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *translateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to the TOML machine description")
	f.Uint64Var(&c.device, "device", 0, "device id issuing the request")
	f.IntVar(&c.process, "process", unsetID, "process id; unset sends the request without one")
	f.StringVar(&c.access, "access", "r", "access type: r, w or x")
	f.BoolVar(&c.priv, "priv", false, "issue a supervisor-privilege request")
}

// Execute implements subcommands.Command.Execute.
func (c *translateCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 || c.config == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	log := args[0].(*logrus.Logger)

	iova, err := parseAddr(f.Arg(0))
	if err != nil {
		Fatalf("bad iova: %v", err)
	}
	access, err := parseAccess(c.access)
	if err != nil {
		Fatalf("%v", err)
	}
	mc, err := loadMachine(c.config)
	if err != nil {
		Fatalf("%v", err)
	}
	eng, _, err := mc.build(log, logSink{log})
	if err != nil {
		Fatalf("building machine: %v", err)
	}

	req := iommu.Request{
		DeviceID: uint32(c.device),
		IOVA:     iova,
		Access:   access,
		Priv:     c.priv,
	}
	if c.process != unsetID {
		req.ProcessID = uint32(c.process)
		req.PIDValid = true
	}

	res, err := eng.Translate(ctx, req)
	if err != nil {
		var r *fault.Report
		if errors.As(err, &r) {
			fmt.Printf("fault: cause %d (%v)\n", uint16(r.Cause), r.Cause)
			return subcommands.ExitFailure
		}
		Fatalf("translate: %v", err)
	}
	fmt.Printf("pa %#x page_size %#x", res.PA, res.PageSize)
	if res.IsMSI {
		fmt.Printf(" msi")
	}
	if res.FromIOTLB {
		fmt.Printf(" iotlb")
	}
	fmt.Println()
	return subcommands.ExitSuccess
}
