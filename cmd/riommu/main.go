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

// Binary riommu drives the translation engine from the command line: it
// loads a TOML machine description and translates single requests, replays
// request traces, or decodes raw in-memory structures.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/fault"
)

var debug = flag.Bool("debug", false, "enable debug logging")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(translateCmd), "")
	subcommands.Register(new(replayCmd), "")
	subcommands.Register(new(probeCmd), "")

	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background(), log)))
}

// Fatalf logs to stderr and exits with a failure status.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "riommu: "+format+"\n", args...)
	os.Exit(1)
}

// parseAddr accepts decimal or 0x-prefixed hexadecimal.
func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// parseAccess maps r/w/x to the access type.
func parseAccess(s string) (arch.AccessType, error) {
	switch s {
	case "r", "read":
		return arch.AccessRead, nil
	case "w", "write":
		return arch.AccessWrite, nil
	case "x", "exec":
		return arch.AccessExec, nil
	}
	return arch.AccessRead, fmt.Errorf("unknown access type %q (want r, w or x)", s)
}

// logSink reports faults through the logger; the CLI has no fault queue.
type logSink struct {
	log logrus.FieldLogger
}

func (s logSink) Report(r fault.Report) {
	f := s.log.WithFields(logrus.Fields{
		"cause":     uint16(r.Cause),
		"desc":      r.Cause.String(),
		"device_id": r.DeviceID,
		"iova":      fmt.Sprintf("%#x", r.IOVA),
		"guest":     r.GuestFault,
		"implicit":  r.Implicit,
	})
	if r.PIDValid {
		f = f.WithField("process_id", r.ProcessID)
	}
	if r.BadGPAValid {
		f = f.WithField("bad_gpa", fmt.Sprintf("%#x", r.BadGPA))
	}
	f.Info("fault")
}
