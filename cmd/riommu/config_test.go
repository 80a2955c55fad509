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
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/fault"
)

const sampleMachine = `
poisoned = [0x9000]

[ddtp]
mode = "1lvl"
ppn = 0x1

[capabilities]
sv39 = true
sv39x4 = true

[caches]
iotlb_ways = 16

[[memory]]
addr = 0x1000
words = [0x1, 0x0, 0x0, 0x0]
`

func TestLoadMachine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte(sampleMachine), 0o644); err != nil {
		t.Fatal(err)
	}

	mc, err := loadMachine(path)
	if err != nil {
		t.Fatal(err)
	}
	if mc.DDTP.Mode != "1lvl" || mc.DDTP.PPN != 0x1 {
		t.Errorf("ddtp = %+v", mc.DDTP)
	}
	if !mc.Capabilities.Sv39 || mc.Capabilities.Sv32 {
		t.Errorf("capabilities = %+v", mc.Capabilities)
	}
	if mc.Caches.IOTLBWays != 16 {
		t.Errorf("iotlb_ways = %d", mc.Caches.IOTLBWays)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	eng, mem, err := mc.build(log, fault.DiscardSink{})
	if err != nil {
		t.Fatal(err)
	}
	if eng == nil {
		t.Fatal("no engine built")
	}
	if got := mem.Word(0x1000); got != 0x1 {
		t.Errorf("memory image word = %#x, want 0x1", got)
	}
}

func TestParseDDTMode(t *testing.T) {
	for s, want := range map[string]arch.DDTMode{
		"off":    arch.DDTOff,
		"":       arch.DDTOff,
		"bare":   arch.DDTBare,
		"1LVL":   arch.DDT1Level,
		"2level": arch.DDT2Level,
		"3lvl":   arch.DDT3Level,
	} {
		got, err := parseDDTMode(s)
		if err != nil || got != want {
			t.Errorf("parseDDTMode(%q) = %v, %v; want %v", s, got, err, want)
		}
	}
	if _, err := parseDDTMode("4lvl"); err == nil {
		t.Error("bogus mode accepted")
	}
}

func TestParseAccess(t *testing.T) {
	for s, want := range map[string]arch.AccessType{
		"r": arch.AccessRead, "read": arch.AccessRead,
		"w": arch.AccessWrite, "x": arch.AccessExec,
	} {
		got, err := parseAccess(s)
		if err != nil || got != want {
			t.Errorf("parseAccess(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := parseAccess("rw"); err == nil {
		t.Error("bogus access accepted")
	}
}
