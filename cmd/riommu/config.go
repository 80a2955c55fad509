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
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/arch"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/fault"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/iommu"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/memio"
)

// machineConfig is the TOML machine description: the register-file snapshot,
// cache geometry, and the memory image holding the directories and page
// tables.
type machineConfig struct {
	DDTP         ddtpConfig    `toml:"ddtp"`
	Capabilities capsConfig    `toml:"capabilities"`
	Fctl         fctlConfig    `toml:"fctl"`
	Caches       cachesConfig  `toml:"caches"`
	Memory       []memoryRange `toml:"memory"`
	Poisoned     []uint64      `toml:"poisoned"`
}

type ddtpConfig struct {
	Mode string `toml:"mode"`
	PPN  uint64 `toml:"ppn"`
}

type capsConfig struct {
	Sv32    bool `toml:"sv32"`
	Sv39    bool `toml:"sv39"`
	Sv32x4  bool `toml:"sv32x4"`
	Sv39x4  bool `toml:"sv39x4"`
	MSIFlat bool `toml:"msi_flat"`
	AMOHWAD bool `toml:"amo_hwad"`
	ATS     bool `toml:"ats"`
	PD8     bool `toml:"pd8"`
	PD17    bool `toml:"pd17"`
	PD20    bool `toml:"pd20"`
	END     bool `toml:"end"`
}

type fctlConfig struct {
	BE  bool `toml:"be"`
	GXL bool `toml:"gxl"`
}

type cachesConfig struct {
	IOTLBWays int `toml:"iotlb_ways"`
	DDTCWays  int `toml:"ddtc_ways"`
	PDTCWays  int `toml:"pdtc_ways"`
}

// memoryRange is one run of consecutive dwords in the memory image.
type memoryRange struct {
	Addr  uint64   `toml:"addr"`
	Words []uint64 `toml:"words"`
}

func loadMachine(path string) (*machineConfig, error) {
	var c machineConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("decoding machine config %q: %w", path, err)
	}
	return &c, nil
}

func parseDDTMode(s string) (arch.DDTMode, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return arch.DDTOff, nil
	case "bare":
		return arch.DDTBare, nil
	case "1lvl", "1level":
		return arch.DDT1Level, nil
	case "2lvl", "2level":
		return arch.DDT2Level, nil
	case "3lvl", "3level":
		return arch.DDT3Level, nil
	}
	return arch.DDTOff, fmt.Errorf("unknown ddtp mode %q", s)
}

// build assembles an engine from the description. The returned memory is the
// live image backing the engine.
func (c *machineConfig) build(log logrus.FieldLogger, sink fault.Sink) (*iommu.IOMMU, *memio.SparseMemory, error) {
	mode, err := parseDDTMode(c.DDTP.Mode)
	if err != nil {
		return nil, nil, err
	}
	regs := &iommu.Static{
		DDTPReg: arch.DDTP{Mode: mode, PPN: c.DDTP.PPN},
		Caps: arch.Capabilities{
			Sv32:    c.Capabilities.Sv32,
			Sv39:    c.Capabilities.Sv39,
			Sv32x4:  c.Capabilities.Sv32x4,
			Sv39x4:  c.Capabilities.Sv39x4,
			MSIFlat: c.Capabilities.MSIFlat,
			AMOHWAD: c.Capabilities.AMOHWAD,
			ATS:     c.Capabilities.ATS,
			PD8:     c.Capabilities.PD8,
			PD17:    c.Capabilities.PD17,
			PD20:    c.Capabilities.PD20,
			END:     c.Capabilities.END,
		},
		Fctl: arch.FeatureControl{BE: c.Fctl.BE, GXL: c.Fctl.GXL},
	}

	mem := memio.NewSparseMemory()
	for _, r := range c.Memory {
		mem.WriteWords(r.Addr, r.Words)
	}
	for _, addr := range c.Poisoned {
		mem.Poison(addr)
	}

	cfg := iommu.DefaultConfig()
	if c.Caches.IOTLBWays != 0 {
		cfg.IOTLBWays = c.Caches.IOTLBWays
	}
	if c.Caches.DDTCWays != 0 {
		cfg.DDTCWays = c.Caches.DDTCWays
	}
	if c.Caches.PDTCWays != 0 {
		cfg.PDTCWays = c.Caches.PDTCWays
	}

	eng, err := iommu.New(regs, mem, sink, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return eng, mem, nil
}
