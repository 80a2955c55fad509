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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/fault"
	"github.com/zero-day-labs/riscv-iommu-sub002/pkg/iommu"
)

// traceRecord is one JSON-lines request. Addresses accept decimal or
// 0x-prefixed strings.
type traceRecord struct {
	DeviceID  uint32 `json:"device_id"`
	ProcessID uint32 `json:"process_id"`
	PIDValid  bool   `json:"pid_valid"`
	IOVA      string `json:"iova"`
	Access    string `json:"access"`
	Priv      bool   `json:"priv"`
}

// replayCmd implements subcommands.Command for the "replay" command. The
// trace is split by device id; every device's requests run in order on a
// dedicated engine instance, devices in parallel, all sharing the machine's
// memory image and register snapshot.
type replayCmd struct {
	config  string
	trace   string
	streams int
}

// Name implements subcommands.Command.Name.
func (*replayCmd) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*replayCmd) Synopsis() string {
	return "replay a JSON-lines request trace against a TOML machine description"
}

// Usage implements subcommands.Command.Usage.
func (*replayCmd) Usage() string {
	return `replay -config <machine.toml> -trace <trace.jsonl>`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *replayCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to the TOML machine description")
	f.StringVar(&c.trace, "trace", "", "path to the JSON-lines trace; - reads stdin")
	f.IntVar(&c.streams, "streams", 0, "cap on concurrently replaying devices; 0 means unlimited")
}

// Execute implements subcommands.Command.Execute.
func (c *replayCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if c.config == "" || c.trace == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	log := args[0].(*logrus.Logger)

	mc, err := loadMachine(c.config)
	if err != nil {
		Fatalf("%v", err)
	}
	recs, err := readTrace(c.trace)
	if err != nil {
		Fatalf("%v", err)
	}

	// Order within a device is preserved; order across devices is not
	// part of the model.
	byDevice := make(map[uint32][]traceRecord)
	for _, r := range recs {
		byDevice[r.DeviceID] = append(byDevice[r.DeviceID], r)
	}

	var translated, faulted atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	if c.streams > 0 {
		g.SetLimit(c.streams)
	}
	for devID, stream := range byDevice {
		devID, stream := devID, stream
		g.Go(func() error {
			eng, _, err := mc.build(log.WithField("device_id", devID), logSink{log})
			if err != nil {
				return fmt.Errorf("device %#x: %w", devID, err)
			}
			for i, rec := range stream {
				req, err := rec.request()
				if err != nil {
					return fmt.Errorf("device %#x record %d: %w", devID, i, err)
				}
				if _, err := eng.Translate(ctx, req); err != nil {
					var r *fault.Report
					if !errors.As(err, &r) {
						return fmt.Errorf("device %#x record %d: %w", devID, i, err)
					}
					faulted.Add(1)
					continue
				}
				translated.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		Fatalf("replay: %v", err)
	}

	fmt.Printf("replayed %d requests across %d devices: %d translated, %d faulted\n",
		len(recs), len(byDevice), translated.Load(), faulted.Load())
	return subcommands.ExitSuccess
}

func (r traceRecord) request() (iommu.Request, error) {
	iova, err := parseAddr(r.IOVA)
	if err != nil {
		return iommu.Request{}, fmt.Errorf("bad iova: %w", err)
	}
	access, err := parseAccess(r.Access)
	if err != nil {
		return iommu.Request{}, err
	}
	return iommu.Request{
		DeviceID:  r.DeviceID,
		ProcessID: r.ProcessID,
		PIDValid:  r.PIDValid,
		IOVA:      iova,
		Access:    access,
		Priv:      r.Priv,
	}, nil
}

func readTrace(path string) ([]traceRecord, error) {
	in := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening trace: %w", err)
		}
		defer f.Close()
		in = f
	}
	var recs []traceRecord
	sc := bufio.NewScanner(in)
	for line := 1; sc.Scan(); line++ {
		text := sc.Bytes()
		if len(text) == 0 {
			continue
		}
		var r traceRecord
		if err := json.Unmarshal(text, &r); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}
	return recs, nil
}
