//  Copyright 2023 Stealth Rocket, Inc.
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

package vprof

import "fmt"

// MemRegion is one guest physical memory region passed to the functional
// model's constructor.
type MemRegion struct {
	Base Addr
	Size uint64
}

// FunctionalConfig is the configuration for functional mode (C6): objdump
// disassemblies keyed by short binary name, matching DWARF binaries for
// the unwinder, and the usual functional-model flags.
type FunctionalConfig struct {
	Objdumps   map[string]string // short name -> objdump path, e.g. "k" -> kernel objdump
	DwarfPaths map[string]string // short name -> DWARF binary path
	Harts      int
	DTBPath    string
	MemRegions []MemRegion
	LogPath    string
	CmdFile    string
	OutDir     string
	Checkpoint bool
}

// ReplayConfig is the configuration for replay mode (C7+C9): a
// FunctionalConfig plus the directory of gzipped trace chunks.
type ReplayConfig struct {
	FunctionalConfig
	TraceDir      string
	RingBuffers   int
	ReaderWorkers int
}

// Validate checks the configuration for setup errors before the loop
// starts: at least one objdump, a kernel ("k") objdump, a hart count of at
// least 1 and an output directory. It does not check DWARF paths, and it
// does not check that any named file exists.
func (c *FunctionalConfig) Validate() error {
	if len(c.Objdumps) == 0 {
		return fmt.Errorf("%w: no objdump paths configured", ErrSetup)
	}
	if _, ok := c.Objdumps["k"]; !ok {
		return fmt.Errorf("%w: no kernel (\"k\") objdump configured", ErrSetup)
	}
	if c.Harts < 1 {
		return fmt.Errorf("%w: hart count must be >= 1", ErrSetup)
	}
	if c.OutDir == "" {
		return fmt.Errorf("%w: output directory not configured", ErrSetup)
	}
	return nil
}

// Validate checks FunctionalConfig plus the trace-chunk directory.
func (c *ReplayConfig) Validate() error {
	if err := c.FunctionalConfig.Validate(); err != nil {
		return err
	}
	if c.TraceDir == "" {
		return fmt.Errorf("%w: trace chunk directory not configured", ErrSetup)
	}
	return nil
}
