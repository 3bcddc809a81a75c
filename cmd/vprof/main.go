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

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stealthrocket/vprof"
)

func init() {
	log.Default().SetOutput(os.Stderr)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type objdumpFlags map[string]string

func (o objdumpFlags) String() string {
	return fmt.Sprintf("%v", map[string]string(o))
}

func (o objdumpFlags) Set(value string) error {
	name, path, err := splitNamedPath(value)
	if err != nil {
		return err
	}
	o[name] = path
	return nil
}

func (o objdumpFlags) Type() string { return "name=path" }

func splitNamedPath(value string) (string, string, error) {
	for i := 0; i < len(value); i++ {
		if value[i] == '=' {
			return value[:i], value[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected name=path, got %q", value)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vprof",
		Short: "whole-system profiler for a simulated RISC-V target",
	}
	root.AddCommand(newRecordCmd(), newReplayCmd())
	return root
}

func commonFlags(flags *pflag.FlagSet, cfg *vprof.FunctionalConfig) *objdumpFlags {
	objdumps := make(objdumpFlags)
	cfg.Objdumps = objdumps
	cfg.DwarfPaths = make(map[string]string)

	flags.VarP(&objdumps, "objdump", "o", "objdump disassembly, name=path (repeatable), e.g. k=kernel.objdump")
	flags.StringToStringVar(&cfg.DwarfPaths, "dwarf", nil, "DWARF binary path, name=path (repeatable)")
	flags.IntVar(&cfg.Harts, "harts", 1, "number of harts")
	flags.StringVar(&cfg.DTBPath, "dtb", "", "device-tree blob path")
	flags.StringVar(&cfg.LogPath, "log", "", "functional-model log path")
	flags.StringVar(&cfg.CmdFile, "cmd-file", "", "command file path")
	flags.StringVar(&cfg.OutDir, "out", ".", "output directory for PC traces, event log, and asid map")
	flags.BoolVar(&cfg.Checkpoint, "checkpoint", true, "enable checkpoint/rewind introspection")
	return &objdumps
}

func newRecordCmd() *cobra.Command {
	cfg := &vprof.FunctionalConfig{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "co-run with the functional model and record a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runRecord(cfg)
		},
	}
	commonFlags(cmd.Flags(), cfg)
	return cmd
}

func newReplayCmd() *cobra.Command {
	cfg := &vprof.ReplayConfig{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "replay a pre-recorded cycle-accurate trace and validate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runReplay(cfg)
		},
	}
	commonFlags(cmd.Flags(), &cfg.FunctionalConfig)
	cmd.Flags().StringVar(&cfg.TraceDir, "trace-dir", "", "directory of COSPIKE-TRACE-<hartid>-<index>.gz chunks")
	cmd.Flags().IntVar(&cfg.RingBuffers, "ring-buffers", vprof.DefaultRingBuffers, "reader-ahead ring buffer count")
	cmd.Flags().IntVar(&cfg.ReaderWorkers, "reader-workers", 1, "reader-ahead worker count")
	return cmd
}
