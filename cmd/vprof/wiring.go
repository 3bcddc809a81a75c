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
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/stealthrocket/vprof"
)

// newFunctionalModel constructs the functional ISA model this binary
// co-runs with. The model itself is an external collaborator (spec.md §1,
// Out of scope): this package only defines the seam a concrete simulator
// build is expected to fill in, e.g. via a build-tag-gated implementation
// that bridges to the actual RISC-V core.
var newFunctionalModel = func(cfg *vprof.FunctionalConfig) (vprof.FunctionalModel, error) {
	return nil, errors.New("vprof: no functional-model backend linked into this binary")
}

// newUnwinder constructs the DWARF-based stack unwinder (C8's external
// collaborator), analogous to newFunctionalModel.
var newUnwinder = func(dwarfPaths map[string]string) (vprof.Unwinder, error) {
	return nil, errors.New("vprof: no unwinder backend linked into this binary")
}

func loadSymbols(objdumps map[string]string) (map[string]*vprof.Index, error) {
	indices := make(map[string]*vprof.Index, len(objdumps))
	for name, path := range objdumps {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: opening objdump %s: %s", vprof.ErrSetup, path, err)
		}
		idx, err := vprof.ParseObjdump(name, f)
		f.Close()
		if err != nil {
			return nil, err
		}
		indices[name] = idx
	}
	return indices, nil
}

// registerKernelHooks wires up the five kernel hooks described in spec.md
// §4.5 against the kernel symbol index, using the well-known kernel
// function names and the task_struct pid field offset.
func registerKernelHooks(state *vprof.State, kernel *vprof.Index, pidOffset vprof.Addr, events *vprof.EventLogger) error {
	const (
		execFn     = "do_execveat_common"
		asidFn     = "set_mm_asid"
		forkFn     = "kernel_clone"
		pickFn     = "pick_next_task_fair"
		switchFn   = "finish_task_switch"
		track      = int32(1)
		execArgIdx = 1 // k_alloc_bprm_filename_arg in the original symbol table
	)

	execExits, err := kernel.ExitPCs(execFn)
	if err != nil {
		return err
	}
	execHook, err := vprof.NewExecHook(execFn, kernel, execArgIdx, "", track)
	if err != nil {
		return err
	}
	execPC, err := kernel.EntryPC(execFn)
	if err != nil {
		return err
	}
	state.RegisterHookAtStart(execPC, execHook, execExits)

	satpPC, err := kernel.CSRWritePC(asidFn, "satp")
	if err != nil {
		return err
	}
	asidReg, err := kernel.ArgReg(asidFn, 0)
	if err != nil {
		return err
	}
	asidExits, err := kernel.ExitPCs(asidFn)
	if err != nil {
		return err
	}
	asidHook := vprof.NewAsidBindHook(asidFn, asidReg, track)
	state.RegisterHookAtStart(satpPC, asidHook, asidExits)

	forkExits, err := kernel.ExitPCs(forkFn)
	if err != nil {
		return err
	}
	forkHook, err := vprof.NewForkHook(forkFn, kernel, track)
	if err != nil {
		return err
	}
	state.RegisterHookAtExit(forkExits, forkHook)

	pickExits, err := kernel.ExitPCs(pickFn)
	if err != nil {
		return err
	}
	pickHook, err := vprof.NewCFSPickHook(pickFn, kernel, pidOffset, track)
	if err != nil {
		return err
	}
	state.RegisterHookAtExit(pickExits, pickHook)

	switchPC, err := kernel.EntryPC(switchFn)
	if err != nil {
		return err
	}
	switchExits, err := kernel.ExitPCs(switchFn)
	if err != nil {
		return err
	}
	switchHook, err := vprof.NewSwitchHook(switchFn, kernel, pidOffset, track)
	if err != nil {
		return err
	}
	state.RegisterHookAtStart(switchPC, switchHook, switchExits)

	return nil
}

// taskStructPidOffset is the compiled-in byte offset of task_struct.pid. It
// depends on the architecture and kernel configuration, so a different
// kernel build needs a different value here.
const taskStructPidOffset vprof.Addr = 0x750

func runRecord(cfg *vprof.FunctionalConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	model, err := newFunctionalModel(cfg)
	if err != nil {
		return err
	}

	symbols, err := loadSymbols(cfg.Objdumps)
	if err != nil {
		return err
	}

	state := vprof.NewState()
	traceQueue := vprof.NewQueue[vprof.TraceBatchArg](vprof.DefaultQueueWorkers(), 64)
	eventFile, err := os.Create(cfg.OutDir + "/events.perfetto")
	if err != nil {
		return fmt.Errorf("%w: %s", vprof.ErrSetup, err)
	}
	defer eventFile.Close()
	eventQueue := vprof.NewQueue[[]vprof.Packet](1, 64)
	events := vprof.NewEventLogger(eventFile, eventQueue)

	if err := registerKernelHooks(state, symbols["k"], taskStructPidOffset, events); err != nil {
		return err
	}

	driver := vprof.NewCheckpointDriver(model, state, symbols, events, traceQueue, cfg.OutDir)

	running := true
	go func() {
		<-ctx.Done()
		running = false
	}()

	if err := driver.Run(func() bool { return running }); err != nil {
		traceQueue.Stop()
		eventQueue.Stop()
		return err
	}

	traceQueue.Stop()
	events.Flush()
	eventQueue.Stop()
	return nil
}

func runReplay(cfg *vprof.ReplayConfig) error {
	model, err := newFunctionalModel(&cfg.FunctionalConfig)
	if err != nil {
		return err
	}

	symbols, err := loadSymbols(cfg.Objdumps)
	if err != nil {
		return err
	}

	state := vprof.NewState()
	traceQueue := vprof.NewQueue[vprof.TraceBatchArg](vprof.DefaultQueueWorkers(), 64)
	eventFile, err := os.Create(cfg.OutDir + "/events.perfetto")
	if err != nil {
		return fmt.Errorf("%w: %s", vprof.ErrSetup, err)
	}
	defer eventFile.Close()
	eventQueue := vprof.NewQueue[[]vprof.Packet](1, 64)
	events := vprof.NewEventLogger(eventFile, eventQueue)

	if err := registerKernelHooks(state, symbols["k"], taskStructPidOffset, events); err != nil {
		return err
	}

	reader := vprof.NewReaderAhead(cfg.TraceDir, 0, cfg.RingBuffers, cfg.ReaderWorkers)
	defer reader.Stop()

	driver := vprof.NewReplayDriver(model, state, symbols, events, traceQueue, cfg.OutDir)

	if err := driver.Run(reader.Next); err != nil {
		traceQueue.Stop()
		eventQueue.Stop()
		return err
	}

	traceQueue.Stop()
	events.Flush()
	eventQueue.Stop()

	unwinder, err := newUnwinder(cfg.DwarfPaths)
	if err != nil {
		log.Printf("vprof: replay: no unwinder configured, skipping post-processing: %s", err)
		return nil
	}
	return postProcess(state, unwinder, cfg.OutDir)
}

func postProcess(state *vprof.State, unwinder vprof.Unwinder, outDir string) error {
	unwindQueue := vprof.NewQueue[vprof.UnwindJobArg](vprof.DefaultQueueWorkers(), 256)
	adapter := vprof.NewUnwindAdapter(unwinder, state, unwindQueue)

	matches, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("%w: listing trace files: %s", vprof.ErrSetup, err)
	}
	for _, entry := range matches {
		if entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(entry.Name(), "SPIKETRACE-") {
			continue
		}
		if err := adapter.ProcessFile(outDir + "/" + entry.Name()); err != nil {
			return err
		}
	}
	unwindQueue.Stop()

	if err := adapter.WriteAsidMap(outDir + "/asid_map.txt"); err != nil {
		return err
	}
	return vprof.WriteProfile(outDir+"/guest.pprof", adapter.BuildProfile())
}
