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

import (
	"fmt"
	"log"
)

// Default tuning constants for the checkpoint/rewind driver (spec.md §4.6).
const (
	// InsnPerCkpt is the default burst size between checkpoints.
	InsnPerCkpt = 100_000
	// Interleave is the safety margin the rewind path fast-forwards short
	// of the observed hook offset, to absorb nondeterminism between the
	// bursted scan and the re-execution.
	Interleave = 5_000
	// rewindSlack bounds how far past Interleave the single-step phase will
	// search before declaring a rewind miss.
	rewindSlack = 1_000
)

// CheckpointDriver is the functional-mode control loop (C6): run-in-bulk,
// scan for a hook crossing, rewind-and-single-step on hit, submit traces.
type CheckpointDriver struct {
	Model   FunctionalModel
	State   *State
	Symbols map[string]*Index
	Events  *EventLogger
	Traces  *Queue[traceBatch]
	Hart    int

	InsnPerCkpt int
	Interleave  int
	OutDir      string

	traceIdx uint64
}

// NewCheckpointDriver builds a C6 driver with the default tuning constants.
func NewCheckpointDriver(model FunctionalModel, state *State, symbols map[string]*Index, events *EventLogger, traces *Queue[traceBatch], outDir string) *CheckpointDriver {
	return &CheckpointDriver{
		Model:       model,
		State:       state,
		Symbols:     symbols,
		Events:      events,
		Traces:      traces,
		OutDir:      outDir,
		InsnPerCkpt: InsnPerCkpt,
		Interleave:  Interleave,
	}
}

// traceBatch is one unit of work handed to the PC-trace Queue: the retired
// instructions produced by one burst plus the output file they belong in.
type traceBatch struct {
	steps []GuestStep
	path  string
}

// Run drives bursts until running returns false.
func (d *CheckpointDriver) Run(running func() bool) error {
	for running() {
		if err := d.runBurst(); err != nil {
			return err
		}
	}
	return nil
}

func (d *CheckpointDriver) runBurst() error {
	// 1. Checkpoint.
	ckpt, err := d.Model.Checkpoint()
	if err != nil {
		return fmt.Errorf("%w: taking checkpoint: %s", ErrSetup, err)
	}

	// 2. Burst.
	steps, err := d.Model.RunBulk(d.Hart, d.InsnPerCkpt)
	if err != nil {
		return err
	}

	// 3. Scan.
	rewind := false
	fwdSteps := 0
	popcnt := 0
	var hookPC Addr
	for i, step := range steps {
		if _, ok := d.State.StartedAt(step.PC); ok {
			rewind = true
			fwdSteps = i
			hookPC = step.PC
			break
		}
		if d.State.ExitsAt(step.PC) {
			popcnt++
		}
	}

	// 4. Popping.
	pid := d.State.CurrentPID()
	for i := 0; i < popcnt; i++ {
		d.State.Pop(pid)
	}

	// 5. Rewind path.
	if rewind {
		if err := d.rewindAndFire(ckpt, fwdSteps, hookPC); err != nil {
			return err
		}
	}

	// 6. Commit. On the rewind path the model only re-executed up to the
	// hook crossing before rewindAndFire took over from there, so only
	// that prefix was actually retired; the remainder of the bursted scan
	// never happened and must not be written to the trace file or counted
	// against the timestamp (it gets re-produced, and committed, by a
	// later burst).
	committed := steps
	if rewind {
		committed = steps[:fwdSteps]
	}
	d.State.AdvanceTimestamp(uint64(len(committed)))
	d.submitTrace(committed)
	d.Events.Flush()
	return nil
}

func (d *CheckpointDriver) rewindAndFire(ckpt Checkpoint, fwdSteps int, hookPC Addr) error {
	if err := d.Model.Restore(ckpt); err != nil {
		return fmt.Errorf("%w: restoring checkpoint: %s", ErrSetup, err)
	}

	forward := fwdSteps - d.Interleave
	if forward < 0 {
		forward = 0
	}
	if forward > 0 {
		if _, err := d.Model.RunBulk(d.Hart, forward); err != nil {
			return err
		}
	}

	budget := d.Interleave + rewindSlack
	env := &HookEnv{Model: d.Model, State: d.State, Symbols: d.Symbols, Events: d.Events, Hart: d.Hart}

	for i := 0; i < budget; i++ {
		pc := d.Model.PC(d.Hart)
		if hook, ok := d.State.StartedAt(pc); ok && pc == hookPC {
			entry, push, err := hook.Update(env)
			if err != nil {
				return err
			}
			if push {
				d.State.Push(d.State.CurrentPID(), entry)
			}
			// Step once past the hook PC, mirroring the original's
			// unconditional trailing run_for(1): otherwise the model is
			// left parked exactly on hookPC, the next burst re-crosses it
			// at offset 0, and the hook fires forever without the model
			// ever making forward progress.
			if _, err := d.Model.Step(d.Hart); err != nil {
				return err
			}
			return nil
		}
		if _, err := d.Model.Step(d.Hart); err != nil {
			return err
		}
	}

	log.Printf("vprof: driver: rewind miss for hook pc %#x, continuing at current pc", hookPC)
	return nil
}

func (d *CheckpointDriver) submitTrace(steps []GuestStep) {
	path := pcTracePath(d.OutDir, d.traceIdx)
	d.traceIdx++
	cloned := make([]GuestStep, len(steps))
	copy(cloned, steps)
	d.Traces.QueueJob(writeTraceBatch, traceBatch{steps: cloned, path: path})
}

// pcTracePath names the output file "SPIKETRACE-<10-digit-zero-padded-index>".
func pcTracePath(dir string, idx uint64) string {
	return fmt.Sprintf("%s/SPIKETRACE-%010d", dir, idx)
}
