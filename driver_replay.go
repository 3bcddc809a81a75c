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

// TohostPollPeriod is the default number of retired instructions between
// polls of the "tohost" MMIO word used by the guest for syscall proxying.
const TohostPollPeriod = 1000

// SpikeLogFlushPeriod is the default number of retired instructions between
// flushes of the captured sub-trace and accumulated events.
const SpikeLogFlushPeriod = 10_000

// ReplayDriver is the trace-driven driver (C7): it reads a sequence of
// cycle-accurate records produced externally, drives the functional model
// one step at a time, validates each retired instruction against the
// record, and fires hooks on PC matches.
type ReplayDriver struct {
	Model   FunctionalModel
	State   *State
	Symbols map[string]*Index
	Events  *EventLogger
	Traces  *Queue[traceBatch]
	Hart    int

	OutDir            string
	TohostPollPeriod  int
	SpikeLogFlushPeriod int
	PollTohost        func() error

	traceIdx   uint64
	buffer     []GuestStep
	sinceFlush int
}

// NewReplayDriver builds a C7 driver with the default tuning constants.
func NewReplayDriver(model FunctionalModel, state *State, symbols map[string]*Index, events *EventLogger, traces *Queue[traceBatch], outDir string) *ReplayDriver {
	return &ReplayDriver{
		Model:               model,
		State:               state,
		Symbols:             symbols,
		Events:              events,
		Traces:              traces,
		OutDir:              outDir,
		TohostPollPeriod:    TohostPollPeriod,
		SpikeLogFlushPeriod: SpikeLogFlushPeriod,
	}
}

// Run drives records one at a time until records is exhausted or a fatal
// error occurs.
func (d *ReplayDriver) Run(records func() (ValidationStep, bool, error)) error {
	count := 0
	for {
		rec, ok, err := records()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if d.PollTohost != nil && count%d.TohostPollPeriod == 0 {
			if err := d.PollTohost(); err != nil {
				return err
			}
		}

		result, err := d.gangedStep(rec)
		if err != nil {
			return err
		}

		d.buffer = append(d.buffer, result.Step)
		d.fireHooksIfMatched(result.Step.PC)

		count++
		d.sinceFlush++
		if d.sinceFlush >= d.SpikeLogFlushPeriod {
			d.flush()
		}
	}
	d.flush()
	return nil
}

// gangedStep is the hardest sub-algorithm after the checkpoint/rewind state
// machine: one instruction executed by the functional model while
// cross-checked against an authoritative record (spec.md §4.7).
func (d *ReplayDriver) gangedStep(rec ValidationStep) (StepResult, error) {
	if rec.HadInterrupt {
		cause := interruptCauseFromBits(rec.Cause)
		if cause == SEIP {
			if err := d.assertExternalInterrupt(); err != nil {
				return StepResult{}, err
			}
		} else if err := d.Model.SetPendingInterrupt(d.Hart, cause, true); err != nil {
			return StepResult{}, err
		}
	}

	d.Model.ClearWaitForInterrupt(d.Hart)

	result, err := d.Model.Step(d.Hart)
	if err != nil {
		return StepResult{}, err
	}

	if result.Outcome != Trapped && result.Step.PC != rec.PC {
		log.Printf("vprof: replay: divergence at pc=%#x want=%#x", result.Step.PC, rec.PC)
		return StepResult{}, fmt.Errorf("%w: pc=%#x want=%#x", ErrGangedDivergence, result.Step.PC, rec.PC)
	}

	if result.Write != nil && rec.WritesReg {
		if needsOverride(result.Write) {
			if err := d.Model.OverrideGPR(d.Hart, result.Write.Reg, rec.WriteData); err != nil {
				return StepResult{}, err
			}
		}
	}

	if result.ClintClear != nil {
		if err := d.Model.SetPendingInterrupt(d.Hart, *result.ClintClear, false); err != nil {
			return StepResult{}, err
		}
	}

	return result, nil
}

func needsOverride(w *RegWrite) bool {
	if w.SourceCSR != "" && CSROverrideSet[w.SourceCSR] {
		return true
	}
	return w.GangedDevice || w.LRSC || w.HTIF
}

func (d *ReplayDriver) assertExternalInterrupt() error {
	if d.Model.PLICPending(d.Hart) {
		return d.Model.SetPendingInterrupt(d.Hart, SEIP, true)
	}
	d.Model.TickDevices()
	if d.Model.PLICPending(d.Hart) {
		return d.Model.SetPendingInterrupt(d.Hart, SEIP, true)
	}
	return ErrPLICExhausted
}

func interruptCauseFromBits(cause uint64) InterruptCause {
	switch cause & 0xf {
	case 3:
		return MSIP
	case 7:
		return MTIP
	case 9:
		return SEIP
	default:
		return MEIP
	}
}

func (d *ReplayDriver) fireHooksIfMatched(pc Addr) {
	// Mirror C6's scan priority exactly: an at-exit hook is registered in
	// both hookStart and hookExit (RegisterHookAtExit), so StartedAt must be
	// checked first and wins outright — it fires but never additionally
	// pops, since the original intercepts the function at its own exit and
	// doesn't need a separate pop. Only a pc that is exit-only (registered
	// solely in hookExit by RegisterHookAtStart's exits list) reaches the
	// pop branch.
	if hook, ok := d.State.StartedAt(pc); ok {
		env := &HookEnv{Model: d.Model, State: d.State, Symbols: d.Symbols, Events: d.Events, Hart: d.Hart}
		entry, push, err := hook.Update(env)
		if err != nil {
			log.Printf("vprof: replay: hook %s at pc=%#x: %s", hook.Name(), pc, err)
			return
		}
		if push {
			d.State.Push(d.State.CurrentPID(), entry)
		}
		return
	}
	if d.State.ExitsAt(pc) {
		d.State.Pop(d.State.CurrentPID())
	}
}

func (d *ReplayDriver) flush() {
	if len(d.buffer) > 0 {
		path := pcTracePath(d.OutDir, d.traceIdx)
		d.traceIdx++
		batch := traceBatch{steps: d.buffer, path: path}
		d.buffer = nil
		d.Traces.QueueJob(writeTraceBatch, batch)
	}
	d.Events.Flush()
	d.sinceFlush = 0
}
