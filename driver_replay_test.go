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
	"bytes"
	"errors"
	"testing"
)

func newTestReplayDriver(m *fakeModel, state *State) (*ReplayDriver, *Queue[[]Packet], *Queue[traceBatch]) {
	var eventBuf bytes.Buffer
	eventQueue := NewQueue[[]Packet](1, 4)
	events := NewEventLogger(&eventBuf, eventQueue)
	traceQueue := NewQueue[traceBatch](1, 4)
	driver := NewReplayDriver(m, state, nil, events, traceQueue, "")
	return driver, eventQueue, traceQueue
}

// TestReplayDriverAppliesCSROverride mirrors the "Trace replay div check"
// scenario: a step whose register write came from reading mcycle gets its
// destination register forced to the authoritative trace's write data.
func TestReplayDriverAppliesCSROverride(t *testing.T) {
	m := newFakeModel()
	m.stepSeq = []StepResult{
		{
			Outcome: Advanced,
			Step:    GuestStep{PC: 0x1000},
			Write:   &RegWrite{Reg: "a0", SourceCSR: "mcycle"},
		},
	}

	driver, eventQueue, traceQueue := newTestReplayDriver(m, NewState())
	defer eventQueue.Stop()
	defer traceQueue.Stop()

	rec := ValidationStep{PC: 0x1000, WritesReg: true, WriteData: 0x1234}
	result, err := driver.gangedStep(rec)
	if err != nil {
		t.Fatal(err)
	}
	if result.Step.PC != 0x1000 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := m.gpr["a0"]; got != 0x1234 {
		t.Fatalf("mcycle override not applied, a0=%#x", got)
	}
}

func TestReplayDriverSkipsOverrideForOrdinaryRegisterWrite(t *testing.T) {
	m := newFakeModel()
	m.stepSeq = []StepResult{
		{
			Outcome: Advanced,
			Step:    GuestStep{PC: 0x2000},
			Write:   &RegWrite{Reg: "a1"},
		},
	}
	driver, eventQueue, traceQueue := newTestReplayDriver(m, NewState())
	defer eventQueue.Stop()
	defer traceQueue.Stop()

	rec := ValidationStep{PC: 0x2000, WritesReg: true, WriteData: 0xaa}
	if _, err := driver.gangedStep(rec); err != nil {
		t.Fatal(err)
	}
	if _, set := m.gpr["a1"]; set {
		t.Fatalf("ordinary register write should not be overridden")
	}
}

func TestReplayDriverDetectsGangedDivergence(t *testing.T) {
	m := newFakeModel()
	m.stepSeq = []StepResult{
		{Outcome: Advanced, Step: GuestStep{PC: 0x1000}},
	}
	driver, eventQueue, traceQueue := newTestReplayDriver(m, NewState())
	defer eventQueue.Stop()
	defer traceQueue.Stop()

	rec := ValidationStep{PC: 0x2000}
	_, err := driver.gangedStep(rec)
	if !errors.Is(err, ErrGangedDivergence) {
		t.Fatalf("expected ErrGangedDivergence, got %v", err)
	}
}

func TestReplayDriverSkipsDivergenceCheckWhenTrapped(t *testing.T) {
	m := newFakeModel()
	m.stepSeq = []StepResult{
		{Outcome: Trapped, Step: GuestStep{PC: 0x1000}, Trap: TrapInfo{Cause: 5}},
	}
	driver, eventQueue, traceQueue := newTestReplayDriver(m, NewState())
	defer eventQueue.Stop()
	defer traceQueue.Stop()

	rec := ValidationStep{PC: 0x9999}
	if _, err := driver.gangedStep(rec); err != nil {
		t.Fatalf("trapped outcome must not trigger a PC divergence check: %v", err)
	}
}

func TestReplayDriverAssertsExternalInterruptViaPLIC(t *testing.T) {
	m := newFakeModel()
	m.plicHasOne = true
	m.stepSeq = []StepResult{
		{Outcome: Advanced, Step: GuestStep{PC: 0x1000}},
	}
	driver, eventQueue, traceQueue := newTestReplayDriver(m, NewState())
	defer eventQueue.Stop()
	defer traceQueue.Stop()

	rec := ValidationStep{PC: 0x1000, HadInterrupt: true, Cause: 9}
	if _, err := driver.gangedStep(rec); err != nil {
		t.Fatal(err)
	}
	if !m.pending[SEIP] {
		t.Fatal("expected SEIP to be asserted")
	}
	if m.ticks != 0 {
		t.Fatalf("should not have needed a device tick, got %d ticks", m.ticks)
	}
}

func TestReplayDriverAssertsExternalInterruptViaDeviceTick(t *testing.T) {
	m := newFakeModel()
	m.plicHasOne = false
	m.onTick = func() { m.plicHasOne = true }
	m.stepSeq = []StepResult{
		{Outcome: Advanced, Step: GuestStep{PC: 0x1000}},
	}
	driver, eventQueue, traceQueue := newTestReplayDriver(m, NewState())
	defer eventQueue.Stop()
	defer traceQueue.Stop()

	rec := ValidationStep{PC: 0x1000, HadInterrupt: true, Cause: 9}
	if _, err := driver.gangedStep(rec); err != nil {
		t.Fatal(err)
	}
	if m.ticks != 1 {
		t.Fatalf("expected exactly one device tick, got %d", m.ticks)
	}
	if !m.pending[SEIP] {
		t.Fatal("expected SEIP to be asserted after the tick")
	}
}

func TestReplayDriverPLICExhausted(t *testing.T) {
	m := newFakeModel()
	m.plicHasOne = false
	m.stepSeq = []StepResult{
		{Outcome: Advanced, Step: GuestStep{PC: 0x1000}},
	}
	driver, eventQueue, traceQueue := newTestReplayDriver(m, NewState())
	defer eventQueue.Stop()
	defer traceQueue.Stop()

	rec := ValidationStep{PC: 0x1000, HadInterrupt: true, Cause: 9}
	_, err := driver.gangedStep(rec)
	if !errors.Is(err, ErrPLICExhausted) {
		t.Fatalf("expected ErrPLICExhausted, got %v", err)
	}
}

func TestInterruptCauseFromBits(t *testing.T) {
	cases := map[uint64]InterruptCause{
		3: MSIP,
		7: MTIP,
		9: SEIP,
		1: MEIP,
	}
	for bits, want := range cases {
		if got := interruptCauseFromBits(bits); got != want {
			t.Errorf("interruptCauseFromBits(%d) = %v, want %v", bits, got, want)
		}
	}
}
