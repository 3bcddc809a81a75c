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

// fakeModel is a minimal in-memory FunctionalModel double used across the
// hook and driver tests. It never actually decodes RISC-V instructions: the
// test sets up whatever GPR/memory/step sequence a scenario needs.
type fakeModel struct {
	pc  Addr
	gpr map[string]Reg
	mem map[Addr]byte

	bursts    [][]GuestStep // consumed in order by RunBulk
	stepSeq   []StepResult  // consumed in order by Step
	stepIndex int

	ckpt       Checkpoint
	restored   int
	pending    map[InterruptCause]bool
	plicHasOne bool
	ticks      int
	onTick     func()
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		gpr:     make(map[string]Reg),
		mem:     make(map[Addr]byte),
		pending: make(map[InterruptCause]bool),
	}
}

func (m *fakeModel) Step(hart int) (StepResult, error) {
	if m.stepIndex >= len(m.stepSeq) {
		return StepResult{}, fmt.Errorf("fakeModel: no more queued steps")
	}
	r := m.stepSeq[m.stepIndex]
	m.stepIndex++
	m.pc = r.Step.PC
	return r, nil
}

func (m *fakeModel) RunBulk(hart int, n int) ([]GuestStep, error) {
	if len(m.bursts) == 0 {
		return nil, nil
	}
	b := m.bursts[0]
	m.bursts = m.bursts[1:]
	if len(b) > 0 {
		m.pc = b[len(b)-1].PC
	}
	return b, nil
}

func (m *fakeModel) PC(hart int) Addr { return m.pc }

func (m *fakeModel) ReadGPR(hart int, name string) (Reg, error) {
	return m.gpr[name], nil
}

func (m *fakeModel) ReadCSR(hart int, name string) (Reg, error) {
	return m.gpr[name], nil
}

func (m *fakeModel) OverrideGPR(hart int, name string, value Reg) error {
	m.gpr[name] = value
	return nil
}

func (m *fakeModel) LoadByte(hart int, va Addr) (byte, error) {
	b, ok := m.mem[va]
	if !ok {
		return 0, fmt.Errorf("fakeModel: unmapped byte at %#x", va)
	}
	return b, nil
}

func (m *fakeModel) LoadU64(hart int, va Addr) (Reg, error) {
	var v Reg
	for i := 0; i < 8; i++ {
		b, ok := m.mem[va+Addr(i)]
		if !ok {
			return 0, fmt.Errorf("fakeModel: unmapped word at %#x", va)
		}
		v |= Reg(b) << (8 * i)
	}
	return v, nil
}

func (m *fakeModel) Checkpoint() (Checkpoint, error) {
	return m.ckpt.Clone(), nil
}

func (m *fakeModel) Restore(c Checkpoint) error {
	m.restored++
	m.ckpt = c.Clone()
	return nil
}

func (m *fakeModel) SetPendingInterrupt(hart int, cause InterruptCause, assert bool) error {
	m.pending[cause] = assert
	return nil
}

func (m *fakeModel) ClearWaitForInterrupt(hart int) {}

func (m *fakeModel) TickDevices() {
	m.ticks++
	if m.onTick != nil {
		m.onTick()
	}
}

func (m *fakeModel) PLICPending(hart int) bool { return m.plicHasOne }

// putString writes a NUL-terminated string into the fake guest memory at
// va, so hooks can read it back with LoadByte.
func (m *fakeModel) putString(va Addr, s string) {
	for i := 0; i < len(s); i++ {
		m.mem[va+Addr(i)] = s[i]
	}
	m.mem[va+Addr(len(s))] = 0
}

// putU64 writes a little-endian 64-bit value into fake guest memory.
func (m *fakeModel) putU64(va Addr, v Reg) {
	for i := 0; i < 8; i++ {
		m.mem[va+Addr(i)] = byte(v >> (8 * i))
	}
}
