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

// FunctionalModel is the external instruction-set simulator this profiler
// co-runs with. Only its interface is specified here; the RISC-V core
// itself, the page-table walker, and the checkpoint serializer are out of
// scope (see spec.md §1, Out of scope).
type FunctionalModel interface {
	// Step advances hart by exactly one instruction (or reports why it
	// could not) and returns the classified outcome.
	Step(hart int) (StepResult, error)

	// RunBulk advances hart by up to n instructions, returning the step
	// records actually produced. Used by the checkpoint/rewind driver's
	// burst phase; may return fewer than n records at a trap boundary.
	RunBulk(hart int, n int) ([]GuestStep, error)

	// PC returns hart's current program counter.
	PC(hart int) Addr

	// ReadGPR reads a general-purpose register by its ABI name (e.g. "a0").
	ReadGPR(hart int, name string) (Reg, error)

	// ReadCSR reads a control/status register by name (e.g. "satp").
	ReadCSR(hart int, name string) (Reg, error)

	// OverrideGPR forces hart's register name to value, used by ganged_step
	// to apply the CSR-override set and ganged-device read overrides.
	OverrideGPR(hart int, name string, value Reg) error

	// LoadByte and LoadU64 read guest memory through the model's MMU
	// abstraction. Page faults are not expected while executing inside a
	// kernel function already being profiled; a fault here is ErrGuestFault.
	LoadByte(hart int, va Addr) (byte, error)
	LoadU64(hart int, va Addr) (Reg, error)

	// Checkpoint serializes the whole model's architectural state.
	Checkpoint() (Checkpoint, error)
	// Restore deserializes a previously taken Checkpoint.
	Restore(Checkpoint) error

	// SetPendingInterrupt patches hart's MIP to reflect cause being
	// asserted or cleared, used by ganged_step when a trace record carries
	// an authoritative interrupt flag.
	SetPendingInterrupt(hart int, cause InterruptCause, assert bool) error

	// ClearWaitForInterrupt clears hart's WFI state so it does not stall.
	ClearWaitForInterrupt(hart int)

	// TickDevices advances downstream interrupt-source devices by one tick,
	// used when ganged_step needs to retry a SEIP assertion.
	TickDevices()

	// PLICPending reports whether the PLIC has a pending external
	// interrupt for hart to claim.
	PLICPending(hart int) bool
}

// Checkpoint is an opaque, serialized snapshot of the whole functional
// model: per-hart architectural state (CSRs, PMP entries, state-enable,
// floating-point, selected vector-config, timer CSRs), CLINT state, PLIC
// state, and optionally dirtied guest memory pages. It is never persisted
// to disk (see spec.md §6).
type Checkpoint struct {
	// Harts holds one opaque architectural-state blob per hart.
	Harts [][]byte
	// CLINT holds the serialized core-local-interrupt-controller state.
	CLINT []byte
	// PLIC holds the serialized platform-level-interrupt-controller state.
	PLIC []byte
	// Pages holds dirtied guest memory pages captured since the last
	// checkpoint, keyed by guest physical page base.
	Pages map[Addr][]byte
}

// Clone returns a deep, independent copy of c, satisfying the
// serialize->deserialize->serialize idempotence property (spec.md §8).
func (c Checkpoint) Clone() Checkpoint {
	out := Checkpoint{
		Harts: make([][]byte, len(c.Harts)),
		CLINT: append([]byte(nil), c.CLINT...),
		PLIC:  append([]byte(nil), c.PLIC...),
	}
	for i, h := range c.Harts {
		out.Harts[i] = append([]byte(nil), h...)
	}
	if c.Pages != nil {
		out.Pages = make(map[Addr][]byte, len(c.Pages))
		for addr, page := range c.Pages {
			out.Pages[addr] = append([]byte(nil), page...)
		}
	}
	return out
}
