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

// Package vprof is a whole-system profiler for a simulated RISC-V target
// running a Linux kernel. It co-runs with an instruction-set simulator (the
// "functional model", see FunctionalModel) and produces a per-instruction
// PC trace and a Perfetto-compatible high-level event trace.
package vprof

import "fmt"

// Addr is a guest virtual or physical address.
type Addr = uint64

// Reg is the width of a RISC-V general-purpose or CSR register.
type Reg = uint64

// Privilege levels, matching the RISC-V privileged spec encoding used on the
// wire in PC-trace files and validation records.
const (
	PrivUser       = 0
	PrivSupervisor = 1
	PrivMachine    = 3
)

// ABI register names for the standard RISC-V calling convention, indexed by
// x-register number. Declared once, read-only: the "module-level globals"
// re-architecture from the REDESIGN FLAGS packages this as data rather than
// writable package state.
var abiRegisterNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// argRegisterName returns the canonical ABI register name carrying the i'th
// argument (a0..a7), bounded per the symbol index's 8-argument limit.
func argRegisterName(i int) string {
	return fmt.Sprintf("a%d", i)
}

// GuestStep is one retired instruction, as emitted by the functional model
// during a burst (C6) or a single ganged step (C7).
type GuestStep struct {
	PC           Addr
	ASID         uint64
	Privilege    int
	PrevPriv     int
	RawInsn      uint32
	Cycle        uint64
}

// ValidationStep is one record from a cycle-accurate hardware-level trace,
// consumed by the replay driver (C7) to cross-check the functional model.
type ValidationStep struct {
	Valid         bool
	Time          uint64
	PC            Addr
	RawInsn       uint32
	HadException  bool
	HadInterrupt  bool
	Cause         uint64
	WritesReg     bool
	WriteData     uint64
	Privilege     int
	Done          bool
}

// StepOutcome is the sum type returned by FunctionalModel.Step, replacing
// the exception-control-flow style of PC_SERIALIZE_BEFORE/wait_for_interrupt_t
// in the original implementation (see REDESIGN FLAGS).
type StepOutcome int

const (
	// Advanced means the model retired exactly one instruction normally.
	Advanced StepOutcome = iota
	// SerializeBefore means the model needs its state externally observed
	// before completing the instruction (e.g. a CSR side effect).
	SerializeBefore
	// SerializeAfter is the symmetric case after the instruction completed.
	SerializeAfter
	// WaitForInterrupt means the hart is parked in a WFI and did not retire
	// an instruction this step.
	WaitForInterrupt
	// Trapped means the instruction raised an exception or was interrupted;
	// TrapInfo on the returned StepResult carries the cause.
	Trapped
	// DebugBreakpoint means a debug trigger fired.
	DebugBreakpoint
)

// TrapInfo carries the detail associated with a Trapped StepOutcome.
type TrapInfo struct {
	Cause       uint64
	IsInterrupt bool
}

// StepResult is the full result of one FunctionalModel.Step call.
type StepResult struct {
	Outcome StepOutcome
	Step    GuestStep
	Trap    TrapInfo

	// Write describes an architectural register write produced by this
	// step, if any, so ganged_step (C7) can decide whether to override it
	// with an authoritative trace value.
	Write *RegWrite

	// ClintClear, if non-nil, names an interrupt cause the model's CLINT
	// store this step cleared on the corresponding MIP bit.
	ClintClear *InterruptCause
}

// RegWrite describes one architectural register write produced by a step,
// used by ganged_step to apply the CSR-override set, ganged-device reads,
// LR/SC read-modify-write pairs, and htif tohost/fromhost reads.
type RegWrite struct {
	Reg          string
	SourceCSR    string // non-empty if this write came from a CSR read
	GangedDevice bool   // read from a device whose value the model can't predict
	LRSC         bool   // part of an LR/SC read-modify-write pair
	HTIF         bool   // read from the htif tohost/fromhost addresses
}

// CSROverrideSet lists CSRs whose reads have their destination register
// overwritten by the authoritative trace record's write data during replay,
// because the functional model cannot be expected to reproduce the
// hardware-level simulator's exact value (spec.md §4.7).
var CSROverrideSet = map[string]bool{
	"misa": true, "mcause": true, "mtval": true, "mcycle": true,
	"cycle": true, "time": true, "instret": true, "minstret": true,
	"satp": true, "tselect": true, "mcontext": true,
}

func init() {
	for i := 0; i < 64; i++ {
		CSROverrideSet[fmt.Sprintf("pmpaddr%d", i)] = true
	}
}

// InterruptCause identifies which MIP bit an external event should assert,
// used by ganged_step (C7) to patch the functional model's pending-interrupt
// state from an authoritative trace record.
type InterruptCause int

const (
	MSIP InterruptCause = iota
	MTIP
	MEIP
	SEIP
)

// CallstackEntry is one frame pushed onto a per-PID call stack by a hook
// that fires at a function's entry PC.
type CallstackEntry struct {
	FunctionName string
	BinaryName   string
}
