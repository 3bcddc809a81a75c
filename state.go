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
	"log"

	"golang.org/x/exp/slices"
)

const defaultBinaryPlaceholder = "<unknown>"

// State is the profiler's shared mutable state: per-PID call stacks,
// PID->binary and ASID->binary maps, the current PID, the monotonic
// timestamp, and the read-only-after-init hook table. All mutation happens
// synchronously on the driver thread; hooks access it only through the
// driver, so State itself needs no locking.
type State struct {
	hookStart map[Addr]Hook
	hookExit  map[Addr]bool
	exitPCs   []Addr // sorted, deduplicated cache

	stacks map[uint64][]CallstackEntry
	pidBin map[uint64]string
	asdBin map[uint64]string

	currentPID uint64
	ts         uint64
}

// NewState creates an empty profiler State.
func NewState() *State {
	return &State{
		hookStart: make(map[Addr]Hook),
		hookExit:  make(map[Addr]bool),
		stacks:    make(map[uint64][]CallstackEntry),
		pidBin:    make(map[uint64]string),
		asdBin:    make(map[uint64]string),
	}
}

// RegisterHookAtStart registers hook to fire when execution reaches pc, and
// registers every address in exits as an exit PC that pops the firing PID's
// stack. Read-only after the driver's setup phase completes.
func (s *State) RegisterHookAtStart(pc Addr, hook Hook, exits []Addr) {
	s.hookStart[pc] = hook
	s.addExits(exits)
}

// RegisterHookAtExit registers hook to fire at every address in exits,
// without any stack push/pop (the hook itself decides what to do).
func (s *State) RegisterHookAtExit(exits []Addr, hook Hook) {
	for _, pc := range exits {
		s.hookStart[pc] = hook
	}
	s.addExits(exits)
}

func (s *State) addExits(exits []Addr) {
	for _, pc := range exits {
		s.hookExit[pc] = true
	}
	s.exitPCs = nil // invalidate cache
}

// StartedAt returns the hook registered at pc, if any.
func (s *State) StartedAt(pc Addr) (Hook, bool) {
	h, ok := s.hookStart[pc]
	return h, ok
}

// ExitsAt reports whether pc is a registered exit address.
func (s *State) ExitsAt(pc Addr) bool {
	return s.hookExit[pc]
}

// ExitPCsToProfile returns a sorted, deduplicated view of every registered
// exit PC, for the "sorted scan equals union of per-hook exits" property.
// The view is built on the first call after a registration and cached; the
// drivers' scan steps test membership with ExitsAt instead.
func (s *State) ExitPCsToProfile() []Addr {
	if s.exitPCs != nil {
		return s.exitPCs
	}
	pcs := make([]Addr, 0, len(s.hookExit))
	for pc := range s.hookExit {
		pcs = append(pcs, pc)
	}
	slices.Sort(pcs)
	s.exitPCs = pcs
	return pcs
}

// Push pushes entry onto pid's call stack.
func (s *State) Push(pid uint64, entry CallstackEntry) {
	s.stacks[pid] = append(s.stacks[pid], entry)
}

// Pop pops the top entry off pid's call stack. Popping an empty stack is a
// design-level warning (current_pid lags the functional model by at most
// one scheduling decision), not a crash: it is logged and ignored.
func (s *State) Pop(pid uint64) (CallstackEntry, bool) {
	st := s.stacks[pid]
	if len(st) == 0 {
		log.Printf("vprof: state: callstack underflow for pid %d", pid)
		return CallstackEntry{}, false
	}
	top := st[len(st)-1]
	s.stacks[pid] = st[:len(st)-1]
	return top, true
}

// Stack returns pid's call stack, top of stack last.
func (s *State) Stack(pid uint64) []CallstackEntry {
	return s.stacks[pid]
}

// SetPidBin records that pid is now running binary name.
func (s *State) SetPidBin(pid uint64, name string) {
	s.pidBin[pid] = name
}

// SetAsidBin binds asid to binary name.
func (s *State) SetAsidBin(asid uint64, name string) {
	s.asdBin[asid] = name
}

// LookupPid returns the binary name running as pid, or the unknown
// placeholder if the mapping hasn't been observed yet.
func (s *State) LookupPid(pid uint64) string {
	if name, ok := s.pidBin[pid]; ok {
		return name
	}
	return defaultBinaryPlaceholder
}

// LookupAsid returns the binary bound to asid and whether it is known.
func (s *State) LookupAsid(asid uint64) (string, bool) {
	name, ok := s.asdBin[asid]
	return name, ok
}

// CopyPidBin copies the binary name associated with src to dst, used by the
// fork hook. Forked children without a known parent binary get the
// placeholder.
func (s *State) CopyPidBin(dst, src uint64) {
	s.pidBin[dst] = s.LookupPid(src)
}

// CurrentPID returns the PID the profiler currently believes is scheduled.
func (s *State) CurrentPID() uint64 { return s.currentPID }

// SetCurrentPID updates the current PID. Only the finish_task_switch hook
// should call this, not the scheduler-pick hook (see invariants).
func (s *State) SetCurrentPID(pid uint64) { s.currentPID = pid }

// Timestamp returns the monotonic profiler timestamp.
func (s *State) Timestamp() uint64 { return s.ts }

// AdvanceTimestamp advances the timestamp by n, the number of retired
// instructions appended to the current batch.
func (s *State) AdvanceTimestamp(n uint64) { s.ts += n }
