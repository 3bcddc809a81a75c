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
)

// HookEnv is the shared environment a Hook reads/mutates through: the
// functional model, the profiler state, the per-binary symbol indices, and
// the event logger. Re-architected per REDESIGN FLAGS as a plain struct
// passed by the driver, never a polymorphic base class.
type HookEnv struct {
	Model   FunctionalModel
	State   *State
	Symbols map[string]*Index
	Events  *EventLogger
	Hart    int
}

// Hook is the single-method contract every kernel-introspection hook
// implements, replacing the virtual hook hierarchy of the original
// implementation with a tagged set of concrete types behind one interface
// (see REDESIGN FLAGS).
type Hook interface {
	// Name is the kernel function name the hook is registered against.
	Name() string
	// Update reads guest state through env and mutates env.State/env.Events
	// accordingly. If the hook was registered at-start and returns a true
	// ok, the driver pushes entry onto the firing PID's call stack.
	Update(env *HookEnv) (entry CallstackEntry, ok bool, err error)
}

// readCString follows a guest-virtual pointer and copies bytes until NUL or
// a cap of maxLen, matching KF_do_execveat_common::find_exec_syscall_filepath.
func readCString(env *HookEnv, va Addr, maxLen int) (string, error) {
	buf := make([]byte, 0, maxLen)
	for i := 0; i < maxLen; i++ {
		b, err := env.Model.LoadByte(env.Hart, va+Addr(i))
		if err != nil {
			return "", fmt.Errorf("%w: reading filename byte at %#x: %s", ErrGuestFault, va+Addr(i), err)
		}
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf), nil
}

// ExecHook implements the exec-syscall hook (do_execveat_common): reads the
// filename argument, follows two levels of guest pointers to a C string,
// updates pid->binary, and emits an INSTANT event.
type ExecHook struct {
	name     string
	binName  string
	argReg   string
	maxLen   int
	trackSeq int32
}

// NewExecHook builds the exec-syscall hook for the kernel function fn,
// resolving its filename argument register from idx.
func NewExecHook(fn string, idx *Index, argIndex int, binName string, track int32) (*ExecHook, error) {
	reg, err := idx.ArgReg(fn, argIndex)
	if err != nil {
		return nil, err
	}
	return &ExecHook{name: fn, binName: binName, argReg: reg, maxLen: 200, trackSeq: track}, nil
}

func (h *ExecHook) Name() string { return h.name }

func (h *ExecHook) Update(env *HookEnv) (CallstackEntry, bool, error) {
	ptr, err := env.Model.ReadGPR(env.Hart, h.argReg)
	if err != nil {
		return CallstackEntry{}, false, err
	}
	// The argument register holds a pointer to a struct whose first 8 bytes
	// are themselves a pointer to the filename string (two levels of
	// indirection, see spec.md §4.5).
	strPtr, err := env.Model.LoadU64(env.Hart, Addr(ptr))
	if err != nil {
		return CallstackEntry{}, false, fmt.Errorf("%w: %s", ErrGuestFault, err)
	}
	name, err := readCString(env, Addr(strPtr), h.maxLen)
	if err != nil {
		return CallstackEntry{}, false, err
	}

	pid := env.State.CurrentPID()
	env.State.SetPidBin(pid, name)
	env.Events.Emit(h.name, h.trackSeq, NewInstant(h.name, h.trackSeq, env.State.Timestamp()))

	return CallstackEntry{FunctionName: h.name, BinaryName: name}, true, nil
}

// AsidBindHook implements the page-table-activation hook (set_mm_asid),
// intercepted at its first satp write: if the caller-stack top is an exec
// hook frame, binds asid->binary from that frame's binary.
type AsidBindHook struct {
	name     string
	asidReg  string
	trackSeq int32
}

// NewAsidBindHook builds the set_mm_asid hook. asidReg is the ABI register
// carrying the newly-activated ASID at the satp-write PC.
func NewAsidBindHook(fn, asidReg string, track int32) *AsidBindHook {
	return &AsidBindHook{name: fn, asidReg: asidReg, trackSeq: track}
}

func (h *AsidBindHook) Name() string { return h.name }

func (h *AsidBindHook) Update(env *HookEnv) (CallstackEntry, bool, error) {
	pid := env.State.CurrentPID()
	stack := env.State.Stack(pid)
	if len(stack) == 0 {
		return CallstackEntry{}, false, nil
	}
	top := stack[len(stack)-1]
	// Only an exec hook frame names the binary about to run.
	if top.FunctionName != "do_execveat_common" {
		return CallstackEntry{}, false, nil
	}

	asid, err := env.Model.ReadGPR(env.Hart, h.asidReg)
	if err != nil {
		return CallstackEntry{}, false, err
	}
	env.State.SetAsidBin(asid, top.BinaryName)
	env.Events.Emit(h.name, h.trackSeq, NewInstant(h.name, h.trackSeq, env.State.Timestamp()))
	return CallstackEntry{}, false, nil
}

// ForkHook implements the fork hook (kernel_clone), intercepted at exit to
// read the return value (the new PID) and copy the parent's binary.
type ForkHook struct {
	name     string
	retReg   string
	trackSeq int32
}

// NewForkHook builds the kernel_clone exit hook.
func NewForkHook(fn string, idx *Index, track int32) (*ForkHook, error) {
	reg, err := idx.RetReg(fn)
	if err != nil {
		return nil, err
	}
	return &ForkHook{name: fn, retReg: reg, trackSeq: track}, nil
}

func (h *ForkHook) Name() string { return h.name }

func (h *ForkHook) Update(env *HookEnv) (CallstackEntry, bool, error) {
	child, err := env.Model.ReadGPR(env.Hart, h.retReg)
	if err != nil {
		return CallstackEntry{}, false, err
	}
	parent := env.State.CurrentPID()
	env.State.CopyPidBin(child, parent)
	env.Events.Emit(h.name, h.trackSeq, NewInstant(h.name, h.trackSeq, env.State.Timestamp()))
	return CallstackEntry{}, false, nil
}

// CFSPickHook implements the CFS scheduler-pick hook
// (pick_next_task_fair), intercepted at exit: reads the returned task
// pointer and, if non-null, the pid field at a compiled-in offset.
type CFSPickHook struct {
	name      string
	retReg    string
	pidOffset Addr
	trackSeq  int32
}

// NewCFSPickHook builds the pick_next_task_fair exit hook. pidOffset is the
// byte offset of the pid field inside struct task_struct.
func NewCFSPickHook(fn string, idx *Index, pidOffset Addr, track int32) (*CFSPickHook, error) {
	reg, err := idx.RetReg(fn)
	if err != nil {
		return nil, err
	}
	return &CFSPickHook{name: fn, retReg: reg, pidOffset: pidOffset, trackSeq: track}, nil
}

func (h *CFSPickHook) Name() string { return h.name }

func (h *CFSPickHook) Update(env *HookEnv) (CallstackEntry, bool, error) {
	task, err := env.Model.ReadGPR(env.Hart, h.retReg)
	if err != nil {
		return CallstackEntry{}, false, err
	}
	if task == 0 {
		env.Events.Emit(h.name, h.trackSeq, NewInstant("no runnable", h.trackSeq, env.State.Timestamp()))
		return CallstackEntry{}, false, nil
	}
	pid, err := env.Model.LoadU64(env.Hart, Addr(task)+h.pidOffset)
	if err != nil {
		return CallstackEntry{}, false, fmt.Errorf("%w: %s", ErrGuestFault, err)
	}
	env.Events.Emit(h.name, h.trackSeq, NewInstant(fmt.Sprintf("next=%d", pid), h.trackSeq, env.State.Timestamp()))
	return CallstackEntry{}, false, nil
}

// SwitchHook implements the context-switch completion hook
// (finish_task_switch): reads the previous PID from the argument register
// and the current PID via the current-task pointer derived from tp, then
// sets current_pid and emits a SLICE_END/SLICE_BEGIN pair.
type SwitchHook struct {
	name         string
	prevArgReg   string
	pidOffset    Addr
	trackSeq     int32
}

// NewSwitchHook builds the finish_task_switch hook. pidOffset is the byte
// offset of the pid field inside struct task_struct, used to read the
// current PID off the tp-derived current-task pointer.
func NewSwitchHook(fn string, idx *Index, pidOffset Addr, track int32) (*SwitchHook, error) {
	reg, err := idx.ArgReg(fn, 0)
	if err != nil {
		return nil, err
	}
	return &SwitchHook{name: fn, prevArgReg: reg, pidOffset: pidOffset, trackSeq: track}, nil
}

func (h *SwitchHook) Name() string { return h.name }

func (h *SwitchHook) Update(env *HookEnv) (CallstackEntry, bool, error) {
	prevTask, err := env.Model.ReadGPR(env.Hart, h.prevArgReg)
	if err != nil {
		return CallstackEntry{}, false, err
	}
	prevPid, err := env.Model.LoadU64(env.Hart, Addr(prevTask)+h.pidOffset)
	if err != nil {
		return CallstackEntry{}, false, fmt.Errorf("%w: %s", ErrGuestFault, err)
	}

	tp, err := env.Model.ReadGPR(env.Hart, "tp")
	if err != nil {
		return CallstackEntry{}, false, err
	}
	curPid, err := env.Model.LoadU64(env.Hart, Addr(tp)+h.pidOffset)
	if err != nil {
		return CallstackEntry{}, false, fmt.Errorf("%w: %s", ErrGuestFault, err)
	}

	prevBin := env.State.LookupPid(prevPid)
	env.State.SetCurrentPID(curPid)
	curBin := env.State.LookupPid(curPid)

	ts := env.State.Timestamp()
	env.Events.Emit(prevBin, h.trackSeq, NewSliceEnd(prevBin, h.trackSeq, ts))
	env.Events.Emit(curBin, h.trackSeq, NewSliceBegin(curBin, h.trackSeq, ts))

	return CallstackEntry{}, false, nil
}
