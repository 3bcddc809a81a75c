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

import "testing"

func TestStatePushPop(t *testing.T) {
	s := NewState()
	s.Push(1, CallstackEntry{FunctionName: "f", BinaryName: "/bin/f"})
	s.Push(1, CallstackEntry{FunctionName: "g", BinaryName: "/bin/f"})

	top, ok := s.Pop(1)
	if !ok || top.FunctionName != "g" {
		t.Fatalf("got %+v, ok=%v", top, ok)
	}
	if len(s.Stack(1)) != 1 {
		t.Fatalf("expected 1 remaining frame, got %d", len(s.Stack(1)))
	}
}

func TestStatePopEmptyStackIsNonFatal(t *testing.T) {
	s := NewState()
	_, ok := s.Pop(99)
	if ok {
		t.Fatal("expected ok=false popping an empty stack")
	}
}

func TestStateLookupPidPlaceholder(t *testing.T) {
	s := NewState()
	if got := s.LookupPid(1); got != defaultBinaryPlaceholder {
		t.Fatalf("got %q, want placeholder", got)
	}
	s.SetPidBin(1, "/bin/a")
	if got := s.LookupPid(1); got != "/bin/a" {
		t.Fatalf("got %q", got)
	}
}

func TestStateCopyPidBin(t *testing.T) {
	s := NewState()
	s.SetPidBin(1, "/bin/a")
	s.CopyPidBin(2, 1)
	if got := s.LookupPid(2); got != "/bin/a" {
		t.Fatalf("got %q, want /bin/a", got)
	}
}

func TestStateCopyPidBinFromUnknownParent(t *testing.T) {
	s := NewState()
	s.CopyPidBin(2, 1)
	if got := s.LookupPid(2); got != defaultBinaryPlaceholder {
		t.Fatalf("got %q, want placeholder", got)
	}
}

func TestStateExitPCsToProfileSortedAndCached(t *testing.T) {
	s := NewState()
	s.RegisterHookAtExit([]Addr{30, 10, 20}, &noopHook{name: "h1"})

	pcs := s.ExitPCsToProfile()
	want := []Addr{10, 20, 30}
	if len(pcs) != len(want) {
		t.Fatalf("got %v, want %v", pcs, want)
	}
	for i := range want {
		if pcs[i] != want[i] {
			t.Fatalf("got %v, want %v", pcs, want)
		}
	}

	// Registering a new hook invalidates the cache and the union is
	// recomputed, still sorted.
	s.RegisterHookAtExit([]Addr{5}, &noopHook{name: "h2"})
	pcs = s.ExitPCsToProfile()
	if pcs[0] != 5 {
		t.Fatalf("cache was not invalidated: got %v", pcs)
	}
}

func TestStateTimestampAdvances(t *testing.T) {
	s := NewState()
	if s.Timestamp() != 0 {
		t.Fatalf("expected 0, got %d", s.Timestamp())
	}
	s.AdvanceTimestamp(100)
	s.AdvanceTimestamp(50)
	if s.Timestamp() != 150 {
		t.Fatalf("got %d, want 150", s.Timestamp())
	}
}

func TestStateCurrentPID(t *testing.T) {
	s := NewState()
	s.SetCurrentPID(7)
	if s.CurrentPID() != 7 {
		t.Fatalf("got %d", s.CurrentPID())
	}
}

type noopHook struct{ name string }

func (h *noopHook) Name() string { return h.name }
func (h *noopHook) Update(env *HookEnv) (CallstackEntry, bool, error) {
	return CallstackEntry{}, false, nil
}
