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
	"strings"
	"testing"
)

func TestFastSplit(t *testing.T) {
	fields := fastSplit([]byte("  a0  0x10   1 "), nil)
	want := []string{"a0", "0x10", "1"}
	if len(fields) != len(want) {
		t.Fatalf("got %d fields, want %d: %v", len(fields), len(want), fields)
	}
	for i, w := range want {
		if string(fields[i]) != w {
			t.Fatalf("field %d = %q, want %q", i, fields[i], w)
		}
	}
}

func TestFastSplitReusesBacking(t *testing.T) {
	buf := make([][]byte, 0, 4)
	buf = fastSplit([]byte("x y"), buf)
	if len(buf) != 2 {
		t.Fatalf("got %d", len(buf))
	}
	buf = fastSplit([]byte("a"), buf)
	if len(buf) != 1 || string(buf[0]) != "a" {
		t.Fatalf("got %v", buf)
	}
}

func TestParseHexU64(t *testing.T) {
	v, err := parseHexU64([]byte("0xdeadBEEF"))
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("got %#x", v)
	}
}

func TestParseHexU64RejectsMissingPrefix(t *testing.T) {
	if _, err := parseHexU64([]byte("dead")); err == nil {
		t.Fatal("expected error without 0x prefix")
	}
}

func TestParseDecU64(t *testing.T) {
	v, err := parseDecU64([]byte("12345"))
	if err != nil {
		t.Fatal(err)
	}
	if v != 12345 {
		t.Fatalf("got %d", v)
	}
}

func TestParseBool01(t *testing.T) {
	v, err := parseBool01([]byte("1"))
	if err != nil || !v {
		t.Fatalf("got %v, %v", v, err)
	}
	v, err = parseBool01([]byte("0"))
	if err != nil || v {
		t.Fatalf("got %v, %v", v, err)
	}
	if _, err := parseBool01([]byte("2")); err == nil {
		t.Fatal("expected error for '2'")
	}
}

func TestParseTraceChunk(t *testing.T) {
	const data = "100 1 0x80000000 0x00000013 0 0 0 1 0x2a 1\n" +
		"101 1 0x80000004 0x00008067 0 1 7 0 0x0 3\n"

	steps, err := parseTraceChunk(strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps", len(steps))
	}

	s0 := steps[0]
	if s0.Time != 100 || !s0.Valid || s0.PC != 0x80000000 || s0.RawInsn != 0x13 {
		t.Fatalf("unexpected step 0: %+v", s0)
	}
	if !s0.WritesReg || s0.WriteData != 0x2a || s0.Privilege != 1 {
		t.Fatalf("unexpected step 0: %+v", s0)
	}

	s1 := steps[1]
	if !s1.HadInterrupt || s1.Cause != 7 || s1.Privilege != 3 {
		t.Fatalf("unexpected step 1: %+v", s1)
	}
}

func TestParseTraceChunkRejectsShortRecord(t *testing.T) {
	_, err := parseTraceChunk(strings.NewReader("100 1 0x0\n"))
	if err == nil {
		t.Fatal("expected error for a short record")
	}
}
