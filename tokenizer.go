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
	"bufio"
	"fmt"
	"io"
)

// fastSplit splits a whitespace-separated line in place, without
// allocating a []string per call the way strings.Fields does for the hot
// parsing path of C9. Re-architected from the original's hand-rolled
// fast_split as a small pure function with an explicit error-free contract:
// it never errors, it simply returns fewer fields than expected if the
// line is short.
func fastSplit(line []byte, fields [][]byte) [][]byte {
	fields = fields[:0]
	i := 0
	n := len(line)
	for i < n {
		for i < n && isSpace(line[i]) {
			i++
		}
		if i >= n {
			break
		}
		start := i
		for i < n && !isSpace(line[i]) {
			i++
		}
		fields = append(fields, line[start:i])
	}
	return fields
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// parseHexU64 parses a "0x"-prefixed hexadecimal token, the strtoull_fast_hex
// equivalent from the REDESIGN FLAGS, as a small pure function with an
// explicit error value rather than a panic on malformed input.
func parseHexU64(tok []byte) (uint64, error) {
	if len(tok) < 3 || tok[0] != '0' || (tok[1] != 'x' && tok[1] != 'X') {
		return 0, fmt.Errorf("vprof: tokenizer: %q is not a 0x-prefixed hex token", tok)
	}
	var v uint64
	for _, c := range tok[2:] {
		d, ok := hexDigit(c)
		if !ok {
			return 0, fmt.Errorf("vprof: tokenizer: invalid hex digit in %q", tok)
		}
		v = v<<4 | uint64(d)
	}
	return v, nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// parseDecU64 parses an unsigned decimal token.
func parseDecU64(tok []byte) (uint64, error) {
	if len(tok) == 0 {
		return 0, fmt.Errorf("vprof: tokenizer: empty decimal token")
	}
	var v uint64
	for _, c := range tok {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("vprof: tokenizer: invalid decimal digit in %q", tok)
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}

// parseBool01 parses a "0" or "1" token as a boolean flag.
func parseBool01(tok []byte) (bool, error) {
	if len(tok) != 1 || (tok[0] != '0' && tok[0] != '1') {
		return false, fmt.Errorf("vprof: tokenizer: %q is not a 0/1 flag", tok)
	}
	return tok[0] == '1', nil
}

// parseTraceChunk parses a trace-chunk text record stream (spec.md §6):
// "<time_dec> <val_bool> <pc_hex0x> <insn_hex0x> <except_bool> <intr_bool>
// <cause_dec> <has_write_bool> <wdata_hex0x> <priv_dec>" per line.
func parseTraceChunk(r io.Reader) ([]ValidationStep, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var steps []ValidationStep
	fields := make([][]byte, 0, 10)
	for scanner.Scan() {
		line := scanner.Bytes()
		fields = fastSplit(line, fields)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 10 {
			return nil, fmt.Errorf("vprof: tokenizer: expected 10 fields, got %d: %q", len(fields), line)
		}

		step, err := parseTraceRecord(fields)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vprof: tokenizer: reading trace chunk: %w", err)
	}
	return steps, nil
}

func parseTraceRecord(f [][]byte) (ValidationStep, error) {
	var step ValidationStep
	var err error

	if step.Time, err = parseDecU64(f[0]); err != nil {
		return step, err
	}
	if step.Valid, err = parseBool01(f[1]); err != nil {
		return step, err
	}
	if step.PC, err = parseHexU64(f[2]); err != nil {
		return step, err
	}
	insn, err := parseHexU64(f[3])
	if err != nil {
		return step, err
	}
	step.RawInsn = uint32(insn)
	if step.HadException, err = parseBool01(f[4]); err != nil {
		return step, err
	}
	if step.HadInterrupt, err = parseBool01(f[5]); err != nil {
		return step, err
	}
	if step.Cause, err = parseDecU64(f[6]); err != nil {
		return step, err
	}
	if step.WritesReg, err = parseBool01(f[7]); err != nil {
		return step, err
	}
	if step.WriteData, err = parseHexU64(f[8]); err != nil {
		return step, err
	}
	priv, err := parseDecU64(f[9])
	if err != nil {
		return step, err
	}
	step.Privilege = int(priv)
	step.Done = true
	return step, nil
}
