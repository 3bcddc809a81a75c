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
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

const maxArgIndex = 8

// Index is a symbol index built once at startup from a parsed objdump
// disassembly: function name -> entry PC, exit PCs, first-CSR-write PC,
// argument/return ABI register names. Immutable after construction.
type Index struct {
	name   string // short binary name, e.g. "k" for the kernel
	bodies map[string][]line
	entry  map[string]Addr
}

// line is one disassembled instruction, lexically split on whitespace: the
// address, the mnemonic, and the operand list, as emitted by objdump.
type line struct {
	addr     Addr
	mnemonic string
	operands []string
}

// ParseObjdump builds an Index named by name (e.g. "k" for the kernel) from
// an objdump -d text disassembly.
func ParseObjdump(name string, r io.Reader) (*Index, error) {
	idx := &Index{
		name:   name,
		bodies: make(map[string][]line),
		entry:  make(map[string]Addr),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var current string
	for scanner.Scan() {
		text := scanner.Text()
		if fn, ok := parseFunctionHeader(text); ok {
			current = fn
			continue
		}
		if current == "" {
			continue
		}
		ln, ok := parseInsnLine(text)
		if !ok {
			continue
		}
		idx.bodies[current] = append(idx.bodies[current], ln)
		if _, ok := idx.entry[current]; !ok {
			idx.entry[current] = ln.addr
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vprof: symbols: reading objdump for %q: %w", name, err)
	}
	return idx, nil
}

// parseFunctionHeader recognizes objdump's "<addr> <name>:" function banner
// line, e.g. "ffffffff80140000 <do_execveat_common>:".
func parseFunctionHeader(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasSuffix(text, ">:") {
		return "", false
	}
	open := strings.IndexByte(text, '<')
	if open < 0 {
		return "", false
	}
	return text[open+1 : len(text)-2], true
}

// parseInsnLine recognizes objdump's per-instruction line:
// "  ffffffff80140004:\t6f f0 9f fe \tj ffffffff80140000 <foo>".
func parseInsnLine(text string) (line, bool) {
	text = strings.TrimLeft(text, " \t")
	colon := strings.IndexByte(text, ':')
	if colon < 0 {
		return line{}, false
	}
	addrStr := strings.TrimSpace(text[:colon])
	addr, err := strconv.ParseUint(addrStr, 16, 64)
	if err != nil {
		return line{}, false
	}
	rest := text[colon+1:]
	// Skip the raw-bytes column (tab separated), keep everything after it:
	// objdump tab-separates the mnemonic from its operands too, so the
	// disassembly itself may span more than one remaining field.
	parts := strings.Split(rest, "\t")
	var asm string
	if len(parts) >= 3 {
		asm = strings.Join(parts[2:], " ")
	} else if len(parts) == 2 {
		asm = parts[1]
	} else {
		return line{}, false
	}
	fields := strings.Fields(asm)
	if len(fields) == 0 {
		return line{}, false
	}
	ln := line{addr: addr, mnemonic: fields[0]}
	if len(fields) > 1 {
		ln.operands = strings.Split(strings.Join(fields[1:], ""), ",")
	}
	return ln, true
}

// FunctionBody returns the mnemonic of each instruction in the function
// body, in program order; addresses and operands are not included.
func (idx *Index) FunctionBody(name string) ([]string, error) {
	body, ok := idx.bodies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, idx.name)
	}
	out := make([]string, len(body))
	for i, ln := range body {
		out[i] = ln.mnemonic
	}
	return out, nil
}

// EntryPC returns the first instruction's address for name.
func (idx *Index) EntryPC(name string) (Addr, error) {
	pc, ok := idx.entry[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, idx.name)
	}
	return pc, nil
}

// ExitPCs returns the ordered set of return-site addresses for name: every
// line whose mnemonic is "ret".
func (idx *Index) ExitPCs(name string) ([]Addr, error) {
	body, ok := idx.bodies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, idx.name)
	}
	var exits []Addr
	for _, ln := range body {
		if ln.mnemonic == "ret" {
			exits = append(exits, ln.addr)
		}
	}
	slices.Sort(exits)
	return exits, nil
}

// csrSynonyms normalizes the handful of csrw-equivalent mnemonics objdump
// may print for a write to a given CSR.
var csrSynonyms = map[string]bool{
	"csrw":  true,
	"csrrw": true,
	"csrwi": true,
}

// CSRWritePC returns the address of the first instruction in name's body
// that writes csrName, e.g. csrWritePC("set_mm_asid", "satp").
func (idx *Index) CSRWritePC(name, csrName string) (Addr, error) {
	body, ok := idx.bodies[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, idx.name)
	}
	for _, ln := range body {
		if !csrSynonyms[ln.mnemonic] {
			continue
		}
		for _, op := range ln.operands {
			if op == csrName {
				return ln.addr, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: csr write to %s in %s", ErrSymbolNotFound, csrName, name)
}

// ArgReg resolves the ABI register name holding argument i at function
// entry. Starting from the canonical a{i}, it scans the body for the first
// instruction using a{i}; if that instruction is "mv rd, a{i}" or
// "mv a{i}, rs" it returns the other side of the move, otherwise a{i}.
func (idx *Index) ArgReg(name string, i int) (string, error) {
	if i < 0 || i >= maxArgIndex {
		return "", fmt.Errorf("%w: argument index %d out of range", errInvalidArgument, i)
	}
	body, ok := idx.bodies[name]
	if !ok {
		return "", fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, idx.name)
	}
	canon := argRegisterName(i)
	for _, ln := range body {
		if !usesRegister(ln, canon) {
			continue
		}
		if ln.mnemonic == "mv" && len(ln.operands) == 2 {
			if ln.operands[0] == canon {
				return ln.operands[1], nil
			}
			if ln.operands[1] == canon {
				return ln.operands[0], nil
			}
		}
		break
	}
	return canon, nil
}

// RetReg resolves the ABI register name carrying the return value, by the
// symmetric rule on the function's last block: canonically a0.
func (idx *Index) RetReg(name string) (string, error) {
	body, ok := idx.bodies[name]
	if !ok {
		return "", fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, idx.name)
	}
	const canon = "a0"
	for i := len(body) - 1; i >= 0; i-- {
		ln := body[i]
		if !usesRegister(ln, canon) {
			continue
		}
		if ln.mnemonic == "mv" && len(ln.operands) == 2 {
			if ln.operands[0] == canon {
				return ln.operands[1], nil
			}
			if ln.operands[1] == canon {
				return ln.operands[0], nil
			}
		}
		break
	}
	return canon, nil
}

func usesRegister(ln line, reg string) bool {
	for _, op := range ln.operands {
		if op == reg {
			return true
		}
	}
	return false
}

var errInvalidArgument = fmt.Errorf("vprof: invalid argument")
