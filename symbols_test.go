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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testObjdump = `
ffffffff80140000 <do_execveat_common>:
ffffffff80140000:	6f f0 9f fe 	mv	a1,a0
ffffffff80140004:	13 05 05 00 	addi	a0,a0,1
ffffffff80140008:	67 80 00 00 	ret

ffffffff80123ab0 <set_mm_asid>:
ffffffff80123ab0:	13 00 00 00 	nop
ffffffff80123abc:	73 90 95 18 	csrw	satp,a0
ffffffff80123ac0:	67 80 00 00 	ret
`

func TestParseObjdump(t *testing.T) {
	idx, err := ParseObjdump("k", strings.NewReader(testObjdump))
	require.NoError(t, err)

	entry, err := idx.EntryPC("do_execveat_common")
	require.NoError(t, err)
	require.Equal(t, Addr(0xffffffff80140000), entry)

	exits, err := idx.ExitPCs("do_execveat_common")
	require.NoError(t, err)
	require.Equal(t, []Addr{0xffffffff80140008}, exits)

	csr, err := idx.CSRWritePC("set_mm_asid", "satp")
	require.NoError(t, err)
	require.Equal(t, Addr(0xffffffff80123abc), csr)
}

func TestArgRegResolvesMove(t *testing.T) {
	idx, err := ParseObjdump("k", strings.NewReader(testObjdump))
	require.NoError(t, err)

	// arg 0 canonically a0; the first instruction using a0 is "mv a1,a0",
	// which copies it into a1, so ArgReg follows the move and resolves to
	// a1 as the register that actually carries the argument onward.
	reg, err := idx.ArgReg("do_execveat_common", 0)
	require.NoError(t, err)
	require.Equal(t, "a1", reg)
}

func TestArgRegOutOfRange(t *testing.T) {
	idx, err := ParseObjdump("k", strings.NewReader(testObjdump))
	require.NoError(t, err)

	_, err = idx.ArgReg("do_execveat_common", 8)
	require.Error(t, err)
	require.True(t, errors.Is(err, errInvalidArgument))
}

func TestSymbolNotFound(t *testing.T) {
	idx, err := ParseObjdump("k", strings.NewReader(testObjdump))
	require.NoError(t, err)

	_, err = idx.EntryPC("does_not_exist")
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestRetReg(t *testing.T) {
	idx, err := ParseObjdump("k", strings.NewReader(testObjdump))
	require.NoError(t, err)

	reg, err := idx.RetReg("do_execveat_common")
	require.NoError(t, err)
	require.Equal(t, "a0", reg)
}
