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
	"log"
	"os"
)

// writeTraceBatch writes one PC-trace file: one retired instruction per
// line, "<pc_hex> <asid_dec> <prv_dec> <prev_prv_dec>" (spec.md §6). It
// runs on a Queue worker, never on the driver thread.
func writeTraceBatch(b traceBatch) {
	f, err := os.Create(b.path)
	if err != nil {
		log.Printf("vprof: tracefile: creating %s: %s", b.path, err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, s := range b.steps {
		fmt.Fprintf(w, "%#x %d %d %d\n", s.PC, s.ASID, s.Privilege, s.PrevPriv)
	}
	if err := w.Flush(); err != nil {
		log.Printf("vprof: tracefile: flushing %s: %s", b.path, err)
	}
}
