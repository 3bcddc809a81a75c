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

import "errors"

// Fatal error categories from the error handling design. Each one unwinds
// to the driver loop and causes the process to exit non-zero after pending
// work drains and output files close.
var (
	// ErrSetup is returned when a required objdump, DWARF binary, or config
	// file is missing at startup.
	ErrSetup = errors.New("vprof: setup error")

	// ErrSymbolNotFound is returned when a requested function is absent
	// from the parsed objdump for a binary.
	ErrSymbolNotFound = errors.New("vprof: symbol not found")

	// ErrGuestFault is returned when a hook dereferences an unmapped guest
	// pointer; it indicates the hook fired at the wrong PC.
	ErrGuestFault = errors.New("vprof: guest memory fault during hook")

	// ErrGangedDivergence is returned by the replay driver when the
	// functional model's resulting PC does not match the authoritative
	// trace record outside of a known exception path.
	ErrGangedDivergence = errors.New("vprof: ganged divergence")

	// ErrPLICExhausted is returned when replay requests an external
	// interrupt (SEIP) but neither the PLIC nor a device tick produces one.
	ErrPLICExhausted = errors.New("vprof: PLIC out of pending interrupts")
)
