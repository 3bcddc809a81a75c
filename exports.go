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

// TraceBatchArg and UnwindJobArg are exported aliases of the internal job
// argument types, so callers outside this package can instantiate
// Queue[TraceBatchArg] / Queue[UnwindJobArg] to build the PC-trace and
// stack-unwinder work queues described in spec.md §5 without exposing their
// fields.
type TraceBatchArg = traceBatch
type UnwindJobArg = unwindJob
