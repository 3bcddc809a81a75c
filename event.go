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
	"io"
	"log"
	"sync"
)

// PacketFlushThreshold is the default batch size at which EventLogger hands
// buffered packets to its queue for printing.
const PacketFlushThreshold = 1000

// EventLogger buffers Perfetto packets until PacketFlushThreshold is
// reached, then hands the batch to a Queue for printing to a text sink.
// It emits exactly one track_descriptor packet per distinct track uuid
// before any track_event packet referencing that uuid.
type EventLogger struct {
	w     io.Writer
	queue *Queue[[]Packet]

	mu      sync.Mutex
	batch   []Packet
	tracks  map[int32]bool
	printMu sync.Mutex
}

// NewEventLogger creates an EventLogger writing to w, flushing batches
// through queue.
// NewEventLogger wires an EventLogger to write through queue. Batches are
// handed to the queue in emission order, but the Queue worker pool only
// preserves that order when it runs a single worker; queue must be
// constructed with exactly one worker (as wiring.go does today) or batches
// can print out of order.
func NewEventLogger(w io.Writer, queue *Queue[[]Packet]) *EventLogger {
	return &EventLogger{
		w:      w,
		queue:  queue,
		tracks: make(map[int32]bool),
	}
}

// Emit appends a track-event packet to the current batch, first emitting a
// track_descriptor packet the first time its track uuid is seen.
func (l *EventLogger) Emit(name string, track int32, p Packet) {
	l.mu.Lock()
	if !l.tracks[track] {
		l.tracks[track] = true
		l.batch = append(l.batch, NewTrackDescriptor(name, track))
	}
	l.batch = append(l.batch, p)
	full := len(l.batch) >= PacketFlushThreshold
	var batch []Packet
	if full {
		batch = l.batch
		l.batch = nil
	}
	l.mu.Unlock()
	if full {
		l.submit(batch)
	}
}

func (l *EventLogger) submit(batch []Packet) {
	l.queue.QueueJob(l.printBatch, batch)
}

func (l *EventLogger) printBatch(batch []Packet) {
	l.printMu.Lock()
	defer l.printMu.Unlock()
	for _, p := range batch {
		if err := p.Print(l.w); err != nil {
			log.Printf("vprof: eventlog: writing packet: %s", err)
			return
		}
	}
}

// Flush drains any partial batch. Safe to call concurrently with Emit.
func (l *EventLogger) Flush() {
	l.mu.Lock()
	batch := l.batch
	l.batch = nil
	l.mu.Unlock()
	if len(batch) > 0 {
		l.submit(batch)
	}
}
