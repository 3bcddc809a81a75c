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
	"io"
)

// PacketType is the Perfetto track_event type used by a TrackEvent packet.
type PacketType int

const (
	TypeSliceBegin PacketType = iota
	TypeSliceEnd
	TypeInstant
)

func (t PacketType) String() string {
	switch t {
	case TypeSliceBegin:
		return "TYPE_SLICE_BEGIN"
	case TypeSliceEnd:
		return "TYPE_SLICE_END"
	case TypeInstant:
		return "TYPE_INSTANT"
	default:
		return "TYPE_UNSPECIFIED"
	}
}

// Packet is a Perfetto packet record: either a track descriptor or a track
// event. TrackEvent packets carry Name/Type/TrackUUID/Timestamp; a
// TrackDescriptor packet instead only carries Name and TrackUUID and is
// emitted once per track before any event references it.
type Packet struct {
	IsDescriptor bool

	Name      string
	Type      PacketType
	TrackUUID int32
	Timestamp uint64
}

// NewInstant builds a TYPE_INSTANT track-event packet.
func NewInstant(name string, track int32, timestamp uint64) Packet {
	return Packet{Name: name, Type: TypeInstant, TrackUUID: track, Timestamp: timestamp}
}

// NewSliceBegin builds a TYPE_SLICE_BEGIN track-event packet.
func NewSliceBegin(name string, track int32, timestamp uint64) Packet {
	return Packet{Name: name, Type: TypeSliceBegin, TrackUUID: track, Timestamp: timestamp}
}

// NewSliceEnd builds a TYPE_SLICE_END track-event packet.
func NewSliceEnd(name string, track int32, timestamp uint64) Packet {
	return Packet{Name: name, Type: TypeSliceEnd, TrackUUID: track, Timestamp: timestamp}
}

// NewTrackDescriptor builds a track-descriptor packet for track.
func NewTrackDescriptor(name string, track int32) Packet {
	return Packet{IsDescriptor: true, Name: name, TrackUUID: track}
}

// Print writes the literal Perfetto text form documented in spec.md §6.
func (p Packet) Print(w io.Writer) error {
	if p.IsDescriptor {
		_, err := fmt.Fprintf(w, "packet {\n  track_descriptor {\n    name: %q\n    uuid: %d\n  }\n}\n", p.Name, p.TrackUUID)
		return err
	}
	_, err := fmt.Fprintf(w,
		"packet {\n  timestamp: %d\n  track_event: {\n    type: %s\n    name: %q\n    track_uuid: %d\n  }\n  trusted_packet_sequence_id: 1\n}\n",
		p.Timestamp, p.Type, p.Name, p.TrackUUID)
	return err
}
