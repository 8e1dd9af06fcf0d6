// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sort"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// RTPDepacketizer reassembles encoded frames from incoming RTP packets. It
// buffers by timestamp and emits a frame when the timestamp changes or the
// marker bit is seen; a frame with a missing middle fragment is discarded.
type RTPDepacketizer struct {
	NopMediaHandler

	depacketizer rtp.Depacketizer
	clockRate    uint32

	buffered  []*rtp.Packet
	timestamp uint32
}

// NewRTPDepacketizer builds a depacketizer with the given codec
// depacketizer.
func NewRTPDepacketizer(depacketizer rtp.Depacketizer, clockRate uint32) *RTPDepacketizer {
	return &RTPDepacketizer{depacketizer: depacketizer, clockRate: clockRate}
}

// NewH264RTPDepacketizer reassembles H.264 access units.
func NewH264RTPDepacketizer(clockRate uint32) *RTPDepacketizer {
	return NewRTPDepacketizer(&codecs.H264Packet{}, clockRate)
}

// NewVP8RTPDepacketizer reassembles VP8 frames.
func NewVP8RTPDepacketizer(clockRate uint32) *RTPDepacketizer {
	return NewRTPDepacketizer(&codecs.VP8Packet{}, clockRate)
}

// NewOpusRTPDepacketizer extracts Opus frames.
func NewOpusRTPDepacketizer() *RTPDepacketizer {
	return NewRTPDepacketizer(&codecs.OpusPacket{}, 48000)
}

// Incoming buffers RTP packets and replaces them with reassembled frames.
func (d *RTPDepacketizer) Incoming(msgs []*Message, _ SendFunc) []*Message {
	var out []*Message
	for _, msg := range msgs {
		if msg.Kind == MessageKindControl {
			out = append(out, msg)
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(msg.Data); err != nil {
			continue
		}

		if len(d.buffered) > 0 && packet.Timestamp != d.timestamp {
			if frame := d.assemble(); frame != nil {
				out = append(out, frame)
			}
		}

		d.timestamp = packet.Timestamp
		d.buffered = append(d.buffered, packet)

		if packet.Marker {
			if frame := d.assemble(); frame != nil {
				out = append(out, frame)
			}
		}
	}
	return out
}

// assemble drains the buffer into one frame, or nil if fragments are
// missing.
func (d *RTPDepacketizer) assemble() *Message {
	packets := d.buffered
	d.buffered = nil
	if len(packets) == 0 {
		return nil
	}

	sort.Slice(packets, func(i, j int) bool {
		// Sequence numbers wrap, compare by signed distance.
		return int16(packets[i].SequenceNumber-packets[j].SequenceNumber) < 0
	})

	var frame []byte
	payloadType := packets[0].PayloadType
	for i, packet := range packets {
		if i > 0 && packet.SequenceNumber != packets[i-1].SequenceNumber+1 {
			// Lost a middle fragment, the frame cannot be reconstructed.
			return nil
		}
		payload, err := d.depacketizer.Unmarshal(packet.Payload)
		if err != nil {
			return nil
		}
		frame = append(frame, payload...)
	}

	return &Message{
		Data: frame,
		Kind: MessageKindBinary,
		FrameInfo: &FrameInfo{
			PayloadType: payloadType,
			Timestamp:   d.timestamp,
		},
	}
}
