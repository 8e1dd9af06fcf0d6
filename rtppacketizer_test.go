// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func TestPacketizerProducesRTP(t *testing.T) {
	config := NewRTPPacketizationConfig(0x11223344, "stream", 111, 48000)
	packetizer := NewOpusRTPPacketizer(config)

	frame := &Message{
		Data:      []byte{0xde, 0xad, 0xbe, 0xef},
		Kind:      MessageKindBinary,
		FrameInfo: &FrameInfo{Timestamp: 960},
	}
	out := packetizer.Outgoing([]*Message{frame}, nil)
	assert.Len(t, out, 1)

	packet := &rtp.Packet{}
	assert.NoError(t, packet.Unmarshal(out[0].Data))
	assert.Equal(t, uint8(111), packet.PayloadType)
	assert.Equal(t, uint32(0x11223344), packet.SSRC)
	assert.Equal(t, uint32(960), packet.Timestamp)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, packet.Payload)
}

func TestPacketizerSequenceIncrements(t *testing.T) {
	config := NewRTPPacketizationConfig(1, "stream", 111, 48000)
	packetizer := NewOpusRTPPacketizer(config)

	var sequences []uint16
	for i := 0; i < 3; i++ {
		out := packetizer.Outgoing([]*Message{{
			Data:      []byte{1},
			Kind:      MessageKindBinary,
			FrameInfo: &FrameInfo{Timestamp: uint32(i) * 960},
		}}, nil)
		packet := &rtp.Packet{}
		assert.NoError(t, packet.Unmarshal(out[0].Data))
		sequences = append(sequences, packet.SequenceNumber)
	}
	assert.Equal(t, sequences[0]+1, sequences[1])
	assert.Equal(t, sequences[1]+1, sequences[2])
}

func TestPacketizerVideoMarkerOnLastFragment(t *testing.T) {
	config := NewRTPPacketizationConfig(2, "video", 96, 90000)
	config.MTU = 100
	packetizer := NewVP8RTPPacketizer(config)

	// A frame large enough to fragment across several packets.
	frame := bytes.Repeat([]byte{0xab}, 1000)
	out := packetizer.Outgoing([]*Message{{
		Data:      frame,
		Kind:      MessageKindBinary,
		FrameInfo: &FrameInfo{Timestamp: 3000},
	}}, nil)
	assert.Greater(t, len(out), 1)

	for i, msg := range out {
		packet := &rtp.Packet{}
		assert.NoError(t, packet.Unmarshal(msg.Data))
		assert.Equal(t, i == len(out)-1, packet.Marker)
		assert.Equal(t, uint32(3000), packet.Timestamp)
	}
}

func TestPacketizerPassesControlThrough(t *testing.T) {
	config := NewRTPPacketizationConfig(3, "stream", 96, 90000)
	packetizer := NewVP8RTPPacketizer(config)

	control := NewControlMessage(0, []byte{0x80})
	out := packetizer.Outgoing([]*Message{control}, nil)
	assert.Len(t, out, 1)
	assert.Same(t, control, out[0])
}
