// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func makeRTPMessage(t *testing.T, seq uint16, timestamp uint32, marker bool, payload []byte) *Message {
	t.Helper()
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           42,
		},
		Payload: payload,
	}
	raw, err := packet.Marshal()
	assert.NoError(t, err)
	return &Message{Data: raw, Kind: MessageKindBinary}
}

func TestDepacketizerEmitsOnMarker(t *testing.T) {
	d := NewOpusRTPDepacketizer()

	out := d.Incoming([]*Message{
		makeRTPMessage(t, 1, 960, true, []byte{0x01, 0x02}),
	}, nil)
	assert.Len(t, out, 1)
	assert.Equal(t, []byte{0x01, 0x02}, out[0].Data)
	assert.NotNil(t, out[0].FrameInfo)
	assert.Equal(t, uint32(960), out[0].FrameInfo.Timestamp)
}

func TestDepacketizerEmitsOnTimestampChange(t *testing.T) {
	d := NewOpusRTPDepacketizer()

	out := d.Incoming([]*Message{makeRTPMessage(t, 1, 960, false, []byte{0x01})}, nil)
	assert.Empty(t, out)

	out = d.Incoming([]*Message{makeRTPMessage(t, 2, 1920, false, []byte{0x02})}, nil)
	assert.Len(t, out, 1)
	assert.Equal(t, []byte{0x01}, out[0].Data)
	assert.Equal(t, uint32(960), out[0].FrameInfo.Timestamp)
}

func TestDepacketizerDiscardsGappyFrame(t *testing.T) {
	d := NewOpusRTPDepacketizer()

	// Fragments 1 and 3 of the same frame; the middle one is missing.
	d.Incoming([]*Message{makeRTPMessage(t, 1, 960, false, []byte{0x01})}, nil)
	out := d.Incoming([]*Message{makeRTPMessage(t, 3, 960, true, []byte{0x03})}, nil)
	assert.Empty(t, out)
}

func TestDepacketizerReordersWithinFrame(t *testing.T) {
	d := NewOpusRTPDepacketizer()

	d.Incoming([]*Message{makeRTPMessage(t, 11, 960, false, []byte{0x02})}, nil)
	d.Incoming([]*Message{makeRTPMessage(t, 10, 960, false, []byte{0x01})}, nil)
	out := d.Incoming([]*Message{makeRTPMessage(t, 12, 960, true, []byte{0x03})}, nil)
	assert.Len(t, out, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, out[0].Data)
}
