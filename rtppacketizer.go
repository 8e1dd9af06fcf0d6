// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/paullouisageneau/libdatachannel-sub000/internal/util"
)

// defaultPacketizationMTU leaves room for SRTP auth tags under common path
// MTUs.
const defaultPacketizationMTU = 1200

// RTPPacketizationConfig parameterizes an RTPPacketizer and the reporting
// handlers sharing its state.
type RTPPacketizationConfig struct {
	SSRC        uint32
	CName       string
	PayloadType uint8
	ClockRate   uint32
	MTU         uint16

	// VideoMarker sets the marker bit on the last fragment of each frame.
	VideoMarker bool

	sequenceMu     sync.Mutex
	sequenceNumber uint16
	timestamp      uint32
}

// NewRTPPacketizationConfig builds a config with a fresh random sequence
// start.
func NewRTPPacketizationConfig(ssrc uint32, cname string, payloadType uint8, clockRate uint32) *RTPPacketizationConfig {
	return &RTPPacketizationConfig{
		SSRC:        ssrc,
		CName:       cname,
		PayloadType: payloadType,
		ClockRate:   clockRate,
		MTU:         defaultPacketizationMTU,

		sequenceNumber: uint16(util.RandUint32()),
	}
}

func (c *RTPPacketizationConfig) nextSequenceNumber() uint16 {
	c.sequenceMu.Lock()
	defer c.sequenceMu.Unlock()
	c.sequenceNumber++
	return c.sequenceNumber
}

// SetTimestamp records the current RTP timestamp in clock-rate units; the
// caller supplies it per frame.
func (c *RTPPacketizationConfig) SetTimestamp(ts uint32) {
	c.sequenceMu.Lock()
	defer c.sequenceMu.Unlock()
	c.timestamp = ts
}

// Timestamp is the last timestamp set.
func (c *RTPPacketizationConfig) Timestamp() uint32 {
	c.sequenceMu.Lock()
	defer c.sequenceMu.Unlock()
	return c.timestamp
}

// RTPPacketizer turns encoded frames into RTP packets following the codec
// payload format. The timestamp comes from the message FrameInfo or the
// config; the sequence number increments per packet emitted.
type RTPPacketizer struct {
	NopMediaHandler

	config    *RTPPacketizationConfig
	payloader rtp.Payloader
}

// NewRTPPacketizer builds a packetizer with the given codec payloader.
func NewRTPPacketizer(config *RTPPacketizationConfig, payloader rtp.Payloader) *RTPPacketizer {
	return &RTPPacketizer{config: config, payloader: payloader}
}

// NewH264RTPPacketizer packetizes H.264 access units.
func NewH264RTPPacketizer(config *RTPPacketizationConfig) *RTPPacketizer {
	config.VideoMarker = true
	return NewRTPPacketizer(config, &codecs.H264Payloader{})
}

// NewVP8RTPPacketizer packetizes VP8 frames.
func NewVP8RTPPacketizer(config *RTPPacketizationConfig) *RTPPacketizer {
	config.VideoMarker = true
	return NewRTPPacketizer(config, &codecs.VP8Payloader{})
}

// NewAV1RTPPacketizer packetizes AV1 temporal units.
func NewAV1RTPPacketizer(config *RTPPacketizationConfig) *RTPPacketizer {
	config.VideoMarker = true
	return NewRTPPacketizer(config, &codecs.AV1Payloader{})
}

// NewOpusRTPPacketizer packetizes Opus frames, one packet per frame.
func NewOpusRTPPacketizer(config *RTPPacketizationConfig) *RTPPacketizer {
	return NewRTPPacketizer(config, &codecs.OpusPayloader{})
}

// Outgoing replaces each frame message with its RTP packets.
func (p *RTPPacketizer) Outgoing(msgs []*Message, _ SendFunc) []*Message {
	var out []*Message
	for _, msg := range msgs {
		if msg.Kind == MessageKindControl {
			out = append(out, msg)
			continue
		}
		out = append(out, p.packetize(msg)...)
	}
	return out
}

func (p *RTPPacketizer) packetize(msg *Message) []*Message {
	timestamp := p.config.Timestamp()
	if msg.FrameInfo != nil {
		timestamp = msg.FrameInfo.Timestamp
		p.config.SetTimestamp(timestamp)
	}

	mtu := p.config.MTU
	if mtu == 0 {
		mtu = defaultPacketizationMTU
	}

	payloads := p.payloader.Payload(mtu, msg.Data)
	out := make([]*Message, 0, len(payloads))
	for i, payload := range payloads {
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         p.config.VideoMarker && i == len(payloads)-1,
				PayloadType:    p.config.PayloadType,
				SequenceNumber: p.config.nextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.config.SSRC,
			},
			Payload: payload,
		}
		raw, err := packet.Marshal()
		if err != nil {
			continue
		}
		out = append(out, &Message{
			Data: raw,
			Kind: MessageKindBinary,
			DSCP: msg.DSCP,
			FrameInfo: &FrameInfo{
				PayloadType: p.config.PayloadType,
				Timestamp:   timestamp,
			},
		})
	}
	return out
}
