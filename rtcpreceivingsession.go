// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// RTCPReceivingSession is the incoming-side media session: it tracks the
// sender SSRC from arriving RTP, answers keyframe requests with PLI and
// bitrate requests with REMB, and strips RTCP from the delivery path.
type RTCPReceivingSession struct {
	NopMediaHandler

	ssrc        atomic.Uint32
	unknownRTCP atomic.Uint64
}

// NewRTCPReceivingSession builds an incoming session handler.
func NewRTCPReceivingSession() *RTCPReceivingSession {
	return &RTCPReceivingSession{}
}

// SenderSSRC is the SSRC of the tracked remote sender, 0 before media
// arrived.
func (s *RTCPReceivingSession) SenderSSRC() uint32 {
	return s.ssrc.Load()
}

// UnknownRTCPCount is the number of RTCP packets of unhandled types.
func (s *RTCPReceivingSession) UnknownRTCPCount() uint64 {
	return s.unknownRTCP.Load()
}

// Incoming tracks the sender SSRC and consumes RTCP.
func (s *RTCPReceivingSession) Incoming(msgs []*Message, _ SendFunc) []*Message {
	var out []*Message
	for _, msg := range msgs {
		if msg.Kind != MessageKindControl {
			header := &rtp.Header{}
			if _, err := header.Unmarshal(msg.Data); err == nil {
				s.ssrc.Store(header.SSRC)
			}
			out = append(out, msg)
			continue
		}

		packets, err := rtcp.Unmarshal(msg.Data)
		if err != nil {
			s.unknownRTCP.Add(1)
			continue
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.SenderReport, *rtcp.ReceiverReport, *rtcp.SourceDescription,
				*rtcp.Goodbye, *rtcp.ExtendedReport:
				// Understood and consumed.
			default:
				s.unknownRTCP.Add(1)
			}
		}
	}
	return out
}

// RequestKeyframe sends a PLI toward the tracked sender.
func (s *RTCPReceivingSession) RequestKeyframe(send SendFunc) bool {
	ssrc := s.ssrc.Load()
	if ssrc == 0 {
		return false
	}
	pli := &rtcp.PictureLossIndication{SenderSSRC: ssrc, MediaSSRC: ssrc}
	raw, err := pli.Marshal()
	if err != nil {
		return false
	}
	return send(NewControlMessage(0, raw)) == nil
}

// RequestBitrate sends a REMB with the wanted receive bitrate.
func (s *RTCPReceivingSession) RequestBitrate(bitsPerSecond uint, send SendFunc) bool {
	ssrc := s.ssrc.Load()
	if ssrc == 0 {
		return false
	}
	remb := &rtcp.ReceiverEstimatedMaximumBitrate{
		Bitrate: float32(bitsPerSecond),
		SSRCs:   []uint32{ssrc},
	}
	raw, err := remb.Marshal()
	if err != nil {
		return false
	}
	return send(NewControlMessage(0, raw)) == nil
}
