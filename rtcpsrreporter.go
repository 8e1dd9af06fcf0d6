// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// ntpEpochOffset is the offset between the NTP era (1900) and the Unix era
// (1970) in seconds.
const ntpEpochOffset = 2208988800

// RTCPSRReporter counts outgoing packets and octets and emits an RTCP Sender
// Report when one has been requested. The NTP timestamp is derived from a
// configured start wall clock plus elapsed RTP time converted through the
// clock rate.
type RTCPSRReporter struct {
	NopMediaHandler

	config *RTPPacketizationConfig

	mu             sync.Mutex
	startTime      time.Time
	startTimestamp uint32
	hasStartTime   bool

	packetCount uint32
	octetCount  uint32
	needsReport atomic.Bool
}

// NewRTCPSRReporter builds a reporter sharing the packetizer's config.
func NewRTCPSRReporter(config *RTPPacketizationConfig) *RTCPSRReporter {
	return &RTCPSRReporter{config: config}
}

// SetStartTime binds the RTP timestamp startTimestamp to a wall clock
// instant. The instant is epoch-neutral; use SetStartTimeNTP for a 1900-era
// value.
func (r *RTCPSRReporter) SetStartTime(start time.Time, startTimestamp uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTime = start
	r.startTimestamp = startTimestamp
	r.hasStartTime = true
}

// SetStartTimeNTP is SetStartTime with seconds since the NTP era (1900).
func (r *RTCPSRReporter) SetStartTimeNTP(secondsSince1900 float64, startTimestamp uint32) {
	unixSeconds := secondsSince1900 - ntpEpochOffset
	sec := int64(unixSeconds)
	nsec := int64((unixSeconds - float64(sec)) * float64(time.Second))
	r.SetStartTime(time.Unix(sec, nsec), startTimestamp)
}

// SetStartTimeUnix is SetStartTime with seconds since the Unix era (1970).
func (r *RTCPSRReporter) SetStartTimeUnix(secondsSince1970 float64, startTimestamp uint32) {
	sec := int64(secondsSince1970)
	nsec := int64((secondsSince1970 - float64(sec)) * float64(time.Second))
	r.SetStartTime(time.Unix(sec, nsec), startTimestamp)
}

// MarkNeedsReport schedules a Sender Report on the next outgoing batch.
func (r *RTCPSRReporter) MarkNeedsReport() {
	r.needsReport.Store(true)
}

// Outgoing counts packets and injects the Sender Report when requested.
func (r *RTCPSRReporter) Outgoing(msgs []*Message, send SendFunc) []*Message {
	var lastTimestamp uint32
	sawPacket := false
	for _, msg := range msgs {
		if msg.Kind == MessageKindControl {
			continue
		}
		payloadSize := len(msg.Data)
		if headerSize, err := (&rtp.Header{}).Unmarshal(msg.Data); err == nil {
			payloadSize -= headerSize
		}
		r.mu.Lock()
		r.packetCount++
		r.octetCount += uint32(payloadSize)
		r.mu.Unlock()
		if msg.FrameInfo != nil {
			lastTimestamp = msg.FrameInfo.Timestamp
			sawPacket = true
		} else if packet := (&rtp.Packet{}); packet.Unmarshal(msg.Data) == nil {
			lastTimestamp = packet.Timestamp
			sawPacket = true
		}
	}

	if sawPacket && r.needsReport.Swap(false) {
		if report := r.buildReport(lastTimestamp); report != nil {
			if raw, err := report.Marshal(); err == nil {
				_ = send(NewControlMessage(0, raw))
			}
		}
	}
	return msgs
}

func (r *RTCPSRReporter) buildReport(rtpTimestamp uint32) *rtcp.SenderReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasStartTime || r.config.ClockRate == 0 {
		return nil
	}

	elapsed := time.Duration(rtpTimestamp-r.startTimestamp) * time.Second /
		time.Duration(r.config.ClockRate)
	wallClock := r.startTime.Add(elapsed)

	return &rtcp.SenderReport{
		SSRC:        r.config.SSRC,
		NTPTime:     toNTPTime(wallClock),
		RTPTime:     rtpTimestamp,
		PacketCount: r.packetCount,
		OctetCount:  r.octetCount,
	}
}

// PacketCount is the number of RTP packets counted so far.
func (r *RTCPSRReporter) PacketCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packetCount
}

// OctetCount is the number of RTP payload octets counted so far.
func (r *RTCPSRReporter) OctetCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.octetCount
}

// toNTPTime converts a wall clock instant to the 64-bit NTP fixed-point
// format.
func toNTPTime(t time.Time) uint64 {
	seconds := uint64(t.Unix() + ntpEpochOffset)
	fraction := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return seconds<<32 | fraction
}
