// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	defaultNackJitterWindow   = 20 * time.Millisecond
	defaultNackResendInterval = 50 * time.Millisecond
	defaultNackMaxRequests    = 4
)

type missingSequence struct {
	firstSeen time.Time
	lastSent  time.Time
	requests  int
}

// RTCPNackRequester tracks incoming RTP sequence numbers; gaps persisting
// beyond a jitter window are NACKed up to a bounded number of times.
type RTCPNackRequester struct {
	NopMediaHandler

	JitterWindow   time.Duration
	ResendInterval time.Duration
	MaxRequests    int

	mu          sync.Mutex
	initialized bool
	highest     uint16
	ssrc        uint32
	missing     map[uint16]*missingSequence
}

// NewRTCPNackRequester builds a requester with the default jitter window and
// resend policy.
func NewRTCPNackRequester() *RTCPNackRequester {
	return &RTCPNackRequester{
		JitterWindow:   defaultNackJitterWindow,
		ResendInterval: defaultNackResendInterval,
		MaxRequests:    defaultNackMaxRequests,
		missing:        map[uint16]*missingSequence{},
	}
}

// Incoming observes sequence numbers and emits NACKs for persistent gaps.
func (r *RTCPNackRequester) Incoming(msgs []*Message, send SendFunc) []*Message {
	now := time.Now()
	for _, msg := range msgs {
		if msg.Kind == MessageKindControl {
			continue
		}
		header := &rtp.Header{}
		if _, err := header.Unmarshal(msg.Data); err != nil {
			continue
		}
		r.observe(header.SequenceNumber, header.SSRC, now)
	}

	r.requestMissing(now, send)
	return msgs
}

func (r *RTCPNackRequester) observe(sequenceNumber uint16, ssrc uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ssrc = ssrc
	if !r.initialized {
		r.initialized = true
		r.highest = sequenceNumber
		return
	}

	delete(r.missing, sequenceNumber)

	diff := int16(sequenceNumber - r.highest)
	if diff <= 0 {
		return
	}
	for seq := r.highest + 1; seq != sequenceNumber; seq++ {
		r.missing[seq] = &missingSequence{firstSeen: now}
	}
	r.highest = sequenceNumber
}

func (r *RTCPNackRequester) requestMissing(now time.Time, send SendFunc) {
	r.mu.Lock()
	var toRequest []uint16
	for seq, miss := range r.missing {
		if miss.requests >= r.MaxRequests {
			delete(r.missing, seq)
			continue
		}
		if now.Sub(miss.firstSeen) < r.JitterWindow {
			continue
		}
		if miss.requests > 0 && now.Sub(miss.lastSent) < r.ResendInterval {
			continue
		}
		miss.requests++
		miss.lastSent = now
		toRequest = append(toRequest, seq)
	}
	ssrc := r.ssrc
	r.mu.Unlock()

	if len(toRequest) == 0 {
		return
	}

	nack := &rtcp.TransportLayerNack{
		MediaSSRC: ssrc,
		Nacks:     rtcp.NackPairsFromSequenceNumbers(toRequest),
	}
	if raw, err := nack.Marshal(); err == nil {
		_ = send(NewControlMessage(0, raw))
	}
}
