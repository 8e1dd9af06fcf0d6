// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const defaultNackStoreSize = 512

// RTCPNackResponder keeps a ring of recently sent RTP packets and
// retransmits them unchanged when the receiver NACKs; sequence numbers no
// longer stored are silently skipped.
type RTCPNackResponder struct {
	NopMediaHandler

	mu      sync.Mutex
	store   map[uint16][]byte
	order   []uint16
	maxSize int
}

// NewRTCPNackResponder builds a responder storing up to storeSize packets; 0
// uses the default of 512.
func NewRTCPNackResponder(storeSize int) *RTCPNackResponder {
	if storeSize <= 0 {
		storeSize = defaultNackStoreSize
	}
	return &RTCPNackResponder{
		store:   make(map[uint16][]byte, storeSize),
		maxSize: storeSize,
	}
}

// Outgoing records each RTP packet by sequence number.
func (r *RTCPNackResponder) Outgoing(msgs []*Message, _ SendFunc) []*Message {
	for _, msg := range msgs {
		if msg.Kind == MessageKindControl {
			continue
		}
		header := &rtp.Header{}
		if _, err := header.Unmarshal(msg.Data); err != nil {
			continue
		}
		r.remember(header.SequenceNumber, msg.Data)
	}
	return msgs
}

func (r *RTCPNackResponder) remember(sequenceNumber uint16, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store[sequenceNumber]; !exists {
		r.order = append(r.order, sequenceNumber)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	r.store[sequenceNumber] = stored

	for len(r.order) > r.maxSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.store, oldest)
	}
}

// Incoming answers transport layer NACKs with retransmissions.
func (r *RTCPNackResponder) Incoming(msgs []*Message, send SendFunc) []*Message {
	for _, msg := range msgs {
		if msg.Kind != MessageKindControl {
			continue
		}
		packets, err := rtcp.Unmarshal(msg.Data)
		if err != nil {
			continue
		}
		for _, packet := range packets {
			nack, ok := packet.(*rtcp.TransportLayerNack)
			if !ok {
				continue
			}
			for _, pair := range nack.Nacks {
				pair.Range(func(sequenceNumber uint16) bool {
					r.retransmit(sequenceNumber, send)
					return true
				})
			}
		}
	}
	return msgs
}

func (r *RTCPNackResponder) retransmit(sequenceNumber uint16, send SendFunc) {
	r.mu.Lock()
	data, ok := r.store[sequenceNumber]
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = send(&Message{Data: data, Kind: MessageKindBinary})
}
