// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"

	"github.com/pion/rtp"
)

// TWCCHandler stamps outgoing RTP packets with a monotonic transport-wide
// sequence number in a one-byte header extension, for congestion control
// feedback per RFC 8888.
type TWCCHandler struct {
	NopMediaHandler

	extensionID uint8

	mu       sync.Mutex
	sequence uint16
}

// NewTWCCHandler builds a handler writing the extension with the negotiated
// id.
func NewTWCCHandler(extensionID uint8) *TWCCHandler {
	return &TWCCHandler{extensionID: extensionID}
}

// Outgoing rewrites each RTP packet with the next transport-wide sequence
// number.
func (h *TWCCHandler) Outgoing(msgs []*Message, _ SendFunc) []*Message {
	for _, msg := range msgs {
		if msg.Kind == MessageKindControl {
			continue
		}
		packet := &rtp.Packet{}
		if err := packet.Unmarshal(msg.Data); err != nil {
			continue
		}

		h.mu.Lock()
		h.sequence++
		seq := h.sequence
		h.mu.Unlock()

		packet.Header.Extension = true
		packet.Header.ExtensionProfile = 0xBEDE
		if err := packet.Header.SetExtension(h.extensionID, []byte{byte(seq >> 8), byte(seq)}); err != nil {
			continue
		}
		raw, err := packet.Marshal()
		if err != nil {
			continue
		}
		msg.Data = raw
	}
	return msgs
}
