// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"github.com/pion/rtcp"
)

// REMBHandler invokes a callback with the receiver estimated maximum bitrate
// decoded from incoming REMB feedback.
type REMBHandler struct {
	NopMediaHandler

	onREMB func(bitsPerSecond uint)
}

// NewREMBHandler builds a handler firing onREMB for each estimate.
func NewREMBHandler(onREMB func(bitsPerSecond uint)) *REMBHandler {
	return &REMBHandler{onREMB: onREMB}
}

// Incoming watches for REMB feedback.
func (h *REMBHandler) Incoming(msgs []*Message, _ SendFunc) []*Message {
	for _, msg := range msgs {
		if msg.Kind != MessageKindControl {
			continue
		}
		packets, err := rtcp.Unmarshal(msg.Data)
		if err != nil {
			continue
		}
		for _, packet := range packets {
			if remb, ok := packet.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
				if h.onREMB != nil {
					h.onREMB(uint(remb.Bitrate))
				}
			}
		}
	}
	return msgs
}
