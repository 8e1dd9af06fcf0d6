// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"github.com/pion/rtcp"
)

// PLIHandler invokes a callback when the remote requests a picture refresh,
// either through PLI or FIR.
type PLIHandler struct {
	NopMediaHandler

	onPLI func()
}

// NewPLIHandler builds a handler firing onPLI for each received request.
func NewPLIHandler(onPLI func()) *PLIHandler {
	return &PLIHandler{onPLI: onPLI}
}

// Incoming watches for PLI and FIR feedback.
func (h *PLIHandler) Incoming(msgs []*Message, _ SendFunc) []*Message {
	for _, msg := range msgs {
		if msg.Kind != MessageKindControl {
			continue
		}
		packets, err := rtcp.Unmarshal(msg.Data)
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if h.onPLI != nil {
					h.onPLI()
				}
			}
		}
	}
	return msgs
}
