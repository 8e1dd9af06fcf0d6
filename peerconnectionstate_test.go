// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerConnectionStateString(t *testing.T) {
	for state, expected := range map[PeerConnectionState]string{
		PeerConnectionStateNew:          "new",
		PeerConnectionStateConnecting:   "connecting",
		PeerConnectionStateConnected:    "connected",
		PeerConnectionStateDisconnected: "disconnected",
		PeerConnectionStateFailed:       "failed",
		PeerConnectionStateClosed:       "closed",
		PeerConnectionState(0):          ErrUnknownType.Error(),
	} {
		assert.Equal(t, expected, state.String())
	}
}

func TestTransportStateString(t *testing.T) {
	for state, expected := range map[TransportState]string{
		TransportStateDisconnected: "disconnected",
		TransportStateConnecting:   "connecting",
		TransportStateConnected:    "connected",
		TransportStateCompleted:    "completed",
		TransportStateFailed:       "failed",
		TransportState(0):          ErrUnknownType.Error(),
	} {
		assert.Equal(t, expected, state.String())
	}
}
