// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import "github.com/pion/ice/v4"

// ICEState indicates the state of the ICE transport.
type ICEState int

const (
	// ICEStateNew indicates checks have not started.
	ICEStateNew ICEState = iota + 1

	// ICEStateConnecting indicates connectivity checks are in progress.
	ICEStateConnecting

	// ICEStateConnected indicates at least one usable pair was found.
	ICEStateConnected

	// ICEStateCompleted indicates checks finished on every pair.
	ICEStateCompleted

	// ICEStateFailed indicates no pair succeeded.
	ICEStateFailed

	// ICEStateDisconnected indicates the selected pair stopped responding.
	ICEStateDisconnected

	// ICEStateClosed indicates the transport was shut down.
	ICEStateClosed
)

func (t ICEState) String() string {
	switch t {
	case ICEStateNew:
		return "new"
	case ICEStateConnecting:
		return "connecting"
	case ICEStateConnected:
		return "connected"
	case ICEStateCompleted:
		return "completed"
	case ICEStateFailed:
		return "failed"
	case ICEStateDisconnected:
		return "disconnected"
	case ICEStateClosed:
		return "closed"
	default:
		return ErrUnknownType.Error()
	}
}

func newICEStateFromICE(state ice.ConnectionState) ICEState {
	switch state {
	case ice.ConnectionStateNew:
		return ICEStateNew
	case ice.ConnectionStateChecking:
		return ICEStateConnecting
	case ice.ConnectionStateConnected:
		return ICEStateConnected
	case ice.ConnectionStateCompleted:
		return ICEStateCompleted
	case ice.ConnectionStateFailed:
		return ICEStateFailed
	case ice.ConnectionStateDisconnected:
		return ICEStateDisconnected
	case ice.ConnectionStateClosed:
		return ICEStateClosed
	default:
		return ICEState(0)
	}
}
