// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"sync"
)

// TransportState is the lifecycle state shared by the stacked transports.
type TransportState int

const (
	// TransportStateDisconnected is the initial and post-teardown state.
	TransportStateDisconnected TransportState = iota + 1

	// TransportStateConnecting indicates the transport is establishing.
	TransportStateConnecting

	// TransportStateConnected indicates the transport is usable.
	TransportStateConnected

	// TransportStateCompleted indicates the transport finished all checks.
	TransportStateCompleted

	// TransportStateFailed indicates the transport failed permanently.
	TransportStateFailed
)

func (t TransportState) String() string {
	switch t {
	case TransportStateDisconnected:
		return "disconnected"
	case TransportStateConnecting:
		return "connecting"
	case TransportStateConnected:
		return "connected"
	case TransportStateCompleted:
		return "completed"
	case TransportStateFailed:
		return "failed"
	default:
		return ErrUnknownType.Error()
	}
}

// transport is the base embedded by the ICE, DTLS and SCTP transports. It
// holds the state machine and the state-change callback wiring toward the
// peer connection.
type transport struct {
	mu             sync.Mutex
	state          TransportState
	onStateChange  func(TransportState)
	stopped        bool
}

func newTransport(onStateChange func(TransportState)) transport {
	return transport{
		state:         TransportStateDisconnected,
		onStateChange: onStateChange,
	}
}

// State returns the current transport state.
func (t *transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// setState moves the state machine and fires the callback outside the lock.
// Duplicate transitions are suppressed; nothing leaves Failed except
// teardown to Disconnected.
func (t *transport) setState(state TransportState) {
	t.mu.Lock()
	if t.state == state || (t.state == TransportStateFailed && state != TransportStateDisconnected) {
		t.mu.Unlock()
		return
	}
	t.state = state
	hdlr := t.onStateChange
	t.mu.Unlock()

	if hdlr != nil {
		hdlr(state)
	}
}

// markStopped flips the stop flag once; it reports whether this call was the
// first.
func (t *transport) markStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
