// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Data channel establishment protocol (RFC 8832), carried as Control
// messages on the channel's own SCTP stream.
const (
	dcepMessageAck   = 0x02
	dcepMessageOpen  = 0x03
	dcepMessageClose = 0x04 // synthesized locally on stream reset, never sent
)

const (
	dcepChannelReliable                      = 0x00
	dcepChannelReliableUnordered             = 0x80
	dcepChannelPartialReliableRexmit         = 0x01
	dcepChannelPartialReliableRexmitUnordered = 0x81
	dcepChannelPartialReliableTimed          = 0x02
	dcepChannelPartialReliableTimedUnordered = 0x82
)

const dcepOpenHeaderSize = 12

// dcepOpen is the body of a DCEP OPEN message.
type dcepOpen struct {
	priority    uint16
	reliability *Reliability
	label       string
	protocol    string
}

func (m *dcepOpen) marshal() []byte {
	rel := m.reliability
	if rel == nil {
		rel = &Reliability{}
	}

	var channelType byte
	var reliabilityParam uint32
	switch {
	case rel.MaxRetransmits != nil:
		channelType = dcepChannelPartialReliableRexmit
		reliabilityParam = *rel.MaxRetransmits
	case rel.MaxPacketLifeTime != nil:
		channelType = dcepChannelPartialReliableTimed
		reliabilityParam = uint32(rel.MaxPacketLifeTime.Milliseconds())
	default:
		channelType = dcepChannelReliable
	}
	if rel.Unordered {
		channelType |= 0x80
	}

	buf := make([]byte, dcepOpenHeaderSize+len(m.label)+len(m.protocol))
	buf[0] = dcepMessageOpen
	buf[1] = channelType
	binary.BigEndian.PutUint16(buf[2:], m.priority)
	binary.BigEndian.PutUint32(buf[4:], reliabilityParam)
	binary.BigEndian.PutUint16(buf[8:], uint16(len(m.label)))
	binary.BigEndian.PutUint16(buf[10:], uint16(len(m.protocol)))
	copy(buf[dcepOpenHeaderSize:], m.label)
	copy(buf[dcepOpenHeaderSize+len(m.label):], m.protocol)
	return buf
}

func parseDCEPOpen(buf []byte) (*dcepOpen, error) {
	if len(buf) < dcepOpenHeaderSize || buf[0] != dcepMessageOpen {
		return nil, &ProtocolError{Err: fmt.Errorf("truncated DCEP OPEN of %d bytes", len(buf))}
	}

	channelType := buf[1]
	priority := binary.BigEndian.Uint16(buf[2:])
	reliabilityParam := binary.BigEndian.Uint32(buf[4:])
	labelLen := int(binary.BigEndian.Uint16(buf[8:]))
	protocolLen := int(binary.BigEndian.Uint16(buf[10:]))

	if len(buf) < dcepOpenHeaderSize+labelLen+protocolLen {
		return nil, &ProtocolError{Err: fmt.Errorf("DCEP OPEN of %d bytes shorter than its length fields", len(buf))}
	}

	rel := &Reliability{Unordered: channelType&0x80 != 0}
	switch channelType & 0x7F {
	case dcepChannelReliable:
	case dcepChannelPartialReliableRexmit:
		n := reliabilityParam
		rel.MaxRetransmits = &n
	case dcepChannelPartialReliableTimed:
		d := time.Duration(reliabilityParam) * time.Millisecond
		rel.MaxPacketLifeTime = &d
	default:
		return nil, &ProtocolError{Err: fmt.Errorf("unknown DCEP channel type 0x%02x", channelType)}
	}

	return &dcepOpen{
		priority:    priority,
		reliability: rel,
		label:       string(buf[dcepOpenHeaderSize : dcepOpenHeaderSize+labelLen]),
		protocol:    string(buf[dcepOpenHeaderSize+labelLen : dcepOpenHeaderSize+labelLen+protocolLen]),
	}, nil
}

func marshalDCEPAck() []byte {
	return []byte{dcepMessageAck}
}

func marshalDCEPClose() []byte {
	return []byte{dcepMessageClose}
}
