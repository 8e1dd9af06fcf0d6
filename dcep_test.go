// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDCEPOpenRoundTrip(t *testing.T) {
	lifetime := 222 * time.Millisecond
	retransmits := uint32(2)

	cases := map[string]*dcepOpen{
		"reliable-ordered": {
			label:       "test",
			protocol:    "proto",
			reliability: &Reliability{},
		},
		"reliable-unordered": {
			label:       "test",
			reliability: &Reliability{Unordered: true},
		},
		"timed": {
			label:       "lifetime",
			reliability: &Reliability{Unordered: true, MaxPacketLifeTime: &lifetime},
		},
		"rexmit": {
			label:       "retransmits",
			reliability: &Reliability{MaxRetransmits: &retransmits},
		},
	}

	for name, open := range cases {
		buf := open.marshal()
		assert.Equal(t, byte(dcepMessageOpen), buf[0], name)

		parsed, err := parseDCEPOpen(buf)
		assert.NoError(t, err, name)
		assert.Equal(t, open.label, parsed.label, name)
		assert.Equal(t, open.protocol, parsed.protocol, name)
		assert.Equal(t, open.reliability.Unordered, parsed.reliability.Unordered, name)

		if open.reliability.MaxRetransmits != nil {
			assert.NotNil(t, parsed.reliability.MaxRetransmits, name)
			assert.Equal(t, *open.reliability.MaxRetransmits, *parsed.reliability.MaxRetransmits, name)
		} else {
			assert.Nil(t, parsed.reliability.MaxRetransmits, name)
		}
		if open.reliability.MaxPacketLifeTime != nil {
			assert.NotNil(t, parsed.reliability.MaxPacketLifeTime, name)
			assert.Equal(t, *open.reliability.MaxPacketLifeTime, *parsed.reliability.MaxPacketLifeTime, name)
		} else {
			assert.Nil(t, parsed.reliability.MaxPacketLifeTime, name)
		}
	}
}

func TestDCEPOpenChannelTypes(t *testing.T) {
	retransmits := uint32(7)
	open := &dcepOpen{reliability: &Reliability{Unordered: true, MaxRetransmits: &retransmits}}
	buf := open.marshal()
	assert.Equal(t, byte(dcepChannelPartialReliableRexmitUnordered), buf[1])

	lifetime := time.Second
	open = &dcepOpen{reliability: &Reliability{MaxPacketLifeTime: &lifetime}}
	buf = open.marshal()
	assert.Equal(t, byte(dcepChannelPartialReliableTimed), buf[1])
}

func TestDCEPOpenTruncated(t *testing.T) {
	open := &dcepOpen{label: "truncate-me", reliability: &Reliability{}}
	buf := open.marshal()

	_, err := parseDCEPOpen(buf[:8])
	assert.Error(t, err)

	// Length fields promising more than the buffer holds.
	_, err = parseDCEPOpen(buf[:dcepOpenHeaderSize+2])
	assert.Error(t, err)
}

func TestDCEPSingleByteMessages(t *testing.T) {
	assert.Equal(t, []byte{0x02}, marshalDCEPAck())
	assert.Equal(t, []byte{0x04}, marshalDCEPClose())
}

func TestReliabilityMutualExclusion(t *testing.T) {
	lifetime := time.Second
	retransmits := uint32(1)

	assert.NoError(t, (&Reliability{}).validate())
	assert.NoError(t, (&Reliability{MaxPacketLifeTime: &lifetime}).validate())
	assert.NoError(t, (&Reliability{MaxRetransmits: &retransmits}).validate())
	assert.Error(t, (&Reliability{
		MaxPacketLifeTime: &lifetime,
		MaxRetransmits:    &retransmits,
	}).validate())
}
