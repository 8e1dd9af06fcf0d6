// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func controlMessageFromRTCP(t *testing.T, packet rtcp.Packet) *Message {
	t.Helper()
	raw, err := packet.Marshal()
	assert.NoError(t, err)
	return NewControlMessage(0, raw)
}

func TestNackResponderRetransmits(t *testing.T) {
	responder := NewRTCPNackResponder(16)

	var sent []*Message
	send := func(msg *Message) error {
		sent = append(sent, msg)
		return nil
	}

	original := makeRTPMessage(t, 100, 960, false, []byte{0xaa})
	responder.Outgoing([]*Message{original}, nil)

	nack := &rtcp.TransportLayerNack{
		MediaSSRC: 42,
		Nacks:     rtcp.NackPairsFromSequenceNumbers([]uint16{100, 101}),
	}
	responder.Incoming([]*Message{controlMessageFromRTCP(t, nack)}, send)

	// Sequence 100 is stored, 101 is silently skipped.
	assert.Len(t, sent, 1)
	assert.Equal(t, original.Data, sent[0].Data)
}

func TestNackResponderEvictsOldest(t *testing.T) {
	responder := NewRTCPNackResponder(2)

	for seq := uint16(1); seq <= 3; seq++ {
		responder.Outgoing([]*Message{makeRTPMessage(t, seq, 960, false, []byte{byte(seq)})}, nil)
	}

	var sent []*Message
	send := func(msg *Message) error {
		sent = append(sent, msg)
		return nil
	}
	nack := &rtcp.TransportLayerNack{
		Nacks: rtcp.NackPairsFromSequenceNumbers([]uint16{1, 2, 3}),
	}
	responder.Incoming([]*Message{controlMessageFromRTCP(t, nack)}, send)
	assert.Len(t, sent, 2)
}

func TestNackRequesterDetectsGap(t *testing.T) {
	requester := NewRTCPNackRequester()
	requester.JitterWindow = 0

	var sent []*Message
	send := func(msg *Message) error {
		sent = append(sent, msg)
		return nil
	}

	requester.Incoming([]*Message{makeRTPMessage(t, 10, 960, false, []byte{1})}, send)
	assert.Empty(t, sent)

	// 11 goes missing.
	requester.Incoming([]*Message{makeRTPMessage(t, 12, 960, false, []byte{1})}, send)
	assert.Len(t, sent, 1)

	packets, err := rtcp.Unmarshal(sent[0].Data)
	assert.NoError(t, err)
	nack, ok := packets[0].(*rtcp.TransportLayerNack)
	assert.True(t, ok)
	missing := []uint16{}
	for _, pair := range nack.Nacks {
		pair.Range(func(seq uint16) bool {
			missing = append(missing, seq)
			return true
		})
	}
	assert.Equal(t, []uint16{11}, missing)
}

func TestNackRequesterStopsAfterMaxRequests(t *testing.T) {
	requester := NewRTCPNackRequester()
	requester.JitterWindow = 0
	requester.ResendInterval = 0
	requester.MaxRequests = 2

	var count int
	send := func(*Message) error {
		count++
		return nil
	}

	requester.Incoming([]*Message{makeRTPMessage(t, 1, 960, false, []byte{1})}, send)
	for i := 0; i < 5; i++ {
		requester.Incoming([]*Message{makeRTPMessage(t, uint16(3+i), 960, false, []byte{1})}, send)
	}
	assert.LessOrEqual(t, count, 2)
}

func TestPLIHandler(t *testing.T) {
	var fired int
	handler := NewPLIHandler(func() { fired++ })

	pli := &rtcp.PictureLossIndication{SenderSSRC: 1, MediaSSRC: 2}
	handler.Incoming([]*Message{controlMessageFromRTCP(t, pli)}, nil)
	assert.Equal(t, 1, fired)

	fir := &rtcp.FullIntraRequest{SenderSSRC: 1, MediaSSRC: 2,
		FIR: []rtcp.FIREntry{{SSRC: 2, SequenceNumber: 1}}}
	handler.Incoming([]*Message{controlMessageFromRTCP(t, fir)}, nil)
	assert.Equal(t, 2, fired)

	// RTP passes through without firing.
	handler.Incoming([]*Message{makeRTPMessage(t, 1, 0, false, []byte{1})}, nil)
	assert.Equal(t, 2, fired)
}

func TestREMBHandler(t *testing.T) {
	var got uint
	handler := NewREMBHandler(func(bps uint) { got = bps })

	remb := &rtcp.ReceiverEstimatedMaximumBitrate{
		Bitrate: 1_000_000,
		SSRCs:   []uint32{42},
	}
	handler.Incoming([]*Message{controlMessageFromRTCP(t, remb)}, nil)
	assert.Equal(t, uint(1_000_000), got)
}

func TestSRReporter(t *testing.T) {
	config := NewRTPPacketizationConfig(7, "stream", 96, 90000)
	reporter := NewRTCPSRReporter(config)
	reporter.SetStartTimeUnix(1_600_000_000, 0)

	var reports []*Message
	send := func(msg *Message) error {
		reports = append(reports, msg)
		return nil
	}

	reporter.Outgoing([]*Message{makeRTPMessage(t, 1, 90000, false, []byte{1, 2, 3})}, send)
	assert.Empty(t, reports)
	assert.Equal(t, uint32(1), reporter.PacketCount())

	reporter.MarkNeedsReport()
	reporter.Outgoing([]*Message{makeRTPMessage(t, 2, 90000, false, []byte{4, 5})}, send)
	assert.Len(t, reports, 1)

	packets, err := rtcp.Unmarshal(reports[0].Data)
	assert.NoError(t, err)
	sr, ok := packets[0].(*rtcp.SenderReport)
	assert.True(t, ok)
	assert.Equal(t, uint32(7), sr.SSRC)
	assert.Equal(t, uint32(2), sr.PacketCount)
	assert.Equal(t, uint32(90000), sr.RTPTime)

	// One second of RTP time on top of the configured wall clock start.
	assert.Equal(t, uint64(1_600_000_001+ntpEpochOffset), sr.NTPTime>>32)
}

func TestTWCCHandlerStampsExtension(t *testing.T) {
	handler := NewTWCCHandler(5)

	first := makeRTPMessage(t, 1, 0, false, []byte{1})
	second := makeRTPMessage(t, 2, 0, false, []byte{2})
	handler.Outgoing([]*Message{first}, nil)
	handler.Outgoing([]*Message{second}, nil)

	for i, msg := range []*Message{first, second} {
		packet := &rtp.Packet{}
		assert.NoError(t, packet.Unmarshal(msg.Data))
		ext := packet.GetExtension(5)
		assert.Len(t, ext, 2)
		assert.Equal(t, uint16(i+1), uint16(ext[0])<<8|uint16(ext[1]))
	}
}

func TestPacingHandlerDrains(t *testing.T) {
	pacer := NewPacingHandler(800_000, 10*time.Millisecond)
	defer pacer.Close()

	var sentMu []*Message
	done := make(chan struct{})
	send := func(msg *Message) error {
		sentMu = append(sentMu, msg)
		if len(sentMu) == 2 {
			close(done)
		}
		return nil
	}

	out := pacer.Outgoing([]*Message{
		makeRTPMessage(t, 1, 0, false, make([]byte, 100)),
		makeRTPMessage(t, 2, 0, false, make([]byte, 100)),
	}, send)
	// Packets are buffered, not passed through.
	assert.Empty(t, out)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pacer did not drain")
	}
}

func TestReceivingSessionAnswersRequests(t *testing.T) {
	session := NewRTCPReceivingSession()

	var sent []*Message
	send := func(msg *Message) error {
		sent = append(sent, msg)
		return nil
	}

	// No SSRC tracked yet.
	assert.False(t, session.RequestKeyframe(send))

	session.Incoming([]*Message{makeRTPMessage(t, 1, 0, false, []byte{1})}, send)
	assert.Equal(t, uint32(42), session.SenderSSRC())

	assert.True(t, session.RequestKeyframe(send))
	assert.True(t, session.RequestBitrate(500_000, send))
	assert.Len(t, sent, 2)

	packets, err := rtcp.Unmarshal(sent[0].Data)
	assert.NoError(t, err)
	_, ok := packets[0].(*rtcp.PictureLossIndication)
	assert.True(t, ok)
}
